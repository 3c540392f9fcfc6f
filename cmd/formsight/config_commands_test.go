package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"config", "validate"}, "")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	target := filepath.Join(env.baseDir, "generated", "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, env.configPath)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")

	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	// A second init without --overwrite refuses to clobber the file.
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, env.configPath); err == nil {
		t.Fatal("expected refusal to overwrite existing config")
	}
}

func TestAnalyzeRequiresExercise(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"analyze", "/videos/squat.mp4"}, env.configPath)
	if err == nil {
		t.Fatal("expected missing --exercise error")
	}
	requireContains(t, err.Error(), "--exercise is required")
}
