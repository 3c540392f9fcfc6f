package main

import (
	"context"
	"testing"

	"formsight/internal/config"
	"formsight/internal/jobqueue"
)

func seedAnalyzeJob(t *testing.T, env *cliTestEnv) string {
	t.Helper()
	cfg, _, _, err := config.Load(env.configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	store, err := jobqueue.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	id, err := store.Enqueue(context.Background(), &jobqueue.Job{
		Payload: jobqueue.Payload{
			Kind:         jobqueue.PayloadAnalyzeVideo,
			AnalyzeVideo: &jobqueue.AnalyzeVideoPayload{URI: "/videos/squat.mp4", Exercise: "squat"},
		},
		Priority: jobqueue.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestQueueStatusEmpty(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"queue", "status"}, env.configPath)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	requireContains(t, out, "Queue is empty")
}

func TestQueueListShowsSeededJob(t *testing.T) {
	env := setupCLITestEnv(t)
	id := seedAnalyzeJob(t, env)

	out, _, err := runCLI(t, []string{"queue", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	requireContains(t, out, id)
	requireContains(t, out, "/videos/squat.mp4")
	requireContains(t, out, "high")
}

func TestQueueCancelMarksJobCancelled(t *testing.T) {
	env := setupCLITestEnv(t)
	id := seedAnalyzeJob(t, env)

	out, _, err := runCLI(t, []string{"queue", "cancel", id}, env.configPath)
	if err != nil {
		t.Fatalf("queue cancel: %v", err)
	}
	requireContains(t, out, "Cancelled job")

	out, _, err = runCLI(t, []string{"queue", "status"}, env.configPath)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	requireContains(t, out, "Cancelled")
}

func TestQueueClearRemovesTerminalJobs(t *testing.T) {
	env := setupCLITestEnv(t)
	id := seedAnalyzeJob(t, env)

	if _, _, err := runCLI(t, []string{"queue", "cancel", id}, env.configPath); err != nil {
		t.Fatalf("queue cancel: %v", err)
	}
	out, _, err := runCLI(t, []string{"queue", "clear"}, env.configPath)
	if err != nil {
		t.Fatalf("queue clear: %v", err)
	}
	requireContains(t, out, "Cleared 1 jobs")

	out, _, err = runCLI(t, []string{"queue", "status"}, env.configPath)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	requireContains(t, out, "Queue is empty")
}
