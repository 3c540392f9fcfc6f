package decode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"formsight/internal/services"
)

func TestParseRate(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
	}{
		{"30000/1001", 29.97002997002997},
		{"25/1", 25},
		{"24", 24},
		{"0/0", 0},
		{"", 0},
		{"abc", 0},
		{"1/0", 0},
	}
	for _, tc := range cases {
		if got := parseRate(tc.raw); got != tc.want {
			t.Errorf("parseRate(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestProbeRejectsBadSources(t *testing.T) {
	dec := NewFFmpegDecoder("", "")
	ctx := context.Background()

	if _, err := dec.Probe(ctx, "  "); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("empty uri: expected validation error, got %v", err)
	}
	if _, err := dec.Probe(ctx, "/nonexistent/video.mp4"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("missing file: expected validation error, got %v", err)
	}

	empty := filepath.Join(t.TempDir(), "empty.mp4")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("write empty file: %v", err)
	}
	if _, err := dec.Probe(ctx, empty); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("empty file: expected validation error, got %v", err)
	}
}
