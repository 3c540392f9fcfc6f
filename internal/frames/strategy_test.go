package frames

import (
	"testing"

	"formsight/internal/config"
	"formsight/internal/device"
	"formsight/internal/governor"
)

func TestFocusRegionByExercise(t *testing.T) {
	cases := map[string]FocusRegion{
		"squat":    FocusLowerBody,
		"deadlift": FocusLowerBody,
		"lunge":    FocusLowerBody,
		"pushup":   FocusUpperBody,
		"pullup":   FocusUpperBody,
		"plank":    FocusFullBody,
		"sprint":   FocusFullBody,
		"SQUAT":    FocusLowerBody,
		"unknown":  FocusFullBody,
	}
	for exercise, want := range cases {
		if got := FocusRegionFor(exercise); got != want {
			t.Errorf("FocusRegionFor(%q) = %v, want %v", exercise, got, want)
		}
	}
}

func TestSamplingRateInverseToDuration(t *testing.T) {
	cfg := config.Default()
	short := CalculateExtractionStrategy(cfg, device.TierMedium, governor.ModeBalanced,
		VideoMetadata{DurationSeconds: 10, Width: 1280, Height: 720}, "squat")
	long := CalculateExtractionStrategy(cfg, device.TierMedium, governor.ModeBalanced,
		VideoMetadata{DurationSeconds: 300, Width: 1280, Height: 720}, "squat")
	if short.SamplingRate <= long.SamplingRate {
		t.Fatalf("short clip sampled no denser than long clip: %v vs %v", short.SamplingRate, long.SamplingRate)
	}
}

func TestSamplingRateScalesWithTierAndMode(t *testing.T) {
	cfg := config.Default()
	meta := VideoMetadata{DurationSeconds: 30, Width: 1280, Height: 720}

	low := CalculateExtractionStrategy(cfg, device.TierLow, governor.ModeBalanced, meta, "squat")
	high := CalculateExtractionStrategy(cfg, device.TierHigh, governor.ModeBalanced, meta, "squat")
	if low.SamplingRate >= high.SamplingRate {
		t.Fatalf("low tier sampled at %v, high tier at %v", low.SamplingRate, high.SamplingRate)
	}

	saver := CalculateExtractionStrategy(cfg, device.TierHigh, governor.ModeBatterySaver, meta, "squat")
	if saver.SamplingRate >= high.SamplingRate {
		t.Fatal("battery_saver should dampen the sampling rate")
	}
}

func TestSamplingRateClampedToBounds(t *testing.T) {
	cfg := config.Default()
	cfg.Processing.MinFrameRate = 1.0
	cfg.Processing.MaxFrameRate = 3.0

	dense := CalculateExtractionStrategy(cfg, device.TierHigh, governor.ModeQuality,
		VideoMetadata{DurationSeconds: 5, Width: 640, Height: 480}, "squat")
	if dense.SamplingRate > 3.0 {
		t.Fatalf("rate above max: %v", dense.SamplingRate)
	}
	sparse := CalculateExtractionStrategy(cfg, device.TierLow, governor.ModeBatterySaver,
		VideoMetadata{DurationSeconds: 600, Width: 640, Height: 480}, "squat")
	if sparse.SamplingRate < 1.0 {
		t.Fatalf("rate below min: %v", sparse.SamplingRate)
	}
}

func TestResolutionScalePreservesAspect(t *testing.T) {
	cfg := config.Default()
	s := CalculateExtractionStrategy(cfg, device.TierLow, governor.ModeBalanced,
		VideoMetadata{DurationSeconds: 30, Width: 1920, Height: 1080}, "squat")
	if s.TargetHeight != 480 {
		t.Fatalf("low tier should cap height at 480, got %d", s.TargetHeight)
	}
	ratio := float64(s.TargetWidth) / float64(s.TargetHeight)
	source := 1920.0 / 1080.0
	if ratio < source*0.98 || ratio > source*1.02 {
		t.Fatalf("aspect ratio drifted: %v vs %v", ratio, source)
	}
	if s.TargetWidth%2 != 0 || s.TargetHeight%2 != 0 {
		t.Fatal("dimensions must be even")
	}
}

func TestNoUpscaling(t *testing.T) {
	cfg := config.Default()
	s := CalculateExtractionStrategy(cfg, device.TierHigh, governor.ModeBalanced,
		VideoMetadata{DurationSeconds: 30, Width: 640, Height: 360}, "squat")
	if s.TargetWidth != 640 || s.TargetHeight != 360 {
		t.Fatalf("small source should not be rescaled, got %dx%d", s.TargetWidth, s.TargetHeight)
	}
	if s.ResolutionScale != 1.0 {
		t.Fatalf("expected scale 1.0, got %v", s.ResolutionScale)
	}
}
