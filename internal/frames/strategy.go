package frames

import (
	"strings"

	"formsight/internal/config"
	"formsight/internal/device"
	"formsight/internal/governor"
)

// FocusRegion biases extraction toward the part of the body an exercise
// stresses most.
type FocusRegion string

const (
	FocusLowerBody FocusRegion = "lower_body"
	FocusUpperBody FocusRegion = "upper_body"
	FocusFullBody  FocusRegion = "full_body"
)

// ExtractionStrategy is the computed plan for one video: it is recomputed
// per video/exercise/tier triple and never persisted.
type ExtractionStrategy struct {
	SamplingRate    float64
	FocusRegion     FocusRegion
	ResolutionScale float64
	TargetWidth     int
	TargetHeight    int
}

var focusByExercise = map[string]FocusRegion{
	"squat":    FocusLowerBody,
	"deadlift": FocusLowerBody,
	"lunge":    FocusLowerBody,
	"pushup":   FocusUpperBody,
	"pullup":   FocusUpperBody,
	"plank":    FocusFullBody,
	"sprint":   FocusFullBody,
}

// FocusRegionFor looks up the focus region for an exercise. Unknown
// exercises fall back to full body.
func FocusRegionFor(exercise string) FocusRegion {
	if region, ok := focusByExercise[strings.ToLower(strings.TrimSpace(exercise))]; ok {
		return region
	}
	return FocusFullBody
}

// KnownExercises lists the exercises with a dedicated focus region.
func KnownExercises() []string {
	return []string{"deadlift", "lunge", "plank", "pullup", "pushup", "sprint", "squat"}
}

// VideoMetadata is the decoded shape of a source video.
type VideoMetadata struct {
	DurationSeconds float64
	Width           int
	Height          int
	FrameRate       float64
}

// CalculateExtractionStrategy derives the sampling plan. Sampling rate is
// inversely related to duration (short clips sampled densely), scaled up by
// device tier, damped by battery_saver mode, and clamped to the configured
// frame-rate bounds. Downscaling always preserves the source aspect ratio.
func CalculateExtractionStrategy(cfg *config.Config, tier device.Tier, mode governor.Mode, meta VideoMetadata, exercise string) ExtractionStrategy {
	rate := baseSamplingRate(meta.DurationSeconds)
	rate *= tierRateFactor(tier)
	rate *= modeRateFactor(mode)
	rate = clamp(rate, cfg.Processing.MinFrameRate, cfg.Processing.MaxFrameRate)

	scale := 1.0
	width, height := meta.Width, meta.Height
	if cap := tierResolutionCap(tier); height > cap && height > 0 {
		scale = float64(cap) / float64(height)
		width = int(float64(meta.Width)*scale + 0.5)
		height = cap
	}
	// Even dimensions keep downstream decoders happy.
	if width%2 == 1 {
		width++
	}
	if height%2 == 1 {
		height++
	}

	return ExtractionStrategy{
		SamplingRate:    rate,
		FocusRegion:     FocusRegionFor(exercise),
		ResolutionScale: scale,
		TargetWidth:     width,
		TargetHeight:    height,
	}
}

func baseSamplingRate(durationSeconds float64) float64 {
	switch {
	case durationSeconds <= 0:
		return 2.0
	case durationSeconds <= 15:
		return 4.0
	case durationSeconds <= 60:
		return 2.0
	case durationSeconds <= 180:
		return 1.0
	default:
		return 0.5
	}
}

func tierRateFactor(tier device.Tier) float64 {
	switch tier {
	case device.TierLow:
		return 0.5
	case device.TierMedium:
		return 1.0
	default:
		return 1.5
	}
}

func modeRateFactor(mode governor.Mode) float64 {
	switch mode {
	case governor.ModeBatterySaver:
		return 0.5
	case governor.ModeQuality:
		return 1.25
	default:
		return 1.0
	}
}

func tierResolutionCap(tier device.Tier) int {
	switch tier {
	case device.TierLow:
		return 480
	case device.TierMedium:
		return 720
	default:
		return 1080
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
