package inference

import (
	"context"
	"errors"
	"testing"

	"formsight/internal/frames"
	"formsight/internal/services"
)

func litFrame(w, h int) (frames.Frame, []byte) {
	pixels := make([]byte, w*h)
	for i := range pixels {
		pixels[i] = byte(64 + i%128)
	}
	return frames.Frame{Number: 0, Width: w, Height: h, PixelBytes: len(pixels), QualityScore: 0.8}, pixels
}

func TestCentroidEngineProducesFullSkeleton(t *testing.T) {
	frame, pixels := litFrame(32, 16)
	got, err := NewCentroidEngine().Infer(context.Background(), frame, pixels)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if len(got.Points) != len(landmarkNames) {
		t.Fatalf("got %d landmarks, want %d", len(got.Points), len(landmarkNames))
	}
	if got.Overall != 0.8 {
		t.Fatalf("confidence %v should come from the frame's quality score", got.Overall)
	}
	for _, p := range got.Points {
		if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
			t.Fatalf("landmark %s outside normalized bounds: (%v, %v)", p.Name, p.X, p.Y)
		}
	}
}

func TestCentroidEngineDefaultConfidence(t *testing.T) {
	frame, pixels := litFrame(8, 8)
	frame.QualityScore = 0
	got, err := NewCentroidEngine().Infer(context.Background(), frame, pixels)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if got.Overall != 0.5 {
		t.Fatalf("expected fallback confidence 0.5, got %v", got.Overall)
	}
}

func TestCentroidEngineRejectsUnusableFrames(t *testing.T) {
	eng := NewCentroidEngine()
	ctx := context.Background()

	if _, err := eng.Infer(ctx, frames.Frame{Width: 8, Height: 8}, nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("empty pixels: expected validation error, got %v", err)
	}
	black := make([]byte, 64)
	if _, err := eng.Infer(ctx, frames.Frame{Width: 8, Height: 8, PixelBytes: 64}, black); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("black frame: expected validation error, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	frame, pixels := litFrame(8, 8)
	if _, err := eng.Infer(cancelled, frame, pixels); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled ctx: got %v", err)
	}
}
