// Package inference defines the pose-landmark estimation contract consumed
// by the video processor. The production estimator is an external model;
// this package owns the interface and a lightweight geometric fallback.
package inference

import (
	"context"

	"formsight/internal/frames"
	"formsight/internal/services"
)

// Landmark is one estimated body point in normalized frame coordinates.
type Landmark struct {
	Name       string  `json:"name"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
}

// Landmarks is the full pose estimate for one frame.
type Landmarks struct {
	Points  []Landmark `json:"points"`
	Overall float64    `json:"overall_confidence"`
}

// Engine estimates pose landmarks for a single frame. Failures are surfaced
// per frame; the processor isolates them from the rest of the chunk.
type Engine interface {
	Infer(ctx context.Context, frame frames.Frame, pixels []byte) (Landmarks, error)
}

// landmarkNames is the minimal joint set used for form scoring.
var landmarkNames = []string{
	"nose", "left_shoulder", "right_shoulder", "left_hip", "right_hip",
	"left_knee", "right_knee", "left_ankle", "right_ankle",
}

// CentroidEngine is a dependency-free estimator that places landmarks from
// the brightness centroid of the frame. It exists so the pipeline runs end
// to end without an external model; accuracy is not its job.
type CentroidEngine struct{}

// NewCentroidEngine returns the fallback estimator.
func NewCentroidEngine() *CentroidEngine {
	return &CentroidEngine{}
}

// Infer derives a coarse skeletal guess anchored at the frame's brightness
// centroid. Frames with no usable pixels fail.
func (e *CentroidEngine) Infer(ctx context.Context, frame frames.Frame, pixels []byte) (Landmarks, error) {
	if err := ctx.Err(); err != nil {
		return Landmarks{}, err
	}
	if frame.Width <= 0 || frame.Height <= 0 || len(pixels) == 0 {
		return Landmarks{}, services.Wrap(services.ErrValidation, "inference", "infer", "frame has no pixel data", nil)
	}

	n := frame.Width * frame.Height
	if n > len(pixels) {
		n = len(pixels)
	}
	var total, sumX, sumY float64
	for i := 0; i < n; i++ {
		v := float64(pixels[i])
		total += v
		sumX += v * float64(i%frame.Width)
		sumY += v * float64(i/frame.Width)
	}
	if total == 0 {
		return Landmarks{}, services.Wrap(services.ErrValidation, "inference", "infer", "frame is entirely black", nil)
	}
	cx := sumX / total / float64(frame.Width)
	cy := sumY / total / float64(frame.Height)

	confidence := frame.QualityScore
	if confidence == 0 {
		confidence = 0.5
	}
	points := make([]Landmark, 0, len(landmarkNames))
	for i, name := range landmarkNames {
		// Spread joints vertically around the centroid.
		offset := (float64(i)/float64(len(landmarkNames)-1) - 0.5) * 0.6
		points = append(points, Landmark{
			Name:       name,
			X:          clamp01(cx),
			Y:          clamp01(cy + offset),
			Confidence: confidence,
		})
	}
	return Landmarks{Points: points, Overall: confidence}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
