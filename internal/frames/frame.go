package frames

import "time"

// Frame is the metadata for one extracted grayscale frame. The pixel data
// lives in a pool slot addressed by the frame's Handle; PixelBytes records
// how much of the slot's buffer the frame occupies.
type Frame struct {
	Number       int
	Timestamp    time.Duration
	Width        int
	Height       int
	PixelBytes   int
	QualityScore float64
	MotionScore  float64
	KeyFrame     bool
}

// Extracted pairs a frame's metadata with its pool handle. Ownership of the
// handle moves with the value; whoever holds an Extracted releases it.
type Extracted struct {
	Frame  Frame
	Handle Handle
}
