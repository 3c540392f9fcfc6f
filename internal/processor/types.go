package processor

import (
	"context"
	"sync"
	"time"

	"formsight/internal/frames"
	"formsight/internal/inference"
)

// State is the processor's lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StatePaused     State = "paused"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Options tunes a single processing run.
type Options struct {
	Exercise string
}

// Progress is emitted after every chunk.
type Progress struct {
	// Stage labels the phase the run is in: "extracting" or "processing".
	Stage         string
	Current       int
	Total         int
	Percentage    float64
	EstimatedLeft time.Duration
}

// Stage labels published on the progress stream.
const (
	StageExtracting = "extracting"
	StageProcessing = "processing"
)

// FrameResult is the outcome for one frame. Err is nil on success.
type FrameResult struct {
	Frame     frames.Frame
	Landmarks inference.Landmarks
	Err       error
}

// Result is the final outcome of a run. Successes are ordered by ascending
// frame number; Failures are reported separately and never abort a chunk.
type Result struct {
	URI       string
	Exercise  string
	State     State
	Successes []FrameResult
	Failures  []FrameResult
	Elapsed   time.Duration
}

// Handle tracks one asynchronous processing run. Progress delivers the
// latest per-chunk snapshot; slow consumers only ever miss intermediate
// updates, never the final state.
type Handle struct {
	progress chan Progress
	done     chan struct{}

	mu     sync.Mutex
	result *Result
	err    error
}

func newHandle() *Handle {
	return &Handle{
		progress: make(chan Progress, 1),
		done:     make(chan struct{}),
	}
}

// Progress returns the channel carrying per-chunk progress snapshots. The
// channel closes when the run finishes.
func (h *Handle) Progress() <-chan Progress {
	return h.progress
}

// Wait blocks until the run finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Done returns a channel closed when the run finishes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) publish(p Progress) {
	// Keep only the latest snapshot for slow consumers.
	select {
	case h.progress <- p:
	default:
		select {
		case <-h.progress:
		default:
		}
		select {
		case h.progress <- p:
		default:
		}
	}
}

func (h *Handle) finish(result *Result, err error) {
	h.mu.Lock()
	h.result = result
	h.err = err
	h.mu.Unlock()
	close(h.done)
	close(h.progress)
}
