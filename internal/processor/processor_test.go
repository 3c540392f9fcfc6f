package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"formsight/internal/config"
	"formsight/internal/device"
	"formsight/internal/frames"
	"formsight/internal/frames/decode"
	"formsight/internal/governor"
	"formsight/internal/inference"
	"formsight/internal/logging"
)

const testW, testH = 32, 16

type fakeDecoder struct {
	frameCount int
}

func (f *fakeDecoder) Probe(context.Context, string) (decode.Metadata, error) {
	return decode.Metadata{DurationSeconds: 30, Width: testW, Height: testH, FrameRate: 30}, nil
}

func (f *fakeDecoder) Extract(ctx context.Context, _ string, fps float64, width, height int, sink func(decode.RawFrame) error) error {
	interval := time.Duration(float64(time.Second) / fps)
	for i := 0; i < f.frameCount; i++ {
		pixels := make([]byte, width*height)
		for j := range pixels {
			pixels[j] = byte((j*8 + i*50) % 256)
		}
		raw := decode.RawFrame{Number: i, Timestamp: time.Duration(i) * interval, Width: width, Height: height, Pixels: pixels}
		if err := sink(raw); err != nil {
			return err
		}
	}
	return nil
}

type fakeEngine struct {
	mu         sync.Mutex
	failFrames map[int]bool
	gate       chan struct{}
	calls      int
}

func (e *fakeEngine) Infer(ctx context.Context, frame frames.Frame, _ []byte) (inference.Landmarks, error) {
	if e.gate != nil {
		select {
		case <-ctx.Done():
			return inference.Landmarks{}, ctx.Err()
		case <-e.gate:
		}
	}
	e.mu.Lock()
	e.calls++
	fail := e.failFrames[frame.Number]
	e.mu.Unlock()
	if fail {
		return inference.Landmarks{}, errors.New("model rejected frame")
	}
	return inference.Landmarks{Overall: 0.9}, nil
}

type memKV struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemKV() *memKV { return &memKV{m: make(map[string][]byte)} }

func (k *memKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *memKV) Set(_ context.Context, key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = append([]byte(nil), value...)
	return nil
}

func (k *memKV) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, key)
	return nil
}

type harness struct {
	proc *Processor
	pool *frames.Pool
	kv   *memKV
	eng  *fakeEngine
}

func newHarness(t *testing.T, frameCount int, eng *fakeEngine) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Processing.AdaptiveSampling = false
	cfg.Processing.ChunkSize = 4
	cfg.Processing.DuplicateThreshold = 0.999

	pool, err := frames.NewPool(frameCount+2, testW*testH)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	cache := frames.NewCache(1 << 16)
	mode := governor.NewModeCell(governor.ModeBalanced)
	dec := &fakeDecoder{frameCount: frameCount}
	opt := frames.NewOptimizer(cfg, logging.NewNop(), device.TierHigh, mode, dec, pool, cache)
	kv := newMemKV()
	if eng == nil {
		eng = &fakeEngine{}
	}
	proc := New(cfg, logging.NewNop(), device.TierHigh, mode, opt, pool, eng, kv)
	return &harness{proc: proc, pool: pool, kv: kv, eng: eng}
}

func waitForState(t *testing.T, p *Processor, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if p.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, at %s", want, p.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestProcessCompletesWithOrderedSuccesses(t *testing.T) {
	h := newHarness(t, 10, nil)
	ctx := context.Background()

	handle, err := h.proc.Process(ctx, "/tmp/video.mp4", Options{Exercise: "squat"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	result, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.State != StateCompleted {
		t.Fatalf("expected completed, got %s", result.State)
	}
	if len(result.Successes) == 0 {
		t.Fatal("expected successes")
	}
	for i := 1; i < len(result.Successes); i++ {
		if result.Successes[i].Frame.Number <= result.Successes[i-1].Frame.Number {
			t.Fatal("successes out of ascending frame order")
		}
	}
	if h.pool.InUse() != 0 {
		t.Fatalf("frame buffers leaked: %d", h.pool.InUse())
	}
	if _, ok, _ := h.kv.Get(ctx, resumeKey); ok {
		t.Fatal("resume state should be cleared on completion")
	}
}

func TestProcessRejectsConcurrentRuns(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, 8, &fakeEngine{gate: gate})
	ctx := context.Background()

	handle, err := h.proc.Process(ctx, "/tmp/a.mp4", Options{Exercise: "squat"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	waitForState(t, h.proc, StateProcessing)

	if _, err := h.proc.Process(ctx, "/tmp/b.mp4", Options{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(gate)
	if _, err := handle.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// A finished processor accepts the next run.
	handle2, err := h.proc.Process(ctx, "/tmp/b.mp4", Options{})
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if _, err := handle2.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
}

func TestPerFrameFailuresAreIsolated(t *testing.T) {
	eng := &fakeEngine{failFrames: map[int]bool{2: true, 5: true}}
	h := newHarness(t, 10, eng)
	ctx := context.Background()

	handle, _ := h.proc.Process(ctx, "/tmp/video.mp4", Options{Exercise: "lunge"})
	result, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.State != StateCompleted {
		t.Fatalf("per-frame failures must not fail the run, got %s", result.State)
	}
	if len(result.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(result.Failures))
	}
	for _, s := range result.Successes {
		if s.Frame.Number == 2 || s.Frame.Number == 5 {
			t.Fatal("failed frame reported as success")
		}
	}
	if h.pool.InUse() != 0 {
		t.Fatalf("failure path leaked buffers: %d", h.pool.InUse())
	}
}

func TestCancelReleasesBuffersAndEndsCancelled(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, 12, &fakeEngine{gate: gate})
	ctx := context.Background()

	handle, _ := h.proc.Process(ctx, "/tmp/video.mp4", Options{Exercise: "squat"})
	waitForState(t, h.proc, StateProcessing)

	h.proc.Cancel()
	close(gate)

	result, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("cancellation must not surface as an error, got %v", err)
	}
	if result.State != StateCancelled {
		t.Fatalf("expected cancelled, got %s", result.State)
	}
	if h.pool.InUse() != 0 {
		t.Fatalf("cancellation leaked buffers: %d", h.pool.InUse())
	}
}

func TestCancelTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t, 4, nil)
	handle, _ := h.proc.Process(context.Background(), "/tmp/video.mp4", Options{})
	if _, err := handle.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	h.proc.Cancel()
	h.proc.Cancel()
	if st := h.proc.State(); st != StateCompleted {
		t.Fatalf("cancel after completion mutated state to %s", st)
	}
}

func TestPauseAndResumeRoundTrip(t *testing.T) {
	gate := make(chan struct{}, 64)
	h := newHarness(t, 12, &fakeEngine{gate: gate})
	ctx := context.Background()

	handle, _ := h.proc.Process(ctx, "/tmp/video.mp4", Options{Exercise: "squat"})
	waitForState(t, h.proc, StateProcessing)

	h.proc.Pause()
	waitForState(t, h.proc, StatePaused)

	// Unblock every pending and future inference call.
	for i := 0; i < 64; i++ {
		gate <- struct{}{}
	}

	h.proc.Resume()
	result, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.State != StateCompleted {
		t.Fatalf("expected completed after resume, got %s", result.State)
	}
	if h.pool.InUse() != 0 {
		t.Fatalf("pause/resume leaked buffers: %d", h.pool.InUse())
	}
}

func TestResumeFromPersistedState(t *testing.T) {
	probe := newHarness(t, 10, nil)
	ctx := context.Background()
	handle, _ := probe.proc.Process(ctx, "/tmp/video.mp4", Options{Exercise: "squat"})
	full, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	total := len(full.Successes) + len(full.Failures)

	// Simulate a relaunch that left half the video done.
	h := newHarness(t, 10, nil)
	rec := resumeRecord{URI: "/tmp/video.mp4", Exercise: "squat", Processed: total / 2, TotalFrames: total, UpdatedAt: time.Now()}
	data, _ := json.Marshal(rec)
	if err := h.kv.Set(ctx, resumeKey, data); err != nil {
		t.Fatalf("seed kv: %v", err)
	}

	handle2, _ := h.proc.Process(ctx, "/tmp/video.mp4", Options{Exercise: "squat"})
	resumed, err := handle2.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	done := len(resumed.Successes) + len(resumed.Failures)
	if done != total-total/2 {
		t.Fatalf("expected %d remaining frames, processed %d", total-total/2, done)
	}
	if h.pool.InUse() != 0 {
		t.Fatalf("resumed run leaked buffers: %d", h.pool.InUse())
	}
}

func TestStaleResumeRecordRestartsFromZero(t *testing.T) {
	h := newHarness(t, 6, nil)
	ctx := context.Background()

	// Corrupt record: must fall back to a full run, not fail.
	if err := h.kv.Set(ctx, resumeKey, []byte("{not json")); err != nil {
		t.Fatalf("seed kv: %v", err)
	}
	handle, _ := h.proc.Process(ctx, "/tmp/video.mp4", Options{Exercise: "squat"})
	result, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.State != StateCompleted {
		t.Fatalf("corrupt resume state broke the run: %s", result.State)
	}

	// Record for a different video is ignored too.
	h2 := newHarness(t, 6, nil)
	rec := resumeRecord{URI: "/tmp/other.mp4", Processed: 3, TotalFrames: 6, UpdatedAt: time.Now()}
	data, _ := json.Marshal(rec)
	_ = h2.kv.Set(ctx, resumeKey, data)
	loaded := h2.proc.loadResume(ctx, "/tmp/video.mp4")
	if loaded.Processed != 0 {
		t.Fatal("resume record for another video must be ignored")
	}
}

func TestProgressReportsChunkAdvancement(t *testing.T) {
	h := newHarness(t, 10, nil)
	ctx := context.Background()

	handle, _ := h.proc.Process(ctx, "/tmp/video.mp4", Options{Exercise: "squat"})
	var last Progress
	for p := range handle.Progress() {
		if p.Current < last.Current {
			t.Fatal("progress went backwards")
		}
		last = p
	}
	if last.Current != last.Total || last.Percentage != 100 {
		t.Fatalf("final progress incomplete: %+v", last)
	}
	if last.Stage != StageProcessing {
		t.Fatalf("final progress stage = %q", last.Stage)
	}
	if _, err := handle.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if stage := h.proc.ActiveStage(); stage != "" {
		t.Fatalf("stage not cleared after completion: %q", stage)
	}
}
