package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"formsight/internal/config"
	"formsight/internal/device"
	"formsight/internal/frames"
	"formsight/internal/governor"
	"formsight/internal/inference"
	"formsight/internal/logging"
	"formsight/internal/services"
)

// Processor drives chunked, bounded-parallel frame processing for one video
// at a time. Extraction, chunk boundaries, and individual frame calls are
// the cancellation and pause checkpoints; a worker mid-frame always
// finishes that frame first.
type Processor struct {
	cfg       *config.Config
	logger    *slog.Logger
	tier      device.Tier
	mode      *governor.ModeCell
	optimizer *frames.Optimizer
	pool      *frames.Pool
	engine    inference.Engine
	kv        KV

	mu       sync.Mutex
	state    State
	stage    string
	cancel   context.CancelFunc
	resumeCh chan struct{}
	handle   *Handle
	uri      string
}

// New builds a processor around a shared pool and optimizer.
func New(cfg *config.Config, logger *slog.Logger, tier device.Tier, mode *governor.ModeCell, optimizer *frames.Optimizer, pool *frames.Pool, engine inference.Engine, kv KV) *Processor {
	return &Processor{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "video-processor"),
		tier:      tier,
		mode:      mode,
		optimizer: optimizer,
		pool:      pool,
		engine:    engine,
		kv:        kv,
		state:     StateIdle,
	}
}

// State returns the current lifecycle state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ActiveURI returns the video being processed, or empty when no run is
// active.
func (p *Processor) ActiveURI() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uri
}

// ActiveStage reports the current run phase (extracting or processing), or
// empty when no run is active.
func (p *Processor) ActiveStage() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

func (p *Processor) setStage(stage string) {
	p.mu.Lock()
	p.stage = stage
	p.mu.Unlock()
}

// ActiveHandle returns the handle for the in-flight run, if any.
func (p *Processor) ActiveHandle() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle
}

// ErrBusy marks a Process call made while a run is active.
var ErrBusy = services.Wrap(services.ErrValidation, "video-processor", "process", "already processing a video", nil)

// Process starts an asynchronous run and returns its handle. Only the idle
// state accepts a new run.
func (p *Processor) Process(ctx context.Context, uri string, opts Options) (*Handle, error) {
	p.mu.Lock()
	if p.state != StateIdle && p.state.Terminal() {
		// Terminal states reset implicitly on the next run.
		p.state = StateIdle
	}
	if p.state != StateIdle {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	h := newHandle()
	p.state = StateProcessing
	p.cancel = cancel
	p.resumeCh = nil
	p.handle = h
	p.uri = uri
	p.mu.Unlock()

	go p.run(runCtx, uri, opts, h)
	return h, nil
}

// Cancel requests cooperative cancellation of the active run. Cancelling
// when nothing is running is a no-op.
func (p *Processor) Cancel() {
	p.mu.Lock()
	cancel := p.cancel
	resumeCh := p.resumeCh
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	// A paused run must wake up to observe the cancellation.
	if resumeCh != nil {
		p.Resume()
	}
}

// Pause suspends the run at the next chunk boundary and persists resume
// state. No-op unless processing.
func (p *Processor) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateProcessing {
		return
	}
	p.state = StatePaused
	p.resumeCh = make(chan struct{})
	p.logger.Info("processing paused", logging.String(logging.FieldEventType, "processing_paused"))
}

// Resume continues a paused run. No-op unless paused.
func (p *Processor) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePaused {
		return
	}
	p.state = StateProcessing
	if p.resumeCh != nil {
		close(p.resumeCh)
		p.resumeCh = nil
	}
	p.logger.Info("processing resumed", logging.String(logging.FieldEventType, "processing_resumed"))
}

func (p *Processor) run(ctx context.Context, uri string, opts Options, h *Handle) {
	started := time.Now()
	result := &Result{URI: uri, Exercise: opts.Exercise}

	p.setStage(StageExtracting)
	h.publish(Progress{Stage: StageExtracting})
	extracted, _, err := p.optimizer.Extract(ctx, uri, opts.Exercise)
	if err != nil {
		p.finishRun(ctx, h, result, err, started)
		return
	}

	total := len(extracted)
	start := 0
	if rec := p.loadResume(ctx, uri); rec.TotalFrames == total && rec.Processed > 0 {
		start = rec.Processed
		p.logger.Info("resuming from persisted state",
			logging.String(logging.FieldEventType, "processing_resumed_from_disk"),
			logging.Int("processed", start),
			logging.Int("total", total),
		)
	}
	// Frames already covered by a previous run go straight back to the pool.
	p.optimizer.Release(extracted[:start])

	chunkSize := p.cfg.Processing.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 10
	}

	p.setStage(StageProcessing)
	processed := start
	var chunkDurations []time.Duration
	for offset := start; offset < total; offset += chunkSize {
		if err := p.checkpoint(ctx); err != nil {
			p.optimizer.Release(extracted[offset:])
			p.finishRun(ctx, h, result, err, started)
			return
		}

		end := offset + chunkSize
		if end > total {
			end = total
		}
		chunk := extracted[offset:end]

		chunkStart := time.Now()
		successes, failures := p.processChunk(ctx, chunk)
		chunkDurations = append(chunkDurations, time.Since(chunkStart))

		result.Successes = append(result.Successes, successes...)
		result.Failures = append(result.Failures, failures...)
		processed = end

		h.publish(Progress{
			Stage:         StageProcessing,
			Current:       processed,
			Total:         total,
			Percentage:    float64(processed) / float64(total) * 100,
			EstimatedLeft: estimateRemaining(chunkDurations, total-processed, chunkSize),
		})
		p.saveResume(ctx, resumeRecord{URI: uri, Exercise: opts.Exercise, Processed: processed, TotalFrames: total})
	}

	p.finishRun(ctx, h, result, nil, started)
}

// checkpoint blocks while paused and surfaces cancellation.
func (p *Processor) checkpoint(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.mu.Lock()
		state := p.state
		gate := p.resumeCh
		p.mu.Unlock()
		if state != StatePaused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gate:
		}
	}
}

// processChunk fans the chunk out to a bounded worker set, releases every
// frame buffer regardless of outcome, and returns successes in ascending
// frame order. One frame's failure never aborts the chunk.
func (p *Processor) processChunk(ctx context.Context, chunk []frames.Extracted) ([]FrameResult, []FrameResult) {
	results := make([]FrameResult, len(chunk))
	sem := make(chan struct{}, p.workerCount())
	var wg sync.WaitGroup
	for i := range chunk {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = p.processFrame(ctx, chunk[idx])
		}(i)
	}
	wg.Wait()

	var successes, failures []FrameResult
	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, r)
			continue
		}
		successes = append(successes, r)
	}
	return successes, failures
}

func (p *Processor) processFrame(ctx context.Context, f frames.Extracted) FrameResult {
	defer p.pool.Release(f.Handle)

	out := FrameResult{Frame: f.Frame}
	pixels, err := p.pool.Buffer(f.Handle)
	if err != nil {
		out.Err = err
		return out
	}
	if f.Frame.PixelBytes < len(pixels) {
		pixels = pixels[:f.Frame.PixelBytes]
	}
	landmarks, err := p.engine.Infer(ctx, f.Frame, pixels)
	if err != nil {
		out.Err = services.Wrap(services.ErrTransient, "video-processor", "infer",
			fmt.Sprintf("frame %d inference failed", f.Frame.Number), err)
		return out
	}
	out.Landmarks = landmarks
	return out
}

// workerCount caps chunk parallelism by tier, config, and current mode.
func (p *Processor) workerCount() int {
	profile := device.Profile{Tier: p.tier}
	workers := profile.WorkerCap()
	if max := p.cfg.Processing.MaxWorkers; max > 0 && workers > max {
		workers = max
	}
	if p.mode.Get() == governor.ModeBatterySaver && workers > 1 {
		workers = workers / 2
		if workers < 1 {
			workers = 1
		}
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

func (p *Processor) finishRun(ctx context.Context, h *Handle, result *Result, runErr error, started time.Time) {
	result.Elapsed = time.Since(started)

	var waitErr error
	switch {
	case runErr == nil:
		result.State = StateCompleted
		p.clearResume(ctx)
	case errors.Is(runErr, context.Canceled):
		result.State = StateCancelled
		p.clearResume(ctx)
	default:
		result.State = StateFailed
		waitErr = runErr
	}

	p.mu.Lock()
	p.state = result.State
	p.stage = ""
	p.cancel = nil
	p.resumeCh = nil
	p.handle = nil
	p.uri = ""
	p.mu.Unlock()

	p.logger.Info("processing finished",
		logging.String(logging.FieldEventType, "processing_finished"),
		logging.String("state", string(result.State)),
		logging.Int("successes", len(result.Successes)),
		logging.Int("failures", len(result.Failures)),
		logging.Duration("elapsed", result.Elapsed),
	)
	h.finish(result, waitErr)
}

func estimateRemaining(chunks []time.Duration, framesLeft, chunkSize int) time.Duration {
	if len(chunks) == 0 || framesLeft <= 0 || chunkSize <= 0 {
		return 0
	}
	var total time.Duration
	for _, d := range chunks {
		total += d
	}
	avg := total / time.Duration(len(chunks))
	chunksLeft := (framesLeft + chunkSize - 1) / chunkSize
	return avg * time.Duration(chunksLeft)
}
