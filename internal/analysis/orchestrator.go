// Package analysis exposes the orchestrated entry point: inline analysis
// when device conditions allow, deferred background jobs when they do not.
package analysis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"formsight/internal/config"
	"formsight/internal/device"
	"formsight/internal/frames"
	"formsight/internal/frames/decode"
	"formsight/internal/governor"
	"formsight/internal/inference"
	"formsight/internal/jobqueue"
	"formsight/internal/logging"
	"formsight/internal/perf"
	"formsight/internal/processor"
	"formsight/internal/services"
)

// Orchestrator wires the profiler, governor, monitor, optimizer, processor,
// and queue into one pipeline.
type Orchestrator struct {
	cfg     *config.Config
	logger  *slog.Logger
	profile device.Profile

	gov     *governor.Governor
	mode    *governor.ModeCell
	monitor *perf.Monitor
	pool    *frames.Pool
	cache   *frames.Cache
	opt     *frames.Optimizer
	proc    *processor.Processor
	store   *jobqueue.Store
	sched   *jobqueue.Scheduler
	power   *governor.PowerMonitor
}

// Deps carries the externally-owned collaborators.
type Deps struct {
	Store   *jobqueue.Store
	Decoder decode.Decoder
	Engine  inference.Engine
	Battery governor.BatterySource
	Network governor.NetworkSource
	Memory  governor.MemorySource
	Thermal governor.ThermalSource
}

// New profiles the device once and builds the full pipeline. Nil Deps
// fields fall back to the system-backed implementations.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps Deps) (*Orchestrator, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "orchestrator", "new", "config is required", nil)
	}
	if deps.Store == nil {
		return nil, services.Wrap(services.ErrConfiguration, "orchestrator", "new", "job store is required", nil)
	}
	if deps.Decoder == nil {
		deps.Decoder = decode.NewFFmpegDecoder(cfg.FFprobeBinary(), cfg.FFmpegBinary())
	}
	if deps.Engine == nil {
		deps.Engine = inference.NewCentroidEngine()
	}
	if deps.Battery == nil {
		deps.Battery = governor.SystemBattery{}
	}
	if deps.Network == nil {
		deps.Network = governor.SystemNetwork{}
	}
	if deps.Memory == nil {
		deps.Memory = governor.SystemMemory{}
	}
	if deps.Thermal == nil {
		deps.Thermal = governor.SystemThermal{}
	}

	profiler := device.NewProfiler(cfg, logger)
	profile := profiler.Profile(ctx)

	bufBytes := profile.ResolutionCap() * profile.ResolutionCap() * 16 / 9
	pool, err := frames.NewPool(cfg.Processing.FramePoolSize, bufBytes)
	if err != nil {
		return nil, err
	}
	cache := frames.NewCache(int64(cfg.Processing.CacheBudgetMiB) << 20)
	mode := governor.NewModeCell(governor.ModeBalanced)

	opt := frames.NewOptimizer(cfg, logger, profile.Tier, mode, deps.Decoder, pool, cache)
	monitor := perf.NewMonitor(cfg, logger, profile.Tier, deps.Battery)

	gov := governor.New(cfg, logger, mode, deps.Battery, deps.Network, deps.Memory, deps.Thermal)
	sched := jobqueue.NewScheduler(cfg, logger, deps.Store, profile.Tier, gov, deps.Battery, deps.Network)

	o := &Orchestrator{
		cfg:     cfg,
		logger:  logging.NewComponentLogger(logger, "orchestrator"),
		profile: profile,
		gov:     gov,
		mode:    mode,
		monitor: monitor,
		pool:    pool,
		cache:   cache,
		opt:     opt,
		store:   deps.Store,
		sched:   sched,
		power:   governor.NewPowerMonitor(logger, gov),
	}
	engine := &instrumentedEngine{inner: deps.Engine, monitor: monitor}
	o.proc = processor.New(cfg, logger, profile.Tier, mode, opt, pool, engine, deps.Store)

	gov.RegisterPauser(o.proc)
	gov.RegisterPauser(sched)
	gov.RegisterCleaner(cache)

	sched.Register(jobqueue.PayloadAnalyzeVideo, jobqueue.ExecutorFunc(o.executeAnalyze))
	sched.Register(jobqueue.PayloadCacheWarm, jobqueue.ExecutorFunc(o.executeCacheWarm))
	sched.Register(jobqueue.PayloadCleanup, jobqueue.ExecutorFunc(o.executeCleanup))
	return o, nil
}

// Start launches the governor, power-event monitor, and queue scheduler.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.gov.Start(ctx)
	if err := o.power.Start(ctx); err != nil {
		o.logger.Warn("power event monitoring unavailable", logging.Error(err))
	}
	return o.sched.Start(ctx)
}

// Stop halts background work. In-flight jobs finish their current attempt.
func (o *Orchestrator) Stop() {
	o.sched.Stop()
	o.power.Stop()
	o.gov.Stop()
}

// Profile returns the cached device profile.
func (o *Orchestrator) Profile() device.Profile {
	return o.profile
}

// EnterBackground pauses scheduling when the host app loses foreground.
func (o *Orchestrator) EnterBackground() {
	o.sched.Pause()
}

// EnterForeground resumes scheduling.
func (o *Orchestrator) EnterForeground() {
	o.sched.Resume()
}

// AnalyzeOptions tunes one analysis request.
type AnalyzeOptions struct {
	// Background forces the request onto the queue even when inline
	// processing is possible.
	Background bool
	Priority   jobqueue.Priority
	Condition  jobqueue.Condition
}

// AnalysisResult is the uniform outcome of Analyze. A cancelled run sets
// Cancelled rather than counting as a failure; a deferred request reports
// Queued with its job id.
type AnalysisResult struct {
	Success      bool
	Queued       bool
	Cancelled    bool
	JobID        string
	URI          string
	Exercise     string
	Frames       []processor.FrameResult
	FailedFrames int
	Summary      perf.Summary
	Error        string

	// err keeps the structured failure for in-process callers; Error is
	// its display form.
	err error
}

// Analyze is the single entry point used by callers: it runs the pipeline
// inline when the governor allows, and otherwise defers the video onto the
// background queue.
func (o *Orchestrator) Analyze(ctx context.Context, uri, exercise string, opts AnalyzeOptions) (*AnalysisResult, error) {
	if opts.Background || !o.gov.CanProcess(ctx) {
		return o.enqueueAnalysis(ctx, uri, exercise, opts)
	}
	result := o.runInline(ctx, uri, exercise)
	return result, nil
}

func (o *Orchestrator) enqueueAnalysis(ctx context.Context, uri, exercise string, opts AnalyzeOptions) (*AnalysisResult, error) {
	priority := opts.Priority
	if !priority.Valid() {
		priority = jobqueue.PriorityNormal
	}
	condition := opts.Condition
	if condition == "" {
		condition = jobqueue.ConditionAny
	}
	id, err := o.sched.Enqueue(ctx, &jobqueue.Job{
		Payload: jobqueue.Payload{
			Kind:         jobqueue.PayloadAnalyzeVideo,
			AnalyzeVideo: &jobqueue.AnalyzeVideoPayload{URI: uri, Exercise: exercise},
		},
		Priority:  priority,
		Condition: condition,
	})
	if err != nil {
		return nil, err
	}
	return &AnalysisResult{Success: true, Queued: true, JobID: id, URI: uri, Exercise: exercise}, nil
}

func (o *Orchestrator) runInline(ctx context.Context, uri, exercise string) *AnalysisResult {
	out := &AnalysisResult{URI: uri, Exercise: exercise}

	meta, err := o.opt.Probe(ctx, uri)
	if err != nil {
		out.err = err
		out.Error = err.Error()
		return out
	}
	o.monitor.StartSession(ctx, perf.VideoInfo{URI: uri, Exercise: exercise, DurationSeconds: meta.DurationSeconds})

	samplerCtx, stopSampler := context.WithCancel(ctx)
	go o.monitor.RunSampler(samplerCtx)

	handle, err := o.proc.Process(ctx, uri, processor.Options{Exercise: exercise})
	if err != nil {
		stopSampler()
		o.monitor.EndSession(ctx)
		out.err = err
		out.Error = err.Error()
		return out
	}
	go func() {
		for p := range handle.Progress() {
			if p.Total > 0 {
				o.monitor.StartProcessing(p.Total)
			}
		}
	}()

	result, err := handle.Wait(ctx)
	stopSampler()
	o.monitor.EndSession(ctx)
	out.Summary = o.monitor.Summary()

	switch {
	case err != nil:
		out.err = err
		out.Error = err.Error()
		out.Cancelled = errors.Is(err, context.Canceled)
	case result.State == processor.StateCancelled:
		out.Cancelled = true
		out.Error = "analysis cancelled"
	default:
		out.Success = true
		out.Frames = result.Successes
		out.FailedFrames = len(result.Failures)
	}
	return out
}

// instrumentedEngine feeds per-frame timing into the performance monitor
// around the real estimator.
type instrumentedEngine struct {
	inner   inference.Engine
	monitor *perf.Monitor
}

func (e *instrumentedEngine) Infer(ctx context.Context, frame frames.Frame, pixels []byte) (inference.Landmarks, error) {
	started := time.Now()
	landmarks, err := e.inner.Infer(ctx, frame, pixels)
	e.monitor.RecordFrame(frame.Number, time.Since(started), err == nil)
	return landmarks, err
}
