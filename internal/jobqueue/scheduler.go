package jobqueue

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"formsight/internal/config"
	"formsight/internal/device"
	"formsight/internal/governor"
	"formsight/internal/logging"
	"formsight/internal/services"
)

// Executor runs one kind of job. Execution errors are retried with backoff
// up to the configured ceiling.
type Executor interface {
	Execute(ctx context.Context, job *Job) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job *Job) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// Gate is the hard processing gate every scheduling decision consults.
type Gate interface {
	CanProcess(ctx context.Context) bool
}

// Scheduler drains the persisted queue on a fixed tick under a
// tier-dependent concurrency cap. Scheduling pauses while the host app is
// backgrounded; in-flight jobs keep running to completion or their next
// cancellation checkpoint.
type Scheduler struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *Store
	tier      device.Tier
	gate      Gate
	battery   governor.BatterySource
	network   governor.NetworkSource
	executors map[PayloadKind]Executor

	mu      sync.Mutex
	running map[string]context.CancelFunc
	paused  bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler wires the queue's processing loop.
func NewScheduler(cfg *config.Config, logger *slog.Logger, store *Store, tier device.Tier, gate Gate, battery governor.BatterySource, network governor.NetworkSource) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "queue-scheduler"),
		store:     store,
		tier:      tier,
		gate:      gate,
		battery:   battery,
		network:   network,
		executors: make(map[PayloadKind]Executor),
		running:   make(map[string]context.CancelFunc),
	}
}

// Register installs the executor for one payload kind.
func (s *Scheduler) Register(kind PayloadKind, exec Executor) {
	s.executors[kind] = exec
}

// Enqueue persists a job and returns its id. The next tick picks it up.
func (s *Scheduler) Enqueue(ctx context.Context, job *Job) (string, error) {
	id, err := s.store.Enqueue(ctx, job)
	if err != nil {
		return "", err
	}
	s.logger.Info("job enqueued",
		logging.String(logging.FieldEventType, "job_enqueued"),
		logging.String(logging.FieldJobID, id),
		logging.String("kind", string(job.Payload.Kind)),
		logging.String("priority", job.Priority.String()),
	)
	return id, nil
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return services.Wrap(services.ErrValidation, "queue-scheduler", "start", "scheduler already running", nil)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(loopCtx)
	return nil
}

// Stop halts scheduling and waits for in-flight jobs to finish their
// current attempt.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.started = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Pause stops starting new jobs. Called on app-background transitions and
// by the governor during emergency cleanup.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.logger.Info("scheduling paused", logging.String(logging.FieldEventType, "scheduling_paused"))
}

// Resume restarts scheduling on the next tick.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	s.logger.Info("scheduling resumed", logging.String(logging.FieldEventType, "scheduling_resumed"))
}

// Cancel marks a job cancelled and fires its cooperative cancellation token
// if the job is in flight. Cancelling twice, or cancelling an unknown id,
// is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, id string, remove bool) error {
	if err := s.store.CancelJob(ctx, id, remove); err != nil {
		return err
	}
	s.mu.Lock()
	cancel, inFlight := s.running[id]
	s.mu.Unlock()
	if inFlight {
		cancel()
	}
	return nil
}

// Tick runs one scheduling pass: it starts every eligible pending job the
// concurrency cap allows. Safe to call repeatedly and concurrently with the
// background loop.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	paused := s.paused
	active := len(s.running)
	s.mu.Unlock()
	if paused {
		return
	}
	capacity := s.jobCap() - active
	if capacity <= 0 {
		return
	}
	if s.gate != nil && !s.gate.CanProcess(ctx) {
		return
	}

	due, err := s.store.PendingDue(ctx, time.Now())
	if err != nil {
		s.logger.Warn("queue poll failed", logging.Error(err))
		return
	}
	for _, job := range due {
		if capacity <= 0 {
			return
		}
		if !s.eligible(ctx, job) {
			continue
		}
		claimed, err := s.store.MarkProcessing(ctx, job.ID)
		if err != nil {
			s.logger.Warn("job claim failed", logging.String(logging.FieldJobID, job.ID), logging.Error(err))
			continue
		}
		if !claimed {
			continue
		}
		s.launch(ctx, job)
		capacity--
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.Queue.PollInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// eligible checks the job's execution condition. An ineligible job stays
// pending for the next tick; that is not an error.
func (s *Scheduler) eligible(ctx context.Context, job *Job) bool {
	switch job.Condition {
	case ConditionWifiOnly:
		if s.network == nil {
			return false
		}
		kind, err := s.network.Network(ctx)
		return err == nil && kind == governor.NetworkWifi
	case ConditionChargingOnly:
		if s.battery == nil {
			return false
		}
		status, err := s.battery.Battery(ctx)
		return err == nil && status.Present && status.State == governor.BatteryCharging
	case ConditionIdleOnly:
		s.mu.Lock()
		idle := len(s.running) == 0
		s.mu.Unlock()
		return idle
	default:
		return true
	}
}

func (s *Scheduler) launch(parent context.Context, job *Job) {
	timeout := time.Duration(s.cfg.Queue.JobTimeoutSeconds) * time.Second
	jobCtx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	s.running[job.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.running, job.ID)
			s.mu.Unlock()
		}()

		attemptCtx := jobCtx
		var timeoutCancel context.CancelFunc
		if timeout > 0 {
			attemptCtx, timeoutCancel = context.WithTimeout(jobCtx, timeout)
			defer timeoutCancel()
		}
		attemptCtx = services.WithJobID(attemptCtx, job.ID)

		s.logger.Info("job started",
			logging.String(logging.FieldEventType, "job_started"),
			logging.String(logging.FieldJobID, job.ID),
			logging.String("kind", string(job.Payload.Kind)),
		)

		err := s.execute(attemptCtx, job)
		s.settle(job, err, jobCtx)
	}()
}

func (s *Scheduler) execute(ctx context.Context, job *Job) error {
	exec, ok := s.executors[job.Payload.Kind]
	if !ok {
		return services.Wrap(services.ErrConfiguration, "queue-scheduler", "execute",
			"no executor registered for payload kind "+string(job.Payload.Kind), nil)
	}
	done := make(chan error, 1)
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeat(hbCtx, job.ID)

	go func() { done <- exec.Execute(ctx, job) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The attempt timed out or was cancelled; the executor observes
		// ctx at its next checkpoint.
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) heartbeat(ctx context.Context, id string) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.UpdateHeartbeat(ctx, id); err != nil {
				return
			}
		}
	}
}

// settle records the attempt's outcome: completion, cancellation, terminal
// failure at the retry ceiling, or a deferred retry with doubled backoff.
func (s *Scheduler) settle(job *Job, execErr error, jobCtx context.Context) {
	ctx := context.Background()
	switch {
	case execErr == nil:
		if err := s.store.CompleteJob(ctx, job.ID); err != nil {
			s.logger.Warn("job completion not persisted", logging.String(logging.FieldJobID, job.ID), logging.Error(err))
		}
		s.logger.Info("job completed",
			logging.String(logging.FieldEventType, "job_completed"),
			logging.String(logging.FieldJobID, job.ID),
		)
	case errors.Is(jobCtx.Err(), context.Canceled):
		// The job's own token fired: cancellation, not failure. The store
		// row was already marked cancelled (or removed) by Cancel.
		s.logger.Info("job cancelled",
			logging.String(logging.FieldEventType, "job_cancelled"),
			logging.String(logging.FieldJobID, job.ID),
		)
	default:
		retries := job.Retries + 1
		if retries > s.maxRetries() {
			retries = s.maxRetries()
		}
		final := retries >= s.maxRetries() || !services.Retryable(execErr)
		next := time.Now().UTC().Add(s.backoff(retries))
		if err := s.store.FailAttempt(ctx, job.ID, execErr.Error(), retries, next, final); err != nil {
			s.logger.Warn("job failure not persisted", logging.String(logging.FieldJobID, job.ID), logging.Error(err))
		}
		s.logger.Warn("job attempt failed",
			logging.String(logging.FieldEventType, "job_failed"),
			logging.String(logging.FieldJobID, job.ID),
			logging.Int("retries", retries),
			logging.Bool("final", final),
			logging.Error(execErr),
		)
	}
}

func (s *Scheduler) maxRetries() int {
	if s.cfg.Queue.MaxRetries < 0 {
		return 0
	}
	return s.cfg.Queue.MaxRetries
}

// backoff doubles from the base per retry, capped at the configured
// maximum.
func (s *Scheduler) backoff(retries int) time.Duration {
	base := time.Duration(s.cfg.Queue.RetryBaseSeconds) * time.Second
	if base <= 0 {
		base = 2 * time.Second
	}
	max := time.Duration(s.cfg.Queue.RetryMaxSeconds) * time.Second
	if max <= 0 {
		max = 60 * time.Second
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(retries-1)))
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

func (s *Scheduler) jobCap() int {
	profile := device.Profile{Tier: s.tier}
	limit := profile.JobCap()
	if max := s.cfg.Queue.MaxConcurrent; max > 0 && limit > max {
		limit = max
	}
	return limit
}

// ActiveJobs reports how many jobs are currently executing.
func (s *Scheduler) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Paused reports whether scheduling is suspended.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}
