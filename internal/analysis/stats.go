package analysis

import (
	"context"
	"time"

	"formsight/internal/device"
	"formsight/internal/governor"
	"formsight/internal/jobqueue"
	"formsight/internal/processor"
)

// PerformanceStats is the read-only dashboard snapshot of the pipeline.
type PerformanceStats struct {
	Tier           device.Tier
	Mode           governor.Mode
	Governor       governor.Snapshot
	ProcessorState processor.State
	ProcessorStage string
	ActiveVideo    string
	QueueStats     map[jobqueue.State]int
	ActiveJobs     int
	SchedulerIdle  bool
	PoolInUse      int
	PoolCapacity   int
	CacheBytes     int64
	CacheEntries   int
	SampledAt      time.Time
}

// PerformanceStats gathers the current state of every component. It never
// fails; unavailable pieces are zero-valued.
func (o *Orchestrator) PerformanceStats(ctx context.Context) PerformanceStats {
	stats := PerformanceStats{
		Tier:           o.profile.Tier,
		Mode:           o.mode.Get(),
		Governor:       o.gov.Check(ctx),
		ProcessorState: o.proc.State(),
		ProcessorStage: o.proc.ActiveStage(),
		ActiveVideo:    o.proc.ActiveURI(),
		ActiveJobs:     o.sched.ActiveJobs(),
		SchedulerIdle:  o.sched.Paused(),
		PoolInUse:      o.pool.InUse(),
		PoolCapacity:   o.pool.Capacity(),
		CacheBytes:     o.cache.UsedBytes(),
		CacheEntries:   o.cache.Len(),
		SampledAt:      time.Now().UTC(),
	}
	if queueStats, err := o.store.Stats(ctx); err == nil {
		stats.QueueStats = queueStats
	}
	return stats
}

// CancelJob cancels a queued or in-flight job.
func (o *Orchestrator) CancelJob(ctx context.Context, id string, remove bool) error {
	return o.sched.Cancel(ctx, id, remove)
}

// GetJob fetches one job by id.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*jobqueue.Job, error) {
	return o.store.GetByID(ctx, id)
}

// QueueStats counts jobs per state.
func (o *Orchestrator) QueueStats(ctx context.Context) (map[jobqueue.State]int, error) {
	return o.store.Stats(ctx)
}

// ClearCompletedJobs removes completed and cancelled jobs.
func (o *Orchestrator) ClearCompletedJobs(ctx context.Context) (int64, error) {
	return o.store.ClearStates(ctx, jobqueue.StateCompleted, jobqueue.StateCancelled)
}
