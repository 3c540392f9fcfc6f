package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"formsight/internal/jobqueue"
	"formsight/internal/logging"
	"formsight/internal/services"
)

func (o *Orchestrator) executeAnalyze(ctx context.Context, job *jobqueue.Job) error {
	payload := job.Payload.AnalyzeVideo
	result := o.runInline(ctx, payload.URI, payload.Exercise)
	if result.Success {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if result.Cancelled {
		return context.Canceled
	}
	// The structured error carries the retryable-vs-final marker; only a
	// pipeline failure without one defaults to transient.
	if result.err != nil {
		return result.err
	}
	return services.Wrap(services.ErrTransient, "orchestrator", "analyze-job", result.Error, nil)
}

// executeCacheWarm extracts and scores a video's frames so a later analysis
// hits the frame cache, then returns every buffer to the pool.
func (o *Orchestrator) executeCacheWarm(ctx context.Context, job *jobqueue.Job) error {
	payload := job.Payload.CacheWarm
	extracted, _, err := o.opt.Extract(ctx, payload.URI, payload.Exercise)
	if err != nil {
		return err
	}
	o.opt.Release(extracted)
	o.logger.Info("cache warmed",
		logging.String(logging.FieldEventType, "cache_warmed"),
		logging.String(logging.FieldJobID, job.ID),
		logging.Int("frames", len(extracted)),
	)
	return nil
}

// executeCleanup clears the frame cache and prunes completed jobs older
// than the payload's cutoff.
func (o *Orchestrator) executeCleanup(ctx context.Context, job *jobqueue.Job) error {
	o.cache.Clear()

	cutoffHours := 24
	if job.Payload.Cleanup != nil && job.Payload.Cleanup.OlderThanHours > 0 {
		cutoffHours = job.Payload.Cleanup.OlderThanHours
	}
	cutoff := time.Now().UTC().Add(-time.Duration(cutoffHours) * time.Hour)

	completed, err := o.store.List(ctx, jobqueue.StateCompleted, jobqueue.StateCancelled)
	if err != nil {
		return err
	}
	removed := 0
	var firstErr error
	for _, stale := range completed {
		if stale.UpdatedAt.After(cutoff) {
			continue
		}
		if err := o.store.CancelJob(ctx, stale.ID, true); err != nil {
			firstErr = errors.Join(firstErr, fmt.Errorf("prune %s: %w", stale.ID, err))
			continue
		}
		removed++
	}
	o.logger.Info("cleanup finished",
		logging.String(logging.FieldEventType, "cleanup_finished"),
		logging.String(logging.FieldJobID, job.ID),
		logging.Int("pruned_jobs", removed),
	)
	return firstErr
}
