package jobqueue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"formsight/internal/services"
	"formsight/internal/testsupport"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(testsupport.NewConfig(t))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func analyzeJob(uri string, priority Priority) *Job {
	return &Job{
		Payload: Payload{
			Kind:         PayloadAnalyzeVideo,
			AnalyzeVideo: &AnalyzeVideoPayload{URI: uri, Exercise: "squat"},
		},
		Priority: priority,
	}
}

func TestOpenRecreatesCorruptDatabase(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	dbPath := filepath.Join(cfg.Paths.DataDir, "queue.db")
	if err := os.WriteFile(dbPath, []byte("this is not a sqlite file"), 0o644); err != nil {
		t.Fatalf("write garbage db: %v", err)
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("open over corrupt file: %v", err)
	}
	defer store.Close()

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	for state, count := range stats {
		if count != 0 {
			t.Fatalf("expected empty queue after recreate, got %d %s jobs", count, state)
		}
	}
	if _, err := store.Enqueue(context.Background(), analyzeJob("/videos/a.mp4", PriorityNormal)); err != nil {
		t.Fatalf("enqueue on recreated store: %v", err)
	}
}

func TestEnqueueAssignsIDAndPersists(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, analyzeJob("/videos/a.mp4", PriorityNormal))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("expected an assigned id")
	}

	job, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != StatePending {
		t.Fatalf("expected pending, got %s", job.State)
	}
	if job.Payload.AnalyzeVideo == nil || job.Payload.AnalyzeVideo.URI != "/videos/a.mp4" {
		t.Fatalf("payload did not round-trip: %+v", job.Payload)
	}
	if job.Condition != ConditionAny {
		t.Fatalf("expected default condition any, got %s", job.Condition)
	}
}

func TestEnqueueDuplicateIDIsNoop(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := analyzeJob("/videos/a.mp4", PriorityNormal)
	id, err := store.Enqueue(ctx, first)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	dup := analyzeJob("/videos/b.mp4", PriorityCritical)
	dup.ID = id
	if _, err := store.Enqueue(ctx, dup); err != nil {
		t.Fatalf("duplicate enqueue must be a no-op, got %v", err)
	}

	job, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Payload.AnalyzeVideo.URI != "/videos/a.mp4" {
		t.Fatal("duplicate enqueue overwrote the stored job")
	}
	jobs, _ := store.List(ctx)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
}

func TestEnqueueRejectsInvalidPayloads(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		job  *Job
	}{
		{"no variant", &Job{Payload: Payload{Kind: PayloadAnalyzeVideo}}},
		{"mismatched tag", &Job{Payload: Payload{Kind: PayloadCleanup, AnalyzeVideo: &AnalyzeVideoPayload{URI: "/v.mp4"}}}},
		{"two variants", &Job{Payload: Payload{
			Kind:         PayloadAnalyzeVideo,
			AnalyzeVideo: &AnalyzeVideoPayload{URI: "/v.mp4"},
			Cleanup:      &CleanupPayload{},
		}}},
		{"empty uri", &Job{Payload: Payload{Kind: PayloadAnalyzeVideo, AnalyzeVideo: &AnalyzeVideoPayload{}}}},
		{"bad priority", func() *Job { j := analyzeJob("/v.mp4", Priority(9)); return j }()},
	}
	for _, tc := range cases {
		if _, err := store.Enqueue(ctx, tc.job); err == nil {
			t.Errorf("%s: expected rejection", tc.name)
		} else if services.Kind(err) != "validation" {
			t.Errorf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestPendingDueOrdersByPriorityThenInsertion(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	normal1, _ := store.Enqueue(ctx, analyzeJob("/videos/n1.mp4", PriorityNormal))
	low, _ := store.Enqueue(ctx, analyzeJob("/videos/l.mp4", PriorityLow))
	critical, _ := store.Enqueue(ctx, analyzeJob("/videos/c.mp4", PriorityCritical))
	normal2, _ := store.Enqueue(ctx, analyzeJob("/videos/n2.mp4", PriorityNormal))
	high, _ := store.Enqueue(ctx, analyzeJob("/videos/h.mp4", PriorityHigh))

	due, err := store.PendingDue(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("pending due: %v", err)
	}
	want := []string{critical, high, normal1, normal2, low}
	if len(due) != len(want) {
		t.Fatalf("expected %d jobs, got %d", len(want), len(due))
	}
	for i, job := range due {
		if job.ID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, job.ID, want[i])
		}
	}
}

func TestPendingDueRespectsBackoffWindow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, _ := store.Enqueue(ctx, analyzeJob("/videos/a.mp4", PriorityNormal))
	if ok, err := store.MarkProcessing(ctx, id); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	future := time.Now().Add(time.Hour)
	if err := store.FailAttempt(ctx, id, "boom", 1, future, false); err != nil {
		t.Fatalf("fail attempt: %v", err)
	}

	due, _ := store.PendingDue(ctx, time.Now())
	if len(due) != 0 {
		t.Fatal("backed-off job should not be due yet")
	}
	due, _ = store.PendingDue(ctx, future.Add(time.Second))
	if len(due) != 1 {
		t.Fatal("job should be due after its backoff window")
	}
	if due[0].Retries != 1 || due[0].ErrorMessage != "boom" {
		t.Fatalf("attempt bookkeeping lost: %+v", due[0])
	}
}

func TestMarkProcessingClaimsOnlyOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, _ := store.Enqueue(ctx, analyzeJob("/videos/a.mp4", PriorityNormal))
	first, err := store.MarkProcessing(ctx, id)
	if err != nil || !first {
		t.Fatalf("first claim: ok=%v err=%v", first, err)
	}
	second, err := store.MarkProcessing(ctx, id)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second {
		t.Fatal("job claimed twice")
	}
}

func TestFinalFailureFreezesJob(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, _ := store.Enqueue(ctx, analyzeJob("/videos/a.mp4", PriorityNormal))
	_, _ = store.MarkProcessing(ctx, id)
	if err := store.FailAttempt(ctx, id, "gave up", 3, time.Now(), true); err != nil {
		t.Fatalf("final fail: %v", err)
	}

	job, _ := store.GetByID(ctx, id)
	if job.State != StateFailed || job.Retries != 3 {
		t.Fatalf("expected frozen failed job, got state=%s retries=%d", job.State, job.Retries)
	}
	due, _ := store.PendingDue(ctx, time.Now().Add(time.Hour))
	if len(due) != 0 {
		t.Fatal("failed job must never be re-attempted")
	}
}

func TestCancelJobIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, _ := store.Enqueue(ctx, analyzeJob("/videos/a.mp4", PriorityNormal))
	if err := store.CancelJob(ctx, id, false); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := store.CancelJob(ctx, id, false); err != nil {
		t.Fatalf("second cancel must be a no-op, got %v", err)
	}
	if err := store.CancelJob(ctx, "missing-id", false); err != nil {
		t.Fatalf("cancelling an unknown id must be a no-op, got %v", err)
	}

	job, _ := store.GetByID(ctx, id)
	if job.State != StateCancelled {
		t.Fatalf("expected cancelled, got %s", job.State)
	}

	if err := store.CancelJob(ctx, id, true); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.GetByID(ctx, id); services.Kind(err) != "not_found" {
		t.Fatalf("expected not_found after removal, got %v", err)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ctx := context.Background()

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pendingID, _ := store.Enqueue(ctx, analyzeJob("/videos/a.mp4", PriorityHigh))
	stuckID, _ := store.Enqueue(ctx, analyzeJob("/videos/b.mp4", PriorityNormal))
	_, _ = store.MarkProcessing(ctx, stuckID)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	jobs, err := reopened.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 persisted jobs, got %d", len(jobs))
	}
	for _, job := range jobs {
		if job.State != StatePending {
			t.Fatalf("job %s: expected pending after restart, got %s", job.ID, job.State)
		}
	}
	if _, err := reopened.GetByID(ctx, pendingID); err != nil {
		t.Fatalf("pending job lost across restart: %v", err)
	}
}

func TestClearStatesAndStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	doneID, _ := store.Enqueue(ctx, analyzeJob("/videos/a.mp4", PriorityNormal))
	_, _ = store.MarkProcessing(ctx, doneID)
	_ = store.CompleteJob(ctx, doneID)
	failedID, _ := store.Enqueue(ctx, analyzeJob("/videos/b.mp4", PriorityNormal))
	_, _ = store.MarkProcessing(ctx, failedID)
	_ = store.FailAttempt(ctx, failedID, "boom", 3, time.Now(), true)
	_, _ = store.Enqueue(ctx, analyzeJob("/videos/c.mp4", PriorityNormal))

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[StateCompleted] != 1 || stats[StateFailed] != 1 || stats[StatePending] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	removed, err := store.ClearStates(ctx, StateCompleted, StateFailed)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	stats, _ = store.Stats(ctx)
	if stats[StatePending] != 1 || len(stats) != 1 {
		t.Fatalf("clear removed the wrong jobs: %+v", stats)
	}
}

func TestRetryFailedResetsJob(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, _ := store.Enqueue(ctx, analyzeJob("/videos/a.mp4", PriorityNormal))
	_, _ = store.MarkProcessing(ctx, id)
	_ = store.FailAttempt(ctx, id, "boom", 3, time.Now(), true)

	count, err := store.RetryFailed(ctx, id)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 job retried, got %d", count)
	}
	job, _ := store.GetByID(ctx, id)
	if job.State != StatePending || job.Retries != 0 || job.ErrorMessage != "" {
		t.Fatalf("retry did not reset the job: %+v", job)
	}
}

func TestKVRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || string(value) != "v2" {
		t.Fatalf("get: value=%q ok=%v err=%v", value, ok, err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatal("key survived delete")
	}
}
