package surrealdb

import (
	"context"
	"testing"
	"time"

	"github.com/storywell/storywell-api/internal/models"
)

func newTestJob(owner string, kind models.JobKind, priority models.Priority) *models.Job {
	return &models.Job{
		OwnerID:     owner,
		Kind:        kind,
		Priority:    priority,
		MaxAttempts: 3,
		StoryForPrompt: &models.StoryForPromptPayload{
			ThemeIDs: []string{"space"},
			AgeMin:   4,
			AgeMax:   8,
			Language: "en",
			Prompt:   "a brave little robot",
		},
	}
}

func TestJobQueueStore_EnqueueAndLease(t *testing.T) {
	db := testDB(t)
	store := NewJobQueueStore(db, testLogger())
	ctx := context.Background()

	job := newTestJob("u1", models.JobKindStoryForPrompt, models.PriorityNormal)
	if err := store.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if job.ID == "" {
		t.Error("expected job ID to be set after enqueue")
	}
	if job.State != models.JobStateQueued {
		t.Errorf("expected state queued, got %s", job.State)
	}

	got, err := store.LeaseNext(ctx, models.JobKindStoryForPrompt, "worker-1", 30*time.Second)
	if err != nil {
		t.Fatalf("LeaseNext failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a job from LeaseNext")
	}
	if got.State != models.JobStateProcessing {
		t.Errorf("expected state processing after lease, got %s", got.State)
	}
	if got.AttemptsMade != 1 {
		t.Errorf("expected attempts_made 1, got %d", got.AttemptsMade)
	}
	if got.LeaseWorkerID != "worker-1" {
		t.Errorf("expected lease held by worker-1, got %s", got.LeaseWorkerID)
	}
}

func TestJobQueueStore_LeaseNext_PriorityOrdering(t *testing.T) {
	db := testDB(t)
	store := NewJobQueueStore(db, testLogger())
	ctx := context.Background()

	low := newTestJob("u1", models.JobKindStoryForPrompt, models.PriorityLow)
	high := newTestJob("u1", models.JobKindStoryForPrompt, models.PriorityHigh)
	store.Enqueue(ctx, low)
	store.Enqueue(ctx, high)

	got, _ := store.LeaseNext(ctx, models.JobKindStoryForPrompt, "w1", 30*time.Second)
	if got == nil || got.ID != high.ID {
		t.Fatalf("expected high-priority job leased first, got %+v", got)
	}

	got2, _ := store.LeaseNext(ctx, models.JobKindStoryForPrompt, "w1", 30*time.Second)
	if got2 == nil || got2.ID != low.ID {
		t.Fatalf("expected low-priority job leased second, got %+v", got2)
	}
}

func TestJobQueueStore_LeaseNext_EmptyQueue(t *testing.T) {
	db := testDB(t)
	store := NewJobQueueStore(db, testLogger())
	ctx := context.Background()

	got, err := store.LeaseNext(ctx, models.JobKindStoryForPrompt, "w1", 30*time.Second)
	if err != nil {
		t.Fatalf("LeaseNext on empty queue failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil from empty queue, got %v", got)
	}
}

func TestJobQueueStore_Complete(t *testing.T) {
	db := testDB(t)
	store := NewJobQueueStore(db, testLogger())
	ctx := context.Background()

	job := newTestJob("u1", models.JobKindStoryForPrompt, models.PriorityNormal)
	store.Enqueue(ctx, job)
	leased, _ := store.LeaseNext(ctx, models.JobKindStoryForPrompt, "w1", 30*time.Second)

	if err := store.Complete(ctx, leased.ID, "w1", &models.JobResult{ArtifactID: "a1", Title: "The Brave Robot"}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	status, _ := store.GetStatus(ctx, leased.ID)
	if status.State != models.JobStateSucceeded {
		t.Errorf("expected succeeded, got %s", status.State)
	}
	if status.Progress != 100 {
		t.Errorf("expected progress 100, got %d", status.Progress)
	}
}

func TestJobQueueStore_Fail_RetryableRequeues(t *testing.T) {
	db := testDB(t)
	store := NewJobQueueStore(db, testLogger())
	ctx := context.Background()

	job := newTestJob("u1", models.JobKindStoryForPrompt, models.PriorityNormal)
	store.Enqueue(ctx, job)
	leased, _ := store.LeaseNext(ctx, models.JobKindStoryForPrompt, "w1", 30*time.Second)

	if err := store.Fail(ctx, leased.ID, "w1", models.FailureRetryable, "timeout"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	status, _ := store.GetStatus(ctx, leased.ID)
	if status.State != models.JobStateQueued {
		t.Errorf("expected requeued to queued, got %s", status.State)
	}
	if status.NextAttemptAt.Before(time.Now()) {
		t.Error("expected next_attempt_at in the future")
	}
}

func TestJobQueueStore_Fail_PermanentTerminates(t *testing.T) {
	db := testDB(t)
	store := NewJobQueueStore(db, testLogger())
	ctx := context.Background()

	job := newTestJob("u1", models.JobKindStoryForPrompt, models.PriorityNormal)
	store.Enqueue(ctx, job)
	leased, _ := store.LeaseNext(ctx, models.JobKindStoryForPrompt, "w1", 30*time.Second)

	if err := store.Fail(ctx, leased.ID, "w1", models.FailurePermanent, "bad payload"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	status, _ := store.GetStatus(ctx, leased.ID)
	if status.State != models.JobStateFailed {
		t.Errorf("expected failed, got %s", status.State)
	}
	if status.Error == nil || status.Error.Kind != models.FailurePermanent {
		t.Errorf("expected permanent error recorded, got %+v", status.Error)
	}
}

func TestJobQueueStore_Cancel_QueuedSucceeds(t *testing.T) {
	db := testDB(t)
	store := NewJobQueueStore(db, testLogger())
	ctx := context.Background()

	job := newTestJob("u1", models.JobKindStoryForPrompt, models.PriorityNormal)
	store.Enqueue(ctx, job)

	if err := store.Cancel(ctx, job.ID, "u1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	status, _ := store.GetStatus(ctx, job.ID)
	if status.State != models.JobStateCancelled {
		t.Errorf("expected cancelled, got %s", status.State)
	}
}

func TestJobQueueStore_Cancel_WrongOwnerRejected(t *testing.T) {
	db := testDB(t)
	store := NewJobQueueStore(db, testLogger())
	ctx := context.Background()

	job := newTestJob("u1", models.JobKindStoryForPrompt, models.PriorityNormal)
	store.Enqueue(ctx, job)

	if err := store.Cancel(ctx, job.ID, "someone-else"); err != models.ErrNotOwned {
		t.Fatalf("expected ErrNotOwned, got %v", err)
	}
}

func TestJobQueueStore_Cancel_ProcessingRejected(t *testing.T) {
	db := testDB(t)
	store := NewJobQueueStore(db, testLogger())
	ctx := context.Background()

	job := newTestJob("u1", models.JobKindStoryForPrompt, models.PriorityNormal)
	store.Enqueue(ctx, job)
	store.LeaseNext(ctx, models.JobKindStoryForPrompt, "w1", 30*time.Second)

	if err := store.Cancel(ctx, job.ID, "u1"); err != models.ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestJobQueueStore_ListOwnerPending(t *testing.T) {
	db := testDB(t)
	store := NewJobQueueStore(db, testLogger())
	ctx := context.Background()

	store.Enqueue(ctx, newTestJob("u1", models.JobKindStoryForPrompt, models.PriorityNormal))
	store.Enqueue(ctx, newTestJob("u1", models.JobKindStoryForPrompt, models.PriorityHigh))
	store.Enqueue(ctx, newTestJob("u2", models.JobKindStoryForPrompt, models.PriorityHigh))

	jobs, err := store.ListOwnerPending(ctx, "u1")
	if err != nil {
		t.Fatalf("ListOwnerPending failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("expected 2 pending jobs for u1, got %d", len(jobs))
	}
}

func TestJobQueueStore_GetStatus_NotFound(t *testing.T) {
	db := testDB(t)
	store := NewJobQueueStore(db, testLogger())
	ctx := context.Background()

	if _, err := store.GetStatus(ctx, "does-not-exist"); err != models.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestJobQueueStore_PurgeExpired_TombstonesOldSucceeded(t *testing.T) {
	db := testDB(t)
	store := NewJobQueueStore(db, testLogger())
	ctx := context.Background()

	job := newTestJob("u1", models.JobKindStoryForPrompt, models.PriorityNormal)
	store.Enqueue(ctx, job)
	leased, _ := store.LeaseNext(ctx, models.JobKindStoryForPrompt, "w1", 30*time.Second)
	store.Complete(ctx, leased.ID, "w1", &models.JobResult{ArtifactID: "a1", Title: "The Brave Robot"})

	recent := newTestJob("u1", models.JobKindStoryForPrompt, models.PriorityNormal)
	store.Enqueue(ctx, recent)
	recentLeased, _ := store.LeaseNext(ctx, models.JobKindStoryForPrompt, "w1", 30*time.Second)
	store.Complete(ctx, recentLeased.ID, "w1", &models.JobResult{ArtifactID: "a2", Title: "Another Story"})

	// A 0s success TTL puts both succeeded jobs past their retention window,
	// so both are tombstoned; sparing a fresh job under a 2h TTL is covered
	// by TestJobQueueStore_PurgeExpired_SparesFreshResults.
	n, err := store.PurgeExpired(ctx, 0, 24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if n < 1 {
		t.Errorf("expected at least one succeeded job purged under a 0s TTL, got %d", n)
	}

	tombstone, err := store.GetStatus(ctx, leased.ID)
	if err != nil {
		t.Fatalf("expected expired job to remain as a tombstone, got err %v", err)
	}
	if tombstone.State != models.JobStateExpired {
		t.Errorf("expected state expired, got %s", tombstone.State)
	}
	if tombstone.Result != nil {
		t.Errorf("expected result stripped from expired job, got %+v", tombstone.Result)
	}
}

func TestJobQueueStore_PurgeExpired_SparesFreshResults(t *testing.T) {
	db := testDB(t)
	store := NewJobQueueStore(db, testLogger())
	ctx := context.Background()

	job := newTestJob("u1", models.JobKindStoryForPrompt, models.PriorityNormal)
	store.Enqueue(ctx, job)
	leased, _ := store.LeaseNext(ctx, models.JobKindStoryForPrompt, "w1", 30*time.Second)
	store.Complete(ctx, leased.ID, "w1", &models.JobResult{ArtifactID: "a1", Title: "The Brave Robot"})

	if _, err := store.PurgeExpired(ctx, 2*time.Hour, 24*time.Hour); err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}

	if _, err := store.GetStatus(ctx, leased.ID); err != nil {
		t.Errorf("expected fresh succeeded job to survive a 2h retention window, got %v", err)
	}
}

func TestJobQueueStore_ResetStalledLeases(t *testing.T) {
	db := testDB(t)
	store := NewJobQueueStore(db, testLogger())
	ctx := context.Background()

	job := newTestJob("u1", models.JobKindStoryForPrompt, models.PriorityNormal)
	store.Enqueue(ctx, job)
	store.LeaseNext(ctx, models.JobKindStoryForPrompt, "w1", -1*time.Second) // already expired

	if _, err := store.ResetStalledLeases(ctx); err != nil {
		t.Fatalf("ResetStalledLeases failed: %v", err)
	}

	status, _ := store.GetStatus(ctx, job.ID)
	if status.State != models.JobStateQueued {
		t.Errorf("expected job reset to queued, got %s", status.State)
	}
}
