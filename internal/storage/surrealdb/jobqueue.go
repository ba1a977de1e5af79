package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/storywell/storywell-api/internal/common"
	"github.com/storywell/storywell-api/internal/interfaces"
	"github.com/storywell/storywell-api/internal/models"
	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// jobRow mirrors the job_queue table layout; SurrealDB's query mapping needs
// a concrete struct distinct from models.Job because several Job fields
// (payload variants, result, error) are stored as nested SCHEMALESS values.
type jobRow struct {
	ID             string               `json:"id"`
	OwnerID        string               `json:"owner_id"`
	Kind           models.JobKind       `json:"kind"`
	Priority       models.Priority      `json:"priority"`
	State          models.JobState      `json:"state"`
	Stage          models.ProgressStage `json:"stage"`
	Progress       int                  `json:"progress"`
	StoryForPrompt *models.StoryForPromptPayload `json:"story_for_prompt,omitempty"`
	StoryForChild  *models.StoryForChildPayload  `json:"story_for_child,omitempty"`
	VoiceClone     *models.VoiceClonePayload     `json:"voice_clone,omitempty"`
	AttemptsMade   int                  `json:"attempts_made"`
	MaxAttempts    int                  `json:"max_attempts"`
	NextAttemptAt  time.Time            `json:"next_attempt_at"`
	SubmittedAt    time.Time            `json:"submitted_at"`
	LeasedAt       time.Time            `json:"leased_at"`
	FinishedAt     time.Time            `json:"finished_at"`
	LeaseWorkerID  string               `json:"lease_worker_id"`
	LeaseExpiresAt time.Time            `json:"lease_expires_at"`
	Result         *models.JobResult    `json:"result,omitempty"`
	Error          *models.JobError     `json:"error,omitempty"`
}

func (r *jobRow) toModel() *models.Job {
	return &models.Job{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		Kind:           r.Kind,
		Priority:       r.Priority,
		State:          r.State,
		Stage:          r.Stage,
		Progress:       r.Progress,
		StoryForPrompt: r.StoryForPrompt,
		StoryForChild:  r.StoryForChild,
		VoiceClone:     r.VoiceClone,
		AttemptsMade:   r.AttemptsMade,
		MaxAttempts:    r.MaxAttempts,
		NextAttemptAt:  r.NextAttemptAt,
		SubmittedAt:    r.SubmittedAt,
		LeasedAt:       r.LeasedAt,
		FinishedAt:     r.FinishedAt,
		LeaseWorkerID:  r.LeaseWorkerID,
		LeaseExpiresAt: r.LeaseExpiresAt,
		Result:         r.Result,
		Error:          r.Error,
	}
}

const jobSelectFields = "job_id as id, owner_id, kind, priority, state, stage, progress, " +
	"story_for_prompt, story_for_child, voice_clone, attempts_made, max_attempts, " +
	"next_attempt_at, submitted_at, leased_at, finished_at, lease_worker_id, " +
	"lease_expires_at, result, error"

// JobQueueStore implements interfaces.JobStore using SurrealDB. Atomic lease
// acquisition is a two-step SELECT-candidate then optimistic
// UPDATE ... WHERE state = $queued compare-and-set, so two workers racing on
// the same candidate never both succeed.
type JobQueueStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

func NewJobQueueStore(db *surrealdb.DB, logger *common.Logger) *JobQueueStore {
	return &JobQueueStore{db: db, logger: logger}
}

func (s *JobQueueStore) Enqueue(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.State == "" {
		job.State = models.JobStateQueued
	}
	if job.Stage == "" {
		job.Stage = models.StageQueued
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = models.DefaultMaxAttempts
	}

	sql := `UPSERT $rid SET
		job_id = $job_id, owner_id = $owner_id, kind = $kind, priority = $priority,
		state = $state, stage = $stage, progress = $progress,
		story_for_prompt = $story_for_prompt, story_for_child = $story_for_child, voice_clone = $voice_clone,
		attempts_made = $attempts_made, max_attempts = $max_attempts, next_attempt_at = $next_attempt_at,
		submitted_at = $submitted_at, leased_at = $leased_at, finished_at = $finished_at,
		lease_worker_id = $lease_worker_id, lease_expires_at = $lease_expires_at,
		result = $result, error = $error`
	vars := map[string]any{
		"rid":              surrealmodels.NewRecordID("job_queue", job.ID),
		"job_id":           job.ID,
		"owner_id":         job.OwnerID,
		"kind":             job.Kind,
		"priority":         job.Priority,
		"state":            job.State,
		"stage":            job.Stage,
		"progress":         job.Progress,
		"story_for_prompt": job.StoryForPrompt,
		"story_for_child":  job.StoryForChild,
		"voice_clone":      job.VoiceClone,
		"attempts_made":    job.AttemptsMade,
		"max_attempts":     job.MaxAttempts,
		"next_attempt_at":  job.NextAttemptAt,
		"submitted_at":     job.SubmittedAt,
		"leased_at":        job.LeasedAt,
		"finished_at":      job.FinishedAt,
		"lease_worker_id":  job.LeaseWorkerID,
		"lease_expires_at": job.LeaseExpiresAt,
		"result":           job.Result,
		"error":            job.Error,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// LeaseNext finds the highest-priority, earliest-submitted eligible job of
// the given kind and atomically claims it. Eligible means Queued and either
// never attempted or past next_attempt_at (retry backoff elapsed).
func (s *JobQueueStore) LeaseNext(ctx context.Context, kind models.JobKind, workerID string, leaseDuration time.Duration) (*models.Job, error) {
	now := time.Now()
	selectSQL := "SELECT " + jobSelectFields + ` FROM job_queue
		WHERE kind = $kind AND state = $queued AND (next_attempt_at = NONE OR next_attempt_at <= $now)
		ORDER BY priority ASC, submitted_at ASC LIMIT 1`
	vars := map[string]any{"kind": kind, "queued": models.JobStateQueued, "now": now}

	candidates, err := surrealdb.Query[[]jobRow](ctx, s.db, selectSQL, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to select lease candidate: %w", err)
	}
	if candidates == nil || len(*candidates) == 0 || len((*candidates)[0].Result) == 0 {
		return nil, nil
	}
	candidate := (*candidates)[0].Result[0]

	leaseExpires := now.Add(leaseDuration)
	updateSQL := `UPDATE $rid SET
		state = $processing, stage = $processingStage, attempts_made = attempts_made + 1,
		leased_at = $now, lease_worker_id = $worker, lease_expires_at = $expires
		WHERE state = $queued`
	updateVars := map[string]any{
		"rid":             surrealmodels.NewRecordID("job_queue", candidate.ID),
		"processing":      models.JobStateProcessing,
		"processingStage": models.StageProcessing,
		"now":             now,
		"worker":          workerID,
		"expires":         leaseExpires,
		"queued":          models.JobStateQueued,
	}
	updated, err := surrealdb.Query[[]jobRow](ctx, s.db, updateSQL, updateVars)
	if err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}
	if updated == nil || len(*updated) == 0 || len((*updated)[0].Result) == 0 {
		// Another worker claimed the candidate between SELECT and UPDATE.
		return nil, nil
	}

	candidate.State = models.JobStateProcessing
	candidate.Stage = models.StageProcessing
	candidate.AttemptsMade++
	candidate.LeasedAt = now
	candidate.LeaseWorkerID = workerID
	candidate.LeaseExpiresAt = leaseExpires
	return candidate.toModel(), nil
}

func (s *JobQueueStore) RenewLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	sql := `UPDATE $rid SET lease_expires_at = $expires
		WHERE state = $processing AND lease_worker_id = $worker`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("job_queue", jobID),
		"expires":    time.Now().Add(leaseDuration),
		"processing": models.JobStateProcessing,
		"worker":     workerID,
	}
	res, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if res == nil || len(*res) == 0 || len((*res)[0].Result) == 0 {
		return fmt.Errorf("renew lease: worker %s no longer owns job %s", workerID, jobID)
	}
	return nil
}

func (s *JobQueueStore) ReportProgress(ctx context.Context, jobID, workerID string, stage models.ProgressStage) error {
	progress := models.StageProgress[stage]
	sql := `UPDATE $rid SET stage = $stage, progress = $progress
		WHERE state = $processing AND lease_worker_id = $worker AND progress <= $progress`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("job_queue", jobID),
		"stage":      stage,
		"progress":   progress,
		"processing": models.JobStateProcessing,
		"worker":     workerID,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to report progress: %w", err)
	}
	return nil
}

func (s *JobQueueStore) Complete(ctx context.Context, jobID, workerID string, result *models.JobResult) error {
	sql := `UPDATE $rid SET state = $succeeded, stage = $completed, progress = 100,
		result = $result, finished_at = $now
		WHERE state = $processing AND lease_worker_id = $worker`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("job_queue", jobID),
		"succeeded":  models.JobStateSucceeded,
		"completed":  models.StageCompleted,
		"result":     result,
		"now":        time.Now(),
		"processing": models.JobStateProcessing,
		"worker":     workerID,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// Fail records a worker-observed failure. Permanent failures, or retryable
// failures that have exhausted max_attempts, transition the job to Failed.
// Otherwise the job returns to Queued with an exponential-backoff
// next_attempt_at (spec §4.2: base=60s, factor=2, three retries).
func (s *JobQueueStore) Fail(ctx context.Context, jobID, workerID string, kind models.FailureKind, message string) error {
	job, err := s.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("fail: job %s not found", jobID)
	}

	permanent := kind == models.FailurePermanent || job.AttemptsMade >= job.MaxAttempts
	if permanent {
		sql := `UPDATE $rid SET state = $failed, error = $error, finished_at = $now
			WHERE state = $processing AND lease_worker_id = $worker`
		vars := map[string]any{
			"rid":        surrealmodels.NewRecordID("job_queue", jobID),
			"failed":     models.JobStateFailed,
			"error":      &models.JobError{Kind: kind, Message: message},
			"now":        time.Now(),
			"processing": models.JobStateProcessing,
			"worker":     workerID,
		}
		if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
			return fmt.Errorf("failed to fail job: %w", err)
		}
		return nil
	}

	backoff := retryBackoff(job.AttemptsMade)
	sql := `UPDATE $rid SET state = $queued, stage = $stageQueued, progress = 0,
		next_attempt_at = $nextAt, lease_worker_id = "", lease_expires_at = NONE
		WHERE state = $processing AND lease_worker_id = $worker`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("job_queue", jobID),
		"queued":     models.JobStateQueued,
		"stageQueued": models.StageQueued,
		"nextAt":     time.Now().Add(backoff),
		"processing": models.JobStateProcessing,
		"worker":     workerID,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to requeue job for retry: %w", err)
	}
	return nil
}

// retryBackoff implements base=60s, factor=2 for up to three retries.
func retryBackoff(attemptsMade int) time.Duration {
	base := 60 * time.Second
	d := base
	for i := 1; i < attemptsMade; i++ {
		d *= 2
	}
	return d
}

func (s *JobQueueStore) Cancel(ctx context.Context, jobID, ownerID string) error {
	job, err := s.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return models.ErrNotFound
	}
	if job.OwnerID != ownerID {
		return models.ErrNotOwned
	}
	if job.IsTerminal() {
		return models.ErrAlreadyTerminal
	}
	if job.State == models.JobStateProcessing {
		return models.ErrAlreadyRunning
	}

	sql := `UPDATE $rid SET state = $cancelled, finished_at = $now WHERE state = $queued`
	vars := map[string]any{
		"rid":       surrealmodels.NewRecordID("job_queue", jobID),
		"cancelled": models.JobStateCancelled,
		"now":       time.Now(),
		"queued":    models.JobStateQueued,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	return nil
}

func (s *JobQueueStore) GetStatus(ctx context.Context, jobID string) (*models.Job, error) {
	sql := "SELECT " + jobSelectFields + " FROM job_queue WHERE job_id = $id"
	vars := map[string]any{"id": jobID}

	results, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to get job status: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, models.ErrNotFound
	}
	return (*results)[0].Result[0].toModel(), nil
}

func (s *JobQueueStore) ListOwnerPending(ctx context.Context, ownerID string) ([]*models.Job, error) {
	sql := "SELECT " + jobSelectFields + ` FROM job_queue
		WHERE owner_id = $owner AND state IN [$queued, $processing]
		ORDER BY submitted_at ASC`
	vars := map[string]any{
		"owner":      ownerID,
		"queued":     models.JobStateQueued,
		"processing": models.JobStateProcessing,
	}
	return s.queryJobs(ctx, sql, vars)
}

func (s *JobQueueStore) Stats(ctx context.Context) (*interfaces.QueueStats, error) {
	sql := "SELECT state, kind, count() AS cnt FROM job_queue GROUP BY state, kind"
	type row struct {
		State models.JobState `json:"state"`
		Kind  models.JobKind  `json:"kind"`
		Cnt   int             `json:"cnt"`
	}
	results, err := surrealdb.Query[[]row](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}

	stats := &interfaces.QueueStats{
		CountsByState:        make(map[models.JobState]int),
		QueueDepthByKind:      make(map[models.JobKind]int),
		EstimatedWaitSeconds: make(map[models.JobKind]int),
	}
	if results != nil && len(*results) > 0 {
		for _, r := range (*results)[0].Result {
			stats.CountsByState[r.State] += r.Cnt
			if r.State == models.JobStateQueued {
				stats.QueueDepthByKind[r.Kind] += r.Cnt
			}
		}
	}
	return stats, nil
}

func (s *JobQueueStore) ResetStalledLeases(ctx context.Context) (int, error) {
	sql := `UPDATE job_queue SET state = $queued, stage = $stageQueued, progress = 0,
		lease_worker_id = "", lease_expires_at = NONE
		WHERE state = $processing AND lease_expires_at < $now
		RETURN BEFORE`
	results, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, map[string]any{
		"queued":      models.JobStateQueued,
		"stageQueued": models.StageQueued,
		"processing":  models.JobStateProcessing,
		"now":         time.Now(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reset stalled leases: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return 0, nil
	}
	return len((*results)[0].Result), nil
}

// PurgeExpired strips the payload/result of any Succeeded/Failed job past its
// retention window and marks it Expired rather than deleting the row, so a
// later GetStatus can still distinguish "expired" (410) from "never existed"
// (404) for a job ID a client remembers past its retention window.
func (s *JobQueueStore) PurgeExpired(ctx context.Context, successTTL, failedTTL time.Duration) (int, error) {
	now := time.Now()
	sql := `UPDATE job_queue SET
		state = $expired, story_for_prompt = NONE, story_for_child = NONE, voice_clone = NONE,
		result = NONE, error = NONE
		WHERE (state = $succeeded AND finished_at < $successCutoff) OR
			(state = $failed AND finished_at < $failedCutoff)
		RETURN BEFORE`
	vars := map[string]any{
		"expired":       models.JobStateExpired,
		"succeeded":     models.JobStateSucceeded,
		"failed":        models.JobStateFailed,
		"successCutoff": now.Add(-successTTL),
		"failedCutoff":  now.Add(-failedTTL),
	}
	results, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired jobs: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return 0, nil
	}
	return len((*results)[0].Result), nil
}

func (s *JobQueueStore) queryJobs(ctx context.Context, sql string, vars map[string]any) ([]*models.Job, error) {
	results, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	var jobs []*models.Job
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			jobs = append(jobs, (*results)[0].Result[i].toModel())
		}
	}
	return jobs, nil
}

var _ interfaces.JobStore = (*JobQueueStore)(nil)
