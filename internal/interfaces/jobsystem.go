// Package interfaces defines the capability contracts the generation job
// subsystem is wired against: storage, event distribution, content
// generation and external fan-out collaborators.
package interfaces

import (
	"context"
	"time"

	"github.com/storywell/storywell-api/internal/models"
)

// JobStore is the durable queue primitive: submit, prioritize, lease,
// update progress, record result, delete. Implementations must provide
// ordered retrieval by (priority, submitted_at), atomic lease acquisition
// with a visibility timeout, and atomic state transitions (spec §4.2).
type JobStore interface {
	Enqueue(ctx context.Context, job *models.Job) error
	LeaseNext(ctx context.Context, kind models.JobKind, workerID string, leaseDuration time.Duration) (*models.Job, error)
	RenewLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error
	ReportProgress(ctx context.Context, jobID, workerID string, stage models.ProgressStage) error
	Complete(ctx context.Context, jobID, workerID string, result *models.JobResult) error
	Fail(ctx context.Context, jobID, workerID string, kind models.FailureKind, message string) error
	Cancel(ctx context.Context, jobID, ownerID string) error
	GetStatus(ctx context.Context, jobID string) (*models.Job, error)
	ListOwnerPending(ctx context.Context, ownerID string) ([]*models.Job, error)
	Stats(ctx context.Context) (*QueueStats, error)

	// ResetStalledLeases reclaims jobs whose lease has expired without
	// renewal, returning them to Queued without rolling back attempts_made.
	ResetStalledLeases(ctx context.Context) (int, error)
	// PurgeExpired marks Succeeded records older than successTTL and Failed
	// records older than failedTTL as Expired, stripping their payload,
	// result and error; the rows themselves are kept.
	PurgeExpired(ctx context.Context, successTTL, failedTTL time.Duration) (int, error)
}

// QueueStats is the read-only projection returned by JobStore.Stats.
type QueueStats struct {
	CountsByState        map[models.JobState]int `json:"countsByState"`
	QueueDepthByKind      map[models.JobKind]int  `json:"queueDepthByKind"`
	EstimatedWaitSeconds map[models.JobKind]int  `json:"estimatedWaitSeconds"`
}

// DeviceTokenRegistry is the sole authority on which push endpoints a
// notification is sent to (spec §4.1). It never contacts the push provider.
type DeviceTokenRegistry interface {
	Register(ctx context.Context, ownerID, token string, platform models.Platform) error
	Unregister(ctx context.Context, ownerID, token string) error
	ListActive(ctx context.Context, ownerID string) ([]*models.DeviceToken, error)
	InvalidateMany(ctx context.Context, tokens []string) error
}

// EventBus is an in-process publish/subscribe channel for job lifecycle
// events. Delivery is best-effort; slow subscribers drop events rather than
// block the publisher. Order is preserved per job_id (spec §4.4).
type EventBus interface {
	Publish(evt models.JobEvent)
	// Subscribe returns a channel of events matching filter and a cancel
	// function that must be called to release the subscription.
	Subscribe(filter EventFilter) (<-chan models.JobEvent, func())
}

// EventFilter narrows a subscription to one owner, optionally one job.
type EventFilter struct {
	OwnerID string
	JobID   string // empty means all jobs for OwnerID
}

// Generator is the single capability the Worker Pool invokes to produce
// content. It is expected to call back into progress reporting at stage
// boundaries via the ProgressFunc; if it does not, the worker marks
// GeneratingContent/Persisting itself (spec §4.3).
type Generator interface {
	Generate(ctx context.Context, job *models.Job, report ProgressFunc) (*models.JobResult, error)
}

// ProgressFunc lets a Generator report a stage boundary back to the store
// without holding a reference to the whole JobStore.
type ProgressFunc func(stage models.ProgressStage) error

// PushProvider delivers a single multicast notification to a set of device
// tokens and reports per-device outcomes so the dispatcher can partition
// invalid tokens from other failures (spec §4.5.2).
type PushProvider interface {
	Send(ctx context.Context, tokens []string, payload models.NotificationPayload, priority models.NotificationPriority) (*PushResult, error)
}

// PushResult reports the fate of each token in a Send call.
type PushResult struct {
	InvalidTokens []string
	OtherFailures map[string]error
}

// Mailer is the fallback transport used when push delivery is unavailable
// or fails entirely, for both Succeeded and Failed notifications.
type Mailer interface {
	Send(ctx context.Context, ownerID, template string, data map[string]string) error
}
