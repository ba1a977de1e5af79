package models

// EventType names a job lifecycle event carried by the Event Bus.
type EventType string

const (
	EventSubmitted EventType = "submitted"
	EventProgress  EventType = "progress"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// JobEvent is published on every Job Store state transition worth telling a
// subscriber about. Every event carries enough to route and render it
// without a second lookup; it carries no generated content (§8.10).
type JobEvent struct {
	Type     EventType     `json:"type"`
	JobID    string        `json:"jobId"`
	OwnerID  string        `json:"ownerId"`
	Kind     JobKind       `json:"kind"`
	State    JobState      `json:"state"`
	Stage    ProgressStage `json:"stage"`
	Progress int           `json:"progress"`

	ArtifactID string `json:"artifactId,omitempty"`
	Title      string `json:"title,omitempty"`
	ErrorText  string `json:"error,omitempty"`
}

// NotificationPriority controls push delivery priority.
type NotificationPriority string

const (
	NotificationPriorityHigh   NotificationPriority = "high"
	NotificationPriorityNormal NotificationPriority = "normal"
)

// NotificationKind names the push/email payload's `type` field per §4.5.2.
type NotificationKind string

const (
	NotificationStoryComplete NotificationKind = "story_generation_complete"
	NotificationVoiceComplete NotificationKind = "voice_generation_complete"
	NotificationStoryFailed   NotificationKind = "story_generation_failed"
	NotificationVoiceFailed   NotificationKind = "voice_generation_failed"
)

// NotificationPayload is the minimal, identifier-only payload sent to a
// device. It never carries generated story or voice content — Title is the
// job's human-facing title, not the artifact body itself.
type NotificationPayload struct {
	Type         NotificationKind `json:"type"`
	JobID        string           `json:"jobId"`
	ArtifactID   string           `json:"artifactId,omitempty"`
	Title        string           `json:"title,omitempty"`
	Action       string           `json:"action,omitempty"`
	ErrorSummary string           `json:"errorSummary,omitempty"`
}
