// Package models defines the domain types shared across the generation job
// subsystem: jobs, device tokens, lifecycle events, and the error taxonomy.
package models

import "time"

// JobKind selects which generator and worker pool handles a job.
type JobKind string

const (
	JobKindStoryForPrompt JobKind = "story_for_prompt"
	JobKindStoryForChild  JobKind = "story_for_child"
	JobKindVoiceClone     JobKind = "voice_clone"
)

// JobState is the job's lifecycle state. Succeeded, Failed and Cancelled are
// terminal and sticky — no transition ever leaves them.
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateProcessing JobState = "processing"
	JobStateSucceeded  JobState = "succeeded"
	JobStateFailed     JobState = "failed"
	JobStateCancelled  JobState = "cancelled"

	// JobStateExpired marks a Succeeded/Failed job whose result has aged out
	// of its retention window. The retention sweeper transitions a row to
	// this state rather than deleting it outright, so GetStatus can still
	// tell an expired job apart from one that never existed.
	JobStateExpired JobState = "expired"
)

// Priority bands. Lower numeric value is scheduled earlier.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 5
	PriorityLow    Priority = 10
)

// ProgressStage is a named checkpoint within one attempt, mapped to a
// progress percentage. Progress is monotonically non-decreasing within a
// single attempt; a new attempt restarts at Queued/0.
type ProgressStage string

const (
	StageQueued           ProgressStage = "queued"
	StageProcessing       ProgressStage = "processing"
	StageGeneratingContent ProgressStage = "generating_content"
	StageGeneratingImage  ProgressStage = "generating_image"
	StageGeneratingAudio  ProgressStage = "generating_audio"
	StagePersisting       ProgressStage = "persisting"
	StageCompleted        ProgressStage = "completed"
)

// StageProgress maps a stage to its progress percentage per spec §3.
var StageProgress = map[ProgressStage]int{
	StageQueued:            0,
	StageProcessing:        10,
	StageGeneratingContent: 30,
	StageGeneratingImage:   50,
	StageGeneratingAudio:   70,
	StagePersisting:        90,
	StageCompleted:         100,
}

// FailureKind classifies a worker-observed failure.
type FailureKind string

const (
	FailurePermanent FailureKind = "permanent"
	FailureRetryable FailureKind = "retryable"
)

// StoryForPromptPayload is the validated input for a story generated from a
// free-form theme/prompt selection.
type StoryForPromptPayload struct {
	ThemeIDs []string `json:"themeIds"`
	AgeMin   int      `json:"ageMin"`
	AgeMax   int      `json:"ageMax"`
	Language string   `json:"language"`
	Prompt   string   `json:"prompt"`
}

// StoryForChildPayload is the validated input for a story personalized to a
// specific child profile.
type StoryForChildPayload struct {
	KidID    string   `json:"kidId"`
	ThemeIDs []string `json:"themeIds"`
	Language string   `json:"language"`
}

// VoiceClonePayload is the validated input for a voice-clone generation job.
type VoiceClonePayload struct {
	KidID       string   `json:"kidId"`
	VoiceName   string   `json:"voiceName"`
	SampleURIs  []string `json:"sampleUris"`
	Language    string   `json:"language"`
}

// JobResult is present iff State == JobStateSucceeded.
type JobResult struct {
	ArtifactID string `json:"artifactId"`
	Title      string `json:"title"`
}

// JobError is present iff State == JobStateFailed.
type JobError struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Job is one submitted generation request and all of its lifecycle state.
type Job struct {
	ID       string  `json:"jobId"`
	OwnerID  string  `json:"ownerId"`
	Kind     JobKind `json:"kind"`
	Priority Priority `json:"priority"`
	State    JobState `json:"state"`
	Stage    ProgressStage `json:"stage"`
	Progress int     `json:"progress"`

	// Payload carries exactly one of the three variants, selected by Kind.
	StoryForPrompt *StoryForPromptPayload `json:"storyForPrompt,omitempty"`
	StoryForChild  *StoryForChildPayload  `json:"storyForChild,omitempty"`
	VoiceClone     *VoiceClonePayload     `json:"voiceClone,omitempty"`

	AttemptsMade  int `json:"attemptsMade"`
	MaxAttempts   int `json:"maxAttempts"`
	NextAttemptAt time.Time `json:"nextAttemptAt,omitempty"`

	SubmittedAt time.Time `json:"submittedAt"`
	LeasedAt    time.Time `json:"leasedAt,omitempty"`
	FinishedAt  time.Time `json:"finishedAt,omitempty"`

	// LeaseWorkerID identifies the worker currently holding the lease, and
	// LeaseExpiresAt is the lease's visibility-timeout deadline. Both are
	// zero-valued when the job is not Processing.
	LeaseWorkerID  string    `json:"leaseWorkerId,omitempty"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt,omitempty"`

	Result *JobResult `json:"result,omitempty"`
	Error  *JobError  `json:"error,omitempty"`
}

// IsTerminal reports whether the job is in a sticky terminal state.
func (j *Job) IsTerminal() bool {
	switch j.State {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled, JobStateExpired:
		return true
	default:
		return false
	}
}

// DefaultMaxAttempts is applied when a submitted job does not specify one.
const DefaultMaxAttempts = 3
