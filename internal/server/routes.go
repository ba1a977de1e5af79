package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/storywell/storywell-api/internal/common"
	"github.com/storywell/storywell-api/internal/interfaces"
	"github.com/storywell/storywell-api/internal/models"
)

// registerRoutes wires the full HTTP surface: system endpoints, the
// generation job API, device registration, and the operator admin surface
// (spec §6). Bearer auth and rate limiting are applied per-route rather than
// globally, since system and admin routes authenticate differently.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	auth := bearerAuthMiddleware(s.app.Config)
	limited := rateLimitMiddleware(s.limiters)
	admin := adminAuthMiddleware(s.app.Config)

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)

	mux.Handle("/generation/async", auth(limited(http.HandlerFunc(s.handleSubmitGeneration))))
	mux.Handle("/generation/status/", auth(http.HandlerFunc(s.handleGenerationStatus)))
	mux.Handle("/generation/result/", auth(http.HandlerFunc(s.handleGenerationResult)))
	mux.Handle("/generation/pending", auth(http.HandlerFunc(s.handleGenerationPending)))
	mux.Handle("/generation/queue-stats", auth(http.HandlerFunc(s.handleQueueStats)))
	mux.Handle("/generation/", auth(http.HandlerFunc(s.handleCancelGeneration)))

	mux.Handle("/events/jobs/", auth(http.HandlerFunc(s.handleEventsOneJob)))
	mux.Handle("/events/jobs", auth(http.HandlerFunc(s.handleEventsAllJobs)))

	mux.Handle("/devices", auth(http.HandlerFunc(s.handleDevices)))
	mux.Handle("/devices/", auth(http.HandlerFunc(s.handleUnregisterDevice)))

	mux.Handle("/admin/queue-stats", admin(http.HandlerFunc(s.handleAdminQueueStats)))
	mux.Handle("/admin/ws/jobs", admin(http.HandlerFunc(s.handleAdminFeed)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.app.StartupTime).String(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"version":   common.GetVersion(),
		"build":     common.GetBuild(),
		"gitCommit": common.GetGitCommit(),
	})
}

// generationSubmission is the wire shape of POST /generation/async. Exactly
// one of the three payload fields must be set, matching job.Kind.
type generationSubmission struct {
	Kind           models.JobKind                 `json:"kind"`
	Priority       string                         `json:"priority,omitempty"`
	StoryForPrompt *models.StoryForPromptPayload  `json:"storyForPrompt,omitempty"`
	StoryForChild  *models.StoryForChildPayload   `json:"storyForChild,omitempty"`
	VoiceClone     *models.VoiceClonePayload      `json:"voiceClone,omitempty"`
}

func (s *Server) handleSubmitGeneration(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	owner := common.ResolveOwnerID(r.Context())

	var sub generationSubmission
	if !DecodeJSON(w, r, &sub) {
		return
	}

	job := &models.Job{
		OwnerID:        owner,
		Kind:           sub.Kind,
		Priority:       parsePriority(sub.Priority),
		StoryForPrompt: sub.StoryForPrompt,
		StoryForChild:  sub.StoryForChild,
		VoiceClone:     sub.VoiceClone,
	}
	if err := validateSubmission(job); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.app.Store.Enqueue(r.Context(), job); err != nil {
		writeStoreError(w, err)
		return
	}
	s.app.Bus.Publish(models.JobEvent{
		Type: models.EventSubmitted, JobID: job.ID, OwnerID: job.OwnerID, Kind: job.Kind,
		State: job.State, Stage: job.Stage, Progress: job.Progress,
	})
	WriteJSON(w, http.StatusAccepted, job)
}

func parsePriority(p string) models.Priority {
	switch p {
	case "high":
		return models.PriorityHigh
	case "low":
		return models.PriorityLow
	default:
		return models.PriorityNormal
	}
}

func validateSubmission(job *models.Job) error {
	switch job.Kind {
	case models.JobKindStoryForPrompt:
		if job.StoryForPrompt == nil || len(job.StoryForPrompt.ThemeIDs) == 0 {
			return errors.New("storyForPrompt payload with at least one themeId is required")
		}
	case models.JobKindStoryForChild:
		if job.StoryForChild == nil || job.StoryForChild.KidID == "" {
			return errors.New("storyForChild payload with a kidId is required")
		}
	case models.JobKindVoiceClone:
		if job.VoiceClone == nil || job.VoiceClone.KidID == "" || len(job.VoiceClone.SampleURIs) == 0 {
			return errors.New("voiceClone payload with a kidId and sampleUris is required")
		}
	default:
		return errors.New("unknown job kind")
	}
	return nil
}

func (s *Server) handleGenerationStatus(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	jobID := PathParam(r, "/generation/status/", "")
	job, ok := s.lookupOwnedJob(w, r, jobID)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleGenerationResult(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	jobID := PathParam(r, "/generation/result/", "")
	job, ok := s.lookupOwnedJob(w, r, jobID)
	if !ok {
		return
	}
	switch job.State {
	case models.JobStateExpired:
		writeStoreError(w, models.ErrResultExpired)
	case models.JobStateSucceeded:
		WriteJSON(w, http.StatusOK, job.Result)
	default:
		writeStoreError(w, models.ErrResultNotReady)
	}
}

func (s *Server) handleGenerationPending(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	owner := common.ResolveOwnerID(r.Context())
	jobs, err := s.app.Store.ListOwnerPending(r.Context(), owner)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	stats, err := s.app.Store.Stats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCancelGeneration(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}
	jobID := PathParam(r, "/generation/", "")
	owner := common.ResolveOwnerID(r.Context())
	if err := s.app.Store.Cancel(r.Context(), jobID, owner); err != nil {
		writeStoreError(w, err)
		return
	}
	if job, err := s.app.Store.GetStatus(r.Context(), jobID); err == nil && job != nil {
		s.app.Bus.Publish(models.JobEvent{
			Type: models.EventCancelled, JobID: job.ID, OwnerID: job.OwnerID, Kind: job.Kind,
			State: job.State, Stage: job.Stage, Progress: job.Progress,
		})
	}
	WriteJSON(w, http.StatusOK, map[string]string{"jobId": jobID, "state": string(models.JobStateCancelled)})
}

// lookupOwnedJob fetches a job and enforces that the caller owns it (spec §8
// property 5). Writes the appropriate error response and returns ok=false
// if the lookup or ownership check fails.
func (s *Server) lookupOwnedJob(w http.ResponseWriter, r *http.Request, jobID string) (*models.Job, bool) {
	job, err := s.app.Store.GetStatus(r.Context(), jobID)
	if err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	if job == nil {
		writeStoreError(w, models.ErrNotFound)
		return nil, false
	}
	owner := common.ResolveOwnerID(r.Context())
	if job.OwnerID != owner {
		WriteError(w, http.StatusForbidden, "not your job")
		return nil, false
	}
	return job, true
}

func (s *Server) handleEventsAllJobs(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	owner := common.ResolveOwnerID(r.Context())
	if err := s.app.Hub.Serve(w, r, interfaces.EventFilter{OwnerID: owner}); err != nil {
		s.logger.Debug().Err(err).Msg("sse stream for owner ended")
	}
}

func (s *Server) handleEventsOneJob(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	jobID := PathParam(r, "/events/jobs/", "")
	if _, ok := s.lookupOwnedJob(w, r, jobID); !ok {
		return
	}
	owner := common.ResolveOwnerID(r.Context())
	if err := s.app.Hub.Serve(w, r, interfaces.EventFilter{OwnerID: owner, JobID: jobID}); err != nil {
		s.logger.Debug().Err(err).Msg("sse stream for job ended")
	}
}

type deviceRegistration struct {
	Token    string          `json:"token"`
	Platform models.Platform `json:"platform"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if !requireDeviceRegistrationSecret(s.app.Config, w, r) {
		return
	}
	var reg deviceRegistration
	if !DecodeJSON(w, r, &reg) {
		return
	}
	if reg.Token == "" || (reg.Platform != models.PlatformIOS && reg.Platform != models.PlatformAndroid) {
		WriteError(w, http.StatusBadRequest, "token and a valid platform are required")
		return
	}
	owner := common.ResolveOwnerID(r.Context())
	if err := s.app.Tokens.Register(r.Context(), owner, reg.Token, reg.Platform); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to register device")
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

func (s *Server) handleUnregisterDevice(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}
	token := PathParam(r, "/devices/", "")
	owner := common.ResolveOwnerID(r.Context())
	if err := s.app.Tokens.Unregister(r.Context(), owner, token); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminQueueStats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	stats, err := s.app.Store.Stats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminFeed(w http.ResponseWriter, r *http.Request) {
	s.adminFeed.ServeWS(w, r)
}

// writeStoreError translates the JobStore sentinel error taxonomy (spec §7)
// into HTTP status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotOwned):
		WriteError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrNotFound):
		WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrAlreadyRunning), errors.Is(err, models.ErrAlreadyTerminal):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrQuotaExceeded):
		WriteError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, models.ErrResultNotReady):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrResultExpired):
		WriteError(w, http.StatusGone, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		WriteError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
