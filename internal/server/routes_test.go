package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/storywell/storywell-api/internal/app"
	"github.com/storywell/storywell-api/internal/common"
	"github.com/storywell/storywell-api/internal/eventbus"
	"github.com/storywell/storywell-api/internal/interfaces"
	"github.com/storywell/storywell-api/internal/models"
	"github.com/storywell/storywell-api/internal/ssehub"
	"github.com/storywell/storywell-api/internal/workerpool"
)

// fakeStore is a minimal in-memory interfaces.JobStore for HTTP-layer tests.
type fakeStore struct {
	jobs map[string]*models.Job
}

func newFakeStore() *fakeStore { return &fakeStore{jobs: make(map[string]*models.Job)} }

func (s *fakeStore) Enqueue(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = "job-" + string(job.Kind)
	}
	job.State = models.JobStateQueued
	job.SubmittedAt = time.Now()
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeStore) LeaseNext(ctx context.Context, kind models.JobKind, workerID string, leaseDuration time.Duration) (*models.Job, error) {
	return nil, models.ErrNotFound
}
func (s *fakeStore) RenewLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	return nil
}
func (s *fakeStore) ReportProgress(ctx context.Context, jobID, workerID string, stage models.ProgressStage) error {
	return nil
}
func (s *fakeStore) Complete(ctx context.Context, jobID, workerID string, result *models.JobResult) error {
	return nil
}
func (s *fakeStore) Fail(ctx context.Context, jobID, workerID string, kind models.FailureKind, message string) error {
	return nil
}

func (s *fakeStore) Cancel(ctx context.Context, jobID, ownerID string) error {
	job, ok := s.jobs[jobID]
	if !ok {
		return models.ErrNotFound
	}
	if job.OwnerID != ownerID {
		return models.ErrNotOwned
	}
	if job.IsTerminal() {
		return models.ErrAlreadyTerminal
	}
	job.State = models.JobStateCancelled
	return nil
}

func (s *fakeStore) GetStatus(ctx context.Context, jobID string) (*models.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return job, nil
}

func (s *fakeStore) ListOwnerPending(ctx context.Context, ownerID string) ([]*models.Job, error) {
	var out []*models.Job
	for _, j := range s.jobs {
		if j.OwnerID == ownerID && !j.IsTerminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *fakeStore) Stats(ctx context.Context) (*interfaces.QueueStats, error) {
	return &interfaces.QueueStats{
		CountsByState:        map[models.JobState]int{},
		QueueDepthByKind:     map[models.JobKind]int{},
		EstimatedWaitSeconds: map[models.JobKind]int{},
	}, nil
}

func (s *fakeStore) ResetStalledLeases(ctx context.Context) (int, error) { return 0, nil }
func (s *fakeStore) PurgeExpired(ctx context.Context, successTTL, failedTTL time.Duration) (int, error) {
	return 0, nil
}

// fakeTokens is a minimal in-memory interfaces.DeviceTokenRegistry.
type fakeTokens struct {
	tokens map[string]*models.DeviceToken
}

func newFakeTokens() *fakeTokens { return &fakeTokens{tokens: make(map[string]*models.DeviceToken)} }

func (t *fakeTokens) Register(ctx context.Context, ownerID, token string, platform models.Platform) error {
	t.tokens[token] = &models.DeviceToken{Token: token, OwnerID: ownerID, Platform: platform, Active: true}
	return nil
}

func (t *fakeTokens) Unregister(ctx context.Context, ownerID, token string) error {
	dt, ok := t.tokens[token]
	if !ok || dt.OwnerID != ownerID {
		return models.ErrNotFound
	}
	dt.Active = false
	return nil
}

func (t *fakeTokens) ListActive(ctx context.Context, ownerID string) ([]*models.DeviceToken, error) {
	var out []*models.DeviceToken
	for _, dt := range t.tokens {
		if dt.OwnerID == ownerID && dt.Active {
			out = append(out, dt)
		}
	}
	return out, nil
}

func (t *fakeTokens) InvalidateMany(ctx context.Context, tokens []string) error {
	for _, tok := range tokens {
		if dt, ok := t.tokens[tok]; ok {
			dt.Active = false
		}
	}
	return nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Auth.JWTSecret = "test-secret"
	logger := common.NewSilentLogger()
	bus := eventbus.New(logger)

	a := &app.App{
		Config:      cfg,
		Logger:      logger,
		Store:       newFakeStore(),
		Tokens:      newFakeTokens(),
		Bus:         bus,
		Hub:         ssehub.New(bus, logger),
		Pools:       map[models.JobKind]*workerpool.Pool{},
		StartupTime: time.Now(),
	}
	return NewServer(a)
}

func ownedRequest(method, path, ownerID string, body any) *http.Request {
	var r *http.Request
	if body != nil {
		data, _ := json.Marshal(body)
		r = httptest.NewRequest(method, path, strings.NewReader(string(data)))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	ctx := common.WithOwnerContext(r.Context(), &common.OwnerContext{OwnerID: ownerID})
	return r.WithContext(ctx)
}

func TestHandleSubmitGeneration_Accepted(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]any{
		"kind": "story_for_prompt",
		"storyForPrompt": map[string]any{
			"themeIds": []string{"space"},
			"ageMin":   4,
			"ageMax":   8,
			"language": "en",
			"prompt":   "a brave astronaut",
		},
	}
	req := ownedRequest(http.MethodPost, "/generation/async", "alice", body)
	rec := httptest.NewRecorder()
	srv.handleSubmitGeneration(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var job models.Job
	if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if job.OwnerID != "alice" {
		t.Errorf("expected ownerId=alice, got %q", job.OwnerID)
	}
}

func TestHandleSubmitGeneration_PublishesSubmittedEvent(t *testing.T) {
	srv := newTestServer(t)
	ch, cancel := srv.app.Bus.Subscribe(interfaces.EventFilter{})
	defer cancel()

	body := map[string]any{
		"kind": "story_for_prompt",
		"storyForPrompt": map[string]any{
			"themeIds": []string{"space"},
			"ageMin":   4,
			"ageMax":   8,
			"language": "en",
			"prompt":   "a brave astronaut",
		},
	}
	req := ownedRequest(http.MethodPost, "/generation/async", "alice", body)
	rec := httptest.NewRecorder()
	srv.handleSubmitGeneration(rec, req)

	select {
	case evt := <-ch:
		if evt.Type != models.EventSubmitted {
			t.Errorf("expected submitted event, got %s", evt.Type)
		}
		if evt.OwnerID != "alice" {
			t.Errorf("expected ownerId=alice, got %q", evt.OwnerID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a submitted event on the bus")
	}
}

func TestHandleSubmitGeneration_ValidationError(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]any{"kind": "story_for_prompt"}
	req := ownedRequest(http.MethodPost, "/generation/async", "alice", body)
	rec := httptest.NewRecorder()
	srv.handleSubmitGeneration(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGenerationStatus_NotOwnedReturns403(t *testing.T) {
	srv := newTestServer(t)
	store := srv.app.Store.(*fakeStore)
	store.jobs["job-1"] = &models.Job{ID: "job-1", OwnerID: "bob", State: models.JobStateQueued}

	req := ownedRequest(http.MethodGet, "/generation/status/job-1", "alice", nil)
	rec := httptest.NewRecorder()
	srv.handleGenerationStatus(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandleGenerationStatus_NotFound(t *testing.T) {
	srv := newTestServer(t)
	req := ownedRequest(http.MethodGet, "/generation/status/missing", "alice", nil)
	rec := httptest.NewRecorder()
	srv.handleGenerationStatus(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGenerationResult_NotReadyReturns409(t *testing.T) {
	srv := newTestServer(t)
	store := srv.app.Store.(*fakeStore)
	store.jobs["job-1"] = &models.Job{ID: "job-1", OwnerID: "alice", State: models.JobStateProcessing}

	req := ownedRequest(http.MethodGet, "/generation/result/job-1", "alice", nil)
	rec := httptest.NewRecorder()
	srv.handleGenerationResult(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestHandleGenerationResult_Succeeded(t *testing.T) {
	srv := newTestServer(t)
	store := srv.app.Store.(*fakeStore)
	store.jobs["job-1"] = &models.Job{
		ID: "job-1", OwnerID: "alice", State: models.JobStateSucceeded,
		Result: &models.JobResult{ArtifactID: "art-1", Title: "A Brave Astronaut"},
	}

	req := ownedRequest(http.MethodGet, "/generation/result/job-1", "alice", nil)
	rec := httptest.NewRecorder()
	srv.handleGenerationResult(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result models.JobResult
	json.NewDecoder(rec.Body).Decode(&result)
	if result.ArtifactID != "art-1" {
		t.Errorf("expected artifactId=art-1, got %q", result.ArtifactID)
	}
}

func TestHandleCancelGeneration_OwnerMismatch(t *testing.T) {
	srv := newTestServer(t)
	store := srv.app.Store.(*fakeStore)
	store.jobs["job-1"] = &models.Job{ID: "job-1", OwnerID: "bob", State: models.JobStateQueued}

	req := ownedRequest(http.MethodDelete, "/generation/job-1", "alice", nil)
	rec := httptest.NewRecorder()
	srv.handleCancelGeneration(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandleCancelGeneration_AlreadyTerminal(t *testing.T) {
	srv := newTestServer(t)
	store := srv.app.Store.(*fakeStore)
	store.jobs["job-1"] = &models.Job{ID: "job-1", OwnerID: "alice", State: models.JobStateSucceeded}

	req := ownedRequest(http.MethodDelete, "/generation/job-1", "alice", nil)
	rec := httptest.NewRecorder()
	srv.handleCancelGeneration(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestHandleCancelGeneration_PublishesCancelledEvent(t *testing.T) {
	srv := newTestServer(t)
	store := srv.app.Store.(*fakeStore)
	store.jobs["job-1"] = &models.Job{ID: "job-1", OwnerID: "alice", State: models.JobStateQueued}
	ch, cancel := srv.app.Bus.Subscribe(interfaces.EventFilter{})
	defer cancel()

	req := ownedRequest(http.MethodDelete, "/generation/job-1", "alice", nil)
	rec := httptest.NewRecorder()
	srv.handleCancelGeneration(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	select {
	case evt := <-ch:
		if evt.Type != models.EventCancelled {
			t.Errorf("expected cancelled event, got %s", evt.Type)
		}
		if evt.JobID != "job-1" {
			t.Errorf("expected jobId=job-1, got %q", evt.JobID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a cancelled event on the bus")
	}
}

func TestHandleGenerationResult_ExpiredReturns410(t *testing.T) {
	srv := newTestServer(t)
	store := srv.app.Store.(*fakeStore)
	store.jobs["job-1"] = &models.Job{ID: "job-1", OwnerID: "alice", State: models.JobStateExpired}

	req := ownedRequest(http.MethodGet, "/generation/result/job-1", "alice", nil)
	rec := httptest.NewRecorder()
	srv.handleGenerationResult(rec, req)

	if rec.Code != http.StatusGone {
		t.Errorf("expected 410, got %d", rec.Code)
	}
}

func TestHandleDevices_RegistersToken(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]string{"token": "dev-token-1", "platform": "ios"}
	req := ownedRequest(http.MethodPost, "/devices", "alice", body)
	rec := httptest.NewRecorder()
	srv.handleDevices(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	tokens := srv.app.Tokens.(*fakeTokens)
	if _, ok := tokens.tokens["dev-token-1"]; !ok {
		t.Error("expected token to be registered")
	}
}

func TestHandleDevices_RejectsMissingPlatform(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]string{"token": "dev-token-1"}
	req := ownedRequest(http.MethodPost, "/devices", "alice", body)
	rec := httptest.NewRecorder()
	srv.handleDevices(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGenerationPending_ListsOwnerJobsOnly(t *testing.T) {
	srv := newTestServer(t)
	store := srv.app.Store.(*fakeStore)
	store.jobs["job-1"] = &models.Job{ID: "job-1", OwnerID: "alice", State: models.JobStateQueued}
	store.jobs["job-2"] = &models.Job{ID: "job-2", OwnerID: "bob", State: models.JobStateQueued}

	req := ownedRequest(http.MethodGet, "/generation/pending", "alice", nil)
	rec := httptest.NewRecorder()
	srv.handleGenerationPending(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var jobs []*models.Job
	if err := json.NewDecoder(rec.Body).Decode(&jobs); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].OwnerID != "alice" {
		t.Errorf("expected exactly alice's pending job, got %+v", jobs)
	}
}

func TestHandleQueueStats_ReturnsStats(t *testing.T) {
	srv := newTestServer(t)
	req := ownedRequest(http.MethodGet, "/generation/queue-stats", "alice", nil)
	rec := httptest.NewRecorder()
	srv.handleQueueStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var stats interfaces.QueueStats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
}

func TestHandleUnregisterDevice_Succeeds(t *testing.T) {
	srv := newTestServer(t)
	tokens := srv.app.Tokens.(*fakeTokens)
	tokens.tokens["dev-token-1"] = &models.DeviceToken{Token: "dev-token-1", OwnerID: "alice", Active: true}

	req := ownedRequest(http.MethodDelete, "/devices/dev-token-1", "alice", nil)
	rec := httptest.NewRecorder()
	srv.handleUnregisterDevice(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if tokens.tokens["dev-token-1"].Active {
		t.Error("expected token to be deactivated")
	}
}

func TestHandleUnregisterDevice_NotFound(t *testing.T) {
	srv := newTestServer(t)
	req := ownedRequest(http.MethodDelete, "/devices/missing-token", "alice", nil)
	rec := httptest.NewRecorder()
	srv.handleUnregisterDevice(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandleAdminQueueStats_ReturnsStats(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/queue-stats", nil)
	rec := httptest.NewRecorder()
	srv.handleAdminQueueStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var stats interfaces.QueueStats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
