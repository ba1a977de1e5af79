// Package workerpool runs the per-kind pools that lease jobs, invoke the
// Generator, report progress, commit results, and emit retries or
// permanent failures (spec §4.3). Grounded on the reference jobmanager's
// safeGo/processLoop/semaphore pattern, generalized from one shared pool to
// one pool per job kind per spec §4.3 ("one pool per job kind... each with a
// small fixed concurrency").
package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/storywell/storywell-api/internal/common"
	"github.com/storywell/storywell-api/internal/interfaces"
	"github.com/storywell/storywell-api/internal/models"
)

// Config configures one Pool.
type Config struct {
	Kind          models.JobKind
	Concurrency   int
	LeaseDuration time.Duration // stall timeout; default 30s per spec §4.2
	PollInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Pool runs Config.Concurrency workers against one job kind.
type Pool struct {
	cfg       Config
	store     interfaces.JobStore
	generator interfaces.Generator
	bus       interfaces.EventBus
	logger    *common.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	inFlight    int
	avgDuration time.Duration
}

func New(cfg Config, store interfaces.JobStore, generator interfaces.Generator, bus interfaces.EventBus, logger *common.Logger) *Pool {
	return &Pool{
		cfg:         cfg.withDefaults(),
		store:       store,
		generator:   generator,
		bus:         bus,
		logger:      logger,
		avgDuration: 35 * time.Second, // seeded per spec §4.2
	}
}

// Start launches the pool's workers. Safe to call once; call Stop before
// starting again.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-worker-%d-%s", p.cfg.Kind, i, uuid.New().String()[:8])
		p.safeGo(workerID, func() { p.workerLoop(ctx, workerID) })
	}

	p.logger.Info().Str("kind", string(p.cfg.Kind)).Int("concurrency", p.cfg.Concurrency).
		Msg("worker pool started")
}

// Stop cancels all workers and waits for them to exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// InFlight returns the number of jobs currently Processing under this pool,
// for the bounded-concurrency testable property (§8.2).
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// EstimatedWaitSeconds estimates wait time as
// queue_depth / concurrency * avg_job_duration (spec §4.2, supplemented in
// SPEC_FULL.md §12).
func (p *Pool) EstimatedWaitSeconds(queueDepth int) int {
	p.mu.Lock()
	avg := p.avgDuration
	p.mu.Unlock()
	if p.cfg.Concurrency == 0 {
		return 0
	}
	return int(float64(queueDepth) / float64(p.cfg.Concurrency) * avg.Seconds())
}

func (p *Pool) safeGo(name string, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error().Str("worker", name).Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).Msg("recovered from panic in worker loop")
			}
		}()
		fn()
	}()
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.store.LeaseNext(ctx, p.cfg.Kind, workerID, p.cfg.LeaseDuration)
		if err != nil {
			p.logger.Warn().Str("worker", workerID).Err(err).Msg("lease attempt failed")
			sleepOrDone(ctx, p.cfg.PollInterval)
			continue
		}
		if job == nil {
			sleepOrDone(ctx, p.cfg.PollInterval)
			continue
		}

		p.runAttempt(ctx, job, workerID)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (p *Pool) runAttempt(ctx context.Context, job *models.Job, workerID string) {
	p.mu.Lock()
	p.inFlight++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	start := time.Now()

	renewCtx, stopRenewal := context.WithCancel(ctx)
	defer stopRenewal()
	p.safeGo(workerID+"-lease-renewal", func() { p.renewLeaseLoop(renewCtx, job.ID, workerID) })

	report := func(stage models.ProgressStage) error {
		if err := p.store.ReportProgress(ctx, job.ID, workerID, stage); err != nil {
			return err
		}
		p.bus.Publish(models.JobEvent{
			Type: models.EventProgress, JobID: job.ID, OwnerID: job.OwnerID, Kind: job.Kind,
			State: models.JobStateProcessing, Stage: stage, Progress: models.StageProgress[stage],
		})
		return nil
	}

	if err := report(models.StageGeneratingContent); err != nil {
		p.logger.Warn().Str("job_id", job.ID).Err(err).Msg("progress report failed")
	}

	result, genErr := p.generator.Generate(ctx, job, report)
	duration := time.Since(start)
	p.recordDuration(duration)

	if genErr != nil {
		p.handleFailure(ctx, job, workerID, genErr)
		return
	}

	if err := report(models.StagePersisting); err != nil {
		p.logger.Warn().Str("job_id", job.ID).Err(err).Msg("progress report failed")
	}

	if err := p.store.Complete(ctx, job.ID, workerID, result); err != nil {
		p.logger.Error().Str("job_id", job.ID).Err(err).Msg("failed to commit job completion")
		return
	}
	p.bus.Publish(models.JobEvent{
		Type: models.EventSucceeded, JobID: job.ID, OwnerID: job.OwnerID, Kind: job.Kind,
		State: models.JobStateSucceeded, Stage: models.StageCompleted, Progress: 100,
		ArtifactID: result.ArtifactID, Title: result.Title,
	})
}

func (p *Pool) handleFailure(ctx context.Context, job *models.Job, workerID string, genErr error) {
	kind, message := classify(genErr)

	if err := p.store.Fail(ctx, job.ID, workerID, kind, message); err != nil {
		p.logger.Error().Str("job_id", job.ID).Err(err).Msg("failed to record job failure")
		return
	}

	if kind == models.FailurePermanent {
		status, err := p.store.GetStatus(ctx, job.ID)
		if err == nil && status != nil && status.State == models.JobStateFailed {
			p.bus.Publish(models.JobEvent{
				Type: models.EventFailed, JobID: job.ID, OwnerID: job.OwnerID, Kind: job.Kind,
				State: models.JobStateFailed, Stage: job.Stage, ErrorText: message,
			})
		}
		return
	}

	// Retryable: may or may not have exhausted attempts — only a terminal
	// Failed transition emits an event (spec §4.2 Fail row).
	status, err := p.store.GetStatus(ctx, job.ID)
	if err == nil && status != nil && status.State == models.JobStateFailed {
		p.bus.Publish(models.JobEvent{
			Type: models.EventFailed, JobID: job.ID, OwnerID: job.OwnerID, Kind: job.Kind,
			State: models.JobStateFailed, Stage: job.Stage, ErrorText: message,
		})
	}
}

// classify maps a Generator error to the Permanent/Retryable taxonomy per
// spec §4.3's classification rules.
func classify(err error) (models.FailureKind, string) {
	var genErr *models.GenerationError
	if e, ok := err.(*models.GenerationError); ok {
		genErr = e
	}
	if genErr != nil {
		return genErr.Kind, genErr.Message
	}
	return models.FailureRetryable, err.Error()
}

func (p *Pool) renewLeaseLoop(ctx context.Context, jobID, workerID string) {
	interval := p.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.RenewLease(ctx, jobID, workerID, p.cfg.LeaseDuration); err != nil {
				p.logger.Warn().Str("job_id", jobID).Str("worker", workerID).Err(err).
					Msg("lease renewal failed, worker may have lost the lease")
				return
			}
		}
	}
}

func (p *Pool) recordDuration(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// simple exponential moving average
	p.avgDuration = (p.avgDuration*3 + d) / 4
}
