// Package app wires the generation job subsystem's concrete components
// together behind the capability interfaces in internal/interfaces (spec
// §9's "explicit constructor wiring" redesign note). Grounded structurally
// on the reference App: config → logger → storage → clients → services →
// background tasks, in that order, with Close() unwinding in reverse.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/storywell/storywell-api/internal/common"
	"github.com/storywell/storywell-api/internal/generator"
	"github.com/storywell/storywell-api/internal/interfaces"
	"github.com/storywell/storywell-api/internal/models"
	"github.com/storywell/storywell-api/internal/notify"
	"github.com/storywell/storywell-api/internal/storage/badger"
	"github.com/storywell/storywell-api/internal/storage/surrealdb"
	"github.com/storywell/storywell-api/internal/eventbus"
	"github.com/storywell/storywell-api/internal/ssehub"
	"github.com/storywell/storywell-api/internal/workerpool"
)

// App holds every wired component the HTTP server and background tasks
// need. It is the shared core used by cmd/storywell-server.
type App struct {
	Config *common.Config
	Logger *common.Logger

	Store  interfaces.JobStore
	Tokens interfaces.DeviceTokenRegistry
	Bus    interfaces.EventBus
	Hub    *ssehub.Hub

	Pools      map[models.JobKind]*workerpool.Pool
	Dispatcher *notify.Dispatcher

	StartupTime time.Time

	surrealManager *surrealdb.Manager
	badgerStore    *badger.Store
	sweepCancel    context.CancelFunc
}

func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp loads configuration, connects storage, and constructs every
// component the job subsystem needs, but does not start any background
// goroutine — callers invoke Start() once the App is fully wired.
func NewApp(configPath string) (*App, error) {
	startupStart := time.Now()

	common.LoadVersionFromFile()
	binDir := getBinaryDir()

	if configPath == "" {
		configPath = os.Getenv("STORYWELL_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "storywell.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/storywell.toml"
		}
	}

	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Storage.BadgerPath != "" && !filepath.IsAbs(cfg.Storage.BadgerPath) {
		cfg.Storage.BadgerPath = filepath.Join(binDir, cfg.Storage.BadgerPath)
	}
	if cfg.Logging.FilePath != "" && !filepath.IsAbs(cfg.Logging.FilePath) {
		cfg.Logging.FilePath = filepath.Join(binDir, cfg.Logging.FilePath)
	}

	logger := common.NewLogger(cfg.Logging.Level)

	surrealManager, err := surrealdb.NewManager(logger, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize job store: %w", err)
	}
	store := surrealdb.NewJobQueueStore(surrealManager.DB(), logger)

	badgerStore, err := badger.NewStore(logger, cfg.Storage.BadgerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize device token registry: %w", err)
	}
	tokens := badger.NewTokenRegistry(badgerStore, logger)

	if cfg.Clients.Gemini.APIKey == "" {
		logger.Warn().Msg("Gemini API key not configured - generation jobs will fail permanently")
	}
	gen, err := generator.New(context.Background(), generator.Config{
		APIKey:     cfg.Clients.Gemini.APIKey,
		TextModel:  cfg.Clients.Gemini.TextModel,
		ImageModel: cfg.Clients.Gemini.ImageModel,
		VoiceModel: cfg.Clients.Gemini.VoiceModel,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize generator: %w", err)
	}

	bus := eventbus.New(logger)
	hub := ssehub.New(bus, logger)

	pools := map[models.JobKind]*workerpool.Pool{
		models.JobKindStoryForPrompt: newPool(models.JobKindStoryForPrompt, cfg.Worker.StoryForPrompt, store, gen, bus, logger),
		models.JobKindStoryForChild:  newPool(models.JobKindStoryForChild, cfg.Worker.StoryForChild, store, gen, bus, logger),
		models.JobKindVoiceClone:     newPool(models.JobKindVoiceClone, cfg.Worker.VoiceClone, store, gen, bus, logger),
	}

	var push interfaces.PushProvider = notify.NewHTTPPushProvider(cfg.Notify.PushEndpoint, cfg.Notify.PushAPIKey)
	var mailer interfaces.Mailer = notify.NewSMTPMailer(cfg.Notify.SMTPHost, cfg.Notify.SMTPPort, cfg.Notify.SMTPUsername, cfg.Notify.SMTPPassword, cfg.Notify.FromAddress, logger)
	dispatcher := notify.New(bus, tokens, push, mailer, logger)

	a := &App{
		Config:         cfg,
		Logger:         logger,
		Store:          store,
		Tokens:         tokens,
		Bus:            bus,
		Hub:            hub,
		Pools:          pools,
		Dispatcher:     dispatcher,
		StartupTime:    startupStart,
		surrealManager: surrealManager,
		badgerStore:    badgerStore,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("app initialized")
	return a, nil
}

func newPool(kind models.JobKind, pcfg common.PoolConfig, store interfaces.JobStore, gen interfaces.Generator, bus interfaces.EventBus, logger *common.Logger) *workerpool.Pool {
	return workerpool.New(workerpool.Config{
		Kind:          kind,
		Concurrency:   pcfg.Concurrency,
		LeaseDuration: pcfg.GetLeaseDuration(),
		PollInterval:  pcfg.GetPollInterval(),
	}, store, gen, bus, logger)
}

// Start launches every background task: the worker pools, the notification
// dispatcher, the stalled-lease sweeper, and the retention purge sweeper
// (spec §12 "Crash recovery" and "Retention sweeper" supplements).
func (a *App) Start() {
	for _, pool := range a.Pools {
		pool.Start()
	}
	a.Dispatcher.Start()

	ctx, cancel := context.WithCancel(context.Background())
	a.sweepCancel = cancel
	go a.runStalledLeaseSweeper(ctx)
	go a.runRetentionSweeper(ctx)

	a.Logger.Info().Msg("resetting any leases left stalled across a restart")
	if n, err := a.Store.ResetStalledLeases(context.Background()); err != nil {
		a.Logger.Warn().Err(err).Msg("startup stalled-lease reset failed")
	} else if n > 0 {
		a.Logger.Info().Int("count", n).Msg("reclaimed stalled leases on startup")
	}
}

func (a *App) runStalledLeaseSweeper(ctx context.Context) {
	interval := a.Config.Worker.GetStalledSweepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Store.ResetStalledLeases(ctx)
			if err != nil {
				a.Logger.Warn().Err(err).Msg("stalled-lease sweep failed")
				continue
			}
			if n > 0 {
				a.Logger.Info().Int("count", n).Msg("reclaimed stalled leases")
			}
		}
	}
}

func (a *App) runRetentionSweeper(ctx context.Context) {
	ticker := time.NewTicker(a.Config.Worker.GetStalledSweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Store.PurgeExpired(ctx, a.Config.Worker.GetSucceededRetention(), a.Config.Worker.GetFailedRetention())
			if err != nil {
				a.Logger.Warn().Err(err).Msg("retention purge failed")
				continue
			}
			if n > 0 {
				a.Logger.Info().Int("count", n).Msg("purged expired job records")
			}
		}
	}
}

// Close releases all resources held by the App. Shutdown order is the
// reverse of construction: sweepers, dispatcher, worker pools, then storage.
func (a *App) Close() {
	if a.sweepCancel != nil {
		a.sweepCancel()
		a.sweepCancel = nil
	}
	if a.Dispatcher != nil {
		a.Dispatcher.Stop()
	}
	for _, pool := range a.Pools {
		pool.Stop()
	}
	if a.badgerStore != nil {
		a.badgerStore.Close()
	}
	if a.surrealManager != nil {
		a.surrealManager.Close()
	}
}
