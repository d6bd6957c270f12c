package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/semmidev/backt/internal/adapter/compressor"
	"github.com/semmidev/backt/internal/adapter/connection"
	"github.com/semmidev/backt/internal/adapter/metadata"
	"github.com/semmidev/backt/internal/adapter/notify"
	"github.com/semmidev/backt/internal/adapter/storage"
	"github.com/semmidev/backt/internal/adapter/strategy"
	"github.com/semmidev/backt/internal/config"
	"github.com/semmidev/backt/internal/domain"
	"github.com/semmidev/backt/internal/infrastructure/executor"
	"github.com/semmidev/backt/internal/infrastructure/logger"
	"github.com/semmidev/backt/internal/infrastructure/metrics"
	"github.com/semmidev/backt/internal/infrastructure/scheduler"
	"github.com/semmidev/backt/internal/infrastructure/sqlite"
	"github.com/semmidev/backt/internal/usecase"
)

const cleanupSchedule = "0 0 3 * * *"

// ErrSessionBusy is returned when a backup or restore is already running
// against the same configured database.
var ErrSessionBusy = errors.New("another operation is running on this database")

type opener func(ctx context.Context, kind domain.EngineKind, details domain.DatabaseDetails) (*domain.Session, error)

type runner interface {
	PerformBackup(ctx context.Context, sess *domain.Session, req domain.BackupRequest) (*domain.BackupResult, error)
	PerformRestore(ctx context.Context, sess *domain.Session, backupID string, options map[string]string) error
}

type App struct {
	config        *config.Config
	logger        *logger.Logger
	scheduler     *scheduler.Scheduler
	db            *sqlite.DB
	ledger        domain.MetadataStore
	open          opener
	orchestrator  runner
	cleanupUC     *usecase.Cleanup
	metricsServer *metrics.Server
	uploadTargets []usecase.UploadTarget

	mu    sync.Mutex
	slots map[string]*sync.Mutex
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log, err := logger.New(cfg.App.LogLevel, cfg.App.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Infof("Starting %s", cfg.App.Name)
	log.Infof("Found %d database(s) configured, %d scheduled", len(cfg.Databases), len(cfg.GetEnabledDatabases()))

	db, err := sqlite.NewConnection(cfg.Backup.MetadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata ledger: %w", err)
	}
	ledger := metadata.NewSQLiteStore(db)

	if cfg.Backup.TempDir != "" {
		if err := os.MkdirAll(cfg.Backup.TempDir, 0o700); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
	}

	comp, err := compressor.New(cfg.Backup.Compression)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	localStorage, err := storage.NewLocal(cfg.Backup.LocalPath)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize local storage: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	uploadTargets := initializeUploadTargets(ctx, cfg, log)

	exec := executor.New(cfg.Backup.CommandTimeout, log.Component("executor"))
	strategies := strategy.NewDefaultRegistry(exec, ledger, strategy.Config{
		StepTimeout: cfg.Backup.CommandTimeout,
		Tools:       cfg.Backup.Tools,
	}, log.Component("strategy"))
	log.Infof("✓ Backup strategies: %v", strategies.Engines())

	placement := usecase.NewPlacement(
		func(dir string) (usecase.LocalStorage, error) {
			if dir == cfg.Backup.LocalPath {
				return localStorage, nil
			}
			return storage.NewLocal(dir)
		},
		uploadTargets, comp, compressor.ForFile, m, log.Component("placement"),
	)

	opts := []usecase.OrchestratorOption{usecase.WithTempDir(cfg.Backup.TempDir), usecase.WithObserver(m)}
	if cfg.Notify.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Notify.Telegram)
		if err != nil {
			log.Errorf("Failed to initialize Telegram: %v", err)
		} else {
			opts = append(opts, usecase.WithNotifier(tg))
			log.Infof("✓ Telegram notifications enabled")
		}
	}
	orchestrator := usecase.NewOrchestrator(strategies, ledger, placement, log.Component("orchestrator"), opts...)

	retentionTargets := append([]usecase.UploadTarget{{Name: "local", Storage: localStorage}}, uploadTargets...)
	cleanupUC := usecase.NewCleanup(retentionTargets, log.Component("cleanup"), cfg.Backup.RetentionDays, m)

	a := &App{
		config:        cfg,
		logger:        log,
		scheduler:     scheduler.New(log.Component("scheduler")),
		db:            db,
		ledger:        ledger,
		open:          connection.NewDefaultRegistry().Open,
		orchestrator:  orchestrator,
		cleanupUC:     cleanupUC,
		uploadTargets: uploadTargets,
		slots:         make(map[string]*sync.Mutex),
	}
	if cfg.App.MetricsAddr != "" {
		a.metricsServer = metrics.NewServer(cfg.App.MetricsAddr, registry, log.Component("metrics"))
	}
	return a, nil
}

func initializeUploadTargets(ctx context.Context, cfg *config.Config, log *logger.Logger) []usecase.UploadTarget {
	var targets []usecase.UploadTarget

	for _, targetCfg := range cfg.GetEnabledUploadTargets() {
		stor, err := storage.New(ctx, targetCfg)
		if err != nil {
			log.Errorf("Failed to initialize upload target %s: %v", targetCfg.DisplayName(), err)
			continue
		}
		log.Infof("✓ %s upload enabled (%s)", targetCfg.DisplayName(), targetCfg.Type)

		targets = append(targets, usecase.UploadTarget{
			Name:    targetCfg.DisplayName(),
			Storage: stor,
		})
	}

	return targets
}

// Backup runs one attempt of kind against the configured database name; an
// empty kind means the database's default kind.
func (a *App) Backup(ctx context.Context, name string, kind domain.BackupKind) (*domain.BackupResult, error) {
	dbCfg, ok := a.config.FindDatabase(name)
	if !ok {
		return nil, &domain.InvalidRequestError{Field: "database", Reason: fmt.Sprintf("no database named %q is configured", name)}
	}
	if kind == "" {
		kind = dbCfg.DefaultKind()
	}

	unlock, err := a.acquire(name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := a.open(ctx, dbCfg.Engine(), dbCfg.Details())
	if err != nil {
		return nil, err
	}
	defer a.closeSession(ctx, name, sess)

	return a.orchestrator.PerformBackup(ctx, sess, domain.BackupRequest{
		DatabaseName:         dbCfg.DatabaseName(),
		Kind:                 kind,
		DestinationDirectory: a.config.Backup.LocalPath,
		Compress:             a.config.Backup.Compress,
		Options:              dbCfg.RequestOptions(),
	})
}

// Restore replays backupID into the configured database. options are merged
// over the database's configured options.
func (a *App) Restore(ctx context.Context, name, backupID string, options map[string]string) error {
	dbCfg, ok := a.config.FindDatabase(name)
	if !ok {
		return &domain.InvalidRequestError{Field: "database", Reason: fmt.Sprintf("no database named %q is configured", name)}
	}

	unlock, err := a.acquire(name)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err := a.open(ctx, dbCfg.Engine(), dbCfg.Details())
	if err != nil {
		return err
	}
	defer a.closeSession(ctx, name, sess)

	merged := dbCfg.RequestOptions()
	if merged == nil {
		merged = map[string]string{}
	}
	for k, v := range options {
		merged[k] = v
	}
	return a.orchestrator.PerformRestore(ctx, sess, backupID, merged)
}

// History lists recorded attempts for the configured database, newest first.
func (a *App) History(ctx context.Context, name string, limit int) ([]domain.BackupMetadata, error) {
	dbCfg, ok := a.config.FindDatabase(name)
	if !ok {
		return nil, &domain.InvalidRequestError{Field: "database", Reason: fmt.Sprintf("no database named %q is configured", name)}
	}
	return a.ledger.List(ctx, dbCfg.Engine(), dbCfg.DatabaseName(), limit)
}

func (a *App) acquire(name string) (func(), error) {
	a.mu.Lock()
	slot, ok := a.slots[name]
	if !ok {
		slot = &sync.Mutex{}
		a.slots[name] = slot
	}
	a.mu.Unlock()

	if !slot.TryLock() {
		return nil, fmt.Errorf("%s: %w", name, ErrSessionBusy)
	}
	return slot.Unlock, nil
}

func (a *App) closeSession(ctx context.Context, name string, sess *domain.Session) {
	if err := sess.Close(ctx); err != nil {
		a.logger.Warnf("[%s] Failed to disconnect: %v", name, err)
	}
}

func (a *App) scheduleJobs() error {
	for _, dbCfg := range a.config.GetEnabledDatabases() {
		name := dbCfg.Name
		schedules := []struct {
			spec string
			kind domain.BackupKind
		}{
			{dbCfg.Schedule, dbCfg.DefaultKind()},
			{dbCfg.IncrementalSchedule, domain.BackupKindIncremental},
			{dbCfg.DifferentialSchedule, domain.BackupKindDifferential},
		}

		for _, s := range schedules {
			if s.spec == "" {
				continue
			}
			kind := s.kind
			jobName := fmt.Sprintf("%s-%s", name, kind)
			err := a.scheduler.AddJob(jobName, s.spec, func(ctx context.Context) error {
				a.logger.Infof("=== Triggered scheduled %s backup for %s ===", kind, name)
				result, err := a.Backup(ctx, name, kind)
				if err != nil {
					return err
				}
				if !result.Succeeded() {
					return errors.New(result.ErrorMessage)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to schedule backup for %s: %w", name, err)
			}
			a.logger.Infof("✓ Scheduled %s backup for %s: %s", kind, name, s.spec)
		}
	}

	a.logger.Infof("Scheduling cleanup: %s", cleanupSchedule)
	if err := a.scheduler.AddJob("cleanup", cleanupSchedule, a.cleanupUC.Execute); err != nil {
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}
	return nil
}

// Run schedules every enabled database and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if len(a.config.GetEnabledDatabases()) == 0 {
		return fmt.Errorf("no enabled databases found")
	}
	if err := a.scheduleJobs(); err != nil {
		return err
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.Start(); err != nil {
				a.logger.Errorf("%v", err)
			}
		}()
	}

	a.scheduler.Start()
	a.logger.Infof("Scheduler started with %d job(s)", a.scheduler.Jobs())
	a.logger.Infof("Backup destinations: local + %d remote target(s)", len(a.uploadTargets))

	<-ctx.Done()
	return nil
}

func (a *App) Shutdown() {
	a.logger.Infof("Shutting down application...")
	a.scheduler.Stop()

	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Warnf("Metrics server shutdown: %v", err)
		}
		cancel()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warnf("Closing metadata ledger: %v", err)
		}
	}
	a.logger.Close()
}
