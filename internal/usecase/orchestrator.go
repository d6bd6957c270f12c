package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/semmidev/backt/internal/domain"
)

const (
	idTimeLayout  = "20060102T150405.000"
	recordTimeout = 30 * time.Second
)

type Logger interface {
	Infof(template string, args ...interface{})
	Errorf(template string, args ...interface{})
	Warnf(template string, args ...interface{})
}

type StrategyResolver interface {
	Get(kind domain.EngineKind) (domain.BackupStrategy, error)
}

type BackupObserver interface {
	ObserveBackup(engine domain.EngineKind, databaseName string, result *domain.BackupResult, err error)
}

// Placer is the post-processing hook run on a successful artifact.
type Placer interface {
	Place(ctx context.Context, req domain.BackupRequest, workDir string, result *domain.BackupResult) error
	Unpack(artifactPath, workDir string) (string, error)
}

type Orchestrator struct {
	strategies StrategyResolver
	ledger     domain.MetadataStore
	placer     Placer
	notifier   domain.Notifier
	observer   BackupObserver
	tempDir    string
	logger     Logger
	now        func() time.Time
	newID      func() string
}

type OrchestratorOption func(*Orchestrator)

func WithNotifier(n domain.Notifier) OrchestratorOption {
	return func(o *Orchestrator) { o.notifier = n }
}

func WithObserver(obs BackupObserver) OrchestratorOption {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithTempDir sets the parent of per-backup work directories; empty means os.TempDir.
func WithTempDir(dir string) OrchestratorOption {
	return func(o *Orchestrator) { o.tempDir = dir }
}

func NewOrchestrator(strategies StrategyResolver, ledger domain.MetadataStore, placer Placer, logger Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		strategies: strategies,
		ledger:     ledger,
		placer:     placer,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// PerformBackup runs one backup attempt on sess. Only request validation,
// engine resolution and a missing connection are returned as errors; every
// other outcome is a result that has been recorded in the ledger.
func (o *Orchestrator) PerformBackup(ctx context.Context, sess *domain.Session, req domain.BackupRequest) (*domain.BackupResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, domain.ErrNoActiveConnection
	}
	strategy, err := o.strategies.Get(sess.Engine)
	if err != nil {
		return nil, err
	}
	if !sess.Active() {
		return nil, domain.ErrNoActiveConnection
	}

	started := o.now()
	task := domain.BackupTask{
		ID:        o.backupID(req, started),
		Request:   req,
		StartedAt: started,
	}
	o.logger.Infof("[%s] Starting %s backup %s", req.DatabaseName, req.Kind, task.ID)

	result, cause, err := o.run(ctx, sess, strategy, task)
	if err != nil {
		return nil, err
	}

	// the attempt is recorded even when the caller was cancelled mid-backup
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	meta := domain.NewBackupMetadata(sess.Engine, req.DatabaseName, result)
	if err := o.ledger.Append(recordCtx, meta); err != nil {
		o.logger.Errorf("[%s] Failed to record backup %s: %v", req.DatabaseName, task.ID, err)
		if result.Succeeded() {
			cause = fmt.Errorf("record metadata: %w", err)
			result.Fail(cause, o.now())
		}
	}

	o.report(recordCtx, sess.Engine, req.DatabaseName, result, cause)
	return result, nil
}

// run allocates the work directory, delegates to the strategy and places the
// artifact. The work directory is gone when run returns, panics included.
func (o *Orchestrator) run(ctx context.Context, sess *domain.Session, strategy domain.BackupStrategy, task domain.BackupTask) (result *domain.BackupResult, cause error, err error) {
	fail := func(e error) *domain.BackupResult {
		r := &domain.BackupResult{
			BackupID:      task.ID,
			Kind:          task.Request.Kind,
			RequestedKind: task.Request.Kind,
			StartTime:     task.StartedAt,
			Details:       map[string]string{},
		}
		r.Fail(e, o.now())
		return r
	}

	workDir, mkErr := os.MkdirTemp(o.tempDir, "backt-"+domain.SanitizeName(task.Request.DatabaseName)+"-")
	if mkErr != nil {
		cause = fmt.Errorf("create work directory: %w", mkErr)
		return fail(cause), cause, nil
	}
	task.WorkDir = workDir
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			o.logger.Warnf("[%s] Failed to remove work directory %s: %v", task.Request.DatabaseName, workDir, rmErr)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Errorf("[%s] Backup %s panicked: %v", task.Request.DatabaseName, task.ID, r)
			cause = fmt.Errorf("strategy panic: %v", r)
			result, err = fail(cause), nil
		}
	}()

	result, err = strategy.Execute(ctx, sess.Conn, task)
	if err != nil {
		return nil, nil, err
	}
	if result == nil {
		cause = errors.New("strategy returned no result")
		return fail(cause), cause, nil
	}
	if result.Details == nil {
		result.Details = map[string]string{}
	}
	if !result.Succeeded() {
		if result.ErrorMessage == "" {
			result.ErrorMessage = "backup failed"
		}
		return result, errors.New(result.ErrorMessage), nil
	}

	if o.placer != nil {
		if err := o.placer.Place(ctx, task.Request, workDir, result); err != nil {
			cause = fmt.Errorf("place artifact: %w", err)
			result.Fail(cause, o.now())
			return result, cause, nil
		}
	}
	result.Finish(o.now())
	return result, nil, nil
}

func (o *Orchestrator) report(ctx context.Context, engine domain.EngineKind, dbName string, result *domain.BackupResult, cause error) {
	if result.Succeeded() {
		o.logger.Infof("[%s] Backup %s completed in %s: %s",
			dbName, result.BackupID, result.EndTime.Sub(result.StartTime).Round(time.Second), result.BackupFilePath)
	} else {
		o.logger.Errorf("[%s] Backup %s failed: %s", dbName, result.BackupID, result.ErrorMessage)
	}

	if o.observer != nil {
		o.observer.ObserveBackup(engine, dbName, result, cause)
	}
	if o.notifier != nil {
		if err := o.notifier.Notify(ctx, engine, dbName, result); err != nil {
			o.logger.Warnf("[%s] Notification failed: %v", dbName, err)
		}
	}
}

// backupID is BACKUP-<KIND>-<DB>-<start>-<uuid>; the random suffix keeps ids
// unique when two attempts share a millisecond.
func (o *Orchestrator) backupID(req domain.BackupRequest, started time.Time) string {
	return fmt.Sprintf("BACKUP-%s-%s-%s-%s",
		req.Kind, strings.ToUpper(domain.SanitizeName(req.DatabaseName)), started.Format(idTimeLayout), o.newID())
}

// PerformRestore replays a recorded backup into the database behind sess.
func (o *Orchestrator) PerformRestore(ctx context.Context, sess *domain.Session, backupID string, options map[string]string) error {
	if strings.TrimSpace(backupID) == "" {
		return &domain.InvalidRequestError{Field: "backupId", Reason: "backup id is required"}
	}
	if sess == nil {
		return domain.ErrNoActiveConnection
	}
	strategy, err := o.strategies.Get(sess.Engine)
	if err != nil {
		return err
	}
	if !sess.Active() {
		return domain.ErrNoActiveConnection
	}

	meta, err := o.ledger.Get(ctx, backupID)
	if err != nil {
		return fmt.Errorf("look up %s: %w", backupID, err)
	}
	if meta.Status != domain.BackupStatusSuccess {
		return &domain.InvalidRequestError{Field: "backupId", Reason: fmt.Sprintf("backup %s did not succeed", backupID)}
	}
	if meta.Engine != sess.Engine {
		return &domain.InvalidRequestError{Field: "backupId", Reason: fmt.Sprintf("backup %s belongs to %s, not %s", backupID, meta.Engine, sess.Engine)}
	}

	workDir, err := os.MkdirTemp(o.tempDir, "backt-restore-")
	if err != nil {
		return fmt.Errorf("create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	artifact := meta.BackupFilePath
	if o.placer != nil {
		if artifact, err = o.placer.Unpack(meta.BackupFilePath, workDir); err != nil {
			return err
		}
	}

	o.logger.Infof("[%s] Restoring %s from %s", meta.DatabaseName, backupID, meta.BackupFilePath)
	err = strategy.Restore(ctx, sess.Conn, domain.RestoreTask{
		Metadata:     *meta,
		ArtifactPath: artifact,
		WorkDir:      workDir,
		Options:      options,
	})
	if err != nil {
		return fmt.Errorf("restore %s: %w", backupID, err)
	}
	o.logger.Infof("[%s] Restore of %s finished", meta.DatabaseName, backupID)
	return nil
}
