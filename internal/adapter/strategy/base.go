// Package strategy turns a backup request into the native tool invocations
// of one engine and runs them through the command executor.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/semmidev/backt/internal/domain"
)

const (
	filenameTimeLayout = "20060102_150405"
	tailLines          = 5
	defaultStepTimeout = time.Hour
)

type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
}

// Config is shared by every engine strategy.
type Config struct {
	// StepTimeout bounds each subprocess; the request option "timeout" overrides it.
	StepTimeout time.Duration
	// Tools maps a tool name such as "pg_dump" to the binary to run.
	Tools map[string]string
}

// planFunc runs the steps for one kind and returns the artifact path.
type planFunc func(ctx context.Context, conn domain.DatabaseConnection, task domain.BackupTask, anchor *domain.BackupMetadata, result *domain.BackupResult) (string, error)

type base struct {
	engine   domain.EngineKind
	executor domain.CommandExecutor
	ledger   domain.MetadataReader
	cfg      Config
	logger   Logger
	now      func() time.Time
}

func newBase(engine domain.EngineKind, executor domain.CommandExecutor, ledger domain.MetadataReader, cfg Config, logger Logger) base {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	return base{
		engine:   engine,
		executor: executor,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func (b *base) Engine() domain.EngineKind {
	return b.engine
}

// execute is the flow every engine shares: check the connection, resolve the
// chain anchor, run the plan, and fold any step failure into a FAILED result.
func (b *base) execute(ctx context.Context, conn domain.DatabaseConnection, task domain.BackupTask, full, changes planFunc) (*domain.BackupResult, error) {
	if conn == nil || !conn.Connected() {
		return nil, domain.ErrNoActiveConnection
	}

	result := &domain.BackupResult{
		BackupID:      task.ID,
		Kind:          task.Request.Kind,
		RequestedKind: task.Request.Kind,
		StartTime:     task.StartedAt,
		Details:       map[string]string{},
	}
	if result.StartTime.IsZero() {
		result.StartTime = b.now()
	}

	anchor, err := b.anchor(ctx, task.Request)
	if err != nil {
		result.Fail(err, b.now())
		return result, nil
	}
	if anchor == nil && task.Request.Kind != domain.BackupKindFull {
		b.logger.Warnf("[%s] no prior backup for %s, running %s as FULL", b.engine, task.Request.DatabaseName, task.Request.Kind)
		result.Kind = domain.BackupKindFull
		result.Details["fallback"] = "no prior backup"
	}
	if anchor != nil {
		result.Details["anchor_backup_id"] = anchor.BackupID
		result.Details["anchor_time"] = anchor.CreationTime.UTC().Format(time.RFC3339Nano)
	}

	plan := changes
	if result.Kind == domain.BackupKindFull {
		plan = full
	}

	b.logger.Infof("[%s] %s backup of %s started (%s)", b.engine, result.Kind, task.Request.DatabaseName, task.ID)
	path, err := plan(ctx, conn, task, anchor, result)
	if err != nil {
		b.logger.Warnf("[%s] %s backup of %s failed: %v", b.engine, result.Kind, task.Request.DatabaseName, err)
		result.Fail(err, b.now())
		return result, nil
	}

	size, err := artifactSize(path)
	if err != nil {
		result.Fail(fmt.Errorf("stat artifact: %w", err), b.now())
		return result, nil
	}

	result.BackupFilePath = path
	result.SizeInBytes = size
	result.Status = domain.BackupStatusSuccess
	result.Finish(b.now())
	b.logger.Infof("[%s] %s backup of %s finished: %s (%d bytes)", b.engine, result.Kind, task.Request.DatabaseName, path, size)
	return result, nil
}

// anchor returns the backup a change capture starts from, or nil when the
// chain has to start over with a FULL.
func (b *base) anchor(ctx context.Context, req domain.BackupRequest) (*domain.BackupMetadata, error) {
	var (
		meta *domain.BackupMetadata
		err  error
	)
	switch req.Kind {
	case domain.BackupKindIncremental:
		meta, err = b.ledger.LastSuccessful(ctx, b.engine, req.DatabaseName)
	case domain.BackupKindDifferential:
		meta, err = b.ledger.LastFull(ctx, b.engine, req.DatabaseName)
	default:
		return nil, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up chain anchor: %w", err)
	}
	return meta, nil
}

// run executes one plan step and maps a non-zero exit to *domain.SubprocessError.
func (b *base) run(ctx context.Context, task domain.BackupTask, cmd domain.Command) (*domain.CommandOutcome, error) {
	return b.runWith(ctx, task.Request.Option(domain.OptionTimeout), cmd)
}

func (b *base) runWith(ctx context.Context, timeoutOption string, cmd domain.Command) (*domain.CommandOutcome, error) {
	if cmd.Tool == "" {
		cmd.Tool = cmd.Args[0]
	}
	cmd.Args[0] = b.tool(cmd.Args[0])
	cmd.Timeout = b.stepTimeout(timeoutOption)

	outcome, err := b.executor.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if outcome.ExitCode != 0 {
		return outcome, &domain.SubprocessError{Tool: cmd.Tool, ExitCode: outcome.ExitCode, Tail: outcome.Tail(tailLines)}
	}
	return outcome, nil
}

func (b *base) tool(name string) string {
	if path := b.cfg.Tools[name]; path != "" {
		return path
	}
	return name
}

func (b *base) stepTimeout(option string) time.Duration {
	if option == "" {
		return b.cfg.StepTimeout
	}
	if d, err := time.ParseDuration(option); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(option); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	b.logger.Warnf("[%s] ignoring invalid timeout option %q", b.engine, option)
	return b.cfg.StepTimeout
}

// artifactName follows <db>_<engine>_<kind>_<timestamp><ext> so retention can
// read the age back from the name.
func (b *base) artifactName(task domain.BackupTask, kind domain.BackupKind, ext string) string {
	started := task.StartedAt
	if started.IsZero() {
		started = b.now()
	}
	return fmt.Sprintf("%s_%s_%s_%s%s",
		domain.SanitizeName(task.Request.DatabaseName), b.engine, strings.ToLower(string(kind)),
		started.Format(filenameTimeLayout), ext)
}

func extraArgs(req domain.BackupRequest) ([]string, error) {
	raw := req.Option(domain.OptionExtraArgs)
	if raw == "" {
		return nil, nil
	}
	args, err := shlex.Split(raw)
	if err != nil {
		return nil, &domain.InvalidRequestError{Field: domain.OptionExtraArgs, Reason: err.Error()}
	}
	return args, nil
}

func optionEnabled(value string) bool {
	enabled, err := strconv.ParseBool(value)
	return err == nil && enabled
}

func artifactSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}

	var total int64
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
		}
		return nil
	})
	return total, err
}
