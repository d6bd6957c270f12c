package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"

	"github.com/semmidev/backt/internal/adapter/compressor"
	"github.com/semmidev/backt/internal/adapter/metadata"
	"github.com/semmidev/backt/internal/adapter/storage"
	"github.com/semmidev/backt/internal/adapter/strategy"
	"github.com/semmidev/backt/internal/domain"
	"github.com/semmidev/backt/internal/infrastructure/sqlite"
)

type spyExecutor struct {
	mu       sync.Mutex
	commands []domain.Command
	exitCode int
	// existed records, per call, whether every path argument existed when the tool ran.
	existed []bool
}

func (s *spyExecutor) Run(_ context.Context, cmd domain.Command) (*domain.CommandOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)

	inputsExist := true
	for _, arg := range cmd.Args {
		switch {
		case strings.HasPrefix(arg, "--file="), strings.HasPrefix(arg, "--result-file="):
			_ = os.WriteFile(arg[strings.Index(arg, "=")+1:], []byte("-- dump of orders\n"), 0o644)
		case strings.HasPrefix(arg, "--out="):
			dir := arg[strings.Index(arg, "=")+1:]
			_ = os.MkdirAll(filepath.Join(dir, "orders"), 0o755)
			_ = os.WriteFile(filepath.Join(dir, "orders", "customers.bson"), []byte("bson"), 0o644)
		case strings.HasPrefix(arg, "--dir="):
			if _, err := os.Stat(filepath.Join(arg[len("--dir="):], "orders", "customers.bson")); err != nil {
				inputsExist = false
			}
		}
	}
	if cmd.Stdin != "" {
		if _, err := os.Stat(cmd.Stdin); err != nil {
			inputsExist = false
		}
	}
	s.existed = append(s.existed, inputsExist)

	if s.exitCode != 0 {
		return &domain.CommandOutcome{ExitCode: s.exitCode, Lines: []string{"mysqldump: Got error: 1045: Access denied"}}, nil
	}
	return &domain.CommandOutcome{}, nil
}

func (s *spyExecutor) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

type fakeConn struct {
	kind      domain.EngineKind
	connected bool
}

func (c *fakeConn) Kind() domain.EngineKind { return c.kind }
func (c *fakeConn) Connect(context.Context, domain.DatabaseDetails) error {
	c.connected = true
	return nil
}
func (c *fakeConn) TestConnection(context.Context) bool     { return c.connected }
func (c *fakeConn) Disconnect(context.Context) error        { c.connected = false; return nil }
func (c *fakeConn) Connected() bool                         { return c.connected }
func (c *fakeConn) Version(context.Context) (string, error) { return "8.0", nil }
func (c *fakeConn) Details() domain.DatabaseDetails {
	return domain.DatabaseDetails{Host: "db.internal", Username: "backup", Password: "s3cret", Database: "orders"}
}

type panicStrategy struct{}

func (panicStrategy) Engine() domain.EngineKind { return domain.EngineMySQL }
func (panicStrategy) Execute(context.Context, domain.DatabaseConnection, domain.BackupTask) (*domain.BackupResult, error) {
	panic("boom")
}
func (panicStrategy) Restore(context.Context, domain.DatabaseConnection, domain.RestoreTask) error {
	return nil
}

// interruptedStrategy cancels the caller's context mid-dump, like a SIGTERM
// arriving while mysqldump runs.
type interruptedStrategy struct {
	cancel context.CancelFunc
}

func (interruptedStrategy) Engine() domain.EngineKind { return domain.EngineMySQL }
func (s interruptedStrategy) Execute(ctx context.Context, _ domain.DatabaseConnection, task domain.BackupTask) (*domain.BackupResult, error) {
	s.cancel()
	result := &domain.BackupResult{BackupID: task.ID, Kind: task.Request.Kind, RequestedKind: task.Request.Kind, StartTime: task.StartedAt}
	result.Fail(fmt.Errorf("mysqldump interrupted: %w", ctx.Err()), task.StartedAt)
	return result, nil
}
func (interruptedStrategy) Restore(context.Context, domain.DatabaseConnection, domain.RestoreTask) error {
	return nil
}

type failingLedger struct {
	domain.MetadataStore
}

func (failingLedger) Append(context.Context, domain.BackupMetadata) error {
	return errors.New("disk full")
}

type countingNotifier struct {
	mu      sync.Mutex
	results []*domain.BackupResult
}

func (n *countingNotifier) Notify(_ context.Context, _ domain.EngineKind, _ string, result *domain.BackupResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, result)
	return nil
}

type fixture struct {
	exec     *spyExecutor
	ledger   *metadata.SQLiteStore
	orch     *Orchestrator
	notifier *countingNotifier
	tempDir  string
	dest     string
}

func newFixture(t *testing.T, resolver StrategyResolver, wrap func(domain.MetadataStore) domain.MetadataStore) *fixture {
	conn, err := sqlite.NewConnection(filepath.Join(t.TempDir(), "backt.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	f := &fixture{
		exec:     &spyExecutor{},
		ledger:   metadata.NewSQLiteStore(conn),
		notifier: &countingNotifier{},
		tempDir:  t.TempDir(),
		dest:     filepath.Join(t.TempDir(), "backups"),
	}
	log := zap.NewNop().Sugar()
	if resolver == nil {
		resolver = strategy.NewDefaultRegistry(f.exec, f.ledger, strategy.Config{StepTimeout: time.Minute}, log)
	}
	var store domain.MetadataStore = f.ledger
	if wrap != nil {
		store = wrap(store)
	}

	gz, _ := compressor.New(compressor.Gzip)
	placement := NewPlacement(
		func(dir string) (LocalStorage, error) { return storage.NewLocal(dir) },
		nil, gz, compressor.ForFile, nil, log,
	)
	f.orch = NewOrchestrator(resolver, store, placement, log, WithTempDir(f.tempDir), WithNotifier(f.notifier))
	return f
}

func (f *fixture) request(kind domain.BackupKind) domain.BackupRequest {
	return domain.BackupRequest{DatabaseName: "orders", Kind: kind, DestinationDirectory: f.dest}
}

func (f *fixture) records(engine domain.EngineKind) []domain.BackupMetadata {
	list, err := f.ledger.List(context.Background(), engine, "orders", 0)
	So(err, ShouldBeNil)
	return list
}

func (f *fixture) tempEntries() int {
	entries, err := os.ReadDir(f.tempDir)
	So(err, ShouldBeNil)
	return len(entries)
}

func session(kind domain.EngineKind, connected bool) *domain.Session {
	return &domain.Session{Engine: kind, Conn: &fakeConn{kind: kind, connected: connected}}
}

func TestPerformBackup(t *testing.T) {
	Convey("Given an orchestrator over the real strategies and ledger", t, func() {
		ctx := context.Background()
		f := newFixture(t, nil, nil)

		Convey("When the database name is blank", func() {
			req := f.request(domain.BackupKindFull)
			req.DatabaseName = "  "
			result, err := f.orch.PerformBackup(ctx, session(domain.EngineMySQL, true), req)

			Convey("It should reject before spawning anything", func() {
				So(result, ShouldBeNil)
				So(errors.Is(err, domain.ErrInvalidRequest), ShouldBeTrue)
				So(f.exec.calls(), ShouldEqual, 0)
				So(len(f.records(domain.EngineMySQL)), ShouldEqual, 0)
			})
		})

		Convey("When a FULL backup of orders runs against MySQL", func() {
			result, err := f.orch.PerformBackup(ctx, session(domain.EngineMySQL, true), f.request(domain.BackupKindFull))

			Convey("The dump tool should run once and the attempt should be recorded", func() {
				So(err, ShouldBeNil)
				So(result.Status, ShouldEqual, domain.BackupStatusSuccess)
				So(result.ErrorMessage, ShouldBeEmpty)
				So(result.EndTime.Before(result.StartTime), ShouldBeFalse)

				So(f.exec.calls(), ShouldEqual, 1)
				So(f.exec.commands[0].Args[0], ShouldEqual, "mysqldump")
				So(f.exec.commands[0].Args, ShouldContain, "orders")

				So(filepath.Dir(result.BackupFilePath), ShouldEqual, f.dest)
				info, statErr := os.Stat(result.BackupFilePath)
				So(statErr, ShouldBeNil)
				So(result.SizeInBytes, ShouldEqual, info.Size())

				records := f.records(domain.EngineMySQL)
				So(len(records), ShouldEqual, 1)
				So(records[0].Kind, ShouldEqual, domain.BackupKindFull)
				So(records[0].DatabaseName, ShouldEqual, "orders")
				So(records[0].BackupID, ShouldEqual, result.BackupID)

				So(f.tempEntries(), ShouldEqual, 0)
				So(len(f.notifier.results), ShouldEqual, 1)
			})
		})

		Convey("When the session has no active connection", func() {
			result, err := f.orch.PerformBackup(ctx, session(domain.EngineMySQL, false), f.request(domain.BackupKindFull))

			Convey("No result is built and the ledger is unchanged", func() {
				So(result, ShouldBeNil)
				So(errors.Is(err, domain.ErrNoActiveConnection), ShouldBeTrue)
				So(f.exec.calls(), ShouldEqual, 0)
				So(len(f.records(domain.EngineMySQL)), ShouldEqual, 0)
				So(f.tempEntries(), ShouldEqual, 0)
			})
		})

		Convey("When the session engine has no strategy", func() {
			_, err := f.orch.PerformBackup(ctx, session("oracle", true), f.request(domain.BackupKindFull))
			So(errors.Is(err, domain.ErrUnsupportedEngine), ShouldBeTrue)
		})

		Convey("When many backups start within the same millisecond", func() {
			fixed := time.Date(2026, 10, 19, 2, 0, 0, 0, time.Local)
			f.orch.now = func() time.Time { return fixed }
			pattern := regexp.MustCompile(`^BACKUP-FULL-ORDERS-20261019T020000\.000-[0-9a-f-]{36}$`)

			seen := map[string]bool{}
			for i := 0; i < 20; i++ {
				result, err := f.orch.PerformBackup(ctx, session(domain.EngineMySQL, true), f.request(domain.BackupKindFull))
				So(err, ShouldBeNil)
				So(pattern.MatchString(result.BackupID), ShouldBeTrue)
				seen[result.BackupID] = true
			}

			Convey("Every id should still be unique", func() {
				So(len(seen), ShouldEqual, 20)
			})
		})

		Convey("When the dump tool exits non-zero", func() {
			f.exec.exitCode = 2
			result, err := f.orch.PerformBackup(ctx, session(domain.EngineMySQL, true), f.request(domain.BackupKindFull))

			Convey("A FAILED result is returned, recorded and cleaned up", func() {
				So(err, ShouldBeNil)
				So(result.Status, ShouldEqual, domain.BackupStatusFailed)
				So(result.ErrorMessage, ShouldContainSubstring, "exited with code 2")
				So(result.ErrorMessage, ShouldContainSubstring, "Access denied")
				So(result.EndTime.Before(result.StartTime), ShouldBeFalse)

				records := f.records(domain.EngineMySQL)
				So(len(records), ShouldEqual, 1)
				So(records[0].Status, ShouldEqual, domain.BackupStatusFailed)
				So(f.tempEntries(), ShouldEqual, 0)
			})
		})

		Convey("When INCREMENTAL is requested with no history", func() {
			req := f.request(domain.BackupKindIncremental)
			req.Options = map[string]string{domain.OptionBinlogFiles: "binlog.000001"}
			first, err := f.orch.PerformBackup(ctx, session(domain.EngineMySQL, true), req)
			So(err, ShouldBeNil)

			Convey("It should fall back to FULL and the next one should chain on it", func() {
				So(first.Kind, ShouldEqual, domain.BackupKindFull)
				So(first.RequestedKind, ShouldEqual, domain.BackupKindIncremental)
				So(first.Details["fallback"], ShouldEqual, "no prior backup")

				second, err := f.orch.PerformBackup(ctx, session(domain.EngineMySQL, true), req)
				So(err, ShouldBeNil)
				So(second.Status, ShouldEqual, domain.BackupStatusSuccess)
				So(second.Kind, ShouldEqual, domain.BackupKindIncremental)
				So(second.Details["anchor_backup_id"], ShouldEqual, first.BackupID)
				So(f.exec.commands[1].Args[0], ShouldEqual, "mysqlbinlog")

				records := f.records(domain.EngineMySQL)
				So(len(records), ShouldEqual, 2)
				So(records[0].BackupID, ShouldEqual, second.BackupID)
				So(records[1].Kind, ShouldEqual, domain.BackupKindFull)
				So(records[1].AdditionalInfo["requested_kind"], ShouldEqual, "INCREMENTAL")
			})
		})

		Convey("When a compressed MongoDB dump directory is backed up and restored", func() {
			req := f.request(domain.BackupKindFull)
			req.Compress = true
			sess := session(domain.EngineMongoDB, true)
			result, err := f.orch.PerformBackup(ctx, sess, req)
			So(err, ShouldBeNil)
			So(result.Status, ShouldEqual, domain.BackupStatusSuccess)

			Convey("The artifact should be one tarball that restores from an extracted directory", func() {
				So(strings.HasSuffix(result.BackupFilePath, ".tar.gz"), ShouldBeTrue)
				So(result.Details["archive"], ShouldEqual, "tar")
				So(result.Details["compression"], ShouldEqual, "gzip")

				err := f.orch.PerformRestore(ctx, sess, result.BackupID, nil)
				So(err, ShouldBeNil)
				So(f.exec.calls(), ShouldEqual, 2)
				So(f.exec.commands[1].Args[0], ShouldEqual, "mongorestore")
				So(f.exec.existed[1], ShouldBeTrue)
				So(f.tempEntries(), ShouldEqual, 0)
			})
		})

		Convey("When a compressed MySQL dump is restored", func() {
			req := f.request(domain.BackupKindFull)
			req.Compress = true
			sess := session(domain.EngineMySQL, true)
			result, err := f.orch.PerformBackup(ctx, sess, req)
			So(err, ShouldBeNil)
			So(strings.HasSuffix(result.BackupFilePath, ".sql.gz"), ShouldBeTrue)

			err = f.orch.PerformRestore(ctx, sess, result.BackupID, nil)

			Convey("The mysql client should read the decompressed dump", func() {
				So(err, ShouldBeNil)
				restore := f.exec.commands[1]
				So(restore.Args[0], ShouldEqual, "mysql")
				So(strings.HasSuffix(restore.Stdin, ".sql"), ShouldBeTrue)
				So(f.exec.existed[1], ShouldBeTrue)
			})
		})

		Convey("When restoring an unknown or failed backup", func() {
			err := f.orch.PerformRestore(ctx, session(domain.EngineMySQL, true), "BACKUP-NOPE", nil)
			So(errors.Is(err, domain.ErrNotFound), ShouldBeTrue)

			f.exec.exitCode = 1
			failed, _ := f.orch.PerformBackup(ctx, session(domain.EngineMySQL, true), f.request(domain.BackupKindFull))
			err = f.orch.PerformRestore(ctx, session(domain.EngineMySQL, true), failed.BackupID, nil)
			So(errors.Is(err, domain.ErrInvalidRequest), ShouldBeTrue)
		})
	})
}

func TestPerformBackupFaults(t *testing.T) {
	Convey("Given faults outside the strategy's control", t, func() {
		ctx := context.Background()

		Convey("When the strategy panics", func() {
			f := newFixture(t, strategy.NewRegistry(panicStrategy{}), nil)
			result, err := f.orch.PerformBackup(ctx, session(domain.EngineMySQL, true), f.request(domain.BackupKindFull))

			Convey("The panic becomes a recorded FAILED result and the work dir is removed", func() {
				So(err, ShouldBeNil)
				So(result.Status, ShouldEqual, domain.BackupStatusFailed)
				So(result.ErrorMessage, ShouldContainSubstring, "boom")
				So(f.tempEntries(), ShouldEqual, 0)
				So(len(f.records(domain.EngineMySQL)), ShouldEqual, 1)
			})
		})

		Convey("When the caller is cancelled during the dump", func() {
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			f := newFixture(t, strategy.NewRegistry(interruptedStrategy{cancel: cancel}), nil)
			result, err := f.orch.PerformBackup(runCtx, session(domain.EngineMySQL, true), f.request(domain.BackupKindFull))

			Convey("The FAILED attempt is still recorded", func() {
				So(err, ShouldBeNil)
				So(result.Status, ShouldEqual, domain.BackupStatusFailed)
				So(result.ErrorMessage, ShouldContainSubstring, "context canceled")

				records := f.records(domain.EngineMySQL)
				So(len(records), ShouldEqual, 1)
				So(records[0].Status, ShouldEqual, domain.BackupStatusFailed)
			})
		})

		Convey("When the ledger cannot be written", func() {
			f := newFixture(t, nil, func(s domain.MetadataStore) domain.MetadataStore { return failingLedger{s} })
			result, err := f.orch.PerformBackup(ctx, session(domain.EngineMySQL, true), f.request(domain.BackupKindFull))

			Convey("A successful dump is reported as FAILED", func() {
				So(err, ShouldBeNil)
				So(result.Status, ShouldEqual, domain.BackupStatusFailed)
				So(result.ErrorMessage, ShouldContainSubstring, "disk full")
			})
		})
	})
}
