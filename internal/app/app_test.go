package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/backt/internal/config"
	"github.com/semmidev/backt/internal/domain"
	"github.com/semmidev/backt/internal/infrastructure/logger"
	"github.com/semmidev/backt/internal/infrastructure/scheduler"
	"github.com/semmidev/backt/internal/usecase"
)

type stubConn struct {
	mu        sync.Mutex
	connected bool
	closed    int
}

func (c *stubConn) Kind() domain.EngineKind { return domain.EngineMySQL }
func (c *stubConn) Connect(context.Context, domain.DatabaseDetails) error {
	c.connected = true
	return nil
}
func (c *stubConn) TestConnection(context.Context) bool { return c.connected }
func (c *stubConn) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.closed++
	return nil
}
func (c *stubConn) Connected() bool                         { return c.connected }
func (c *stubConn) Details() domain.DatabaseDetails         { return domain.DatabaseDetails{} }
func (c *stubConn) Version(context.Context) (string, error) { return "8.0", nil }

type recordingRunner struct {
	mu       sync.Mutex
	requests []domain.BackupRequest
	restores []map[string]string
	started  chan struct{}
	release  chan struct{}
}

func (r *recordingRunner) PerformBackup(_ context.Context, sess *domain.Session, req domain.BackupRequest) (*domain.BackupResult, error) {
	if r.started != nil {
		r.started <- struct{}{}
		<-r.release
	}
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	return &domain.BackupResult{BackupID: "BACKUP-1", Kind: req.Kind, Status: domain.BackupStatusSuccess}, nil
}

func (r *recordingRunner) PerformRestore(_ context.Context, _ *domain.Session, backupID string, options map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restores = append(r.restores, options)
	return nil
}

func newTestApp(run runner, conn *stubConn) *App {
	cfg := &config.Config{
		Databases: []config.DatabaseConfig{
			{
				Name:                "orders-primary",
				Type:                "mysql",
				Host:                "db.internal",
				Database:            "orders",
				Enabled:             true,
				Schedule:            "0 0 1 * * *",
				IncrementalSchedule: "0 0 * * * *",
				Options:             map[string]string{"binlogfiles": "/var/lib/mysql/binlog.000042"},
			},
			{
				Name:     "events",
				Type:     "mongodb",
				URI:      "mongodb://mongo:27017",
				Enabled:  false,
				Schedule: "0 30 1 * * *",
			},
		},
		Backup: config.BackupConfig{LocalPath: "/backups", Compress: true},
	}
	log := logger.Nop()
	return &App{
		config:    cfg,
		logger:    log,
		scheduler: scheduler.New(log),
		open: func(ctx context.Context, kind domain.EngineKind, details domain.DatabaseDetails) (*domain.Session, error) {
			if details.Database != "orders" {
				return nil, &domain.ConnectionError{Endpoint: details.Endpoint(), Cause: errors.New("refused")}
			}
			conn.connected = true
			return &domain.Session{Engine: kind, Conn: conn}, nil
		},
		orchestrator: run,
		cleanupUC:    usecase.NewCleanup(nil, log, 7, nil),
		slots:        make(map[string]*sync.Mutex),
	}
}

func TestBackup(t *testing.T) {
	Convey("Given an App with one MySQL database", t, func() {
		ctx := context.Background()
		conn := &stubConn{}
		run := &recordingRunner{}
		a := newTestApp(run, conn)

		Convey("When a backup runs with the default kind", func() {
			result, err := a.Backup(ctx, "orders-primary", "")

			Convey("It should build the request from config and close the session", func() {
				So(err, ShouldBeNil)
				So(result.Succeeded(), ShouldBeTrue)
				So(run.requests, ShouldHaveLength, 1)

				req := run.requests[0]
				So(req.DatabaseName, ShouldEqual, "orders")
				So(req.Kind, ShouldEqual, domain.BackupKindFull)
				So(req.DestinationDirectory, ShouldEqual, "/backups")
				So(req.Compress, ShouldBeTrue)
				So(req.Option(domain.OptionBinlogFiles), ShouldEqual, "/var/lib/mysql/binlog.000042")
				So(conn.closed, ShouldEqual, 1)
			})
		})

		Convey("When an explicit kind is requested", func() {
			_, err := a.Backup(ctx, "orders-primary", domain.BackupKindIncremental)

			Convey("It should be passed through", func() {
				So(err, ShouldBeNil)
				So(run.requests[0].Kind, ShouldEqual, domain.BackupKindIncremental)
			})
		})

		Convey("When the database is not configured", func() {
			_, err := a.Backup(ctx, "billing", "")

			Convey("It should be an invalid request", func() {
				So(errors.Is(err, domain.ErrInvalidRequest), ShouldBeTrue)
				So(run.requests, ShouldBeEmpty)
			})
		})

		Convey("When the connection cannot be opened", func() {
			_, err := a.Backup(ctx, "events", "")

			Convey("The connection error should surface", func() {
				So(errors.Is(err, domain.ErrConnection), ShouldBeTrue)
				So(run.requests, ShouldBeEmpty)
			})
		})

		Convey("When a second operation starts while one is running", func() {
			run.started = make(chan struct{})
			run.release = make(chan struct{})

			done := make(chan error, 1)
			go func() {
				_, err := a.Backup(ctx, "orders-primary", "")
				done <- err
			}()
			<-run.started

			_, busyErr := a.Backup(ctx, "orders-primary", "")
			restoreErr := a.Restore(ctx, "orders-primary", "BACKUP-1", nil)
			close(run.release)

			Convey("It should be rejected as busy", func() {
				So(errors.Is(busyErr, ErrSessionBusy), ShouldBeTrue)
				So(errors.Is(restoreErr, ErrSessionBusy), ShouldBeTrue)
				So(<-done, ShouldBeNil)
			})

			Convey("The slot should be free again afterwards", func() {
				So(<-done, ShouldBeNil)
				run.started = nil
				_, err := a.Backup(ctx, "orders-primary", "")
				So(err, ShouldBeNil)
			})
		})
	})
}

func TestRestore(t *testing.T) {
	Convey("Given an App with one MySQL database", t, func() {
		conn := &stubConn{}
		run := &recordingRunner{}
		a := newTestApp(run, conn)

		Convey("Caller options override configured ones", func() {
			err := a.Restore(context.Background(), "orders-primary", "BACKUP-1", map[string]string{domain.OptionVerify: "true"})
			So(err, ShouldBeNil)
			So(run.restores, ShouldHaveLength, 1)
			So(run.restores[0][domain.OptionVerify], ShouldEqual, "true")
			So(run.restores[0][domain.OptionBinlogFiles], ShouldEqual, "/var/lib/mysql/binlog.000042")
			So(conn.closed, ShouldEqual, 1)
		})

		Convey("Unknown databases are rejected", func() {
			err := a.Restore(context.Background(), "billing", "BACKUP-1", nil)
			So(errors.Is(err, domain.ErrInvalidRequest), ShouldBeTrue)
		})
	})
}

func TestScheduleJobs(t *testing.T) {
	Convey("Given an App with one enabled database", t, func() {
		a := newTestApp(&recordingRunner{}, &stubConn{})

		Convey("Every configured schedule plus cleanup should be registered", func() {
			So(a.scheduleJobs(), ShouldBeNil)
			So(a.scheduler.Jobs(), ShouldEqual, 3)
		})

		Convey("An invalid schedule should be reported", func() {
			a.config.Databases[0].DifferentialSchedule = "every tuesday"
			err := a.scheduleJobs()
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "orders-primary")
		})

		Convey("Run refuses to start without enabled databases", func() {
			a.config.Databases[0].Enabled = false
			So(a.Run(context.Background()), ShouldNotBeNil)
		})
	})
}
