package connection

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/semmidev/backt/internal/domain"
)

// OpenFunc opens a *sql.DB; tests swap it for sqlmock.
type OpenFunc func(driverName, dsn string) (*sql.DB, error)

const pingTimeout = 10 * time.Second

// sqlConnection is the database/sql plumbing shared by MySQL and PostgreSQL.
type sqlConnection struct {
	kind         domain.EngineKind
	driver       string
	versionQuery string
	dsn          func(domain.DatabaseDetails) (string, error)
	open         OpenFunc

	mu      sync.RWMutex
	db      *sql.DB
	details domain.DatabaseDetails
}

func (c *sqlConnection) Kind() domain.EngineKind {
	return c.kind
}

func (c *sqlConnection) Connect(ctx context.Context, details domain.DatabaseDetails) error {
	dsn, err := c.dsn(details)
	if err != nil {
		return &domain.ConnectionError{Endpoint: details.Endpoint(), Cause: err}
	}

	db, err := c.open(c.driver, dsn)
	if err != nil {
		return &domain.ConnectionError{Endpoint: details.Endpoint(), Cause: err}
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return &domain.ConnectionError{Endpoint: details.Endpoint(), Cause: err}
	}

	c.mu.Lock()
	previous := c.db
	c.db = db
	c.details = details
	c.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	return nil
}

func (c *sqlConnection) TestConnection(ctx context.Context) bool {
	db := c.handle()
	if db == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return db.PingContext(pingCtx) == nil
}

func (c *sqlConnection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	db := c.db
	c.db = nil
	c.mu.Unlock()

	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("close %s connection: %w", c.kind, err)
	}
	return nil
}

func (c *sqlConnection) Connected() bool {
	return c.handle() != nil
}

func (c *sqlConnection) Details() domain.DatabaseDetails {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.details
}

func (c *sqlConnection) Version(ctx context.Context) (string, error) {
	db := c.handle()
	if db == nil {
		return "", domain.ErrNoActiveConnection
	}
	var version string
	if err := db.QueryRowContext(ctx, c.versionQuery).Scan(&version); err != nil {
		return "", fmt.Errorf("failed to get %s version: %w", c.kind, err)
	}
	return version, nil
}

func (c *sqlConnection) handle() *sql.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}
