package connection

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"

	_ "github.com/lib/pq"

	"github.com/semmidev/backt/internal/domain"
)

type PostgreSQLConnection struct {
	*sqlConnection
}

func NewPostgreSQL(open OpenFunc) *PostgreSQLConnection {
	if open == nil {
		open = sql.Open
	}
	return &PostgreSQLConnection{&sqlConnection{
		kind:         domain.EnginePostgreSQL,
		driver:       "postgres",
		versionQuery: "SHOW server_version",
		dsn:          postgresDSN,
		open:         open,
	}}
}

// DataDirectory reports the server's data directory, the default home of pg_wal.
func (c *PostgreSQLConnection) DataDirectory(ctx context.Context) (string, error) {
	db := c.handle()
	if db == nil {
		return "", domain.ErrNoActiveConnection
	}
	var dir string
	if err := db.QueryRowContext(ctx, "SHOW data_directory").Scan(&dir); err != nil {
		return "", fmt.Errorf("failed to read data_directory: %w", err)
	}
	return dir, nil
}

func postgresDSN(d domain.DatabaseDetails) (string, error) {
	var u *url.URL
	if d.URI != "" {
		parsed, err := url.Parse(d.URI)
		if err != nil {
			return "", fmt.Errorf("invalid database URL: %w", err)
		}
		u = parsed
	} else {
		if d.Host == "" {
			return "", fmt.Errorf("postgresql host is required")
		}
		port := d.Port
		if port == 0 {
			port = 5432
		}
		u = &url.URL{
			Scheme: "postgres",
			Host:   net.JoinHostPort(d.Host, strconv.Itoa(port)),
			Path:   "/" + d.Database,
		}
		if d.Username != "" {
			u.User = url.UserPassword(d.Username, d.Password)
		}
	}

	q := u.Query()
	if q.Get("sslmode") == "" {
		sslMode := d.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		q.Set("sslmode", sslMode)
	}
	if q.Get("connect_timeout") == "" {
		q.Set("connect_timeout", "10")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
