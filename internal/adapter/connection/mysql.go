package connection

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"

	"github.com/go-sql-driver/mysql"

	"github.com/semmidev/backt/internal/domain"
)

type MySQLConnection struct {
	*sqlConnection
}

func NewMySQL(open OpenFunc) *MySQLConnection {
	if open == nil {
		open = sql.Open
	}
	return &MySQLConnection{&sqlConnection{
		kind:         domain.EngineMySQL,
		driver:       "mysql",
		versionQuery: "SELECT VERSION()",
		dsn:          mysqlDSN,
		open:         open,
	}}
}

// BinaryLogs lists the server's binary log files, oldest first.
func (c *MySQLConnection) BinaryLogs(ctx context.Context) ([]string, error) {
	db := c.handle()
	if db == nil {
		return nil, domain.ErrNoActiveConnection
	}

	rows, err := db.QueryContext(ctx, "SHOW BINARY LOGS")
	if err != nil {
		return nil, fmt.Errorf("failed to list binary logs: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to list binary logs: %w", err)
	}

	// the column set differs between MySQL and MariaDB releases; Log_name is always first
	values := make([]sql.RawBytes, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	var files []string
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan binary log row: %w", err)
		}
		files = append(files, string(values[0]))
	}
	return files, rows.Err()
}

func mysqlDSN(d domain.DatabaseDetails) (string, error) {
	if d.URI != "" {
		if _, err := mysql.ParseDSN(d.URI); err != nil {
			return "", fmt.Errorf("invalid mysql dsn: %w", err)
		}
		return d.URI, nil
	}
	if d.Host == "" {
		return "", fmt.Errorf("mysql host is required")
	}

	port := d.Port
	if port == 0 {
		port = 3306
	}
	cfg := mysql.NewConfig()
	cfg.User = d.Username
	cfg.Passwd = d.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(d.Host, strconv.Itoa(port))
	cfg.DBName = d.Database
	cfg.ParseTime = true
	if d.SSLMode != "" && d.SSLMode != "disable" {
		cfg.TLSConfig = "preferred"
	}
	return cfg.FormatDSN(), nil
}
