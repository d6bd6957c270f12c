package sqlite

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DB pairs a single writer with a separate reader so ledger lookups never
// queue behind an append.
type DB struct {
	Writer *sqlx.DB
	Reader *sqlx.DB
}

func NewConnection(dbPath string) (*DB, error) {
	if dbPath == "" {
		dbPath = "./backt.db"
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db dir %s: %w", dir, err)
		}
	}

	writer, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	writer.SetMaxOpenConns(1)

	if _, err := writer.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := writer.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS backups (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		backup_id       TEXT NOT NULL,
		engine          TEXT NOT NULL,
		file_path       TEXT,
		kind            TEXT NOT NULL,
		database_name   TEXT NOT NULL,
		status          TEXT NOT NULL,
		creation_time   INTEGER NOT NULL,
		size_bytes      INTEGER NOT NULL DEFAULT 0,
		additional_info TEXT
	);`
	if _, err := writer.Exec(schema); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	if err := MigrateSchema(writer); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	reader, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := reader.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &DB{Writer: writer, Reader: reader}, nil
}

func (db *DB) Close() error {
	var errs []string
	if err := db.Writer.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("writer: %v", err))
	}
	if err := db.Reader.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("reader: %v", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MigrateSchema creates the lookup indexes; every statement is idempotent.
func MigrateSchema(db *sqlx.DB) error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_backups_chain ON backups (engine, database_name, status, creation_time);`,
		`CREATE INDEX IF NOT EXISTS idx_backups_id ON backups (backup_id);`,
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
