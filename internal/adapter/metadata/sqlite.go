package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/semmidev/backt/internal/domain"
	"github.com/semmidev/backt/internal/infrastructure/sqlite"
)

const selectColumns = `backup_id, engine, file_path, kind, database_name, status, creation_time, size_bytes, additional_info`

type row struct {
	BackupID       string         `db:"backup_id"`
	Engine         string         `db:"engine"`
	FilePath       sql.NullString `db:"file_path"`
	Kind           string         `db:"kind"`
	DatabaseName   string         `db:"database_name"`
	Status         string         `db:"status"`
	CreationTime   int64          `db:"creation_time"`
	SizeBytes      int64          `db:"size_bytes"`
	AdditionalInfo sql.NullString `db:"additional_info"`
}

func (r row) toDomain() (domain.BackupMetadata, error) {
	meta := domain.BackupMetadata{
		BackupID:       r.BackupID,
		Engine:         domain.EngineKind(r.Engine),
		BackupFilePath: r.FilePath.String,
		Kind:           domain.BackupKind(r.Kind),
		DatabaseName:   r.DatabaseName,
		Status:         domain.BackupStatus(r.Status),
		CreationTime:   time.Unix(0, r.CreationTime),
		SizeInBytes:    r.SizeBytes,
		AdditionalInfo: map[string]string{},
	}
	if r.AdditionalInfo.Valid && r.AdditionalInfo.String != "" {
		if err := json.Unmarshal([]byte(r.AdditionalInfo.String), &meta.AdditionalInfo); err != nil {
			return domain.BackupMetadata{}, fmt.Errorf("decode additional info for %s: %w", r.BackupID, err)
		}
	}
	return meta, nil
}

// SQLiteStore is the append-only backup ledger. Every attempt is one row;
// nothing is updated in place.
type SQLiteStore struct {
	db *sqlite.DB
}

func NewSQLiteStore(db *sqlite.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Append(ctx context.Context, meta domain.BackupMetadata) error {
	info, err := json.Marshal(meta.AdditionalInfo)
	if err != nil {
		return fmt.Errorf("encode additional info: %w", err)
	}

	insert := `
		insert into backups (backup_id, engine, file_path, kind, database_name, status, creation_time, size_bytes, additional_info)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.db.Writer.ExecContext(ctx, insert,
		meta.BackupID, string(meta.Engine), meta.BackupFilePath, string(meta.Kind),
		meta.DatabaseName, string(meta.Status), meta.CreationTime.UnixNano(), meta.SizeInBytes, string(info),
	)
	if err != nil {
		return fmt.Errorf("error appending backup %s: %w", meta.BackupID, err)
	}
	return nil
}

// LastSuccessful returns the newest successful backup of any kind.
func (s *SQLiteStore) LastSuccessful(ctx context.Context, engine domain.EngineKind, databaseName string) (*domain.BackupMetadata, error) {
	query := `select ` + selectColumns + ` from backups
		where engine = $1 and database_name = $2 and status = $3
		order by creation_time desc, seq desc limit 1`
	return s.one(ctx, query, string(engine), databaseName, string(domain.BackupStatusSuccess))
}

// LastFull returns the newest successful FULL backup, the anchor for differentials.
func (s *SQLiteStore) LastFull(ctx context.Context, engine domain.EngineKind, databaseName string) (*domain.BackupMetadata, error) {
	query := `select ` + selectColumns + ` from backups
		where engine = $1 and database_name = $2 and status = $3 and kind = $4
		order by creation_time desc, seq desc limit 1`
	return s.one(ctx, query, string(engine), databaseName, string(domain.BackupStatusSuccess), string(domain.BackupKindFull))
}

func (s *SQLiteStore) Get(ctx context.Context, backupID string) (*domain.BackupMetadata, error) {
	query := `select ` + selectColumns + ` from backups where backup_id = $1 order by seq desc limit 1`
	return s.one(ctx, query, backupID)
}

// List returns attempts newest first. An empty engine or database matches all.
func (s *SQLiteStore) List(ctx context.Context, engine domain.EngineKind, databaseName string, limit int) ([]domain.BackupMetadata, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		where []string
		args  []interface{}
	)
	if engine != "" {
		args = append(args, string(engine))
		where = append(where, fmt.Sprintf("engine = $%d", len(args)))
	}
	if databaseName != "" {
		args = append(args, databaseName)
		where = append(where, fmt.Sprintf("database_name = $%d", len(args)))
	}
	query := `select ` + selectColumns + ` from backups`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` order by creation_time desc, seq desc limit $%d`, len(args))

	var rows []row
	if err := s.db.Reader.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("error listing backups: %w", err)
	}

	result := make([]domain.BackupMetadata, 0, len(rows))
	for _, r := range rows {
		meta, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, meta)
	}
	return result, nil
}

func (s *SQLiteStore) one(ctx context.Context, query string, args ...interface{}) (*domain.BackupMetadata, error) {
	var r row
	if err := s.db.Reader.QueryRowxContext(ctx, query, args...).StructScan(&r); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("error reading backup ledger: %w", err)
	}
	meta, err := r.toDomain()
	if err != nil {
		return nil, err
	}
	return &meta, nil
}
