package metadata

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/semmidev/backt/internal/domain"
	"github.com/semmidev/backt/internal/infrastructure/sqlite"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	conn, err := sqlite.NewConnection(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to connect to DB: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewSQLiteStore(conn)
}

func entry(id string, kind domain.BackupKind, status domain.BackupStatus, at time.Time) domain.BackupMetadata {
	return domain.BackupMetadata{
		BackupID:       id,
		Engine:         domain.EnginePostgreSQL,
		BackupFilePath: "/backups/" + id,
		Kind:           kind,
		DatabaseName:   "orders",
		Status:         status,
		CreationTime:   at,
		SizeInBytes:    42,
		AdditionalInfo: map[string]string{"tool": "pg_dump"},
	}
}

func TestAppendAndLookups_Integration(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	testCases := []struct {
		name        string
		seed        []domain.BackupMetadata
		wantLast    string
		wantFull    string
		wantLastErr error
		wantFullErr error
	}{
		{
			name:        "empty ledger",
			wantLastErr: domain.ErrNotFound,
			wantFullErr: domain.ErrNotFound,
		},
		{
			name: "incremental after full",
			seed: []domain.BackupMetadata{
				entry("full-1", domain.BackupKindFull, domain.BackupStatusSuccess, base),
				entry("inc-1", domain.BackupKindIncremental, domain.BackupStatusSuccess, base.Add(time.Hour)),
			},
			wantLast: "inc-1",
			wantFull: "full-1",
		},
		{
			name: "failed attempts are never anchors",
			seed: []domain.BackupMetadata{
				entry("full-1", domain.BackupKindFull, domain.BackupStatusSuccess, base),
				entry("full-2", domain.BackupKindFull, domain.BackupStatusFailed, base.Add(2*time.Hour)),
				entry("inc-2", domain.BackupKindIncremental, domain.BackupStatusFailed, base.Add(3*time.Hour)),
			},
			wantLast: "full-1",
			wantFull: "full-1",
		},
		{
			name: "only failures",
			seed: []domain.BackupMetadata{
				entry("full-1", domain.BackupKindFull, domain.BackupStatusFailed, base),
			},
			wantLastErr: domain.ErrNotFound,
			wantFullErr: domain.ErrNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := newTestStore(t)
			for _, meta := range tc.seed {
				if err := store.Append(ctx, meta); err != nil {
					t.Fatalf("append %s: %v", meta.BackupID, err)
				}
			}

			last, err := store.LastSuccessful(ctx, domain.EnginePostgreSQL, "orders")
			if !errors.Is(err, tc.wantLastErr) {
				t.Fatalf("last successful err: expected: %v, got: %v", tc.wantLastErr, err)
			}
			if tc.wantLast != "" && last.BackupID != tc.wantLast {
				t.Fatalf("last successful: expected %s, got %s", tc.wantLast, last.BackupID)
			}

			full, err := store.LastFull(ctx, domain.EnginePostgreSQL, "orders")
			if !errors.Is(err, tc.wantFullErr) {
				t.Fatalf("last full err: expected: %v, got: %v", tc.wantFullErr, err)
			}
			if tc.wantFull != "" && full.BackupID != tc.wantFull {
				t.Fatalf("last full: expected %s, got %s", tc.wantFull, full.BackupID)
			}
		})
	}
}

func TestLookupsAreScopedToEngineAndDatabase_Integration(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	at := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	other := entry("mysql-full", domain.BackupKindFull, domain.BackupStatusSuccess, at)
	other.Engine = domain.EngineMySQL
	if err := store.Append(ctx, other); err != nil {
		t.Fatalf("append: %v", err)
	}
	otherDB := entry("billing-full", domain.BackupKindFull, domain.BackupStatusSuccess, at)
	otherDB.DatabaseName = "billing"
	if err := store.Append(ctx, otherDB); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := store.LastSuccessful(ctx, domain.EnginePostgreSQL, "orders"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	all, err := store.List(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
}

func TestAppendTwice_Integration(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	meta := entry("dup", domain.BackupKindFull, domain.BackupStatusSuccess, time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC))

	for i := 0; i < 2; i++ {
		if err := store.Append(ctx, meta); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	list, err := store.List(ctx, domain.EnginePostgreSQL, "orders", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected two ledger entries, got %d", len(list))
	}
}

func TestGet_Integration(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	at := time.Date(2026, 10, 19, 8, 0, 0, 123456789, time.UTC)

	want := entry("BACKUP-FULL-ORDERS-1", domain.BackupKindFull, domain.BackupStatusSuccess, at)
	want.AdditionalInfo["requested_kind"] = "INCREMENTAL"
	if err := store.Append(ctx, want); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := store.Get(ctx, want.BackupID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreationTime.Equal(at) {
		t.Fatalf("creation time: expected %v, got %v", at, got.CreationTime)
	}
	if got.AdditionalInfo["requested_kind"] != "INCREMENTAL" || got.AdditionalInfo["tool"] != "pg_dump" {
		t.Fatalf("additional info not preserved: %v", got.AdditionalInfo)
	}
	if got.SizeInBytes != 42 || got.BackupFilePath != want.BackupFilePath {
		t.Fatalf("unexpected entry: %+v", got)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
