package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type BackupKind string

const (
	BackupKindFull         BackupKind = "FULL"
	BackupKindIncremental  BackupKind = "INCREMENTAL"
	BackupKindDifferential BackupKind = "DIFFERENTIAL"
)

func (k BackupKind) Valid() bool {
	switch k {
	case BackupKindFull, BackupKindIncremental, BackupKindDifferential:
		return true
	}
	return false
}

func (k BackupKind) String() string {
	return string(k)
}

func ParseBackupKind(s string) (BackupKind, error) {
	kind := BackupKind(strings.ToUpper(strings.TrimSpace(s)))
	if !kind.Valid() {
		return "", &InvalidRequestError{Field: "backupKind", Reason: fmt.Sprintf("unrecognized backup kind %q", s)}
	}
	return kind, nil
}

// SanitizeName keeps database names safe for file names and identifiers.
func SanitizeName(name string) string {
	var sb strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	if sb.Len() == 0 {
		return "db"
	}
	return sb.String()
}

type BackupStatus string

const (
	BackupStatusSuccess BackupStatus = "SUCCESS"
	BackupStatusFailed  BackupStatus = "FAILED"
)

// Request option keys understood by the engine strategies.
const (
	OptionArchiveDirectory = "archiveDirectory"
	OptionWALSourcePath    = "walSourcePath"
	OptionOplogSource      = "oplogSource"
	OptionBinlogFiles      = "binlogFiles"
	OptionExtraArgs        = "extraArgs"
	OptionTimeout          = "timeout"
	OptionVerify           = "verify"
	OptionDataDirectory    = "dataDirectory"
)

type BackupRequest struct {
	DatabaseName         string
	Kind                 BackupKind
	DestinationDirectory string
	Compress             bool
	Options              map[string]string
}

func (r BackupRequest) Option(key string) string {
	if r.Options == nil {
		return ""
	}
	return strings.TrimSpace(r.Options[key])
}

// Validate rejects requests that must never reach a strategy.
func (r BackupRequest) Validate() error {
	if strings.TrimSpace(r.DatabaseName) == "" {
		return &InvalidRequestError{Field: "databaseName", Reason: "database name is required"}
	}
	if !r.Kind.Valid() {
		return &InvalidRequestError{Field: "backupKind", Reason: fmt.Sprintf("unrecognized backup kind %q", r.Kind)}
	}
	if strings.TrimSpace(r.DestinationDirectory) == "" {
		return &InvalidRequestError{Field: "destinationDirectory", Reason: "destination directory is required"}
	}
	return nil
}

// BackupTask is a validated request bound to an identifier and a scratch directory.
type BackupTask struct {
	ID        string
	Request   BackupRequest
	WorkDir   string
	StartedAt time.Time
}

type BackupResult struct {
	BackupID       string
	Kind           BackupKind
	RequestedKind  BackupKind
	StartTime      time.Time
	EndTime        time.Time
	SizeInBytes    int64
	BackupFilePath string
	Status         BackupStatus
	ErrorMessage   string
	Details        map[string]string
}

func (r *BackupResult) Succeeded() bool {
	return r != nil && r.Status == BackupStatusSuccess
}

// Fail marks the result failed, keeping the time ordering intact.
func (r *BackupResult) Fail(err error, at time.Time) {
	r.Status = BackupStatusFailed
	r.ErrorMessage = err.Error()
	r.Finish(at)
}

func (r *BackupResult) Finish(at time.Time) {
	if at.Before(r.StartTime) {
		at = r.StartTime
	}
	r.EndTime = at
}

type BackupMetadata struct {
	BackupID       string
	Engine         EngineKind
	BackupFilePath string
	Kind           BackupKind
	DatabaseName   string
	Status         BackupStatus
	CreationTime   time.Time
	SizeInBytes    int64
	AdditionalInfo map[string]string
}

// NewBackupMetadata builds the ledger entry for one finished attempt.
func NewBackupMetadata(engine EngineKind, databaseName string, result *BackupResult) BackupMetadata {
	info := make(map[string]string, len(result.Details)+2)
	for k, v := range result.Details {
		info[k] = v
	}
	if result.RequestedKind != "" && result.RequestedKind != result.Kind {
		info["requested_kind"] = string(result.RequestedKind)
	}
	if result.ErrorMessage != "" {
		info["error"] = result.ErrorMessage
	}
	return BackupMetadata{
		BackupID:       result.BackupID,
		Engine:         engine,
		BackupFilePath: result.BackupFilePath,
		Kind:           result.Kind,
		DatabaseName:   databaseName,
		Status:         result.Status,
		CreationTime:   result.StartTime,
		SizeInBytes:    result.SizeInBytes,
		AdditionalInfo: info,
	}
}

// MetadataStore is the append-only ledger of backup attempts.
type MetadataStore interface {
	MetadataReader
	Append(ctx context.Context, meta BackupMetadata) error
}

type MetadataReader interface {
	LastSuccessful(ctx context.Context, engine EngineKind, databaseName string) (*BackupMetadata, error)
	LastFull(ctx context.Context, engine EngineKind, databaseName string) (*BackupMetadata, error)
	Get(ctx context.Context, backupID string) (*BackupMetadata, error)
	List(ctx context.Context, engine EngineKind, databaseName string, limit int) ([]BackupMetadata, error)
}

type RestoreTask struct {
	Metadata     BackupMetadata
	ArtifactPath string
	WorkDir      string
	Options      map[string]string
}

func (t RestoreTask) Option(key string) string {
	if t.Options == nil {
		return ""
	}
	return strings.TrimSpace(t.Options[key])
}

type BackupStrategy interface {
	Engine() EngineKind
	Execute(ctx context.Context, conn DatabaseConnection, task BackupTask) (*BackupResult, error)
	Restore(ctx context.Context, conn DatabaseConnection, task RestoreTask) error
}

type Notifier interface {
	Notify(ctx context.Context, engine EngineKind, databaseName string, result *BackupResult) error
}
