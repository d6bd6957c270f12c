package strategy

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/semmidev/backt/internal/domain"
)

const walCopyBatch = 200

type dataDirectoryReader interface {
	DataDirectory(ctx context.Context) (string, error)
}

// PostgreSQLStrategy takes logical dumps for FULL backups and physical base
// backups plus archived WAL segments for change captures.
type PostgreSQLStrategy struct {
	base
}

func NewPostgreSQL(executor domain.CommandExecutor, ledger domain.MetadataReader, cfg Config, logger Logger) *PostgreSQLStrategy {
	return &PostgreSQLStrategy{base: newBase(domain.EnginePostgreSQL, executor, ledger, cfg, logger)}
}

func (s *PostgreSQLStrategy) Execute(ctx context.Context, conn domain.DatabaseConnection, task domain.BackupTask) (*domain.BackupResult, error) {
	return s.execute(ctx, conn, task, s.full, s.changes)
}

func (s *PostgreSQLStrategy) full(ctx context.Context, conn domain.DatabaseConnection, task domain.BackupTask, _ *domain.BackupMetadata, result *domain.BackupResult) (string, error) {
	details := conn.Details()
	output := filepath.Join(task.WorkDir, s.artifactName(task, domain.BackupKindFull, ".dump"))

	extra, err := extraArgs(task.Request)
	if err != nil {
		return "", err
	}

	args := []string{
		"pg_dump",
		"--dbname=" + pgConnString(details, task.Request.DatabaseName),
		"--format=custom",
		"--no-password",
		"--file=" + output,
	}
	args = append(args, extra...)

	if _, err := s.run(ctx, task, s.command(details, args)); err != nil {
		return "", err
	}
	result.Details["format"] = "custom"

	if optionEnabled(task.Request.Option(domain.OptionVerify)) {
		if _, err := s.run(ctx, task, domain.Command{Args: []string{"pg_restore", "--list", output}}); err != nil {
			return "", fmt.Errorf("verify dump: %w", err)
		}
		result.Details["verified"] = "true"
	}
	return output, nil
}

// changes takes a base backup and then archives the WAL written since the anchor.
func (s *PostgreSQLStrategy) changes(ctx context.Context, conn domain.DatabaseConnection, task domain.BackupTask, anchor *domain.BackupMetadata, result *domain.BackupResult) (string, error) {
	details := conn.Details()
	output := filepath.Join(task.WorkDir, s.artifactName(task, result.Kind, ""))

	extra, err := extraArgs(task.Request)
	if err != nil {
		return "", err
	}

	args := []string{
		"pg_basebackup",
		"--dbname=" + pgConnString(details, task.Request.DatabaseName),
		"--pgdata=" + output,
		"--format=tar",
		"--gzip",
		"--wal-method=fetch",
		"--checkpoint=fast",
		"--no-password",
		"--label=" + task.ID,
	}
	args = append(args, extra...)

	if _, err := s.run(ctx, task, s.command(details, args)); err != nil {
		return "", err
	}
	result.Details["format"] = "basebackup"

	if err := s.archiveWAL(ctx, conn, task, anchor.CreationTime, result); err != nil {
		return "", err
	}
	return output, nil
}

func (s *PostgreSQLStrategy) archiveWAL(ctx context.Context, conn domain.DatabaseConnection, task domain.BackupTask, since time.Time, result *domain.BackupResult) error {
	source := task.Request.Option(domain.OptionWALSourcePath)
	explicit := source != ""
	if !explicit {
		if reader, ok := conn.(dataDirectoryReader); ok {
			if dir, err := reader.DataDirectory(ctx); err == nil && dir != "" {
				source = filepath.Join(dir, "pg_wal")
			}
		}
	}
	if source == "" {
		s.logger.Warnf("[%s] no WAL source path for %s, base backup only", s.engine, task.Request.DatabaseName)
		result.Details["wal_segments"] = "0"
		return nil
	}

	entries, err := os.ReadDir(source)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			s.logger.Warnf("[%s] server WAL directory %s is not local, base backup only", s.engine, source)
			result.Details["wal_segments"] = "0"
			return nil
		}
		return fmt.Errorf("read WAL source %s: %w", source, err)
	}

	var segments []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat WAL segment %s: %w", entry.Name(), err)
		}
		if info.ModTime().After(since) {
			segments = append(segments, filepath.Join(source, entry.Name()))
		}
	}
	sort.Strings(segments)

	archive := task.Request.Option(domain.OptionArchiveDirectory)
	if archive == "" {
		archive = filepath.Join(task.Request.DestinationDirectory, "wal_archive")
	}
	if err := os.MkdirAll(archive, 0o755); err != nil {
		return fmt.Errorf("create WAL archive %s: %w", archive, err)
	}

	for start := 0; start < len(segments); start += walCopyBatch {
		end := min(start+walCopyBatch, len(segments))
		args := append([]string{"cp", "-p"}, segments[start:end]...)
		args = append(args, archive+string(filepath.Separator))
		if _, err := s.run(ctx, task, domain.Command{Args: args}); err != nil {
			return fmt.Errorf("archive WAL: %w", err)
		}
	}

	s.logger.Infof("[%s] archived %d WAL segment(s) to %s", s.engine, len(segments), archive)
	result.Details["wal_source"] = source
	result.Details["wal_segments"] = strconv.Itoa(len(segments))
	result.Details["archive_directory"] = archive
	return nil
}

// Restore loads a logical dump with pg_restore, or unpacks a base backup into
// the data directory and leaves WAL replay to the server's next start.
func (s *PostgreSQLStrategy) Restore(ctx context.Context, conn domain.DatabaseConnection, task domain.RestoreTask) error {
	if conn == nil || !conn.Connected() {
		return domain.ErrNoActiveConnection
	}
	if task.Metadata.Kind != domain.BackupKindFull {
		return s.restoreBaseBackup(ctx, task)
	}

	details := conn.Details()
	args := []string{
		"pg_restore",
		"--dbname=" + pgConnString(details, task.Metadata.DatabaseName),
		"--clean",
		"--if-exists",
		"--no-owner",
		"--no-password",
		task.ArtifactPath,
	}
	_, err := s.runWith(ctx, task.Option(domain.OptionTimeout), s.command(details, args))
	return err
}

func (s *PostgreSQLStrategy) restoreBaseBackup(ctx context.Context, task domain.RestoreTask) error {
	dataDir := task.Option(domain.OptionDataDirectory)
	if dataDir == "" {
		return &domain.InvalidRequestError{Field: domain.OptionDataDirectory, Reason: "data directory is required to restore a base backup"}
	}

	baseArchive := filepath.Join(task.ArtifactPath, "base.tar.gz")
	if _, err := os.Stat(baseArchive); err != nil {
		return fmt.Errorf("base backup archive: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	timeout := task.Option(domain.OptionTimeout)
	if _, err := s.runWith(ctx, timeout, domain.Command{Args: []string{"tar", "-xzf", baseArchive, "-C", dataDir}}); err != nil {
		return err
	}

	archive := task.Metadata.AdditionalInfo["archive_directory"]
	if archive == "" {
		s.logger.Infof("[%s] base backup restored to %s without WAL archive", s.engine, dataDir)
		return nil
	}

	if err := os.WriteFile(filepath.Join(dataDir, "recovery.signal"), nil, 0o600); err != nil {
		return fmt.Errorf("write recovery.signal: %w", err)
	}
	conf, err := os.OpenFile(filepath.Join(dataDir, "postgresql.auto.conf"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open postgresql.auto.conf: %w", err)
	}
	defer conf.Close()
	if _, err := fmt.Fprintf(conf, "restore_command = 'cp \"%s/%%f\" \"%%p\"'\n", archive); err != nil {
		return fmt.Errorf("write restore_command: %w", err)
	}

	s.logger.Infof("[%s] base backup restored to %s, WAL replays from %s on next start", s.engine, dataDir, archive)
	return nil
}

func (s *PostgreSQLStrategy) command(details domain.DatabaseDetails, args []string) domain.Command {
	cmd := domain.Command{Args: args}
	if password := pgPassword(details); password != "" {
		cmd.Env = map[string]string{"PGPASSWORD": password}
		cmd.Secrets = []string{password}
	}
	return cmd
}

// pgConnString is a libpq URI for database without the password, which
// travels in PGPASSWORD instead.
func pgConnString(d domain.DatabaseDetails, database string) string {
	var u *url.URL
	if d.URI != "" {
		if parsed, err := url.Parse(d.URI); err == nil {
			u = parsed
		}
	}
	if u == nil {
		port := d.Port
		if port == 0 {
			port = 5432
		}
		u = &url.URL{Scheme: "postgresql", Host: net.JoinHostPort(d.Host, strconv.Itoa(port))}
		if d.Username != "" {
			u.User = url.User(d.Username)
		}
	} else if u.User != nil {
		u.User = url.User(u.User.Username())
	}

	u.Path = "/" + database
	q := u.Query()
	if d.SSLMode != "" && q.Get("sslmode") == "" {
		q.Set("sslmode", d.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func pgPassword(d domain.DatabaseDetails) string {
	if d.Password != "" {
		return d.Password
	}
	if d.URI == "" {
		return ""
	}
	u, err := url.Parse(d.URI)
	if err != nil || u.User == nil {
		return ""
	}
	password, _ := u.User.Password()
	return password
}
