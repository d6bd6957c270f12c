package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/semmidev/backt/internal/adapter/connection"
	"github.com/semmidev/backt/internal/domain"
)

const defaultOplogSource = "local.oplog.rs"

// MongoDBStrategy dumps whole databases for FULL backups and dumps the
// oplog window since the anchor for INCREMENTAL. DIFFERENTIAL runs the same
// oplog capture, anchored on the last FULL instead of the last backup.
type MongoDBStrategy struct {
	base
}

func NewMongoDB(executor domain.CommandExecutor, ledger domain.MetadataReader, cfg Config, logger Logger) *MongoDBStrategy {
	return &MongoDBStrategy{base: newBase(domain.EngineMongoDB, executor, ledger, cfg, logger)}
}

func (s *MongoDBStrategy) Execute(ctx context.Context, conn domain.DatabaseConnection, task domain.BackupTask) (*domain.BackupResult, error) {
	return s.execute(ctx, conn, task, s.full, s.changes)
}

func (s *MongoDBStrategy) full(ctx context.Context, conn domain.DatabaseConnection, task domain.BackupTask, _ *domain.BackupMetadata, result *domain.BackupResult) (string, error) {
	configPath, secret, err := writeToolConfig(conn.Details(), task.WorkDir)
	if err != nil {
		return "", err
	}
	extra, err := extraArgs(task.Request)
	if err != nil {
		return "", err
	}

	output := filepath.Join(task.WorkDir, s.artifactName(task, domain.BackupKindFull, ""))
	args := []string{
		"mongodump",
		"--config=" + configPath,
		"--db=" + task.Request.DatabaseName,
		"--out=" + output,
	}
	args = append(args, extra...)

	if _, err := s.run(ctx, task, domain.Command{Args: args, Secrets: secret}); err != nil {
		return "", err
	}
	result.Details["format"] = "dump"
	return output, nil
}

func (s *MongoDBStrategy) changes(ctx context.Context, conn domain.DatabaseConnection, task domain.BackupTask, anchor *domain.BackupMetadata, result *domain.BackupResult) (string, error) {
	source := task.Request.Option(domain.OptionOplogSource)
	if source == "" {
		source = defaultOplogSource
	}
	oplogDB, oplogCollection, ok := strings.Cut(source, ".")
	if !ok || oplogDB == "" || oplogCollection == "" {
		return "", &domain.InvalidRequestError{Field: domain.OptionOplogSource, Reason: fmt.Sprintf("expected <db>.<collection>, got %q", source)}
	}

	query, err := oplogQuery(task.Request.DatabaseName, anchor.CreationTime.Unix())
	if err != nil {
		return "", err
	}
	configPath, secret, err := writeToolConfig(conn.Details(), task.WorkDir)
	if err != nil {
		return "", err
	}
	extra, err := extraArgs(task.Request)
	if err != nil {
		return "", err
	}

	output := filepath.Join(task.WorkDir, s.artifactName(task, result.Kind, ""))
	args := []string{
		"mongodump",
		"--config=" + configPath,
		"--db=" + oplogDB,
		"--collection=" + oplogCollection,
		"--query=" + query,
		"--out=" + output,
	}
	args = append(args, extra...)

	if _, err := s.run(ctx, task, domain.Command{Args: args, Secrets: secret}); err != nil {
		return "", err
	}
	result.Details["format"] = "oplog"
	result.Details["oplog_source"] = source
	result.Details["oplog_since"] = strconv.FormatInt(anchor.CreationTime.Unix(), 10)
	return output, nil
}

// Restore loads a FULL dump with mongorestore. Oplog captures have no
// restore plan here.
func (s *MongoDBStrategy) Restore(ctx context.Context, conn domain.DatabaseConnection, task domain.RestoreTask) error {
	if conn == nil || !conn.Connected() {
		return domain.ErrNoActiveConnection
	}
	if task.Metadata.Kind != domain.BackupKindFull {
		return fmt.Errorf("%w: replaying %s oplog captures", domain.ErrUnsupportedOperation, strings.ToLower(string(task.Metadata.Kind)))
	}

	configPath, secret, err := writeToolConfig(conn.Details(), task.WorkDir)
	if err != nil {
		return err
	}
	args := []string{
		"mongorestore",
		"--config=" + configPath,
		"--nsInclude=" + task.Metadata.DatabaseName + ".*",
		"--drop",
		"--dir=" + task.ArtifactPath,
	}
	_, err = s.runWith(ctx, task.Option(domain.OptionTimeout), domain.Command{Args: args, Secrets: secret})
	return err
}

func oplogQuery(database string, since int64) (string, error) {
	query := map[string]interface{}{
		"ts": map[string]interface{}{
			"$gt": map[string]interface{}{
				"$timestamp": map[string]int64{"t": since, "i": 0},
			},
		},
		"ns": map[string]string{"$regex": "^" + regexp.QuoteMeta(database) + `\.`},
	}
	raw, err := json.Marshal(query)
	if err != nil {
		return "", fmt.Errorf("build oplog query: %w", err)
	}
	return string(raw), nil
}

type toolConfig struct {
	URI string `yaml:"uri"`
}

// writeToolConfig puts the connection string, password included, into a
// private --config file so it never appears on argv.
func writeToolConfig(details domain.DatabaseDetails, dir string) (string, []string, error) {
	uri, err := toolURI(details)
	if err != nil {
		return "", nil, err
	}
	raw, err := yaml.Marshal(toolConfig{URI: uri})
	if err != nil {
		return "", nil, fmt.Errorf("encode mongo tool config: %w", err)
	}

	path := filepath.Join(dir, "mongo-tools.yaml")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", nil, fmt.Errorf("write mongo tool config: %w", err)
	}

	var secrets []string
	if password := mongoPassword(details, uri); password != "" {
		secrets = append(secrets, password)
	}
	return path, secrets, nil
}

// toolURI drops the database path so --db can choose freely; the path
// database keeps its role as the authentication source.
func toolURI(details domain.DatabaseDetails) (string, error) {
	raw, err := connection.MongoURI(details)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid mongodb uri: %w", err)
	}

	pathDB := strings.Trim(u.Path, "/")
	q := u.Query()
	if pathDB != "" && q.Get("authSource") == "" && u.User != nil {
		q.Set("authSource", pathDB)
	}
	u.Path = "/"
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func mongoPassword(details domain.DatabaseDetails, uri string) string {
	if details.Password != "" {
		return details.Password
	}
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return ""
	}
	password, _ := u.User.Password()
	return password
}
