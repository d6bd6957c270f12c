package strategy

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/google/shlex"

	"github.com/semmidev/backt/internal/domain"
)

const binlogTimeLayout = "2006-01-02 15:04:05"

type binaryLogLister interface {
	BinaryLogs(ctx context.Context) ([]string, error)
}

// MySQLStrategy dumps with mysqldump and captures changes by replaying the
// binary log from the anchor's creation time.
type MySQLStrategy struct {
	base
}

func NewMySQL(executor domain.CommandExecutor, ledger domain.MetadataReader, cfg Config, logger Logger) *MySQLStrategy {
	return &MySQLStrategy{base: newBase(domain.EngineMySQL, executor, ledger, cfg, logger)}
}

func (s *MySQLStrategy) Execute(ctx context.Context, conn domain.DatabaseConnection, task domain.BackupTask) (*domain.BackupResult, error) {
	return s.execute(ctx, conn, task, s.full, s.changes)
}

func (s *MySQLStrategy) full(ctx context.Context, conn domain.DatabaseConnection, task domain.BackupTask, _ *domain.BackupMetadata, result *domain.BackupResult) (string, error) {
	target, err := mysqlTargetFor(conn.Details())
	if err != nil {
		return "", err
	}
	extra, err := extraArgs(task.Request)
	if err != nil {
		return "", err
	}

	output := filepath.Join(task.WorkDir, s.artifactName(task, domain.BackupKindFull, ".sql"))
	args := append([]string{"mysqldump"}, target.args()...)
	args = append(args,
		"--single-transaction",
		"--quick",
		"--routines",
		"--triggers",
		"--events",
		"--result-file="+output,
	)
	args = append(args, extra...)
	args = append(args, task.Request.DatabaseName)

	if _, err := s.run(ctx, task, target.command(args)); err != nil {
		return "", err
	}
	result.Details["format"] = "sql"
	return output, nil
}

func (s *MySQLStrategy) changes(ctx context.Context, conn domain.DatabaseConnection, task domain.BackupTask, anchor *domain.BackupMetadata, result *domain.BackupResult) (string, error) {
	target, err := mysqlTargetFor(conn.Details())
	if err != nil {
		return "", err
	}
	files, err := s.binlogFiles(ctx, conn, task.Request)
	if err != nil {
		return "", err
	}
	extra, err := extraArgs(task.Request)
	if err != nil {
		return "", err
	}

	output := filepath.Join(task.WorkDir, s.artifactName(task, result.Kind, ".binlog.sql"))
	args := append([]string{"mysqlbinlog", "--read-from-remote-server"}, target.args()...)
	args = append(args,
		"--start-datetime="+anchor.CreationTime.Local().Format(binlogTimeLayout),
		"--database="+task.Request.DatabaseName,
		"--result-file="+output,
	)
	args = append(args, extra...)
	args = append(args, files...)

	if _, err := s.run(ctx, task, target.command(args)); err != nil {
		return "", err
	}
	result.Details["format"] = "binlog"
	result.Details["binlog_files"] = strings.Join(files, ",")
	return output, nil
}

// binlogFiles prefers the request option and otherwise asks the server.
func (s *MySQLStrategy) binlogFiles(ctx context.Context, conn domain.DatabaseConnection, req domain.BackupRequest) ([]string, error) {
	if raw := req.Option(domain.OptionBinlogFiles); raw != "" {
		files, err := shlex.Split(strings.ReplaceAll(raw, ",", " "))
		if err != nil {
			return nil, &domain.InvalidRequestError{Field: domain.OptionBinlogFiles, Reason: err.Error()}
		}
		if len(files) > 0 {
			return files, nil
		}
	}

	lister, ok := conn.(binaryLogLister)
	if !ok {
		return nil, fmt.Errorf("binary log files unknown: set the %s option", domain.OptionBinlogFiles)
	}
	files, err := lister.BinaryLogs(ctx)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("server has no binary logs; is log_bin enabled?")
	}
	return files, nil
}

// Restore pipes a dump or an extracted binlog into the mysql client.
func (s *MySQLStrategy) Restore(ctx context.Context, conn domain.DatabaseConnection, task domain.RestoreTask) error {
	if conn == nil || !conn.Connected() {
		return domain.ErrNoActiveConnection
	}
	target, err := mysqlTargetFor(conn.Details())
	if err != nil {
		return err
	}

	args := append([]string{"mysql"}, target.args()...)
	args = append(args, task.Metadata.DatabaseName)
	cmd := target.command(args)
	cmd.Stdin = task.ArtifactPath

	_, err = s.runWith(ctx, task.Option(domain.OptionTimeout), cmd)
	return err
}

type mysqlTarget struct {
	host     string
	port     int
	user     string
	password string
}

func mysqlTargetFor(d domain.DatabaseDetails) (mysqlTarget, error) {
	t := mysqlTarget{host: d.Host, port: d.Port, user: d.Username, password: d.Password}
	if d.URI != "" {
		cfg, err := mysql.ParseDSN(d.URI)
		if err != nil {
			return mysqlTarget{}, fmt.Errorf("invalid mysql dsn: %w", err)
		}
		host, port, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			return mysqlTarget{}, fmt.Errorf("invalid mysql address %q: %w", cfg.Addr, err)
		}
		t.host = host
		t.port, _ = strconv.Atoi(port)
		if t.user == "" {
			t.user = cfg.User
		}
		if t.password == "" {
			t.password = cfg.Passwd
		}
	}
	if t.port == 0 {
		t.port = 3306
	}
	return t, nil
}

func (t mysqlTarget) args() []string {
	args := []string{"--host=" + t.host, "--port=" + strconv.Itoa(t.port)}
	if t.user != "" {
		args = append(args, "--user="+t.user)
	}
	return args
}

func (t mysqlTarget) command(args []string) domain.Command {
	cmd := domain.Command{Args: args}
	if t.password != "" {
		cmd.Env = map[string]string{"MYSQL_PWD": t.password}
		cmd.Secrets = []string{t.password}
	}
	return cmd
}
