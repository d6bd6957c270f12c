package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/semmidev/backt/internal/domain"
)

type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Databases []DatabaseConfig `mapstructure:"databases"`
	Backup    BackupConfig     `mapstructure:"backup"`
	Notify    NotifyConfig     `mapstructure:"notify"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	LogLevel    string `mapstructure:"log_level"`
	LogFile     string `mapstructure:"log_file"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type DatabaseConfig struct {
	Name     string `mapstructure:"name"`
	Type     string `mapstructure:"type"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Enabled  bool   `mapstructure:"enabled"`

	// Schedule runs Kind (FULL by default); the other two add change captures between fulls.
	Schedule             string `mapstructure:"schedule"`
	Kind                 string `mapstructure:"kind"`
	IncrementalSchedule  string `mapstructure:"incremental_schedule"`
	DifferentialSchedule string `mapstructure:"differential_schedule"`

	// Engine options such as walSourcePath or binlogFiles.
	Options map[string]string `mapstructure:"options"`

	// PostgreSQL specific
	SSLMode string `mapstructure:"ssl_mode"`

	// MongoDB specific
	AuthDatabase string `mapstructure:"auth_database"`
}

type BackupConfig struct {
	LocalPath      string            `mapstructure:"local_path"`
	TempDir        string            `mapstructure:"temp_dir"`
	RetentionDays  int               `mapstructure:"retention_days"`
	Compress       bool              `mapstructure:"compress"`
	Compression    string            `mapstructure:"compression"`
	CommandTimeout time.Duration     `mapstructure:"command_timeout"`
	MetadataPath   string            `mapstructure:"metadata_path"`
	Tools          map[string]string `mapstructure:"tools"`
	UploadTargets  []UploadTarget    `mapstructure:"upload_targets"`
}

type UploadTarget struct {
	Name    string `mapstructure:"name"`
	Type    string `mapstructure:"type"`
	Enabled bool   `mapstructure:"enabled"`

	// Local mirror
	Path string `mapstructure:"path"`

	// Google Drive and Google Cloud Storage. Drive accepts either a service
	// account in credentials_file or an OAuth client plus refresh token.
	CredentialsFile  string `mapstructure:"credentials_file"`
	FolderID         string `mapstructure:"folder_id"`
	ClientSecretFile string `mapstructure:"client_secret_file"`
	RefreshToken     string `mapstructure:"refresh_token"`

	// AWS S3 (and S3-compatible endpoints) and GCS
	Region       string `mapstructure:"region"`
	Bucket       string `mapstructure:"bucket"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	Prefix       string `mapstructure:"prefix"`

	// Azure Blob Storage
	AccountName string `mapstructure:"account_name"`
	AccountKey  string `mapstructure:"account_key"`
	Container   string `mapstructure:"container"`
}

// DisplayName is how logs refer to the target.
func (t UploadTarget) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Type
}

type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BotToken    string `mapstructure:"bot_token"`
	ChatID      string `mapstructure:"chat_id"`
	FailureOnly bool   `mapstructure:"failure_only"`
}

var uploadTargetTypes = map[string]bool{"local": true, "s3": true, "gcs": true, "azure": true, "gdrive": true}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("BACKT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app.name", "backt")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.metrics_addr", "")
	v.SetDefault("backup.local_path", "./backups")
	v.SetDefault("backup.temp_dir", "")
	v.SetDefault("backup.retention_days", 7)
	v.SetDefault("backup.compress", true)
	v.SetDefault("backup.compression", "gzip")
	v.SetDefault("backup.command_timeout", "1h")
	v.SetDefault("backup.metadata_path", "./data/backt.db")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Databases) == 0 {
		return fmt.Errorf("at least one database configuration is required")
	}

	seen := make(map[string]bool, len(c.Databases))
	for i, db := range c.Databases {
		if db.Name == "" {
			return fmt.Errorf("database[%d]: name is required", i)
		}
		if seen[db.Name] {
			return fmt.Errorf("database[%d]: duplicate name %q", i, db.Name)
		}
		seen[db.Name] = true

		if db.Type == "" {
			return fmt.Errorf("database[%d]: type is required", i)
		}
		if _, err := domain.ParseEngineKind(db.Type); err != nil {
			return fmt.Errorf("database[%d]: %w", i, err)
		}
		if db.Host == "" && db.URI == "" {
			return fmt.Errorf("database[%d]: host or uri is required", i)
		}
		if db.Kind != "" {
			if _, err := domain.ParseBackupKind(db.Kind); err != nil {
				return fmt.Errorf("database[%d]: %w", i, err)
			}
		}
		if db.Enabled && db.Schedule == "" && db.IncrementalSchedule == "" && db.DifferentialSchedule == "" {
			return fmt.Errorf("database[%d]: schedule is required when enabled", i)
		}
	}

	if c.Backup.LocalPath == "" {
		return fmt.Errorf("backup.local_path is required")
	}
	if c.Backup.MetadataPath == "" {
		return fmt.Errorf("backup.metadata_path is required")
	}
	if c.Backup.CommandTimeout <= 0 {
		return fmt.Errorf("backup.command_timeout must be positive")
	}
	switch strings.ToLower(c.Backup.Compression) {
	case "", "gzip", "zstd", "lz4":
	default:
		return fmt.Errorf("backup.compression: unsupported algorithm %q", c.Backup.Compression)
	}

	for i, target := range c.Backup.UploadTargets {
		kind := strings.ToLower(target.Type)
		if !uploadTargetTypes[kind] {
			return fmt.Errorf("backup.upload_targets[%d]: unknown type %q", i, target.Type)
		}
		if !target.Enabled {
			continue
		}
		if kind == "gdrive" && target.CredentialsFile == "" && (target.RefreshToken == "" || target.ClientSecretFile == "") {
			return fmt.Errorf("backup.upload_targets[%d]: gdrive needs credentials_file or client_secret_file with refresh_token", i)
		}
		if kind == "local" && target.Path == "" {
			return fmt.Errorf("backup.upload_targets[%d]: local target needs a path", i)
		}
	}

	if t := c.Notify.Telegram; t.Enabled && (t.BotToken == "" || t.ChatID == "") {
		return fmt.Errorf("notify.telegram: bot_token and chat_id are required when enabled")
	}

	return nil
}

func (c *Config) GetEnabledDatabases() []DatabaseConfig {
	var enabled []DatabaseConfig
	for _, db := range c.Databases {
		if db.Enabled {
			enabled = append(enabled, db)
		}
	}
	return enabled
}

func (c *Config) GetEnabledUploadTargets() []UploadTarget {
	var enabled []UploadTarget
	for _, target := range c.Backup.UploadTargets {
		if target.Enabled {
			enabled = append(enabled, target)
		}
	}
	return enabled
}

// FindDatabase looks a database up by its configured name.
func (c *Config) FindDatabase(name string) (DatabaseConfig, bool) {
	for _, db := range c.Databases {
		if db.Name == name {
			return db, true
		}
	}
	return DatabaseConfig{}, false
}

func (d DatabaseConfig) Engine() domain.EngineKind {
	kind, _ := domain.ParseEngineKind(d.Type)
	return kind
}

// DefaultKind is the kind run by Schedule.
func (d DatabaseConfig) DefaultKind() domain.BackupKind {
	if d.Kind == "" {
		return domain.BackupKindFull
	}
	kind, _ := domain.ParseBackupKind(d.Kind)
	return kind
}

// DatabaseName is the database the backup targets; it falls back to the entry name.
func (d DatabaseConfig) DatabaseName() string {
	if d.Database != "" {
		return d.Database
	}
	return d.Name
}

func (d DatabaseConfig) Details() domain.DatabaseDetails {
	return domain.DatabaseDetails{
		Host:         d.Host,
		Port:         d.Port,
		URI:          d.URI,
		Username:     d.Username,
		Password:     d.Password,
		Database:     d.DatabaseName(),
		SSLMode:      d.SSLMode,
		AuthDatabase: d.AuthDatabase,
	}
}

var optionKeys = []string{
	domain.OptionArchiveDirectory,
	domain.OptionWALSourcePath,
	domain.OptionOplogSource,
	domain.OptionBinlogFiles,
	domain.OptionExtraArgs,
	domain.OptionTimeout,
	domain.OptionVerify,
	domain.OptionDataDirectory,
}

// RequestOptions restores the camelCase option keys viper folds to lower case.
func (d DatabaseConfig) RequestOptions() map[string]string {
	if len(d.Options) == 0 {
		return nil
	}
	canonical := make(map[string]string, len(optionKeys))
	for _, key := range optionKeys {
		canonical[strings.ToLower(key)] = key
	}

	opts := make(map[string]string, len(d.Options))
	for key, value := range d.Options {
		if name, ok := canonical[strings.ToLower(key)]; ok {
			key = name
		}
		opts[key] = value
	}
	return opts
}
