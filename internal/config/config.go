package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/hooklight/hooklight/internal/session"
)

const (
	EnvPrefix   = "HOOKLIGHT"
	DefaultName = "hooklight"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Hub       HubConfig       `mapstructure:"hub"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Settings  SettingsConfig  `mapstructure:"settings"`
	Privacy   PrivacyConfig   `mapstructure:"privacy"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	IngestWorkers  int      `mapstructure:"ingest_workers"`
	IngestQueue    int      `mapstructure:"ingest_queue"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type HubConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	MaxConnections int           `mapstructure:"max_connections"`
}

type ReconcileConfig struct {
	// SessionTimeout ends live sessions idle for longer. Zero disables.
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
}

type SettingsConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ManagedPath  string        `mapstructure:"managed_path"`
	UserPath     string        `mapstructure:"user_path"`
}

type PrivacyConfig struct {
	MaskProjectPaths bool     `mapstructure:"mask_project_paths"`
	MaskSessionIDs   bool     `mapstructure:"mask_session_ids"`
	MaskTranscripts  bool     `mapstructure:"mask_transcripts"`
	DropRawPayloads  bool     `mapstructure:"drop_raw_payloads"`
	AllowedPaths     []string `mapstructure:"allowed_paths"`
	BlockedPaths     []string `mapstructure:"blocked_paths"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DataDir is where the default SQLite database lives.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hooklight"
	}
	return filepath.Join(home, ".hooklight")
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "127.0.0.1",
			Port:          8787,
			IngestWorkers: 8,
			IngestQueue:   256,
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			DSN:    filepath.Join(DataDir(), "hooklight.db"),
		},
		Hub: HubConfig{
			QueueSize:    64,
			WriteTimeout: 5 * time.Second,
			PingInterval: 30 * time.Second,
			PongWait:     60 * time.Second,
		},
		Reconcile: ReconcileConfig{
			SessionTimeout: 60 * time.Minute,
		},
		Settings: SettingsConfig{
			PollInterval: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.allowed_origins", cfg.Server.AllowedOrigins)
	v.SetDefault("server.ingest_workers", cfg.Server.IngestWorkers)
	v.SetDefault("server.ingest_queue", cfg.Server.IngestQueue)

	v.SetDefault("database.driver", cfg.Database.Driver)
	v.SetDefault("database.dsn", cfg.Database.DSN)

	v.SetDefault("hub.queue_size", cfg.Hub.QueueSize)
	v.SetDefault("hub.write_timeout", cfg.Hub.WriteTimeout)
	v.SetDefault("hub.ping_interval", cfg.Hub.PingInterval)
	v.SetDefault("hub.pong_wait", cfg.Hub.PongWait)
	v.SetDefault("hub.max_connections", cfg.Hub.MaxConnections)

	v.SetDefault("reconcile.session_timeout", cfg.Reconcile.SessionTimeout)

	v.SetDefault("settings.poll_interval", cfg.Settings.PollInterval)
	v.SetDefault("settings.managed_path", cfg.Settings.ManagedPath)
	v.SetDefault("settings.user_path", cfg.Settings.UserPath)

	v.SetDefault("privacy.mask_project_paths", cfg.Privacy.MaskProjectPaths)
	v.SetDefault("privacy.mask_session_ids", cfg.Privacy.MaskSessionIDs)
	v.SetDefault("privacy.mask_transcripts", cfg.Privacy.MaskTranscripts)
	v.SetDefault("privacy.drop_raw_payloads", cfg.Privacy.DropRawPayloads)
	v.SetDefault("privacy.allowed_paths", cfg.Privacy.AllowedPaths)
	v.SetDefault("privacy.blocked_paths", cfg.Privacy.BlockedPaths)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return v
}

// Load reads the config file at path, then applies HOOKLIGHT_* environment
// overrides. An empty path searches ./hooklight.yaml and
// ~/.hooklight/hooklight.yaml and falls back to defaults when neither exists.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultName)
		v.AddConfigPath(".")
		v.AddConfigPath(DataDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML config data on top of the defaults. Environment
// overrides still apply.
func Parse(data []byte) (*Config, error) {
	v := newViper()
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// ApplyOverrides copies every non-zero field of o onto c. Command-line flags
// are collected into o.
func (c *Config) ApplyOverrides(o Config) error {
	return mergo.Merge(c, o, mergo.WithOverride)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.IngestWorkers < 1 {
		result = multierror.Append(result, fmt.Errorf("server.ingest_workers must be at least 1"))
	}
	if c.Server.IngestQueue < 1 {
		result = multierror.Append(result, fmt.Errorf("server.ingest_queue must be at least 1"))
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		result = multierror.Append(result, fmt.Errorf("database.driver %q is not one of %s, %s",
			c.Database.Driver, DriverSQLite, DriverPostgres))
	}
	if c.Database.DSN == "" {
		result = multierror.Append(result, fmt.Errorf("database.dsn is required"))
	}

	if c.Hub.QueueSize < 1 {
		result = multierror.Append(result, fmt.Errorf("hub.queue_size must be at least 1"))
	}
	if c.Hub.WriteTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("hub.write_timeout must be positive"))
	}
	if c.Hub.PingInterval <= 0 || c.Hub.PongWait <= c.Hub.PingInterval {
		result = multierror.Append(result, fmt.Errorf("hub.pong_wait (%s) must exceed a positive hub.ping_interval (%s)",
			c.Hub.PongWait, c.Hub.PingInterval))
	}
	if c.Hub.MaxConnections < 0 {
		result = multierror.Append(result, fmt.Errorf("hub.max_connections must not be negative"))
	}

	if c.Reconcile.SessionTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("reconcile.session_timeout must not be negative"))
	}
	if c.Settings.PollInterval < 0 {
		result = multierror.Append(result, fmt.Errorf("settings.poll_interval must not be negative"))
	}

	for _, p := range append(append([]string(nil), c.Privacy.AllowedPaths...), c.Privacy.BlockedPaths...) {
		if _, err := filepath.Match(p, ""); err != nil {
			result = multierror.Append(result, fmt.Errorf("privacy path pattern %q: %w", p, err))
		}
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		result = multierror.Append(result, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		result = multierror.Append(result, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}

	return result.ErrorOrNil()
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// NewPrivacyFilter builds the outbound privacy filter.
func (c PrivacyConfig) NewPrivacyFilter() *session.PrivacyFilter {
	return &session.PrivacyFilter{
		MaskProjectPaths: c.MaskProjectPaths,
		MaskSessionIDs:   c.MaskSessionIDs,
		MaskTranscripts:  c.MaskTranscripts,
		DropRawPayloads:  c.DropRawPayloads,
		AllowedPaths:     c.AllowedPaths,
		BlockedPaths:     c.BlockedPaths,
	}
}

// Write stores cfg as YAML at path, creating parent directories. Durations
// are written in their string form.
func Write(path string, cfg *Config) error {
	v := viper.New()
	setDefaults(v, cfg)
	doc := stringifyDurations(v.AllSettings())

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func stringifyDurations(m map[string]any) map[string]any {
	for k, v := range m {
		switch t := v.(type) {
		case time.Duration:
			m[k] = t.String()
		case map[string]any:
			m[k] = stringifyDurations(t)
		}
	}
	return m
}
