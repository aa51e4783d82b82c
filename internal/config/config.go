// Package config loads the fiskalni configuration.
//
// Settings come from a TOML file (default
// $XDG_CONFIG_HOME/fiskalni/config.toml), overridden by FISKALNI_*
// environment variables: remote.dsn is FISKALNI_REMOTE_DSN. Every key has
// a default, so a missing file is not an error.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/fiskalni/fiskalni/internal/remote"
)

const (
	appName   = "fiskalni"
	envPrefix = "FISKALNI"
)

// Config is the full configuration.
type Config struct {
	DataDir  string         `mapstructure:"data_dir"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Log      LogConfig      `mapstructure:"log"`
}

// RemoteConfig locates the server store.
type RemoteConfig struct {
	// Dialect is postgres (Supabase), turso, or sqlite.
	Dialect string `mapstructure:"dialect"`
	DSN     string `mapstructure:"dsn"`
	// ProjectURL is the Supabase project URL, used to derive the realtime
	// endpoint.
	ProjectURL string `mapstructure:"project_url"`
	// APIKey is the project's anon key.
	APIKey string `mapstructure:"api_key"`
}

// AuthConfig says who is signed in.
type AuthConfig struct {
	// UserID, when set, is used as a fixed identity.
	UserID string `mapstructure:"user_id"`
	// TokenFile is the session file written by the app's sign-in.
	TokenFile string `mapstructure:"token_file"`
	// JWTSecret verifies token signatures when set.
	JWTSecret string `mapstructure:"jwt_secret"`
}

// RealtimeConfig configures the change subscriptions.
type RealtimeConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	URL               string        `mapstructure:"url"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	JoinTimeout       time.Duration `mapstructure:"join_timeout"`
}

// QueueConfig throttles uploads.
type QueueConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Burst     int           `mapstructure:"burst"`
	BatchSize int           `mapstructure:"batch_size"`
}

// DaemonConfig configures the boot triggers.
type DaemonConfig struct {
	// ProbeAddr is dialed to detect connectivity; empty derives it from
	// the remote DSN.
	ProbeAddr     string        `mapstructure:"probe_addr"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	Signals       bool          `mapstructure:"signals"`
	WatchSession  bool          `mapstructure:"watch_session"`
}

// NotifyConfig configures the local notification server.
type NotifyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	JSON       bool   `mapstructure:"json"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, appName, "config.toml")
}

// DefaultDataDir returns the default directory of the local database.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + appName
	}
	return filepath.Join(home, ".local", "share", appName)
}

// DBPath returns the path of the local database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "local.db")
}

func setDefaults(v *viper.Viper) {
	dataDir := DefaultDataDir()

	v.SetDefault("data_dir", dataDir)

	v.SetDefault("remote.dialect", string(remote.DialectPostgres))
	v.SetDefault("remote.dsn", "")
	v.SetDefault("remote.project_url", "")
	v.SetDefault("remote.api_key", "")

	v.SetDefault("auth.user_id", "")
	v.SetDefault("auth.token_file", filepath.Join(dataDir, "session.json"))
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("realtime.enabled", true)
	v.SetDefault("realtime.url", "")
	v.SetDefault("realtime.base_delay", time.Second)
	v.SetDefault("realtime.max_delay", 30*time.Second)
	v.SetDefault("realtime.heartbeat_interval", 25*time.Second)
	v.SetDefault("realtime.join_timeout", 10*time.Second)

	v.SetDefault("queue.interval", 100*time.Millisecond)
	v.SetDefault("queue.burst", 10)
	v.SetDefault("queue.batch_size", 50)

	v.SetDefault("daemon.probe_addr", "")
	v.SetDefault("daemon.probe_interval", 30*time.Second)
	v.SetDefault("daemon.signals", true)
	v.SetDefault("daemon.watch_session", true)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.addr", "127.0.0.1:7417")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.json", false)
}

// New returns a viper instance reading path with the defaults and the
// environment overrides in place. The file is not read yet.
func New(path string) *viper.Viper {
	if path == "" {
		path = DefaultPath()
	}
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration at path ("" for the default location).
func Load(path string) (*Config, *viper.Viper, error) {
	v := New(path)
	cfg, err := Read(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Read (re)reads the file behind v and decodes it.
func Read(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config %s: %w", v.ConfigFileUsed(), err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if _, err := remote.ParseDialect(c.Remote.Dialect); err != nil {
		return fmt.Errorf("remote.dialect: %w", err)
	}
	if c.Realtime.BaseDelay <= 0 {
		return errors.New("realtime.base_delay must be positive")
	}
	if c.Realtime.MaxDelay < c.Realtime.BaseDelay {
		return fmt.Errorf("realtime.max_delay (%s) must not be below base_delay (%s)", c.Realtime.MaxDelay, c.Realtime.BaseDelay)
	}
	if c.Queue.Burst < 1 {
		return errors.New("queue.burst must be at least 1")
	}
	return nil
}

// Watch calls onChange with the re-read configuration whenever the file
// behind v changes. Decode errors are passed along with a nil config.
func Watch(v *viper.Viper, onChange func(*Config, error)) {
	v.OnConfigChange(func(fsnotify.Event) {
		onChange(decode(v))
	})
	v.WatchConfig()
}

// Write stores cfg at path as TOML, creating the directory. Durations are
// written as strings such as "30s".
func Write(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg.file()); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return f.Close()
}

// file mirrors the decoded layout with durations as strings.
func (c *Config) file() map[string]any {
	return map[string]any{
		"data_dir": c.DataDir,
		"remote": map[string]any{
			"dialect":     c.Remote.Dialect,
			"dsn":         c.Remote.DSN,
			"project_url": c.Remote.ProjectURL,
			"api_key":     c.Remote.APIKey,
		},
		"auth": map[string]any{
			"user_id":    c.Auth.UserID,
			"token_file": c.Auth.TokenFile,
			"jwt_secret": c.Auth.JWTSecret,
		},
		"realtime": map[string]any{
			"enabled":            c.Realtime.Enabled,
			"url":                c.Realtime.URL,
			"base_delay":         c.Realtime.BaseDelay.String(),
			"max_delay":          c.Realtime.MaxDelay.String(),
			"heartbeat_interval": c.Realtime.HeartbeatInterval.String(),
			"join_timeout":       c.Realtime.JoinTimeout.String(),
		},
		"queue": map[string]any{
			"interval":   c.Queue.Interval.String(),
			"burst":      c.Queue.Burst,
			"batch_size": c.Queue.BatchSize,
		},
		"daemon": map[string]any{
			"probe_addr":     c.Daemon.ProbeAddr,
			"probe_interval": c.Daemon.ProbeInterval.String(),
			"signals":        c.Daemon.Signals,
			"watch_session":  c.Daemon.WatchSession,
		},
		"notify": map[string]any{
			"enabled": c.Notify.Enabled,
			"addr":    c.Notify.Addr,
		},
		"log": map[string]any{
			"level":       c.Log.Level,
			"file":        c.Log.File,
			"max_size_mb": c.Log.MaxSizeMB,
			"max_backups": c.Log.MaxBackups,
			"json":        c.Log.JSON,
		},
	}
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg, err := decode(New(filepath.Join(os.TempDir(), "fiskalni-default-does-not-exist.toml")))
	if err != nil {
		panic(err)
	}
	return cfg
}
