// Package config loads nest settings.
//
// Sources, lowest precedence first: built-in defaults, the YAML config
// file, a .env file in the working directory, NEST_* environment variables,
// and command-line flags bound by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tasknest/tasknest/internal/cache"
	"github.com/tasknest/tasknest/internal/logging"
	"github.com/tasknest/tasknest/internal/session"
)

// EnvPrefix is prepended to every environment variable, e.g. NEST_REMOTE_URL.
const EnvPrefix = "NEST"

// Cache backends.
const (
	CacheFile   = cache.BackendFile
	CacheSQLite = cache.BackendSQLite
	CacheRedis  = cache.BackendRedis
	CacheMemory = cache.BackendMemory
)

// Config is the resolved configuration.
type Config struct {
	Cache  CacheConfig
	Remote RemoteConfig
	Sync   SyncConfig
	Log    logging.Config
	Serve  ServeConfig

	// File is the config file that was read, if any.
	File string
}

// CacheConfig selects where the local copy of the task list lives.
type CacheConfig struct {
	Backend     string
	Dir         string
	RedisAddr   string
	RedisPrefix string
}

// RemoteConfig points at a hub. An empty URL means local-only.
type RemoteConfig struct {
	URL     string
	Timeout time.Duration
}

// SyncConfig tunes the sync core.
type SyncConfig struct {
	ConflictTolerance time.Duration
	UndoWindow        time.Duration
}

// ServeConfig configures `nest serve`.
type ServeConfig struct {
	Addr          string
	DB            string
	Retention     time.Duration
	SweepInterval time.Duration
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("cache.backend", CacheFile)
	v.SetDefault("cache.dir", DefaultDataDir())
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_prefix", "nest:")

	v.SetDefault("remote.url", "")
	v.SetDefault("remote.timeout", 10*time.Second)

	v.SetDefault("sync.conflict_tolerance", 5*time.Second)
	v.SetDefault("sync.undo_window", 5*time.Second)

	v.SetDefault("log.level", "warn")
	v.SetDefault("log.file", "")
	v.SetDefault("log.json", false)

	v.SetDefault("serve.addr", ":8080")
	v.SetDefault("serve.db", "hub.db")
	v.SetDefault("serve.retention", 720*time.Hour)
	v.SetDefault("serve.sweep_interval", time.Hour)
}

// Load reads configuration into v and resolves it. configFile may be empty,
// in which case config.yaml is looked up in DefaultConfigDir and may be
// missing.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultConfigDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Cache: CacheConfig{
			Backend:     strings.ToLower(v.GetString("cache.backend")),
			Dir:         expandHome(v.GetString("cache.dir")),
			RedisAddr:   v.GetString("cache.redis_addr"),
			RedisPrefix: v.GetString("cache.redis_prefix"),
		},
		Remote: RemoteConfig{
			URL:     v.GetString("remote.url"),
			Timeout: v.GetDuration("remote.timeout"),
		},
		Sync: SyncConfig{
			ConflictTolerance: v.GetDuration("sync.conflict_tolerance"),
			UndoWindow:        v.GetDuration("sync.undo_window"),
		},
		Log: logging.DefaultConfig(),
		Serve: ServeConfig{
			Addr:          v.GetString("serve.addr"),
			DB:            expandHome(v.GetString("serve.db")),
			Retention:     v.GetDuration("serve.retention"),
			SweepInterval: v.GetDuration("serve.sweep_interval"),
		},
		File: v.ConfigFileUsed(),
	}
	cfg.Log.Level = v.GetString("log.level")
	cfg.Log.File = expandHome(v.GetString("log.file"))
	cfg.Log.JSON = v.GetBool("log.json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the rest of the program cannot work with.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case CacheFile, CacheSQLite, CacheRedis, CacheMemory:
	default:
		return fmt.Errorf("invalid cache.backend %q (want file, sqlite, redis or memory)", c.Cache.Backend)
	}
	if c.Cache.Dir == "" && (c.Cache.Backend == CacheFile || c.Cache.Backend == CacheSQLite) {
		return fmt.Errorf("cache.dir is required for the %s cache", c.Cache.Backend)
	}
	if c.Sync.ConflictTolerance < 0 {
		return fmt.Errorf("sync.conflict_tolerance must not be negative (got %s)", c.Sync.ConflictTolerance)
	}
	if c.Sync.UndoWindow <= 0 {
		return fmt.Errorf("sync.undo_window must be positive (got %s)", c.Sync.UndoWindow)
	}
	if c.Serve.Retention <= 0 {
		return fmt.Errorf("serve.retention must be positive (got %s)", c.Serve.Retention)
	}
	if c.Serve.SweepInterval <= 0 {
		return fmt.Errorf("serve.sweep_interval must be positive (got %s)", c.Serve.SweepInterval)
	}
	return nil
}

// CacheOptions converts the cache settings for cache.Open.
func (c *Config) CacheOptions() cache.Config {
	return cache.Config{
		Backend:     c.Cache.Backend,
		Dir:         c.Cache.Dir,
		RedisAddr:   c.Cache.RedisAddr,
		RedisPrefix: c.Cache.RedisPrefix,
	}
}

// SessionPath is where the signed-in user is remembered.
func (c *Config) SessionPath() string {
	return filepath.Join(c.Cache.Dir, session.FileName)
}

// DefaultConfigDir returns $XDG_CONFIG_HOME/tasknest.
func DefaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "tasknest")
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tasknest")
	}
	return ".tasknest"
}

// DefaultDataDir returns $XDG_DATA_HOME/tasknest.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "tasknest")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "tasknest")
	}
	return ".tasknest"
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
