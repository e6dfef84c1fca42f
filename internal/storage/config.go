package storage

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"

	"github.com/roach88/tangle/internal/backend"
	"github.com/roach88/tangle/internal/ident"
)

// Config describes how a Storage connects and behaves.
type Config struct {
	// Dialect is "sqlite3" (default) or "duckdb".
	Dialect string `yaml:"dialect"`

	// DSN is the database location.
	DSN string `yaml:"dsn"`

	// User and Password are accepted for drivers that authenticate. The
	// embedded drivers ignore them.
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// Options are extra driver parameters appended to the DSN.
	Options map[string]string `yaml:"options"`

	// Retention is "weak" (default) or "strong".
	Retention string `yaml:"retention"`

	// Deploy creates missing tables on connect.
	Deploy bool `yaml:"deploy"`

	// Serialize forces the lock-based transaction mode even when the
	// backend supports transactions.
	Serialize bool `yaml:"serialize"`

	MaxOpenConns   int           `yaml:"max_open_conns"`
	ConnectRetries uint64        `yaml:"connect_retries"`
	RetryBase      time.Duration `yaml:"retry_base"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if _, err := ident.ParseRetention(cfg.Retention); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) backend() backend.Config {
	return backend.Config{
		Dialect:        c.Dialect,
		DSN:            c.DSN,
		Options:        c.Options,
		MaxOpenConns:   c.MaxOpenConns,
		ConnectRetries: c.ConnectRetries,
		RetryBase:      c.RetryBase,
	}
}

type options struct {
	logger     *slog.Logger
	lock       *semaphore.Weighted
	serialLock bool
}

// Option configures Connect.
type Option func(*options)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithSerialLock makes the session serialize transactions on lock instead of
// using backend transactions. Sessions sharing a lock exclude each other.
func WithSerialLock(lock *semaphore.Weighted) Option {
	return func(o *options) {
		o.lock = lock
		o.serialLock = true
	}
}
