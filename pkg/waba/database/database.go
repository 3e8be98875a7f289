// Package database selects and opens the storage engine that backs the
// conversation store. SQLite is the default and needs no configuration;
// PostgreSQL is available for deployments that already run one.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jchavesmartinez/waba/pkg/waba/database/backends"
)

// BackendType identifies the type of database backend.
type BackendType string

const (
	BackendSQLite     BackendType = "sqlite"
	BackendPostgreSQL BackendType = "postgresql"
)

// Config selects the engine and carries per-engine settings.
type Config struct {
	// Backend is the engine type (default: "sqlite").
	Backend BackendType `yaml:"backend" env:"WABA_DB_BACKEND"`

	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	// Path to the database file (default: "data.db").
	Path string `yaml:"path" env:"DB_PATH"`

	// Journal mode (default: WAL)
	JournalMode string `yaml:"journal_mode"`

	// Busy timeout in milliseconds (default: 5000)
	BusyTimeout int `yaml:"busy_timeout"`
}

// PostgreSQLConfig holds PostgreSQL configuration.
type PostgreSQLConfig struct {
	// DSN overrides the discrete connection fields when set.
	DSN string `yaml:"dsn" env:"DATABASE_URL"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultConfig returns a SQLite configuration matching the legacy
// single-file deployment.
func DefaultConfig() Config {
	return Config{
		Backend: BackendSQLite,
		SQLite: SQLiteConfig{
			Path:        "data.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
	}
}

// Effective returns a copy with defaults applied for zero fields.
func (c Config) Effective() Config {
	out := c
	def := DefaultConfig()
	if out.Backend == "" {
		out.Backend = def.Backend
	}
	if out.SQLite.Path == "" {
		out.SQLite.Path = def.SQLite.Path
	}
	if out.SQLite.JournalMode == "" {
		out.SQLite.JournalMode = def.SQLite.JournalMode
	}
	if out.SQLite.BusyTimeout == 0 {
		out.SQLite.BusyTimeout = def.SQLite.BusyTimeout
	}
	return out
}

// Migrator applies the schema.
type Migrator interface {
	CurrentVersion(ctx context.Context) (int, error)
	Migrate(ctx context.Context) error
	NeedsMigration(ctx context.Context) (bool, error)
}

// HealthChecker reports backend health.
type HealthChecker interface {
	Ping(ctx context.Context) error
	Status(ctx context.Context) backends.Status
}

// Backend is an open database with its engine-specific helpers.
type Backend struct {
	// Type indicates the database type
	Type BackendType

	// DB is the underlying connection pool
	DB *sql.DB

	// Migrator handles schema migrations
	Migrator Migrator

	// Health monitors database health
	Health HealthChecker
}

// Open creates the configured backend. The caller owns Close.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()

	switch cfg.Backend {
	case BackendSQLite:
		b, err := backends.OpenSQLite(ctx, backends.SQLiteConfig{
			Path:        cfg.SQLite.Path,
			JournalMode: cfg.SQLite.JournalMode,
			BusyTimeout: cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("database opened", "backend", cfg.Backend, "path", cfg.SQLite.Path)
		return &Backend{Type: BackendSQLite, DB: b.DB, Migrator: b.Migrator, Health: b.Health}, nil

	case BackendPostgreSQL:
		pg := cfg.PostgreSQL
		b, err := backends.OpenPostgreSQL(ctx, backends.PostgreSQLConfig{
			DSN:             pg.DSN,
			Host:            pg.Host,
			Port:            pg.Port,
			Database:        pg.Database,
			User:            pg.User,
			Password:        pg.Password,
			SSLMode:         pg.SSLMode,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &Backend{Type: BackendPostgreSQL, DB: b.DB, Migrator: b.Migrator, Health: b.Health}, nil

	default:
		return nil, fmt.Errorf("unsupported backend type: %s", cfg.Backend)
	}
}

// Close closes the connection pool.
func (b *Backend) Close() error {
	return b.DB.Close()
}

// Rebind rewrites '?' placeholders into the engine's native form.
func (b *Backend) Rebind(query string) string {
	return Rebind(b.Type, query)
}

// Rebind rewrites '?' placeholders into "$1, $2..." for PostgreSQL and
// returns the query unchanged for SQLite. Queries must not contain literal
// question marks.
func Rebind(t BackendType, query string) string {
	if t != BackendPostgreSQL {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}
