package backends

import (
	"database/sql"
	"time"
)

// SchemaVersion is the version recorded after a successful migration.
const SchemaVersion = 1

// Status is a point-in-time health report of a backend.
type Status struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Version string        `json:"version"`
	Error   string        `json:"error,omitempty"`

	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
	Idle            int           `json:"idle"`
	WaitCount       int64         `json:"wait_count"`
	WaitDuration    time.Duration `json:"wait_duration"`
	MaxOpenConns    int           `json:"max_open_conns"`
}

func statusFromStats(db *sql.DB, version string, latency time.Duration) Status {
	stats := db.Stats()
	return Status{
		Healthy:         true,
		Latency:         latency,
		Version:         version,
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
		WaitDuration:    stats.WaitDuration,
		MaxOpenConns:    stats.MaxOpenConnections,
	}
}
