package storage

import "time"

// PostgresConfig carries the connection string and pool tuning for the
// Postgres-backed repository.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	MaxAttempts         int
}

func (cfg PostgresConfig) maxAttempts() int {
	if cfg.MaxAttempts > 0 {
		return cfg.MaxAttempts
	}
	return DefaultMaxAttempts
}
