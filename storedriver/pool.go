package storedriver

import (
	"database/sql"
	"time"
)

// PoolConfig sizes a database/sql connection pool. The unified store is a
// single embedded file rather than a networked database, but the usual
// tuning knobs still apply to database/sql's own pool atop the SQLite
// driver.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig returns conservative defaults suitable for a
// single-writer embedded store; the migrator holds the unified target
// exclusively for the whole run.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
}

// Apply configures db's pool per cfg.
func (cfg PoolConfig) Apply(db *sql.DB) {
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
}
