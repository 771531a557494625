package store

import (
	"fmt"
	"time"

	"github.com/sploots-ai/sploots/proxy/internal/config"
)

// New creates a Store based on the configured storage driver.
func New(cfg config.StorageConfig, ttl time.Duration) (Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return NewPostgres(cfg.DSN, ttl)
	case config.DriverSQLite:
		return NewSQLite(cfg.DSN, ttl)
	case config.DriverRedis:
		return NewRedis(cfg.DSN, ttl)
	case config.DriverMemory, "":
		return NewMemory(ttl), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}
