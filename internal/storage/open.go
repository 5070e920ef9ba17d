package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "fanout/pkg/logx"
)

// Store is the minimal persistence API used by the engine and stats.
type Store interface {
	AppendDelivery(ctx context.Context, e DeliveryEntry) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	LoadDedup(ctx context.Context) (map[string]time.Time, error)

	// SaveStats/LoadStats persist an opaque JSON snapshot of lifetime counters.
	SaveStats(ctx context.Context, snapshot []byte) error
	LoadStats(ctx context.Context) ([]byte, bool, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
