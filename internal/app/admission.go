package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"intraday-breakout-bot/internal/admission"
	"intraday-breakout-bot/internal/admission/badgerstore"
	"intraday-breakout-bot/internal/admission/redisstore"
	"intraday-breakout-bot/internal/config"
	"intraday-breakout-bot/internal/state/sqlite"
)

// OpenAdmission returns the configured admission backend. The sqlite backend
// shares the state store; closing it stays with the store's owner, so the
// returned closer is a no-op in that case.
func OpenAdmission(ctx context.Context, cfg config.AdmissionConfig, store *sqlite.Store) (admission.Backend, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "memory":
		return admission.NewMemory(time.Now), noop, nil
	case "sqlite":
		if store == nil {
			return nil, nil, fmt.Errorf("admission backend sqlite requires the state store")
		}
		return store, noop, nil
	case "badger":
		if err := os.MkdirAll(cfg.BadgerPath, 0o755); err != nil {
			return nil, nil, err
		}
		db, err := badgerstore.Open(cfg.BadgerPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger admission store: %w", err)
		}
		return db, db.Close, nil
	case "redis":
		rs, err := redisstore.New(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis admission store: %w", err)
		}
		return rs, rs.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown admission backend %q", cfg.Backend)
}

// OpenStateStore creates the sqlite state database, making its directory
// first.
func OpenStateStore(path string) (*sqlite.Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	return sqlite.New(path)
}
