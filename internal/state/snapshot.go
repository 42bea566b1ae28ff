package state

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

const EngineSnapshotKey = "engine:last_snapshot"

// SaveEngineSnapshot stores the latest emitted engine state as JSON so an
// external dashboard can read it without talking to the process.
func SaveEngineSnapshot(ctx context.Context, store Store, snapshot any) error {
	return saveJSON(ctx, store, EngineSnapshotKey, snapshot)
}

func LoadEngineSnapshot(ctx context.Context, store Store, out any) (bool, error) {
	return loadJSON(ctx, store, EngineSnapshotKey, out)
}

func saveJSON(ctx context.Context, store Store, key string, v any) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(payload))
}

func loadJSON(ctx context.Context, store Store, key string, out any) (bool, error) {
	if store == nil {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
