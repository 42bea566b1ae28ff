// Package badgerstore keeps admission state in an embedded Badger database.
// Each operation is one serializable Badger transaction, retried on conflict.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"intraday-breakout-bot/internal/admission"

	badger "github.com/dgraph-io/badger/v4"
)

const maxConflictRetries = 100

// ErrLocked means another process holds the database directory. Badger allows
// a single opener per directory.
var ErrLocked = errors.New("badgerstore: database directory is in use by another process")

type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database at path. An empty path keeps
// everything in memory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(strings.TrimSpace(path)).WithLogger(nil)
	if strings.TrimSpace(path) == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		if strings.Contains(err.Error(), "Cannot acquire directory lock") {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Reserve(ctx context.Context, r admission.Reservation) (admission.Outcome, error) {
	var outcome admission.Outcome
	err := s.update(ctx, func(txn *badger.Txn) error {
		side, _, err := readCounter(txn, r.Keys.Side)
		if err != nil {
			return err
		}
		if side >= r.MaxPerSide {
			outcome = admission.OutcomeDeniedSideLimit
			return nil
		}
		if _, held, err := readString(txn, r.Keys.Lock); err != nil {
			return err
		} else if held {
			outcome = admission.OutcomeDeniedLocked
			return nil
		}
		symbol, _, err := readCounter(txn, r.Keys.Symbol)
		if err != nil {
			return err
		}
		if symbol >= r.MaxPerSymbol {
			outcome = admission.OutcomeDeniedSymbolLimit
			return nil
		}
		expiry := uint64(r.CounterExpiry.Unix())
		if err := writeCounter(txn, r.Keys.Side, side+1, expiry); err != nil {
			return err
		}
		if err := writeCounter(txn, r.Keys.Symbol, symbol+1, expiry); err != nil {
			return err
		}
		if err := txn.SetEntry(badger.NewEntry([]byte(r.Keys.Lock), []byte(r.Token)).WithTTL(r.LockTTL)); err != nil {
			return err
		}
		outcome = admission.OutcomeGranted
		return nil
	})
	if err != nil {
		return admission.OutcomeError, err
	}
	return outcome, nil
}

func (s *Store) Rollback(ctx context.Context, keys admission.Keys, token string) (bool, error) {
	var undone bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		undone = false
		holder, held, err := readString(txn, keys.Lock)
		if err != nil {
			return err
		}
		if !held || holder != token {
			return nil
		}
		for _, key := range []string{keys.Side, keys.Symbol} {
			if err := decrement(txn, key); err != nil {
				return err
			}
		}
		if err := txn.Delete([]byte(keys.Lock)); err != nil {
			return err
		}
		undone = true
		return nil
	})
	return undone, err
}

func (s *Store) Release(ctx context.Context, lockKey string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(lockKey))
	})
}

func (s *Store) Count(_ context.Context, key string) (int, error) {
	var n int
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		n, _, err = readCounter(txn, key)
		return err
	})
	return n, err
}

func (s *Store) Locked(_ context.Context, lockKey string) (bool, error) {
	var held bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		_, held, err = readString(txn, lockKey)
		return err
	})
	return held, err
}

func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if attempt >= maxConflictRetries {
			return err
		}
		time.Sleep(time.Duration(attempt%5+1) * 100 * time.Microsecond)
	}
}

func readString(txn *badger.Txn, key string) (string, bool, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	var out string
	err = item.Value(func(val []byte) error {
		out = string(val)
		return nil
	})
	return out, err == nil, err
}

// readCounter returns the counter value and its expiry (unix seconds).
func readCounter(txn *badger.Txn, key string) (int, uint64, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	var n int
	err = item.Value(func(val []byte) error {
		parsed, err := strconv.Atoi(string(val))
		n = parsed
		return err
	})
	return n, item.ExpiresAt(), err
}

func writeCounter(txn *badger.Txn, key string, n int, expiresAt uint64) error {
	e := badger.NewEntry([]byte(key), []byte(strconv.Itoa(n)))
	e.ExpiresAt = expiresAt
	return txn.SetEntry(e)
}

func decrement(txn *badger.Txn, key string) error {
	n, expiresAt, err := readCounter(txn, key)
	if err != nil || n <= 0 {
		return err
	}
	return writeCounter(txn, key, n-1, expiresAt)
}
