package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"intraday-breakout-bot/internal/admission"
)

// The admission methods make Store an admission.Backend. Each call holds one
// connection inside BEGIN IMMEDIATE, which takes the database write lock up
// front, so processes sharing the file serialize their check-and-reserve.

type admissionRow struct {
	count     int
	token     string
	expiresAt int64
}

func (s *Store) Reserve(ctx context.Context, r admission.Reservation) (admission.Outcome, error) {
	var outcome admission.Outcome
	err := s.immediate(ctx, func(conn *sql.Conn, nowMS int64) error {
		if _, err := conn.ExecContext(ctx, `DELETE FROM admission WHERE expires_at_ms <= ?`, nowMS); err != nil {
			return err
		}
		side, _, err := readRow(ctx, conn, r.Keys.Side, nowMS)
		if err != nil {
			return err
		}
		if side.count >= r.MaxPerSide {
			outcome = admission.OutcomeDeniedSideLimit
			return nil
		}
		_, held, err := readRow(ctx, conn, r.Keys.Lock, nowMS)
		if err != nil {
			return err
		}
		if held {
			outcome = admission.OutcomeDeniedLocked
			return nil
		}
		symbol, _, err := readRow(ctx, conn, r.Keys.Symbol, nowMS)
		if err != nil {
			return err
		}
		if symbol.count >= r.MaxPerSymbol {
			outcome = admission.OutcomeDeniedSymbolLimit
			return nil
		}
		expiry := r.CounterExpiry.UnixMilli()
		if err := writeRow(ctx, conn, r.Keys.Side, admissionRow{count: side.count + 1, expiresAt: expiry}); err != nil {
			return err
		}
		if err := writeRow(ctx, conn, r.Keys.Symbol, admissionRow{count: symbol.count + 1, expiresAt: expiry}); err != nil {
			return err
		}
		lock := admissionRow{token: r.Token, expiresAt: nowMS + r.LockTTL.Milliseconds()}
		if err := writeRow(ctx, conn, r.Keys.Lock, lock); err != nil {
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
	err := s.immediate(ctx, func(conn *sql.Conn, nowMS int64) error {
		lock, held, err := readRow(ctx, conn, keys.Lock, nowMS)
		if err != nil {
			return err
		}
		if !held || lock.token != token {
			return nil
		}
		for _, key := range []string{keys.Side, keys.Symbol} {
			if _, err := conn.ExecContext(ctx,
				`UPDATE admission SET count = count - 1 WHERE key = ? AND count > 0 AND expires_at_ms > ?`, key, nowMS); err != nil {
				return err
			}
		}
		if _, err := conn.ExecContext(ctx, `DELETE FROM admission WHERE key = ?`, keys.Lock); err != nil {
			return err
		}
		undone = true
		return nil
	})
	return undone, err
}

func (s *Store) Release(ctx context.Context, lockKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM admission WHERE key = ?`, lockKey)
	return err
}

func (s *Store) Count(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM admission WHERE key = ? AND expires_at_ms > ?`, key, s.now().UnixMilli()).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *Store) Locked(ctx context.Context, lockKey string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM admission WHERE key = ? AND expires_at_ms > ?`, lockKey, s.now().UnixMilli()).Scan(&n)
	return n > 0, err
}

func (s *Store) immediate(ctx context.Context, fn func(conn *sql.Conn, nowMS int64) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(conn, s.now().UnixMilli()); err != nil {
		_, _ = conn.ExecContext(context.Background(), `ROLLBACK`)
		return err
	}
	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		_, _ = conn.ExecContext(context.Background(), `ROLLBACK`)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func readRow(ctx context.Context, conn *sql.Conn, key string, nowMS int64) (admissionRow, bool, error) {
	var row admissionRow
	err := conn.QueryRowContext(ctx,
		`SELECT count, token, expires_at_ms FROM admission WHERE key = ? AND expires_at_ms > ?`, key, nowMS,
	).Scan(&row.count, &row.token, &row.expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return admissionRow{}, false, nil
	}
	if err != nil {
		return admissionRow{}, false, err
	}
	return row, true, nil
}

func writeRow(ctx context.Context, conn *sql.Conn, key string, row admissionRow) error {
	_, err := conn.ExecContext(ctx, `INSERT INTO admission (key, count, token, expires_at_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET count = excluded.count, token = excluded.token, expires_at_ms = excluded.expires_at_ms`,
		key, row.count, row.token, row.expiresAt)
	return err
}
