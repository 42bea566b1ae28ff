// Package redisstore shares admission state between processes and hosts
// through Redis. Every check-and-mutate runs inside one Lua script.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"intraday-breakout-bot/internal/admission"

	"github.com/redis/go-redis/v9"
)

var reserveScript = redis.NewScript(`
local side = tonumber(redis.call('GET', KEYS[1]) or '0')
if side >= tonumber(ARGV[1]) then return 'MAX_TRADES_SIDE' end
if redis.call('EXISTS', KEYS[3]) == 1 then return 'LOCKED' end
local symbol = tonumber(redis.call('GET', KEYS[2]) or '0')
if symbol >= tonumber(ARGV[2]) then return 'MAX_TRADES_SYMBOL' end
redis.call('INCR', KEYS[1])
redis.call('EXPIREAT', KEYS[1], ARGV[4])
redis.call('INCR', KEYS[2])
redis.call('EXPIREAT', KEYS[2], ARGV[4])
redis.call('SET', KEYS[3], ARGV[5], 'PX', ARGV[3])
return 'OK'
`)

var rollbackScript = redis.NewScript(`
if redis.call('GET', KEYS[3]) ~= ARGV[1] then return 0 end
for i = 1, 2 do
  local n = tonumber(redis.call('GET', KEYS[i]) or '0')
  if n > 0 then redis.call('DECR', KEYS[i]) end
end
redis.call('DEL', KEYS[3])
return 1
`)

type Store struct {
	client *redis.Client
}

// New connects to url (redis:// or rediss://) and verifies the connection.
func New(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{client: client}, nil
}

func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Reserve(ctx context.Context, r admission.Reservation) (admission.Outcome, error) {
	keys := []string{r.Keys.Side, r.Keys.Symbol, r.Keys.Lock}
	reply, err := reserveScript.Run(ctx, s.client, keys,
		r.MaxPerSide,
		r.MaxPerSymbol,
		r.LockTTL.Milliseconds(),
		r.CounterExpiry.Unix(),
		r.Token,
	).Text()
	if err != nil {
		return admission.OutcomeError, err
	}
	switch outcome := admission.Outcome(reply); outcome {
	case admission.OutcomeGranted, admission.OutcomeDeniedSideLimit, admission.OutcomeDeniedSymbolLimit, admission.OutcomeDeniedLocked:
		return outcome, nil
	default:
		return admission.OutcomeError, fmt.Errorf("unexpected reserve reply %q", reply)
	}
}

func (s *Store) Rollback(ctx context.Context, keys admission.Keys, token string) (bool, error) {
	n, err := rollbackScript.Run(ctx, s.client, []string{keys.Side, keys.Symbol, keys.Lock}, token).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Release(ctx context.Context, lockKey string) error {
	return s.client.Del(ctx, lockKey).Err()
}

func (s *Store) Count(ctx context.Context, key string) (int, error) {
	n, err := s.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *Store) Locked(ctx context.Context, lockKey string) (bool, error) {
	n, err := s.client.Exists(ctx, lockKey).Result()
	return n == 1, err
}

func (s *Store) Close() error {
	return s.client.Close()
}
