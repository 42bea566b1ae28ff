package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"intraday-breakout-bot/internal/metrics"
	"intraday-breakout-bot/internal/state"
	"intraday-breakout-bot/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrInvalidOrder = errors.New("invalid order")

// Order is a market order. Gateways treat it as all-or-nothing.
type Order struct {
	Token         string
	Symbol        string
	Direction     strategy.Direction
	Quantity      int
	ClientOrderID string
}

type Gateway interface {
	PlaceOrder(ctx context.Context, order Order) (string, error)
}

type Options struct {
	// Attempts is the number of placement tries. One means no inline retry.
	Attempts int
	Backoff  time.Duration
	Metrics  *metrics.Metrics
}

// Executor assigns client order ids and remembers the broker id for each so a
// placement replayed after a restart is not submitted twice.
type Executor struct {
	gateway  Gateway
	store    state.Store
	log      *zap.Logger
	metrics  *metrics.Metrics
	attempts int
	backoff  time.Duration

	mu    sync.Mutex
	cache map[string]string
}

func New(gateway Gateway, store state.Store, log *zap.Logger, opts Options) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	return &Executor{
		gateway:  gateway,
		store:    store,
		log:      log,
		metrics:  opts.Metrics,
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
		cache:    make(map[string]string),
	}
}

func NewClientOrderID() string {
	return uuid.NewString()
}

func (e *Executor) PlaceOrder(ctx context.Context, order Order) (string, error) {
	order.Symbol = strings.ToUpper(strings.TrimSpace(order.Symbol))
	if order.Symbol == "" || order.Quantity < 1 || (order.Direction != strategy.Buy && order.Direction != strategy.Sell) {
		return "", fmt.Errorf("%w: %+v", ErrInvalidOrder, order)
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = NewClientOrderID()
	}
	cacheKey := "cloid:" + order.ClientOrderID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return oid, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if oid, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = oid
			e.mu.Unlock()
			return oid, nil
		}
	}
	orderID, err := e.placeWithRetry(ctx, order)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return "", err
	}
	e.metrics.OrdersPlaced.Inc()
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, orderID); err != nil {
			e.log.Warn("failed to persist order id", zap.String("client_order_id", order.ClientOrderID), zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = orderID
	e.mu.Unlock()
	return orderID, nil
}

func (e *Executor) placeWithRetry(ctx context.Context, order Order) (string, error) {
	var orderID string
	err := e.retry(ctx, func() error {
		var err error
		orderID, err = e.gateway.PlaceOrder(ctx, order)
		return err
	})
	if err != nil {
		return "", err
	}
	if orderID == "" {
		return "", errors.New("empty order id")
	}
	return orderID, nil
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.backoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= e.attempts {
			if e.attempts == 1 {
				return err
			}
			return fmt.Errorf("retry failed after %d attempts: %w", attempt, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}
