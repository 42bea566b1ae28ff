// Package paper fills every order locally. It backs dry runs and tests.
package paper

import (
	"context"
	"errors"
	"sync"

	"intraday-breakout-bot/internal/exec"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrInjected = errors.New("paper: injected failure")

type Gateway struct {
	log *zap.Logger

	mu       sync.Mutex
	orders   []exec.Order
	failNext int
	failAll  bool
}

func New(log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{log: log}
}

func (g *Gateway) PlaceOrder(ctx context.Context, order exec.Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failAll {
		return "", ErrInjected
	}
	if g.failNext > 0 {
		g.failNext--
		return "", ErrInjected
	}
	g.orders = append(g.orders, order)
	id := "paper-" + uuid.NewString()
	g.log.Info("paper fill",
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Direction)),
		zap.Int("quantity", order.Quantity),
		zap.String("order_id", id),
	)
	return id, nil
}

// FailNext makes the next n orders fail.
func (g *Gateway) FailNext(n int) {
	g.mu.Lock()
	g.failNext = n
	g.mu.Unlock()
}

func (g *Gateway) SetFailing(fail bool) {
	g.mu.Lock()
	g.failAll = fail
	g.mu.Unlock()
}

func (g *Gateway) Orders() []exec.Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]exec.Order(nil), g.orders...)
}
