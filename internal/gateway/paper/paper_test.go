package paper

import (
	"context"
	"errors"
	"strings"
	"testing"

	"intraday-breakout-bot/internal/exec"
	"intraday-breakout-bot/internal/strategy"
)

func TestPaperFillsAndRecords(t *testing.T) {
	g := New(nil)
	id, err := g.PlaceOrder(context.Background(), exec.Order{Symbol: "ACME", Direction: strategy.Buy, Quantity: 3})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if !strings.HasPrefix(id, "paper-") {
		t.Fatalf("unexpected id %q", id)
	}
	if orders := g.Orders(); len(orders) != 1 || orders[0].Quantity != 3 {
		t.Fatalf("unexpected orders %+v", orders)
	}
}

func TestPaperFailureInjection(t *testing.T) {
	g := New(nil)
	g.FailNext(1)
	order := exec.Order{Symbol: "ACME", Direction: strategy.Sell, Quantity: 1}
	if _, err := g.PlaceOrder(context.Background(), order); !errors.Is(err, ErrInjected) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if _, err := g.PlaceOrder(context.Background(), order); err != nil {
		t.Fatalf("expected second order to fill, got %v", err)
	}
	g.SetFailing(true)
	if _, err := g.PlaceOrder(context.Background(), order); err == nil {
		t.Fatalf("expected failure while failing")
	}
	if len(g.Orders()) != 1 {
		t.Fatalf("expected one recorded order")
	}
}
