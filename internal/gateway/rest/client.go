// Package rest submits market orders to the broker bridge over HTTP.
package rest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"intraday-breakout-bot/internal/exec"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type Client struct {
	http *resty.Client
	log  *zap.Logger
}

type orderRequest struct {
	Symbol        string `json:"symbol"`
	Token         string `json:"token,omitempty"`
	Side          string `json:"side"`
	Quantity      int    `json:"quantity"`
	OrderType     string `json:"order_type"`
	ClientOrderID string `json:"client_order_id"`
}

type orderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func New(baseURL, token string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Client{http: client, log: log}
}

func (c *Client) PlaceOrder(ctx context.Context, order exec.Order) (string, error) {
	var out orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", order.ClientOrderID).
		SetBody(orderRequest{
			Symbol:        order.Symbol,
			Token:         order.Token,
			Side:          string(order.Direction),
			Quantity:      order.Quantity,
			OrderType:     "MARKET",
			ClientOrderID: order.ClientOrderID,
		}).
		SetResult(&out).
		Post("/orders")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		body := resp.String()
		if len(body) > 2048 {
			body = body[:2048]
		}
		return "", fmt.Errorf("http %d: %s", resp.StatusCode(), body)
	}
	if strings.EqualFold(out.Status, "rejected") {
		return "", fmt.Errorf("order rejected: %s", out.Message)
	}
	if out.OrderID == "" {
		return "", errors.New("order response missing order_id")
	}
	c.log.Info("order accepted",
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Direction)),
		zap.Int("quantity", order.Quantity),
		zap.String("order_id", out.OrderID),
	)
	return out.OrderID, nil
}
