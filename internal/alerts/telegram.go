package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"intraday-breakout-bot/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const telegramBaseURL = "https://api.telegram.org"

type Telegram struct {
	enabled bool
	token   string
	chatID  string
	client  *resty.Client
	log     *zap.Logger
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      *Chat  `json:"chat"`
	Text      string `json:"text"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type apiResponse struct {
	OK          bool     `json:"ok"`
	Description string   `json:"description"`
	Result      []Update `json:"result"`
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL)
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string) *Telegram {
	if log == nil {
		log = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		client:  client,
		log:     log,
	}
}

func (t *Telegram) Enabled() bool {
	return t != nil && t.enabled
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.Enabled() {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	var result apiResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"chat_id": t.chatID, "text": message}).
		SetResult(&result).
		Post(t.method("sendMessage"))
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode(), truncate(resp.String()))
	}
	if !result.OK {
		return fmt.Errorf("telegram send failed: %s", describe(result))
	}
	return nil
}

// GetUpdates long-polls for operator messages newer than offset.
func (t *Telegram) GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]Update, error) {
	if !t.Enabled() {
		return nil, errors.New("telegram disabled")
	}
	if t.token == "" {
		return nil, errors.New("telegram token is required")
	}
	seconds := int(wait / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	var result apiResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"offset":          offset,
			"timeout":         seconds,
			"allowed_updates": []string{"message"},
		}).
		SetResult(&result).
		Post(t.method("getUpdates"))
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("telegram getUpdates failed: http %d: %s", resp.StatusCode(), truncate(resp.String()))
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram getUpdates failed: %s", describe(result))
	}
	return result.Result, nil
}

func (t *Telegram) method(name string) string {
	return "/bot" + t.token + "/" + name
}

func describe(r apiResponse) string {
	desc := strings.TrimSpace(r.Description)
	if desc == "" {
		desc = "unknown telegram error"
	}
	return desc
}

func truncate(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 2048 {
		return body[:2048]
	}
	return body
}
