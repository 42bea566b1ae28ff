package alerts

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// Notifier queues messages for Telegram so trading goroutines never wait on
// the network. A full queue drops the message.
type Notifier struct {
	telegram *Telegram
	log      *zap.Logger
	queue    chan string
	dropped  atomic.Uint64
}

func NewNotifier(telegram *Telegram, size int, log *zap.Logger) *Notifier {
	if size <= 0 {
		size = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{telegram: telegram, log: log, queue: make(chan string, size)}
}

func (n *Notifier) Notify(text string) {
	if n == nil || !n.telegram.Enabled() {
		return
	}
	select {
	case n.queue <- text:
	default:
		if n.dropped.Add(1) == 1 {
			n.log.Warn("telegram notify queue full")
		}
	}
}

func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-n.queue:
			if err := n.telegram.Send(ctx, text); err != nil {
				n.log.Warn("telegram notify failed", zap.Error(err))
			}
		}
	}
}
