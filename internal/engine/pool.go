package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrQueueFull   = errors.New("engine: queue full")
	ErrQueueClosed = errors.New("engine: queue closed")
)

type job func(ctx context.Context)

// pool is a fixed set of workers draining a bounded queue. Submission never
// blocks.
type pool struct {
	name    string
	log     *zap.Logger
	workers int
	jobs    chan job
	closed  atomic.Bool
	wg      sync.WaitGroup
}

func newPool(name string, workers, capacity int, log *zap.Logger) *pool {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &pool{name: name, log: log, workers: workers, jobs: make(chan job, capacity)}
}

func (p *pool) trySubmit(j job) error {
	if p.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case p.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *pool) start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-p.jobs:
					p.runJob(ctx, j)
				}
			}
		}()
	}
}

func (p *pool) runJob(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pool job panicked", zap.String("pool", p.name), zap.Any("panic", r))
		}
	}()
	j(ctx)
}

func (p *pool) stop() {
	p.closed.Store(true)
	p.wg.Wait()
}
