package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"intraday-breakout-bot/internal/admission"
	"intraday-breakout-bot/internal/alerts"
	"intraday-breakout-bot/internal/config"
	"intraday-breakout-bot/internal/engine"
	"intraday-breakout-bot/internal/exec"
	"intraday-breakout-bot/internal/feed"
	"intraday-breakout-bot/internal/feed/ws"
	"intraday-breakout-bot/internal/gateway/paper"
	"intraday-breakout-bot/internal/gateway/rest"
	"intraday-breakout-bot/internal/market"
	"intraday-breakout-bot/internal/metrics"
	"intraday-breakout-bot/internal/state"
	"intraday-breakout-bot/internal/state/sqlite"
	"intraday-breakout-bot/internal/strategy"
	"intraday-breakout-bot/internal/timescale"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const snapshotInterval = 30 * time.Second

type App struct {
	cfg          *config.Config
	log          *zap.Logger
	store        state.Store
	closeStore   func() error
	closeBackend func() error
	admission    *admission.Controller
	executor     *exec.Executor
	engine       *engine.Engine
	feed         *feed.Feed
	metrics      *metrics.Metrics
	prom         *metrics.Prometheus
	alerts       *alerts.Telegram
	notifier     *alerts.Notifier
	timescale    *timescale.Writer
	settings     *strategy.Settings
	controls     *strategy.Controls
	ledger       *strategy.Ledger

	operatorWarned bool
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	store, err := OpenStateStore(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:        cfg,
		log:        log,
		store:      store,
		closeStore: store.Close,
		settings:   strategy.NewSettings(cfg.Sides),
		controls:   strategy.NewControls(cfg.Sides),
		ledger:     strategy.NewLedger(),
	}
	if err := a.init(ctx, store); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, store *sqlite.Store) error {
	cfg := a.cfg
	a.metrics = metrics.NewNoop()
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	}

	backend, closeBackend, err := OpenAdmission(ctx, cfg.Admission, store)
	if err != nil {
		return err
	}
	a.closeBackend = closeBackend
	a.admission = admission.NewController(backend, admission.Options{
		Prefix:   cfg.Admission.KeyPrefix,
		Location: cfg.Session.Location(),
	})

	a.executor = exec.New(a.gateway(), a.store, a.log, exec.Options{
		Attempts: cfg.Execution.Attempts,
		Backoff:  cfg.Execution.Backoff,
		Metrics:  a.metrics,
	})

	a.alerts = alerts.NewTelegram(cfg.Telegram, a.log)
	var notifier engine.Notifier
	if a.alerts.Enabled() {
		a.notifier = alerts.NewNotifier(a.alerts, 64, a.log)
		notifier = a.notifier
	}

	tsw, err := timescale.New(cfg.Timescale, a.log)
	if err != nil {
		return fmt.Errorf("timescale: %w", err)
	}
	a.timescale = tsw
	var journal engine.Journal
	if tsw != nil {
		journal = timescaleJournal{writer: tsw}
	}

	a.engine, err = engine.New(cfg.Universe, engine.Deps{
		Admission: a.admission,
		Orders:    a.executor,
		Settings:  a.settings,
		Controls:  a.controls,
		Ledger:    a.ledger,
		Store:     a.store,
		Journal:   journal,
		Notifier:  notifier,
		Metrics:   a.metrics,
		Log:       a.log,
	}, engine.OptionsFromConfig(cfg))
	if err != nil {
		return err
	}

	wsClient := ws.New(cfg.Feed.URL, cfg.Feed.ReconnectDelay, cfg.Feed.PingInterval, a.log)
	a.feed = feed.New(wsClient, a.engine.Tokens(), a.log)
	return nil
}

func (a *App) gateway() exec.Gateway {
	if a.cfg.Gateway.Mode == "rest" {
		return rest.New(a.cfg.Gateway.BaseURL, a.cfg.Gateway.Token, a.cfg.Gateway.Timeout, a.log)
	}
	a.log.Warn("paper gateway active, orders are simulated")
	return paper.New(a.log)
}

func (a *App) Run(ctx context.Context) error {
	defer func() { _ = a.close() }()

	restored, err := a.engine.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore engine state: %w", err)
	}
	a.log.Info("engine state restored", zap.Int("open_trades", restored))

	hour, minute, err := a.cfg.Session.SquareOffClock()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Run(gctx) })
	g.Go(func() error { return a.engine.RunSession(gctx, hour, minute) })
	g.Go(func() error { return a.feed.Run(gctx, a.submitTick) })
	g.Go(func() error { return a.snapshotLoop(gctx) })
	if a.prom != nil {
		g.Go(func() error { return a.serveMetrics(gctx) })
	}
	if a.notifier != nil {
		g.Go(func() error { return a.notifier.Run(gctx) })
	}
	a.timescale.Start(gctx)
	a.startOperator(gctx, g)

	err = g.Wait()
	if saveErr := a.engine.SaveSnapshot(context.WithoutCancel(ctx)); saveErr != nil {
		a.log.Warn("final snapshot failed", zap.Error(saveErr))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// submitTick feeds the engine. Mailbox drops are counted by the engine; ticks
// for tokens outside the universe are ignored.
func (a *App) submitTick(t market.Tick) {
	_ = a.engine.Submit(t)
}

func (a *App) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.engine.SaveSnapshot(ctx); err != nil {
				a.log.Warn("snapshot save failed", zap.Error(err))
			}
			frames, ticks := a.feed.Stats()
			snap := a.engine.Snapshot()
			a.log.Info("engine heartbeat",
				zap.Int64("frames", frames),
				zap.Int64("ticks", ticks),
				zap.Int("open_trades", len(snap.OpenTrades)),
				zap.String("realized", snap.TotalRealized.StringFixed(2)),
				zap.String("unrealized", snap.Unrealized.StringFixed(2)),
				zap.Uint64("ticks_dropped", snap.Dropped.Ticks),
			)
		}
	}
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("metrics server listening", zap.String("address", srv.Addr), zap.String("path", a.cfg.Metrics.Path))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

func (a *App) close() error {
	var errs []error
	if a.timescale != nil {
		errs = append(errs, a.timescale.Close())
	}
	if a.closeBackend != nil {
		errs = append(errs, a.closeBackend())
	}
	if a.closeStore != nil {
		errs = append(errs, a.closeStore())
		a.closeStore = nil
	}
	return errors.Join(errs...)
}
