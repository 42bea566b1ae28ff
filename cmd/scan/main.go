// Command scan prints the configured universe ordered by volume SMA together
// with today's admission counters, so an operator can check the watch list
// and remaining trade budget before the session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"intraday-breakout-bot/internal/admission"
	"intraday-breakout-bot/internal/admission/badgerstore"
	"intraday-breakout-bot/internal/app"
	"intraday-breakout-bot/internal/config"
	"intraday-breakout-bot/internal/logging"
	"intraday-breakout-bot/internal/state/sqlite"
	"intraday-breakout-bot/internal/strategy"

	"go.uber.org/zap"
)

const scanTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	minSMA := flag.Float64("min-sma", 0, "skip instruments whose volume SMA is below this value")
	side := flag.String("side", "bull", "side whose daily counter is shown")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	sideKey, ok := strategy.ParseSide(*side)
	if !ok {
		fatal(fmt.Errorf("unknown side %q", *side))
	}
	log := logging.New(config.LoggingConfig{Level: "warn"})
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	var store *sqlite.Store
	if cfg.Admission.Backend == "sqlite" {
		store, err = app.OpenStateStore(cfg.State.SQLitePath)
		if err != nil {
			fatal(err)
		}
		defer store.Close()
	}
	backend, closeBackend, err := app.OpenAdmission(ctx, cfg.Admission, store)
	if errors.Is(err, badgerstore.ErrLocked) {
		fatal(fmt.Errorf("%w\nthe bot holds %s while it runs; scan before the session or use the sqlite or redis admission backend", err, cfg.Admission.BadgerPath))
	}
	if err != nil {
		fatal(err)
	}
	defer func() { _ = closeBackend() }()
	ctrl := admission.NewController(backend, admission.Options{
		Prefix:   cfg.Admission.KeyPrefix,
		Location: cfg.Session.Location(),
	})

	universe := make([]config.InstrumentConfig, 0, len(cfg.Universe))
	for _, ic := range cfg.Universe {
		if ic.VolumeSMA >= *minSMA {
			universe = append(universe, ic)
		}
	}
	sort.SliceStable(universe, func(i, j int) bool {
		return universe[i].VolumeSMA > universe[j].VolumeSMA
	})

	limit := 0
	if sc, ok := cfg.Sides.ByKey(sideKey.Key()); ok {
		limit = sc.DailyTradeLimit
	}
	sideUsage, err := ctrl.Usage(ctx, sideKey.Key(), "")
	if err != nil {
		log.Warn("admission usage unavailable", zap.Error(err))
	}
	fmt.Printf("day %s side %s: %d/%d trades\n\n", sideUsage.Day, sideKey.Key(), sideUsage.SideCount, limit)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tTOKEN\tSMA\tPDH\tPDL\tTRADES\tLOCKED")
	for _, ic := range universe {
		usage, err := ctrl.Usage(ctx, "", ic.Symbol)
		trades, locked := fmt.Sprintf("%d/%d", usage.SymbolCount, cfg.Admission.MaxTradesPerSymbol), fmt.Sprint(usage.Locked)
		if err != nil {
			trades, locked = "?", "?"
		}
		fmt.Fprintf(w, "%s\t%s\t%.0f\t%.2f\t%.2f\t%s\t%s\n",
			ic.Symbol, ic.Token, ic.VolumeSMA, ic.PrevHigh, ic.PrevLow, trades, locked)
	}
	_ = w.Flush()
	if skipped := len(cfg.Universe) - len(universe); skipped > 0 {
		fmt.Printf("\n%d instrument(s) below min-sma %s\n", skipped, strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", *minSMA), "0"), "."))
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
