package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "breakout_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
	}
	p.Metrics = &Metrics{
		TicksDropped:       p.counter("ticks_dropped_total", "Ticks dropped because an instrument mailbox was full."),
		CandlesClosed:      p.counter("candles_closed_total", "One-minute candles finalized."),
		AnalysisDropped:    p.counter("analysis_dropped_total", "Closed candles skipped because the analysis queue was full."),
		SignalsArmed:       p.counter("signals_armed_total", "Triggers armed after a qualifying candle."),
		AdmissionGranted:   p.counter("admission_granted_total", "Admission reservations granted."),
		AdmissionDenied:    p.counter("admission_denied_total", "Admission reservations denied by a limit or open lock."),
		AdmissionErrors:    p.counter("admission_errors_total", "Admission calls that failed against the store."),
		AdmissionRollbacks: p.counter("admission_rollbacks_total", "Admission reservations rolled back after an entry failure."),
		OrdersPlaced:       p.counter("orders_placed_total", "Total number of orders placed."),
		OrdersFailed:       p.counter("orders_failed_total", "Total number of order placement failures."),
		EntryFailed:        p.counter("entry_failed_total", "Total number of entry flow failures."),
		ExitsTriggered:     p.counter("exits_triggered_total", "Position exits triggered by target, stop, manual request or session end."),
		ExitFailed:         p.counter("exit_failed_total", "Total number of exit flow failures."),
	}
	return p
}

func (p *Prometheus) counter(name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return promCounter{c}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
