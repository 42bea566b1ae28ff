package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	TicksDropped       Counter
	CandlesClosed      Counter
	AnalysisDropped    Counter
	SignalsArmed       Counter
	AdmissionGranted   Counter
	AdmissionDenied    Counter
	AdmissionErrors    Counter
	AdmissionRollbacks Counter
	OrdersPlaced       Counter
	OrdersFailed       Counter
	EntryFailed        Counter
	ExitsTriggered     Counter
	ExitFailed         Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		TicksDropped:       n,
		CandlesClosed:      n,
		AnalysisDropped:    n,
		SignalsArmed:       n,
		AdmissionGranted:   n,
		AdmissionDenied:    n,
		AdmissionErrors:    n,
		AdmissionRollbacks: n,
		OrdersPlaced:       n,
		OrdersFailed:       n,
		EntryFailed:        n,
		ExitsTriggered:     n,
		ExitFailed:         n,
	}
}
