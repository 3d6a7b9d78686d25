package dialog

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeOK          = "ok"
	outcomeIntercepted = "intercepted"
	outcomeFallback    = "fallback"
	outcomeError       = "error"

	// unsupportedMethod replaces the method label when no handler matched,
	// since the method name then comes straight from the caller.
	unsupportedMethod = "unsupported"
)

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialog_intent_dispatch_total",
		Help: "Intent dispatches by dialog, state, executed method and outcome",
	}, []string{"dialog", "state", "method", "outcome"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dialog_intent_dispatch_duration_seconds",
		Help:    "Duration of intent dispatch including hooks",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"dialog", "outcome"})

	transitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialog_state_transitions_total",
		Help: "State transitions by dialog, source and target state",
	}, []string{"dialog", "from_state", "to_state"})
)

// MetricsObserver records Prometheus metrics for one dialog.
type MetricsObserver struct {
	dialog string
}

// NewMetricsObserver creates an observer labelled with the dialog name.
func NewMetricsObserver(dialogName string) *MetricsObserver {
	if dialogName == "" {
		dialogName = "unknown"
	}
	return &MetricsObserver{dialog: dialogName}
}

func (o *MetricsObserver) Transitioned(_ context.Context, from, to, _ string) {
	transitionTotal.WithLabelValues(o.dialog, from, to).Inc()
}

func (o *MetricsObserver) Dispatched(_ context.Context, out Outcome, err error) {
	outcome := dispatchOutcome(out, err)
	method := out.Method
	if out.Unsupported && !out.FellBack {
		method = unsupportedMethod
	}
	dispatchTotal.WithLabelValues(o.dialog, out.State, method, outcome).Inc()
	dispatchDuration.WithLabelValues(o.dialog, outcome).Observe(out.Duration.Seconds())
}

func dispatchOutcome(out Outcome, err error) string {
	switch {
	case err != nil:
		return outcomeError
	case out.Intercepted:
		return outcomeIntercepted
	case out.FellBack:
		return outcomeFallback
	default:
		return outcomeOK
	}
}
