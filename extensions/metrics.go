package extensions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sdlib/mutator"
)

// MetricsExtension exports Prometheus metrics for every mutator it is
// registered on. Series are labelled by mutator name and operation kind.
//
//	mutator_body_runs_total{mutator,op,outcome}   outcome: ok, error, cancelled
//	mutator_errors_total{mutator,op,kind}         kind: reentrant, cancelled, error
//	mutator_cancellations_total{mutator,cause}    cause: preempted, cancel_mutate
//	mutator_panics_total{mutator,op}
//	mutator_lock_wait_seconds{mutator,op}
//	mutator_body_seconds{mutator,op}
//	mutator_in_flight{mutator}
type MetricsExtension struct {
	mutator.BaseExtension

	registerer    prometheus.Registerer
	registerOnce  sync.Once
	registerErr   error
	runs          *prometheus.CounterVec
	errs          *prometheus.CounterVec
	cancellations *prometheus.CounterVec
	panics        *prometheus.CounterVec
	wait          *prometheus.HistogramVec
	body          *prometheus.HistogramVec
	inFlight      *prometheus.GaugeVec
}

// NewMetricsExtension creates a metrics extension. Collectors are registered
// on reg when the extension is first added to a mutator.
func NewMetricsExtension(reg prometheus.Registerer) *MetricsExtension {
	return &MetricsExtension{
		BaseExtension: mutator.NewBaseExtension("metrics"),
		registerer:    reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mutator_body_runs_total",
			Help: "Bodies executed under the mutator lock, by outcome.",
		}, []string{"mutator", "op", "outcome"}),
		errs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mutator_errors_total",
			Help: "Errors returned to callers, by kind.",
		}, []string{"mutator", "op", "kind"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mutator_cancellations_total",
			Help: "Running mutates cancelled, by cause.",
		}, []string{"mutator", "cause"}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mutator_panics_total",
			Help: "Bodies that panicked.",
		}, []string{"mutator", "op"}),
		wait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mutator_lock_wait_seconds",
			Help:    "Time from call to lock acquisition.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"mutator", "op"}),
		body: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mutator_body_seconds",
			Help:    "Time spent running bodies under the lock.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"mutator", "op"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mutator_in_flight",
			Help: "1 while a body holds the lock.",
		}, []string{"mutator"}),
	}
}

func (e *MetricsExtension) collectors() []prometheus.Collector {
	return []prometheus.Collector{e.runs, e.errs, e.cancellations, e.panics, e.wait, e.body, e.inFlight}
}

// Init registers the collectors once, however many mutators share e
func (e *MetricsExtension) Init(m *mutator.Mutator) error {
	e.registerOnce.Do(func() {
		for _, c := range e.collectors() {
			if err := e.registerer.Register(c); err != nil {
				e.registerErr = err
				return
			}
		}
	})
	return e.registerErr
}

func (e *MetricsExtension) Wrap(ctx context.Context, next func(context.Context) error, op *mutator.Operation) error {
	name := op.Mutator.Name()
	start := time.Now()
	e.wait.WithLabelValues(name, string(op.Kind)).Observe(start.Sub(op.Started).Seconds())

	gauge := e.inFlight.WithLabelValues(name)
	gauge.Inc()
	defer gauge.Dec()

	err := next(ctx)

	e.body.WithLabelValues(name, string(op.Kind)).Observe(time.Since(start).Seconds())
	e.runs.WithLabelValues(name, string(op.Kind), outcome(err)).Inc()
	return err
}

func (e *MetricsExtension) OnError(err error, op *mutator.Operation) {
	kind := "error"
	switch {
	case errors.Is(err, mutator.ErrReentrant):
		kind = "reentrant"
	case mutator.IsCancellation(err):
		kind = "cancelled"
	}
	e.errs.WithLabelValues(op.Mutator.Name(), string(op.Kind), kind).Inc()
}

func (e *MetricsExtension) OnCancel(op *mutator.Operation, cause error) {
	label := "cancel_mutate"
	if errors.Is(cause, mutator.ErrPreempted) {
		label = "preempted"
	}
	e.cancellations.WithLabelValues(op.Mutator.Name(), label).Inc()
}

func (e *MetricsExtension) OnPanic(ctx context.Context, op *mutator.Operation, recovered any, stack []byte) {
	e.panics.WithLabelValues(op.Mutator.Name(), string(op.Kind)).Inc()
}

// Dispose unregisters the collectors
func (e *MetricsExtension) Dispose(m *mutator.Mutator) error {
	for _, c := range e.collectors() {
		e.registerer.Unregister(c)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case mutator.IsCancellation(err):
		return "cancelled"
	default:
		return "error"
	}
}
