// Package prom exports controller events as Prometheus metrics.
package prom

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	ciss "github.com/ehrlich-b/go-ciss"
)

const namespace = "ciss"

// Observer is a ciss.Observer backed by Prometheus collectors. All metrics
// carry a "controller" label.
type Observer struct {
	submits     prometheus.Counter
	outstanding prometheus.Gauge
	completions *prometheus.CounterVec
	latency     prometheus.Histogram
	spurious    prometheus.Counter
	interrupts  *prometheus.CounterVec
	syncTimeout prometheus.Counter
	lockups     prometheus.Counter
	impacts     *prometheus.CounterVec
}

var _ ciss.Observer = (*Observer)(nil)

// NewObserver creates the collectors for one controller and registers them
// with reg.
func NewObserver(reg prometheus.Registerer, controller string) (*Observer, error) {
	labels := prometheus.Labels{"controller": controller}
	o := &Observer{
		submits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "commands_submitted_total",
			Help:        "Commands posted to the controller.",
			ConstLabels: labels,
		}),
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "outstanding_commands",
			Help:        "Commands owned by the controller at the last submission.",
			ConstLabels: labels,
		}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "commands_completed_total",
			Help:        "Commands retrieved from the reply queue, by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "command_latency_seconds",
			Help:        "Time from submission to retrieval.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(10e-6, 10, 8),
		}),
		spurious: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "spurious_completions_total",
			Help:        "Completion words discarded for naming no command in flight.",
			ConstLabels: labels,
		}),
		interrupts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "interrupts_total",
			Help:        "Hardware interrupts seen, by whether this controller claimed them.",
			ConstLabels: labels,
		}, []string{"claimed"}),
		syncTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "sync_timeouts_total",
			Help:        "Synchronous commands that gave up waiting.",
			ConstLabels: labels,
		}),
		lockups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "lockups_total",
			Help:        "Times the controller was declared locked up.",
			ConstLabels: labels,
		}),
		impacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "service_impacts_total",
			Help:        "Failed register or DMA access-integrity checks, by source.",
			ConstLabels: labels,
		}, []string{"source"}),
	}

	for _, c := range []prometheus.Collector{
		o.submits, o.outstanding, o.completions, o.latency, o.spurious,
		o.interrupts, o.syncTimeout, o.lockups, o.impacts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) ObserveSubmit(outstanding int) {
	o.submits.Inc()
	o.outstanding.Set(float64(outstanding))
}

func (o *Observer) ObserveCompletion(latency time.Duration, failed bool) {
	result := "ok"
	if failed {
		result = "failed"
	}
	o.completions.WithLabelValues(result).Inc()
	o.latency.Observe(latency.Seconds())
}

func (o *Observer) ObserveSpurious(uint32) {
	o.spurious.Inc()
}

func (o *Observer) ObserveInterrupt(claimed bool) {
	o.interrupts.WithLabelValues(strconv.FormatBool(claimed)).Inc()
}

func (o *Observer) ObserveSyncTimeout() {
	o.syncTimeout.Inc()
}

func (o *Observer) ObserveLockup() {
	o.lockups.Inc()
}

func (o *Observer) ObserveServiceImpact(source string) {
	o.impacts.WithLabelValues(source).Inc()
}
