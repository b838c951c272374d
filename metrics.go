package expirysweep

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "expirysweep"

type Metrics struct {
	sweepsTotal         *prometheus.CounterVec
	recordsDeletedTotal prometheus.Counter
	batchesTotal        *prometheus.CounterVec
	parentErrorsTotal   *prometheus.CounterVec
	sweepDuration       prometheus.Histogram
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide metrics registered with the
// default Prometheus registry. Caddy reloads provision apps again, so
// registration happens once.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		sweepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sweeps_total",
				Help:      "Sweeps run, by result (ok, partial, failed, skipped).",
			},
			[]string{"result"},
		),
		recordsDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "records_deleted_total",
				Help:      "Expired records deleted.",
			},
		),
		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "batches_total",
				Help:      "Deletion batches committed, by result.",
			},
			[]string{"result"},
		),
		parentErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "parent_errors_total",
				Help:      "Per-parent sweep failures, by error kind.",
			},
			[]string{"kind"},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "sweep_duration_seconds",
				Help:      "Wall-clock duration of a sweep.",
				Buckets:   []float64{.05, .1, .5, 1, 5, 10, 30, 60},
			},
		),
	}

	reg.MustRegister(
		m.sweepsTotal,
		m.recordsDeletedTotal,
		m.batchesTotal,
		m.parentErrorsTotal,
		m.sweepDuration,
	)

	return m
}

func (m *Metrics) observeSweep(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.sweepsTotal.WithLabelValues(result).Inc()
	if result != sweepSkipped {
		m.sweepDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) observeBatch(n int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.batchesTotal.WithLabelValues("failed").Inc()
		return
	}
	m.batchesTotal.WithLabelValues("ok").Inc()
	m.recordsDeletedTotal.Add(float64(n))
}

func (m *Metrics) observeParentError(err error) {
	if m == nil {
		return
	}
	m.parentErrorsTotal.WithLabelValues(KindOf(err)).Inc()
}

const (
	sweepOK      = "ok"
	sweepPartial = "partial"
	sweepFailed  = "failed"
	sweepSkipped = "skipped"
)
