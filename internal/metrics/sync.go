// Package metrics exposes Prometheus metrics for the sync server.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/superscale/tasksync/internal/push"
	"github.com/superscale/tasksync/internal/syncerr"
)

const namespace = "tasksync"

// PrometheusMetrics holds the sync server's collectors.
type PrometheusMetrics struct {
	MutationCounter  *prometheus.CounterVec
	MutationDuration *prometheus.HistogramVec
	PushCounter      *prometheus.CounterVec
	QueryCounter     *prometheus.CounterVec
	PurgedClients    prometheus.Counter
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		MutationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Pushed mutations by mutator, result and error kind.",
		}, []string{"mutator", "result", "kind"}),
		MutationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mutation_duration_seconds",
			Help:      "Time to apply one pushed mutation, including its transaction.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"mutator"}),
		PushCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_requests_total",
			Help:      "Push requests by outcome.",
		}, []string{"status"}),
		QueryCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Authoritative queries by table and outcome.",
		}, []string{"table", "status"}),
		PurgedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_clients_total",
			Help:      "Idle push clients removed by retention.",
		}),
	}

	for _, c := range []prometheus.Collector{m.MutationCounter, m.MutationDuration, m.PushCounter, m.QueryCounter, m.PurgedClients} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveMutation implements push.Recorder.
func (m *PrometheusMetrics) ObserveMutation(name string, result push.Result, kind syncerr.Kind, d time.Duration) {
	m.MutationCounter.WithLabelValues(name, string(result), string(kind)).Inc()
	m.MutationDuration.WithLabelValues(name).Observe(d.Seconds())
}

// RecordPush counts a push request by status, for example "ok" or
// "rejected".
func (m *PrometheusMetrics) RecordPush(status string) {
	m.PushCounter.WithLabelValues(status).Inc()
}

// RecordQuery counts an authoritative query.
func (m *PrometheusMetrics) RecordQuery(table, status string) {
	m.QueryCounter.WithLabelValues(table, status).Inc()
}

// RecordPurge counts clients removed by retention.
func (m *PrometheusMetrics) RecordPurge(n int64) {
	m.PurgedClients.Add(float64(n))
}

// RegisterClientGauge exposes the number of connected live clients.
func RegisterClientGauge(reg prometheus.Registerer, count func() int) error {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_clients",
		Help:      "Connected live update clients.",
	}, func() float64 { return float64(count()) })
	if err := reg.Register(gauge); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return nil
		}
		return err
	}
	return nil
}
