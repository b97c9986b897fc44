package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/superscale/tasksync/internal/push"
	"github.com/superscale/tasksync/internal/syncerr"
)

func TestPrometheus_MutationCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.ObserveMutation("todo.create", push.ResultApplied, "", 10*time.Millisecond)
	m.ObserveMutation("todo.create", push.ResultApplied, "", 20*time.Millisecond)
	m.ObserveMutation("todo.create", push.ResultError, syncerr.KindForbidden, time.Millisecond)

	t.Run("counts applied mutations", func(t *testing.T) {
		val := getCounterValue(t, m.MutationCounter, "todo.create", "applied", "")
		if val != 2 {
			t.Errorf("expected 2, got %f", val)
		}
	})

	t.Run("counts errors by kind", func(t *testing.T) {
		val := getCounterValue(t, m.MutationCounter, "todo.create", "error", "forbidden")
		if val != 1 {
			t.Errorf("expected 1, got %f", val)
		}
	})

	t.Run("observes duration", func(t *testing.T) {
		count, sum := getHistogramValues(t, m.MutationDuration, "todo.create")
		if count != 3 {
			t.Errorf("expected count 3, got %d", count)
		}
		if sum < 0.030 || sum > 0.032 {
			t.Errorf("expected sum near 0.031, got %f", sum)
		}
	})
}

func TestPrometheus_PushAndQuery(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordPush("ok")
	m.RecordPush("rejected")
	m.RecordPush("ok")
	m.RecordQuery("todos", "ok")
	m.RecordPurge(3)

	if val := getCounterValue(t, m.PushCounter, "ok"); val != 2 {
		t.Errorf("expected 2 ok pushes, got %f", val)
	}
	if val := getCounterValue(t, m.QueryCounter, "todos", "ok"); val != 1 {
		t.Errorf("expected 1 query, got %f", val)
	}

	var metric dto.Metric
	if err := m.PurgedClients.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.GetCounter().GetValue() != 3 {
		t.Errorf("expected 3 purged clients, got %f", metric.GetCounter().GetValue())
	}
}

func TestPrometheus_Registration(t *testing.T) {
	t.Run("fails on duplicate registration", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		if _, err := NewPrometheusMetrics(reg); err != nil {
			t.Fatalf("first registration failed: %v", err)
		}
		if _, err := NewPrometheusMetrics(reg); err == nil {
			t.Fatal("expected error on duplicate registration")
		}
	})

	t.Run("client gauge reads live count", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		n := 4
		if err := RegisterClientGauge(reg, func() int { return n }); err != nil {
			t.Fatalf("RegisterClientGauge() error: %v", err)
		}
		if err := RegisterClientGauge(reg, func() int { return n }); err != nil {
			t.Fatalf("second RegisterClientGauge() error: %v", err)
		}

		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("Gather() error: %v", err)
		}
		if len(families) != 1 || families[0].GetName() != "tasksync_live_clients" {
			t.Fatalf("unexpected families: %v", families)
		}
		if got := families[0].GetMetric()[0].GetGauge().GetValue(); got != 4 {
			t.Errorf("expected 4, got %f", got)
		}
	})
}

// Helper functions for extracting Prometheus metric values.

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := counter.WithLabelValues(labels...).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getHistogramValues(t *testing.T, hist *prometheus.HistogramVec, label string) (uint64, float64) {
	t.Helper()
	observer := hist.WithLabelValues(label)
	var m dto.Metric
	if err := observer.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum()
}
