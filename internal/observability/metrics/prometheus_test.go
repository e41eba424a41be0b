package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewPrometheusSink(reg), reg
}

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, pair := range m.GetLabel() {
		if want, ok := labels[pair.GetName()]; ok {
			if want != pair.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(labels)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	m := findMetric(t, reg, name, labels)
	if m == nil || m.GetCounter() == nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func TestTransitionApplied(t *testing.T) {
	sink, reg := newTestSink(t)
	sink.TransitionApplied("JobPartitionRun", "", "pending")
	sink.TransitionApplied("JobPartitionRun", "pending", "running")
	sink.TransitionApplied("JobPartitionRun", "pending", "running")

	if got := counterValue(t, reg, "pctasks_counter_transitions_total",
		map[string]string{"record_type": "JobPartitionRun", "previous": "none", "current": "pending"}); got != 1 {
		t.Errorf("initial transitions = %v, want 1", got)
	}
	if got := counterValue(t, reg, "pctasks_counter_transitions_total",
		map[string]string{"previous": "pending", "current": "running"}); got != 2 {
		t.Errorf("pending->running = %v, want 2", got)
	}
}

func TestFailuresAndConflicts(t *testing.T) {
	sink, reg := newTestSink(t)
	sink.ConflictRetry("WorkflowRun")
	sink.ConflictRetry("WorkflowRun")
	sink.ApplyFailed("WorkflowRun", "PARENT_NOT_FOUND")
	sink.CountDrift("WorkflowRun", "running")

	if got := counterValue(t, reg, "pctasks_counter_version_conflicts_total", map[string]string{"record_type": "WorkflowRun"}); got != 2 {
		t.Errorf("conflicts = %v, want 2", got)
	}
	if got := counterValue(t, reg, "pctasks_counter_failures_total", map[string]string{"code": "PARENT_NOT_FOUND"}); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
	if got := counterValue(t, reg, "pctasks_counter_drift_total", map[string]string{"status": "running"}); got != 1 {
		t.Errorf("drift = %v, want 1", got)
	}
}

func TestApplyLatencyHistogram(t *testing.T) {
	sink, reg := newTestSink(t)
	sink.ApplyLatency("Workflow", 20*time.Millisecond)
	sink.ApplyLatency("Workflow", 2*time.Second)

	m := findMetric(t, reg, "pctasks_counter_apply_duration_seconds", map[string]string{"record_type": "Workflow"})
	if m == nil || m.GetHistogram().GetSampleCount() != 2 {
		t.Fatalf("expected 2 samples, got %+v", m)
	}
}

func TestReconcileCompleted(t *testing.T) {
	sink, reg := newTestSink(t)
	sink.ReconcileCompleted(time.Second, nil)
	sink.ReconcileCompleted(time.Second, errors.New("boom"))
	sink.ReconcileRepaired("Workflow")

	if got := counterValue(t, reg, "pctasks_reconciler_runs_total", map[string]string{"result": "error"}); got != 1 {
		t.Errorf("error runs = %v, want 1", got)
	}
	if got := counterValue(t, reg, "pctasks_reconciler_repairs_total", map[string]string{"parent_type": "Workflow"}); got != 1 {
		t.Errorf("repairs = %v, want 1", got)
	}
}

func TestDuplicateRegistrationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewPrometheusSink(reg)
	sink := NewPrometheusSink(reg)
	sink.EventConsumed("memory", OutcomeApplied)
}

func TestHandlerServesRegistry(t *testing.T) {
	sink, reg := newTestSink(t)
	sink.HTTPRequest("events", "POST", 200, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `pctasks_http_requests_total{code="200",handler="events",method="POST"} 1`) {
		t.Fatalf("metrics output missing request counter:\n%s", body)
	}
}

func TestNoopSink(t *testing.T) {
	var s Sink = NewNoopSink()
	s.TransitionApplied("a", "b", "c")
	s.HTTPRequest("h", "GET", 500, time.Second)
}
