package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWith(reg)

	m.MessageCounter.WithLabelValues("private", "pro").Inc()
	m.MessageCounter.WithLabelValues("private", "pro").Inc()
	m.ToolExecutionCounter.WithLabelValues("get_time", "success").Inc()
	m.KeyRotations.WithLabelValues("gemini").Inc()
	m.PrefilterDecisions.WithLabelValues("ignore").Inc()
	m.LLMRequestCounter.WithLabelValues("gemini", "gemini-2.0-flash", "success").Inc()
	m.LLMRequestDuration.WithLabelValues("gemini", "gemini-2.0-flash").Observe(0.2)

	if got := testutil.ToFloat64(m.MessageCounter.WithLabelValues("private", "pro")); got != 2 {
		t.Errorf("message counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("get_time", "success")); got != 1 {
		t.Errorf("tool counter = %v, want 1", got)
	}

	// Distinct label values are distinct series.
	if got := testutil.ToFloat64(m.MessageCounter.WithLabelValues("group", "ignored")); got != 0 {
		t.Errorf("untouched series = %v, want 0", got)
	}
}

func TestMetricsDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	newMetricsWith(reg)

	defer func() {
		if recover() == nil {
			t.Error("second registration on the same registry should panic")
		}
	}()
	newMetricsWith(reg)
}
