package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central metric set.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.MessageCounter.WithLabelValues("private", "pro").Inc()
//	defer func(start time.Time) {
//	    metrics.LLMRequestDuration.WithLabelValues("gemini", model).
//	        Observe(time.Since(start).Seconds())
//	}(time.Now())
type Metrics struct {
	// MessageCounter tracks inbound messages by chat type and triage
	// outcome. Labels: chat_type, outcome (ignored|command|pro)
	MessageCounter *prometheus.CounterVec

	// LLMRequestDuration measures model request latency in seconds.
	// Labels: provider (gemini|openai), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status
	ToolExecutionCounter *prometheus.CounterVec

	// KeyRotations counts credential pool advances.
	// Labels: provider
	KeyRotations *prometheus.CounterVec

	// PrefilterDecisions counts pre-filter outcomes.
	// Labels: decision (ignore|escalate|error)
	PrefilterDecisions *prometheus.CounterVec
}

// NewMetrics registers the metric set on the default registry. Call it
// once per process.
func NewMetrics() *Metrics {
	return newMetricsWith(prometheus.DefaultRegisterer)
}

func newMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessageCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ocelot_messages_total",
			Help: "Inbound messages by chat type and triage outcome.",
		}, []string{"chat_type", "outcome"}),

		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ocelot_llm_request_duration_seconds",
			Help:    "Model request latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ocelot_llm_requests_total",
			Help: "Model requests by provider, model and status.",
		}, []string{"provider", "model", "status"}),

		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ocelot_tool_executions_total",
			Help: "Tool invocations by name and status.",
		}, []string{"tool_name", "status"}),

		KeyRotations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ocelot_key_rotations_total",
			Help: "Credential pool advances.",
		}, []string{"provider"}),

		PrefilterDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ocelot_prefilter_decisions_total",
			Help: "Pre-filter triage outcomes.",
		}, []string{"decision"}),
	}
}
