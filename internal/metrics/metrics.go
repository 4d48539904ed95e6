package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API metrics
	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evalforge_api_request_duration_seconds",
			Help:    "API request duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"model", "status"},
	)

	tokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evalforge_tokens_total",
			Help: "Tokens reported by the endpoint, by model and kind",
		},
		[]string{"model", "kind"},
	)

	rateLimiterWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evalforge_rate_limiter_wait_duration_seconds",
			Help:    "Rate limiter wait duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"model"},
	)

	// Pipeline metrics
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evalforge_stage_duration_seconds",
			Help:    "Duration of one experiment stage",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
		},
		[]string{"stage"}, // "generate" or "evaluate"
	)

	stageOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evalforge_stage_total",
			Help: "Experiment stages by outcome",
		},
		[]string{"stage", "status"}, // status: success/error/cancelled/cached/skipped
	)

	worklistRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evalforge_worklist_remaining",
			Help: "Experiments left in the current stage pass",
		},
		[]string{"stage"},
	)

	// Model metrics
	modelLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evalforge_model_loads_total",
			Help: "Number of model loads by model and status",
		},
		[]string{"model", "status"},
	)

	modelLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evalforge_model_load_duration_seconds",
			Help:    "Time spent loading a model",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~5min
		},
		[]string{"model"},
	)

	activeModel = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evalforge_active_model",
			Help: "1 for the currently loaded model",
		},
		[]string{"model"},
	)
)

// Collector provides convenience methods for recording metrics
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordAPIRequest records an API request duration
func (c *Collector) RecordAPIRequest(model string, duration time.Duration, success bool) {
	apiRequestDuration.WithLabelValues(model, statusLabel(success)).Observe(duration.Seconds())
}

// RecordTokens adds a response's reported token usage
func (c *Collector) RecordTokens(model string, prompt, completion int) {
	tokensUsed.WithLabelValues(model, "prompt").Add(float64(prompt))
	tokensUsed.WithLabelValues(model, "completion").Add(float64(completion))
}

// RecordRateLimiterWait records rate limiter wait time
func (c *Collector) RecordRateLimiterWait(model string, duration time.Duration) {
	rateLimiterWaitDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordStage records the outcome of one stage and, for stages that ran,
// how long it took
func (c *Collector) RecordStage(stage, status string, duration time.Duration) {
	stageOutcomes.WithLabelValues(stage, status).Inc()
	if duration > 0 {
		stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	}
}

// SetRemaining sets the number of experiments left in a stage pass
func (c *Collector) SetRemaining(stage string, n int) {
	worklistRemaining.WithLabelValues(stage).Set(float64(n))
}

// RecordModelLoad records a model load attempt
func (c *Collector) RecordModelLoad(model string, duration time.Duration, success bool) {
	modelLoads.WithLabelValues(model, statusLabel(success)).Inc()
	if success {
		modelLoadDuration.WithLabelValues(model).Observe(duration.Seconds())
	}
}

// SetActiveModel marks a model as loaded or released
func (c *Collector) SetActiveModel(model string, loaded bool) {
	v := 0.0
	if loaded {
		v = 1
	}
	activeModel.WithLabelValues(model).Set(v)
	c.logger.Debug("Active model changed", "model", model, "loaded", loaded)
}
