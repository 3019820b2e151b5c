package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marketbrief/marketbrief/config"
)

// Telemetry records per-attempt and per-run events for observability. It
// keeps an in-memory summary for the ops endpoint and mirrors everything
// into a Prometheus registry for scraping.
type Telemetry struct {
	config  config.TelemetryConfig
	logger  *log.Logger
	metrics *Metrics

	registry      *prometheus.Registry
	attemptsTotal *prometheus.CounterVec
	attemptTime   *prometheus.HistogramVec
	runsTotal     *prometheus.CounterVec
	runTime       prometheus.Histogram
	breakerOpens  *prometheus.CounterVec

	mu sync.RWMutex
}

// Metrics holds the in-memory performance summary.
type Metrics struct {
	TotalRuns      int64
	CompleteRuns   int64
	DegradedRuns   int64
	FailedRuns     int64
	AverageRunTime time.Duration

	AttemptsByAgent map[string]int64
	FailuresByAgent map[string]int64
	BreakerOpens    map[string]int64
}

// AttemptEvent is one outbound call attempt to one agent.
type AttemptEvent struct {
	Agent   string
	Attempt int
	Outcome string // "success", an error code, or "circuit_open"
	Latency time.Duration
	Time    time.Time
}

// RunEvent is one completed orchestration run.
type RunEvent struct {
	ID           string
	Status       string
	Duration     time.Duration
	ContextItems int
	Calls        int
}

// NewTelemetry creates a telemetry instance with its own Prometheus
// registry, so concurrent instances (tests included) never collide.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	reg := prometheus.NewRegistry()
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			AttemptsByAgent: make(map[string]int64),
			FailuresByAgent: make(map[string]int64),
			BreakerOpens:    make(map[string]int64),
		},
		registry: reg,
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketbrief_agent_attempts_total",
			Help: "Agent call attempts by agent and outcome.",
		}, []string{"agent", "outcome"}),
		attemptTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketbrief_agent_attempt_seconds",
			Help:    "Agent call attempt latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketbrief_runs_total",
			Help: "Orchestration runs by terminal status.",
		}, []string{"status"}),
		runTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketbrief_run_seconds",
			Help:    "End-to-end orchestration run latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		breakerOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketbrief_breaker_opens_total",
			Help: "Circuit breaker open transitions by agent.",
		}, []string{"agent"}),
	}
	reg.MustRegister(t.attemptsTotal, t.attemptTime, t.runsTotal, t.runTime, t.breakerOpens)

	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startPeriodicLogs()
	}
	return t
}

// Registry exposes the Prometheus registry for the /metrics handler.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// RecordAttempt records one call attempt.
func (t *Telemetry) RecordAttempt(event AttemptEvent) {
	if !t.config.Enabled {
		return
	}
	t.attemptsTotal.WithLabelValues(event.Agent, event.Outcome).Inc()
	t.attemptTime.WithLabelValues(event.Agent).Observe(event.Latency.Seconds())

	t.mu.Lock()
	t.metrics.AttemptsByAgent[event.Agent]++
	if event.Outcome != "success" {
		t.metrics.FailuresByAgent[event.Agent]++
	}
	t.mu.Unlock()
}

// RecordBreakerOpen records a circuit transitioning to open.
func (t *Telemetry) RecordBreakerOpen(agent string) {
	if !t.config.Enabled {
		return
	}
	t.breakerOpens.WithLabelValues(agent).Inc()
	t.mu.Lock()
	t.metrics.BreakerOpens[agent]++
	t.mu.Unlock()
	t.logger.Printf("circuit opened: agent=%s", agent)
}

// RecordRun records a completed orchestration run.
func (t *Telemetry) RecordRun(event RunEvent) {
	if !t.config.Enabled {
		return
	}
	t.runsTotal.WithLabelValues(event.Status).Inc()
	t.runTime.Observe(event.Duration.Seconds())

	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.TotalRuns++
	switch event.Status {
	case "complete":
		t.metrics.CompleteRuns++
	case "degraded":
		t.metrics.DegradedRuns++
	case "failed":
		t.metrics.FailedRuns++
	}
	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRunTime = event.Duration
	} else {
		total := t.metrics.AverageRunTime * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRunTime = (total + event.Duration) / time.Duration(t.metrics.TotalRuns)
	}
	t.logger.Printf("run: id=%s status=%s duration=%v calls=%d items=%d",
		event.ID, event.Status, event.Duration, event.Calls, event.ContextItems)
}

// GetMetrics returns a copy of the in-memory summary.
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := *t.metrics
	out.AttemptsByAgent = copyCounts(t.metrics.AttemptsByAgent)
	out.FailuresByAgent = copyCounts(t.metrics.FailuresByAgent)
	out.BreakerOpens = copyCounts(t.metrics.BreakerOpens)
	return out
}

func (t *Telemetry) startPeriodicLogs() {
	interval := t.config.LogInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		m := t.GetMetrics()
		t.logger.Printf("summary: runs=%d complete=%d degraded=%d failed=%d avg=%v",
			m.TotalRuns, m.CompleteRuns, m.DegradedRuns, m.FailedRuns, m.AverageRunTime)
	}
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
