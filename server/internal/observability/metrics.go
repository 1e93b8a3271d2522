package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OrchestratorCollector bundles the Prometheus metrics of the scheduler, the
// decision evaluator and the publish pipeline. All methods are safe on a nil
// receiver so components can run without metrics in tests.
type OrchestratorCollector struct {
	gatherer prometheus.Gatherer

	Ticks                   prometheus.Counter
	TickDuration            prometheus.Histogram
	SessionFetchFailures    prometheus.Counter
	SessionFaults           prometheus.Counter
	InjectsPublished        *prometheus.CounterVec
	ClaimConflicts          prometheus.Counter
	GenerationFailures      *prometheus.CounterVec
	EscalationStageFailures *prometheus.CounterVec
	ProviderLatency         *prometheus.HistogramVec
}

// NewOrchestratorCollector registers the metrics against reg, defaulting to
// the global registry when nil.
func NewOrchestratorCollector(reg prometheus.Registerer) (*OrchestratorCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crisis_scheduler_ticks_total",
		Help: "Number of scheduler ticks executed.",
	}), "crisis_scheduler_ticks_total")
	if err != nil {
		return nil, err
	}
	tickDuration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crisis_scheduler_tick_duration_seconds",
		Help:    "Wall time spent processing one scheduler tick.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}), "crisis_scheduler_tick_duration_seconds")
	if err != nil {
		return nil, err
	}
	fetchFailures, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crisis_session_fetch_failures_total",
		Help: "Ticks skipped because the active session list could not be loaded.",
	}), "crisis_session_fetch_failures_total")
	if err != nil {
		return nil, err
	}
	faults, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crisis_session_faults_total",
		Help: "Per-session processing failures caught at the session boundary.",
	}), "crisis_session_faults_total")
	if err != nil {
		return nil, err
	}
	published, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crisis_injects_published_total",
		Help: "Injects published, labeled by trigger path.",
	}, []string{"path"}), "crisis_injects_published_total")
	if err != nil {
		return nil, err
	}
	conflicts, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crisis_claim_conflicts_total",
		Help: "Publish attempts skipped because another path already claimed the inject.",
	}), "crisis_claim_conflicts_total")
	if err != nil {
		return nil, err
	}
	genFailures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crisis_generation_failures_total",
		Help: "Content generation failures, labeled by failure kind.",
	}, []string{"kind"}), "crisis_generation_failures_total")
	if err != nil {
		return nil, err
	}
	stageFailures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crisis_escalation_stage_failures_total",
		Help: "Escalation stages that defaulted to an empty result.",
	}, []string{"stage"}), "crisis_escalation_stage_failures_total")
	if err != nil {
		return nil, err
	}
	latency, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crisis_provider_call_duration_seconds",
		Help:    "AI provider call latency, labeled by operation.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"operation"}), "crisis_provider_call_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &OrchestratorCollector{
		gatherer:                gatherer,
		Ticks:                   ticks,
		TickDuration:            tickDuration,
		SessionFetchFailures:    fetchFailures,
		SessionFaults:           faults,
		InjectsPublished:        published,
		ClaimConflicts:          conflicts,
		GenerationFailures:      genFailures,
		EscalationStageFailures: stageFailures,
		ProviderLatency:         latency,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *OrchestratorCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *OrchestratorCollector) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	c.Ticks.Inc()
	c.TickDuration.Observe(d.Seconds())
}

func (c *OrchestratorCollector) IncSessionFetchFailure() {
	if c == nil {
		return
	}
	c.SessionFetchFailures.Inc()
}

func (c *OrchestratorCollector) IncSessionFault() {
	if c == nil {
		return
	}
	c.SessionFaults.Inc()
}

func (c *OrchestratorCollector) IncPublished(path string) {
	if c == nil {
		return
	}
	c.InjectsPublished.WithLabelValues(path).Inc()
}

func (c *OrchestratorCollector) IncClaimConflict() {
	if c == nil {
		return
	}
	c.ClaimConflicts.Inc()
}

func (c *OrchestratorCollector) IncGenerationFailure(kind string) {
	if c == nil {
		return
	}
	c.GenerationFailures.WithLabelValues(kind).Inc()
}

func (c *OrchestratorCollector) IncEscalationStageFailure(stage string) {
	if c == nil {
		return
	}
	c.EscalationStageFailures.WithLabelValues(stage).Inc()
}

func (c *OrchestratorCollector) ObserveProviderCall(operation string, d time.Duration) {
	if c == nil {
		return
	}
	c.ProviderLatency.WithLabelValues(operation).Observe(d.Seconds())
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return c, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
