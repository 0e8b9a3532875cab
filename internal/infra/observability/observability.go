// Package observability provides the router's metric surface and a
// lightweight span tracker.
//
// Metrics are package-level promauto vars grouped by subsystem under the
// "atp" namespace. Tracing stores spans in an in-memory ring buffer for
// inspection and export; in production this would wrap the OpenTelemetry
// SDK.
package observability

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Trace Spans
// ═══════════════════════════════════════════════════════════════════════════

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// Span represents a unit of work within a distributed trace.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// SetAttr records a span attribute, formatting the value with %v.
func (s *Span) SetAttr(key string, value any) {
	if s.Attrs == nil {
		s.Attrs = make(map[string]string)
	}
	s.Attrs[key] = fmt.Sprintf("%v", value)
}

// ─── Tracer ─────────────────────────────────────────────────────────────────

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{Enabled: true, MaxSpans: 10_000}
}

// Tracer records spans in a bounded in-memory ring buffer.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a new span. The caller must call EndSpan when done.
func (t *Tracer) StartSpan(ctx context.Context, operation string) *Span {
	if !t.enabled {
		return &Span{Operation: operation}
	}
	return &Span{
		TraceID:   traceIDFromContext(ctx),
		SpanID:    generateID(),
		ParentID:  spanIDFromContext(ctx),
		Operation: operation,
		StartTime: time.Now(),
		Status:    SpanOK,
	}
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	if !t.enabled || span == nil {
		return
	}
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		span.SetAttr("error", err.Error())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of the most recent spans.
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}
	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}

// Reset clears all recorded spans.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = t.spans[:0]
}

// ─── Global Tracer ──────────────────────────────────────────────────────────

var (
	globalTracer *Tracer
	tracerOnce   sync.Once
	tracerMu     sync.Mutex
)

// GetTracer returns the process-wide tracer, initializing it on first use.
func GetTracer() *Tracer {
	tracerOnce.Do(func() {
		tracerMu.Lock()
		defer tracerMu.Unlock()
		if globalTracer == nil {
			globalTracer = NewTracer(DefaultTracerConfig())
		}
	})
	tracerMu.Lock()
	defer tracerMu.Unlock()
	return globalTracer
}

// SetTracer replaces the process-wide tracer (tests use this).
func SetTracer(t *Tracer) {
	tracerOnce.Do(func() {})
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const (
	traceIDKey contextKey = "atp-trace-id"
	spanIDKey  contextKey = "atp-span-id"
)

// WithTraceID returns a context carrying the given trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithSpanID returns a context carrying the given span ID.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

func traceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return generateID()
}

func spanIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(spanIDKey).(string); ok {
		return v
	}
	return ""
}

// generateID creates a short unique ID (not cryptographically secure — fine for tracing).
var spanCounter atomic.Int64

func generateID() string {
	n := spanCounter.Add(1)
	return fmt.Sprintf("%s-%d", time.Now().Format("20060102150405"), n)
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Frame / Lane Metrics ───────────────────────────────────────────────────

// LanesActive tracks the number of live sequencing lanes.
var LanesActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "atp",
	Subsystem: "frame",
	Name:      "lanes_active",
	Help:      "Number of active (persona, stream) sequencing lanes.",
})

// ─── Fragmentation Metrics ──────────────────────────────────────────────────

// FragmentCountPerMessage observes how many fragments each message splits into.
var FragmentCountPerMessage = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "atp",
	Subsystem: "fragment",
	Name:      "count_per_message",
	Help:      "Fragments emitted per message.",
	Buckets:   []float64{1, 2, 4, 8, 16, 32},
})

// LateFragmentsDropped counts fragments dropped for arriving after the gap TTL.
var LateFragmentsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "fragment",
	Name:      "late_dropped_total",
	Help:      "Fragments dropped because they closed a gap after the gap TTL.",
})

// BufferStoreOps counts operations against the external reassembly buffer store.
var BufferStoreOps = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "fragment",
	Name:      "buffer_store_ops_total",
	Help:      "Operations against the external reassembly buffer store.",
})

// ─── Scheduler Metrics ──────────────────────────────────────────────────────

// SchedStarvationEvents counts starvation boosts applied by the fair scheduler.
var SchedStarvationEvents = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "fair_sched",
	Name:      "starvation_events_total",
	Help:      "Starvation events detected and boosted by the fair scheduler.",
})

// SchedQueueDepth tracks the current fair scheduler queue depth.
var SchedQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "atp",
	Subsystem: "fair_sched",
	Name:      "queue_depth",
	Help:      "Entries currently queued in the fair scheduler.",
})

// ─── Policy Metrics ─────────────────────────────────────────────────────────

// ABACEvaluations counts ABAC evaluations.
var ABACEvaluations = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "policy",
	Name:      "abac_evaluations_total",
	Help:      "Total ABAC policy evaluations.",
})

// ABACPermits counts PERMIT decisions.
var ABACPermits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "policy",
	Name:      "abac_permits_total",
	Help:      "ABAC evaluations that ended in PERMIT.",
})

// ABACDenies counts DENY decisions.
var ABACDenies = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "policy",
	Name:      "abac_denies_total",
	Help:      "ABAC evaluations that ended in DENY.",
})

// PolicyCacheHits counts decision cache hits.
var PolicyCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "policy",
	Name:      "cache_hits_total",
	Help:      "Policy decision cache hits.",
})

// PolicyCacheMisses counts decision cache misses.
var PolicyCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "policy",
	Name:      "cache_misses_total",
	Help:      "Policy decision cache misses.",
})

// EscalationsLowConf counts escalations triggered by low confidence.
var EscalationsLowConf = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "policy",
	Name:      "escalations_low_conf_total",
	Help:      "Escalations triggered by low confidence.",
})

// EscalationsDisagreement counts escalations triggered by disagreement.
var EscalationsDisagreement = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "policy",
	Name:      "escalations_disagreement_total",
	Help:      "Escalations triggered by scorer disagreement.",
})

// ─── Scoring Metrics ────────────────────────────────────────────────────────

// FrontierSize observes the Pareto frontier size per scoring invocation.
var FrontierSize = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "atp",
	Subsystem: "scoring",
	Name:      "multi_objective_frontier_size",
	Help:      "Size of the Pareto frontier produced per scoring invocation.",
	Buckets:   []float64{1, 5, 10, 20, 50},
})

// ScoringInvocations counts scoring invocations.
var ScoringInvocations = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "scoring",
	Name:      "multi_objective_invocations_total",
	Help:      "Total multi-objective scoring invocations.",
})

// ParetoDominated counts candidates discarded as dominated.
var ParetoDominated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "scoring",
	Name:      "multi_objective_pareto_dominated_total",
	Help:      "Candidates discarded because an existing frontier member dominated them.",
})

// ─── Reward / Prior Metrics ─────────────────────────────────────────────────

// RewardBatches counts federated reward signal batches produced.
var RewardBatches = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "reward",
	Name:      "federated_batches_total",
	Help:      "Federated reward signal batches serialized.",
})

// FederatedRoundsCompleted counts completed secure aggregation rounds.
var FederatedRoundsCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "reward",
	Name:      "federated_rounds_completed_total",
	Help:      "Secure aggregation rounds completed.",
})

// SecureAggFailures counts rejected secure aggregation contributions.
var SecureAggFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "reward",
	Name:      "secure_agg_failures_total",
	Help:      "Secure aggregation contributions rejected or rounds aborted.",
})

// PriorUpdatesApplied counts prior updates applied.
var PriorUpdatesApplied = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "reward",
	Name:      "prior_updates_applied_total",
	Help:      "Reinforcement prior updates applied from aggregated signals.",
})

// PriorUpdateFailures counts failed prior update attempts.
var PriorUpdateFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "reward",
	Name:      "prior_update_failures_total",
	Help:      "Failed reinforcement prior update attempts.",
})

// ActivePriors tracks the size of the prior table.
var ActivePriors = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "atp",
	Subsystem: "reward",
	Name:      "active_priors",
	Help:      "Reinforcement priors currently held.",
})

// PriorUpdateLatency observes the latency of prior update batches.
var PriorUpdateLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "atp",
	Subsystem: "reward",
	Name:      "prior_update_latency_seconds",
	Help:      "Latency of applying an aggregated signal to the prior table.",
	Buckets:   prometheus.DefBuckets,
})

// ─── Row Encryption Metrics ─────────────────────────────────────────────────

// RowEncryptionOps counts row encryption operations by op/status.
var RowEncryptionOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "rowcrypt",
	Name:      "operations_total",
	Help:      "Row encryption operations by operation, status and error type.",
}, []string{"operation", "tenant_id", "status", "error_type"})

// RowEncryptionDuration observes row encryption operation durations.
var RowEncryptionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "atp",
	Subsystem: "rowcrypt",
	Name:      "operation_duration_seconds",
	Help:      "Duration of row encryption operations.",
	Buckets:   prometheus.DefBuckets,
}, []string{"operation", "tenant_id"})

// RowsProcessed counts rows touched by encryption operations.
var RowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "atp",
	Subsystem: "rowcrypt",
	Name:      "rows_processed_total",
	Help:      "Rows processed by encryption operations.",
}, []string{"operation", "tenant_id"})
