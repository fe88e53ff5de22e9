// Package observability wires tracing and metrics for the runtime: one
// OpenTelemetry span per run and sub-run, and a Prometheus recorder
// feeding the same numbers the `metrics` event kind carries, so
// operators aren't limited to parsing the event stream.
package observability

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/opnureyes2-del/teamrun/runcoordinator"

// Tracer wraps the otel tracer used for run/sub-run spans.
type Tracer struct {
	tr trace.Tracer
}

// NewTracer returns a Tracer drawing from the global otel
// TracerProvider. A process that never calls InitTracing still works:
// the default provider is a no-op, so spans cost nothing until the
// operator wires a real exporter.
func NewTracer() *Tracer {
	return &Tracer{tr: otel.Tracer(tracerName)}
}

// StartRunSpan opens a span for a run or sub-run. runID/producerID are
// span attributes; userID is hashed before tagging so raw identifiers
// never leave the process in span attributes.
func (t *Tracer) StartRunSpan(ctx context.Context, runID, producerID, userID string) (context.Context, trace.Span) {
	ctx, span := t.tr.Start(ctx, "run")
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("producer_id", producerID),
		attribute.String("user_id_hash", hashUserID(userID)),
	)
	return ctx, span
}

// RecordToolCall adds a span event mirroring tool_call_completed onto
// span.
func RecordToolCall(span trace.Span, toolName string, durationMS int64, errKind string) {
	attrs := []attribute.KeyValue{
		attribute.String("tool_name", toolName),
		attribute.Int64("duration_ms", durationMS),
	}
	if errKind != "" {
		attrs = append(attrs, attribute.String("error_kind", errKind))
	}
	span.AddEvent("tool_call_completed", trace.WithAttributes(attrs...))
}

// EndWithError finalizes span, recording err as a span error if non-nil.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func hashUserID(userID string) string {
	var h uint64 = 14695981039346656037
	for _, b := range []byte(userID) {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return strconv.FormatUint(h, 10)
}

// Metrics is the Prometheus recorder: counters/histograms for tool
// latency, delegation round count, memory dedup rate, and token totals,
// feeding the same numbers the `metrics` event payload carries.
type Metrics struct {
	ToolLatency      *prometheus.HistogramVec
	DelegationRounds prometheus.Histogram
	MemoryDedupTotal prometheus.Counter
	TokensIn         prometheus.Counter
	TokensOut        prometheus.Counter
}

// NewMetrics registers the recorder's collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the default
// global registry across test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ToolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "teamrun_tool_call_duration_seconds",
			Help: "Tool invocation latency by tool name.",
		}, []string{"tool_name"}),
		DelegationRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "teamrun_delegation_rounds",
			Help:    "Number of delegation rounds per run.",
			Buckets: prometheus.LinearBuckets(0, 1, 5),
		}),
		MemoryDedupTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamrun_memory_dedup_total",
			Help: "Count of memory candidates dropped as duplicates.",
		}),
		TokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamrun_tokens_in_total",
			Help: "Total prompt tokens consumed.",
		}),
		TokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamrun_tokens_out_total",
			Help: "Total completion tokens produced.",
		}),
	}
	reg.MustRegister(m.ToolLatency, m.DelegationRounds, m.MemoryDedupTotal, m.TokensIn, m.TokensOut)
	return m
}
