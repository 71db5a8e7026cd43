// Package observe provides application-wide observability primitives for
// Hearthline: OpenTelemetry metrics, tracing, and HTTP middleware that ties
// them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [Setup] so that metrics can be
// scraped via the standard /metrics endpoint. Tests should use [NewMetrics]
// with a custom [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Hearthline metrics.
const meterName = "github.com/hearthline-ai/hearthline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTFinalizeDuration tracks time from first audio frame of an utterance
	// to the finalized transcription.
	STTFinalizeDuration metric.Float64Histogram

	// LLMTurnDuration tracks full LLM streaming turn latency.
	LLMTurnDuration metric.Float64Histogram

	// TTSSynthesisDuration tracks per-segment speech synthesis latency.
	TTSSynthesisDuration metric.Float64Histogram

	// JournalSaveDuration tracks post-call persistence latency.
	JournalSaveDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts vendor API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts vendor errors. Use with attribute:
	//   attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// Interruptions counts caller barge-in events.
	Interruptions metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("from", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// FunctionCalls counts LLM function invocations. Use with attributes:
	//   attribute.String("function", ...), attribute.String("status", ...)
	FunctionCalls metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live telephony sessions.
	ActiveCalls metric.Int64UpDownCounter

	// TTSQueueDepth tracks queued synthesis segments across calls.
	TTSQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTFinalizeDuration, err = m.Float64Histogram("hearthline.stt.finalize.duration",
		metric.WithDescription("Time from utterance start to finalized transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMTurnDuration, err = m.Float64Histogram("hearthline.llm.turn.duration",
		metric.WithDescription("Latency of a full LLM streaming turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSSynthesisDuration, err = m.Float64Histogram("hearthline.tts.synthesis.duration",
		metric.WithDescription("Latency of per-segment speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.JournalSaveDuration, err = m.Float64Histogram("hearthline.journal.save.duration",
		metric.WithDescription("Latency of post-call journal persistence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("hearthline.provider.requests",
		metric.WithDescription("Total vendor API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("hearthline.provider.errors",
		metric.WithDescription("Total vendor errors by provider."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("hearthline.interruptions",
		metric.WithDescription("Caller barge-in events."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("hearthline.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions."),
	); err != nil {
		return nil, err
	}
	if met.FunctionCalls, err = m.Int64Counter("hearthline.function.calls",
		metric.WithDescription("LLM function invocations by function and status."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveCalls, err = m.Int64UpDownCounter("hearthline.calls.active",
		metric.WithDescription("Live telephony sessions."),
	); err != nil {
		return nil, err
	}
	if met.TTSQueueDepth, err = m.Int64UpDownCounter("hearthline.tts.queue.depth",
		metric.WithDescription("Queued synthesis segments."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware.
	if met.HTTPRequestDuration, err = m.Float64Histogram("hearthline.http.request.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}
