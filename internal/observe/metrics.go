// Package observe provides the callbot's observability primitives:
// OpenTelemetry metrics and traces, trace-aware slog loggers and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]; [Handler] serves them on /metrics. Tests use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callbot metrics.
const meterName = "github.com/festnoze/squad-ai-sub002"

// Metrics holds all OpenTelemetry instruments for the application.
type Metrics struct {
	// --- Latency histograms ---

	// STTDuration tracks transcription latency per segment.
	STTDuration metric.Float64Histogram

	// TTSDuration tracks synthesis latency per speech chunk (cache misses only).
	TTSDuration metric.Float64Histogram

	// LLMDuration tracks classifier and streaming LLM latency.
	LLMDuration metric.Float64Histogram

	// GraphDuration tracks one agent-graph traversal. Use with attribute:
	//   attribute.String("agent", ...)
	GraphDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP handler latency. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Segments counts finalized speech segments. Use with attribute:
	//   attribute.String("outcome", "transcribed"|"empty"|"failed")
	Segments metric.Int64Counter

	// BargeIns counts caller interruptions honored by the outgoing audio path.
	BargeIns metric.Int64Counter

	// AudioPackets counts µ-law media frames written to the telephony socket.
	AudioPackets metric.Int64Counter

	// AudioBytes counts µ-law bytes written to the telephony socket.
	AudioBytes metric.Int64Counter

	// AudioSendErrors counts failed socket writes.
	AudioSendErrors metric.Int64Counter

	// CacheLookups counts synthesis and answer cache lookups. Use with attributes:
	//   attribute.String("cache", ...), attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// ProviderRequests counts external calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed external calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// conversational latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "callbot.stt.duration", "Latency of speech-to-text transcription."},
		{&met.TTSDuration, "callbot.tts.duration", "Latency of text-to-speech synthesis."},
		{&met.LLMDuration, "callbot.llm.duration", "Latency of LLM calls."},
		{&met.GraphDuration, "callbot.graph.duration", "Duration of one agent graph traversal."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("callbot.http.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Segments, "callbot.segments", "Finalized speech segments by outcome."},
		{&met.BargeIns, "callbot.barge_ins", "Caller interruptions of bot speech."},
		{&met.AudioPackets, "callbot.audio.packets", "Outbound media packets."},
		{&met.AudioBytes, "callbot.audio.bytes", "Outbound µ-law bytes."},
		{&met.AudioSendErrors, "callbot.audio.send_errors", "Failed outbound socket writes."},
		{&met.CacheLookups, "callbot.cache.lookups", "Cache lookups by cache and result."},
		{&met.ProviderRequests, "callbot.provider.requests", "External requests by provider, kind, and status."},
		{&met.ProviderErrors, "callbot.provider.errors", "External errors by provider and kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("callbot.calls.active",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Call it after [InitProvider].
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest increments ProviderRequests with the standard attributes.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError increments ProviderErrors with the standard attributes.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCacheLookup increments CacheLookups.
func (m *Metrics) RecordCacheLookup(ctx context.Context, cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("cache", cache),
			attribute.String("result", result),
		),
	)
}

// RecordSegment increments Segments with the given outcome.
func (m *Metrics) RecordSegment(ctx context.Context, outcome string) {
	m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
