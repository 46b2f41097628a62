// Package observe provides application-wide observability primitives for
// earstream: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all earstream metrics.
const meterName = "github.com/openwear/earstream"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Ingestion ---

	// FramesAppended counts audio frames written to the durable log. Use
	// with attribute.String("client_id", ...).
	FramesAppended metric.Int64Counter

	// FramesConsumed counts frames delivered to a consumer group. Use with
	// attribute.String("group", ...).
	FramesConsumed metric.Int64Counter

	// --- Transcription ---

	// ChunksPublished counts transcript chunks written to result streams.
	// Use with attribute.String("provider", ...), attribute.String("mode", ...).
	ChunksPublished metric.Int64Counter

	// ASRReconnects counts streaming provider reconnect attempts. Use with
	// attribute.String("provider", ...), attribute.String("status", ...).
	ASRReconnects metric.Int64Counter

	// BatchTranscribeDuration tracks batch ASR request latency.
	BatchTranscribeDuration metric.Float64Histogram

	// --- Persistence ---

	// AudioBytesWritten counts PCM bytes persisted to WAV files.
	AudioBytesWritten metric.Int64Counter

	// FileRotations counts WAV file rotations. Use with
	// attribute.String("kind", "conversation"|"orphan"|"end").
	FileRotations metric.Int64Counter

	// --- Jobs ---

	// JobRetries counts post-conversation job retry attempts. Use with
	// attribute.String("job", ...).
	JobRetries metric.Int64Counter

	// PostJobDuration tracks post-conversation job latency. Use with
	// attribute.String("job", ...), attribute.String("status", ...).
	PostJobDuration metric.Float64Histogram

	// ConversationsFinalized counts closed conversations. Use with
	// attribute.String("reason", ...).
	ConversationsFinalized metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live ingest sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveWorkers tracks running consumer workers. Use with
	// attribute.String("group", ...).
	ActiveWorkers metric.Int64UpDownCounter

	// OpenConversations tracks conversations currently being monitored.
	OpenConversations metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for pipeline latencies from sub-second ASR round-trips up to slow LLM jobs.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesAppended, err = m.Int64Counter("earstream.frames.appended",
		metric.WithDescription("Total audio frames appended to the durable log by client."),
	); err != nil {
		return nil, err
	}
	if met.FramesConsumed, err = m.Int64Counter("earstream.frames.consumed",
		metric.WithDescription("Total audio frames delivered to consumer groups."),
	); err != nil {
		return nil, err
	}
	if met.ChunksPublished, err = m.Int64Counter("earstream.chunks.published",
		metric.WithDescription("Total transcript chunks published by provider and mode."),
	); err != nil {
		return nil, err
	}
	if met.ASRReconnects, err = m.Int64Counter("earstream.asr.reconnects",
		metric.WithDescription("Total streaming ASR reconnect attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesWritten, err = m.Int64Counter("earstream.audio.bytes_written",
		metric.WithDescription("Total PCM bytes persisted to WAV files."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FileRotations, err = m.Int64Counter("earstream.audio.rotations",
		metric.WithDescription("Total WAV file rotations by kind."),
	); err != nil {
		return nil, err
	}
	if met.JobRetries, err = m.Int64Counter("earstream.job.retries",
		metric.WithDescription("Total job retry attempts by job name."),
	); err != nil {
		return nil, err
	}
	if met.ConversationsFinalized, err = m.Int64Counter("earstream.conversations.finalized",
		metric.WithDescription("Total conversations finalized by end reason."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.BatchTranscribeDuration, err = m.Float64Histogram("earstream.asr.batch.duration",
		metric.WithDescription("Latency of batch ASR requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PostJobDuration, err = m.Float64Histogram("earstream.job.duration",
		metric.WithDescription("Latency of post-conversation jobs by job and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("earstream.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("earstream.active_sessions",
		metric.WithDescription("Number of live ingest sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveWorkers, err = m.Int64UpDownCounter("earstream.active_workers",
		metric.WithDescription("Number of running consumer workers by group."),
	); err != nil {
		return nil, err
	}
	if met.OpenConversations, err = m.Int64UpDownCounter("earstream.open_conversations",
		metric.WithDescription("Number of conversations currently monitored."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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
