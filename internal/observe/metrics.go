// Package observe provides observability primitives for voxlink:
// OpenTelemetry metrics, distributed tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so the pipeline counters can
// be scraped from /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxlink metrics.
const meterName = "github.com/MrWong99/voxlink"

// Metrics holds all OpenTelemetry metric instruments for the client.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time to establish the service connection.
	ConnectDuration metric.Float64Histogram

	// EncodeDuration tracks per-frame uplink Opus encode latency.
	EncodeDuration metric.Float64Histogram

	// DecodeDuration tracks per-packet downlink decode latency.
	DecodeDuration metric.Float64Histogram

	// PlaybackDelay tracks backpressure delays inserted before playback.
	PlaybackDelay metric.Float64Histogram

	// --- Counters ---

	// UplinkPackets counts audio frames sent to the service.
	UplinkPackets metric.Int64Counter

	// UplinkErrors counts skipped uplink frames. Use with attribute:
	//   attribute.String("stage", "encode"|"marshal"|"send")
	UplinkErrors metric.Int64Counter

	// DownlinkPackets counts audio packets accepted into the playback queue.
	DownlinkPackets metric.Int64Counter

	// DownlinkDrops counts downlink packets lost. Use with attribute:
	//   attribute.String("reason", "buffer_full"|"base64"|"too_large")
	DownlinkDrops metric.Int64Counter

	// DownlinkDecodeErrors counts packets the decoder rejected.
	DownlinkDecodeErrors metric.Int64Counter

	// FramedMessages counts inbound messages handed to the dispatcher.
	FramedMessages metric.Int64Counter

	// FramingDrops counts inbound messages lost in the framing bridge. Use
	// with attribute:
	//   attribute.String("reason", "oversized"|"dropped"|"reset")
	FramingDrops metric.Int64Counter

	// ProtocolEvents counts dispatched envelopes. Use with attribute:
	//   attribute.String("event_type", ...)
	ProtocolEvents metric.Int64Counter

	// ProtocolErrors counts error envelopes and failed chats.
	ProtocolErrors metric.Int64Counter

	// EventDrops counts session events discarded because the consumer was
	// not keeping up.
	EventDrops metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection and playback delays.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// codecBuckets covers sub-millisecond to tens-of-milliseconds codec work.
var codecBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("voxlink.connect.duration",
		metric.WithDescription("Latency of establishing the service connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EncodeDuration, err = m.Float64Histogram("voxlink.uplink.encode.duration",
		metric.WithDescription("Latency of encoding one uplink audio frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(codecBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeDuration, err = m.Float64Histogram("voxlink.downlink.decode.duration",
		metric.WithDescription("Latency of decoding one downlink audio packet."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(codecBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDelay, err = m.Float64Histogram("voxlink.downlink.playback_delay",
		metric.WithDescription("Backpressure delay inserted before playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.UplinkPackets, err = m.Int64Counter("voxlink.uplink.packets",
		metric.WithDescription("Total audio frames sent to the service."),
	); err != nil {
		return nil, err
	}
	if met.UplinkErrors, err = m.Int64Counter("voxlink.uplink.errors",
		metric.WithDescription("Total uplink frames skipped by stage."),
	); err != nil {
		return nil, err
	}
	if met.DownlinkPackets, err = m.Int64Counter("voxlink.downlink.packets",
		metric.WithDescription("Total downlink audio packets queued for decoding."),
	); err != nil {
		return nil, err
	}
	if met.DownlinkDrops, err = m.Int64Counter("voxlink.downlink.drops",
		metric.WithDescription("Total downlink audio packets dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.DownlinkDecodeErrors, err = m.Int64Counter("voxlink.downlink.decode_errors",
		metric.WithDescription("Total downlink audio packets that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.FramedMessages, err = m.Int64Counter("voxlink.framing.messages",
		metric.WithDescription("Total inbound messages reconstructed by the framing bridge."),
	); err != nil {
		return nil, err
	}
	if met.FramingDrops, err = m.Int64Counter("voxlink.framing.drops",
		metric.WithDescription("Total inbound messages lost in the framing bridge by reason."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolEvents, err = m.Int64Counter("voxlink.protocol.events",
		metric.WithDescription("Total protocol events dispatched by event type."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("voxlink.protocol.errors",
		metric.WithDescription("Total error events reported by the service."),
	); err != nil {
		return nil, err
	}
	if met.EventDrops, err = m.Int64Counter("voxlink.session.event_drops",
		metric.WithDescription("Total session events dropped because the consumer lagged."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxlink.active_sessions",
		metric.WithDescription("Number of connected sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxlink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordUplinkError records one skipped uplink frame at the given stage.
func (m *Metrics) RecordUplinkError(ctx context.Context, stage string) {
	m.UplinkErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordDownlinkDrop records one lost downlink packet.
func (m *Metrics) RecordDownlinkDrop(ctx context.Context, reason string) {
	m.DownlinkDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFramingDrop records one inbound message lost in the framing bridge.
func (m *Metrics) RecordFramingDrop(ctx context.Context, reason string) {
	m.FramingDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordProtocolEvent records one dispatched envelope.
func (m *Metrics) RecordProtocolEvent(ctx context.Context, eventType string) {
	m.ProtocolEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordDuration records d in seconds on h.
func RecordDuration(ctx context.Context, h metric.Float64Histogram, d time.Duration) {
	h.Record(ctx, d.Seconds())
}
