package livebus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/livebus/lib/telemetry"
)

// busMetrics groups the OpenTelemetry instruments recorded by a Bus. Every method is
// safe on a nil receiver.
type busMetrics struct {
	published       metric.Int64Counter
	delivered       metric.Int64Counter
	deliveryErrors  metric.Int64Counter
	replays         metric.Int64Counter
	evictions       metric.Int64Counter
	subscribers     metric.Int64UpDownCounter
	channels        metric.Int64UpDownCounter
	fanout          metric.Int64Histogram
	publishDuration metric.Float64Histogram
}

func newBusMetrics(mp metric.MeterProvider, scopeName string) *busMetrics {
	var meter metric.Meter
	if mp != nil {
		meter = mp.Meter(scopeName)
	} else {
		meter = otel.Meter(scopeName)
	}
	m := new(busMetrics)
	m.published, _ = meter.Int64Counter("livebus.values.published",
		metric.WithDescription("Number of values posted to channels"),
		metric.WithUnit("{value}"))
	m.delivered, _ = meter.Int64Counter("livebus.values.delivered",
		metric.WithDescription("Number of values handed to observers"),
		metric.WithUnit("{value}"))
	m.deliveryErrors, _ = meter.Int64Counter("livebus.delivery.errors",
		metric.WithDescription("Number of observer deliveries that failed"),
		metric.WithUnit("{error}"))
	m.replays, _ = meter.Int64Counter("livebus.delivery.replays",
		metric.WithDescription("Number of values replayed to observers that became active"),
		metric.WithUnit("{value}"))
	m.evictions, _ = meter.Int64Counter("livebus.channels.evicted",
		metric.WithDescription("Number of channels removed after their last observer left"),
		metric.WithUnit("{channel}"))
	m.subscribers, _ = meter.Int64UpDownCounter("livebus.subscribers",
		metric.WithDescription("Number of registered observers"),
		metric.WithUnit("{subscriber}"))
	m.channels, _ = meter.Int64UpDownCounter("livebus.channels",
		metric.WithDescription("Number of live channels"),
		metric.WithUnit("{channel}"))
	m.fanout, _ = meter.Int64Histogram("livebus.fanout.size",
		metric.WithDescription("Number of observers considered per publish"),
		metric.WithUnit("{subscriber}"))
	m.publishDuration, _ = meter.Float64Histogram("livebus.publish.duration",
		metric.WithDescription("Latency of publish fan-out on the dispatch loop"),
		metric.WithUnit("ms"))
	return m
}

func (m *busMetrics) recordPublish(ctx context.Context, key string, sticky bool, fanout int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.KeyAttr(key), telemetry.StickyAttr(sticky))
	if m.published != nil {
		m.published.Add(ctx, 1, attrs)
	}
	if m.fanout != nil {
		m.fanout.Record(ctx, int64(fanout), metric.WithAttributes(telemetry.KeyAttr(key)))
	}
	if m.publishDuration != nil {
		m.publishDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(telemetry.KeyAttr(key)))
	}
}

func (m *busMetrics) recordDelivery(ctx context.Context, key string, replay bool, reason string) {
	if m == nil {
		return
	}
	keyAttr := telemetry.KeyAttr(key)
	if m.delivered != nil {
		m.delivered.Add(ctx, 1, metric.WithAttributes(keyAttr))
	}
	if replay && m.replays != nil {
		m.replays.Add(ctx, 1, metric.WithAttributes(keyAttr))
	}
	if reason != "" && m.deliveryErrors != nil {
		m.deliveryErrors.Add(ctx, 1, metric.WithAttributes(keyAttr, telemetry.ReasonAttr(reason)))
	}
}

func (m *busMetrics) addSubscribers(ctx context.Context, key string, delta int64, bound bool) {
	if m == nil || m.subscribers == nil || delta == 0 {
		return
	}
	m.subscribers.Add(ctx, delta, metric.WithAttributes(
		telemetry.KeyAttr(key),
		telemetry.AttrOwnerBound.Bool(bound),
	))
}

func (m *busMetrics) addChannels(ctx context.Context, delta int64) {
	if m == nil || m.channels == nil || delta == 0 {
		return
	}
	m.channels.Add(ctx, delta)
}

func (m *busMetrics) recordEviction(ctx context.Context, key string) {
	if m == nil || m.evictions == nil {
		return
	}
	m.evictions.Add(ctx, 1, metric.WithAttributes(telemetry.KeyAttr(key)))
}
