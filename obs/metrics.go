// Package obs holds the broker's metric instruments: counters and
// histograms collected in-process via the OpenTelemetry SDK, with no OTLP
// exporter or tracing wired in — metrics are exposed for collection, never
// shipped off-box by this package.
package obs

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewProvider creates a MeterProvider backed by an in-process
// ManualReader, suitable for a broker that exposes its own metrics
// endpoint without depending on an OTLP collector.
func NewProvider() (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return provider, reader
}

// Metrics holds the instruments the broker records against during normal
// operation.
type Metrics struct {
	meter metric.Meter

	publishTotal     metric.Int64Counter
	qos0DroppedTotal metric.Int64Counter
	fanOutSize       metric.Int64Histogram
	sessionsActive   metric.Int64UpDownCounter
	retainedMessages metric.Int64UpDownCounter
}

// NewMetrics initializes every instrument against mp's meter.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{meter: mp.Meter("flashmq")}

	var err error
	if m.publishTotal, err = m.meter.Int64Counter(
		"flashmq.publish.total",
		metric.WithDescription("Total PUBLISH packets accepted"),
	); err != nil {
		return nil, fmt.Errorf("obs: publishTotal: %w", err)
	}

	if m.qos0DroppedTotal, err = m.meter.Int64Counter(
		"flashmq.publish.qos0_dropped.total",
		metric.WithDescription("QoS0 publishes dropped because a write buffer could not grow enough"),
	); err != nil {
		return nil, fmt.Errorf("obs: qos0DroppedTotal: %w", err)
	}

	if m.fanOutSize, err = m.meter.Int64Histogram(
		"flashmq.publish.fan_out_size",
		metric.WithDescription("Number of recipients a single publish fanned out to"),
	); err != nil {
		return nil, fmt.Errorf("obs: fanOutSize: %w", err)
	}

	if m.sessionsActive, err = m.meter.Int64UpDownCounter(
		"flashmq.sessions.active",
		metric.WithDescription("Number of registered sessions"),
	); err != nil {
		return nil, fmt.Errorf("obs: sessionsActive: %w", err)
	}

	if m.retainedMessages, err = m.meter.Int64UpDownCounter(
		"flashmq.retained.messages",
		metric.WithDescription("Number of retained messages currently stored"),
	); err != nil {
		return nil, fmt.Errorf("obs: retainedMessages: %w", err)
	}

	return m, nil
}

// RecordPublish counts one accepted PUBLISH and the number of subscribers
// it fanned out to.
func (m *Metrics) RecordPublish(recipients int) {
	ctx := context.Background()
	m.publishTotal.Add(ctx, 1)
	m.fanOutSize.Record(ctx, int64(recipients))
}

// RecordQoS0Drop counts a QoS0 publish dropped for want of write-buffer space.
func (m *Metrics) RecordQoS0Drop() {
	m.qos0DroppedTotal.Add(context.Background(), 1)
}

// RecordSessionRegistered/RecordSessionRemoved track active session count.
func (m *Metrics) RecordSessionRegistered() {
	m.sessionsActive.Add(context.Background(), 1)
}

func (m *Metrics) RecordSessionRemoved() {
	m.sessionsActive.Add(context.Background(), -1)
}

// RecordRetainedSet/RecordRetainedDeleted track retained message count.
func (m *Metrics) RecordRetainedSet() {
	m.retainedMessages.Add(context.Background(), 1)
}

func (m *Metrics) RecordRetainedDeleted() {
	m.retainedMessages.Add(context.Background(), -1)
}
