package streamhub

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/rbaliyan/streamhub"

var _ Metrics = (*otelMetrics)(nil)
var _ Metrics = noopMetrics{}

// Metrics records producer and processor activity. The default
// implementation is backed by OpenTelemetry; use WithMetrics(false) to
// disable recording.
type Metrics interface {
	// EventsEnqueued records events accepted into a partition buffer.
	EventsEnqueued(ctx context.Context, partitionID string, count int)
	// BatchSent records a successfully published batch.
	BatchSent(ctx context.Context, partitionID string, events, bytes int)
	// SendFailed records a failed batch publish.
	SendFailed(ctx context.Context, partitionID string, events int)
	// PartitionsOwned records the change in owned partition count.
	PartitionsOwned(ctx context.Context, delta int)
	// OwnershipClaimed records a granted ownership claim.
	OwnershipClaimed(ctx context.Context, partitionID string)
}

type noopMetrics struct{}

func (noopMetrics) EventsEnqueued(context.Context, string, int) {}
func (noopMetrics) BatchSent(context.Context, string, int, int) {}
func (noopMetrics) SendFailed(context.Context, string, int)     {}
func (noopMetrics) PartitionsOwned(context.Context, int)        {}
func (noopMetrics) OwnershipClaimed(context.Context, string)    {}

type otelMetrics struct {
	enqueued        metric.Int64Counter
	batchesSent     metric.Int64Counter
	eventsSent      metric.Int64Counter
	bytesSent       metric.Int64Counter
	sendFailures    metric.Int64Counter
	eventsFailed    metric.Int64Counter
	partitionsOwned metric.Int64UpDownCounter
	claims          metric.Int64Counter
}

// newMetrics builds the OpenTelemetry metric set, or a no-op set when
// disabled.
func newMetrics(enabled bool) Metrics {
	if !enabled {
		return noopMetrics{}
	}
	meter := otel.Meter(instrumentationName)

	m := &otelMetrics{}
	m.enqueued, _ = meter.Int64Counter("streamhub.events.enqueued",
		metric.WithDescription("Events accepted into partition buffers"))
	m.batchesSent, _ = meter.Int64Counter("streamhub.batches.sent",
		metric.WithDescription("Batches successfully published"))
	m.eventsSent, _ = meter.Int64Counter("streamhub.events.sent",
		metric.WithDescription("Events successfully published"))
	m.bytesSent, _ = meter.Int64Counter("streamhub.bytes.sent",
		metric.WithDescription("Encoded bytes successfully published"))
	m.sendFailures, _ = meter.Int64Counter("streamhub.batches.failed",
		metric.WithDescription("Batches that failed to publish"))
	m.eventsFailed, _ = meter.Int64Counter("streamhub.events.failed",
		metric.WithDescription("Events in batches that failed to publish"))
	m.partitionsOwned, _ = meter.Int64UpDownCounter("streamhub.partitions.owned",
		metric.WithDescription("Partitions currently owned by this processor"))
	m.claims, _ = meter.Int64Counter("streamhub.ownership.claims",
		metric.WithDescription("Ownership claims granted to this processor"))
	return m
}

func partitionAttr(partitionID string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("partition_id", partitionID))
}

func (m *otelMetrics) EventsEnqueued(ctx context.Context, partitionID string, count int) {
	m.enqueued.Add(ctx, int64(count), partitionAttr(partitionID))
}

func (m *otelMetrics) BatchSent(ctx context.Context, partitionID string, events, bytes int) {
	m.batchesSent.Add(ctx, 1, partitionAttr(partitionID))
	m.eventsSent.Add(ctx, int64(events), partitionAttr(partitionID))
	m.bytesSent.Add(ctx, int64(bytes), partitionAttr(partitionID))
}

func (m *otelMetrics) SendFailed(ctx context.Context, partitionID string, events int) {
	m.sendFailures.Add(ctx, 1, partitionAttr(partitionID))
	m.eventsFailed.Add(ctx, int64(events), partitionAttr(partitionID))
}

func (m *otelMetrics) PartitionsOwned(ctx context.Context, delta int) {
	m.partitionsOwned.Add(ctx, int64(delta))
}

func (m *otelMetrics) OwnershipClaimed(ctx context.Context, partitionID string) {
	m.claims.Add(ctx, 1, partitionAttr(partitionID))
}
