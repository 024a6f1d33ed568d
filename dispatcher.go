package streamhub

import (
	"context"
	"log/slog"
	"sync"
)

// BufferedProducer routes outgoing events to per-partition buffers and
// publishes them in the background. Events are accumulated into
// size-bounded batches which are flushed when full, when MaxWaitTime
// elapses, or on an explicit Flush.
//
// Publish outcomes are reported through the OnSuccess and OnError
// callbacks, which are required; a send failure is never raised from
// the background path.
//
// Example:
//
//	producer, err := streamhub.NewBufferedProducer(transport,
//	    streamhub.WithOnSuccess(func(events []*streamhub.Event, pid string) {
//	        log.Printf("published %d events to %s", len(events), pid)
//	    }),
//	    streamhub.WithOnError(func(events []*streamhub.Event, pid string, err error) {
//	        log.Printf("failed to publish %d events to %s: %v", len(events), pid, err)
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer producer.Close(ctx, true)
//
//	err = producer.Enqueue(ctx, events, streamhub.WithKey("user-123"))
type BufferedProducer struct {
	transport Transport
	cfg       *producerConfig
	metrics   Metrics
	logger    *slog.Logger

	mu        sync.Mutex
	resolver  *PartitionResolver
	producers map[string]*partitionProducer
	closed    bool
}

// NewBufferedProducer creates a buffered producer over the given
// transport. The OnSuccess and OnError callbacks are required.
func NewBufferedProducer(t Transport, opts ...Option) (*BufferedProducer, error) {
	cfg := newProducerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.onSuccess == nil || cfg.onError == nil {
		return nil, ErrMissingCallback
	}
	return &BufferedProducer{
		transport: t,
		cfg:       cfg,
		metrics:   newMetrics(cfg.metricsEnabled),
		logger:    cfg.logger,
		producers: make(map[string]*partitionProducer),
	}, nil
}

// Enqueue buffers events for publishing. Routing order: an explicit
// ToPartition option, then a WithKey option, then the first event's
// PartitionKey, then round-robin. All events of one call land on the
// same partition.
//
// Enqueue blocks only when the target partition's buffer is full, in
// which case it flushes synchronously up to the context deadline and
// fails with ErrOperationTimeout if room cannot be made.
func (d *BufferedProducer) Enqueue(ctx context.Context, events []*Event, opts ...EnqueueOption) error {
	if len(events) == 0 {
		return nil
	}

	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.partitionID == "" && o.partitionKey == "" {
		o.partitionKey = events[0].PartitionKey
	}

	if err := d.waitLimiter(ctx, len(events)); err != nil {
		return err
	}

	p, err := d.producerFor(ctx, o.partitionID, o.partitionKey)
	if err != nil {
		return err
	}
	return p.put(ctx, events)
}

// EnqueueBatch buffers a caller-built batch as a unit. The batch's own
// partition pinning decides routing. The batch must not be reused after
// this call. Use NewBatchFromEvents to build one from an event slice.
func (d *BufferedProducer) EnqueueBatch(ctx context.Context, batch *Batch) error {
	if batch == nil || batch.Count() == 0 {
		return nil
	}

	if err := d.waitLimiter(ctx, batch.Count()); err != nil {
		return err
	}

	p, err := d.producerFor(ctx, batch.PartitionID(), batch.PartitionKey())
	if err != nil {
		return err
	}
	return p.putBatch(ctx, batch)
}

func (d *BufferedProducer) waitLimiter(ctx context.Context, n int) error {
	if d.cfg.limiter == nil {
		return nil
	}
	if err := d.cfg.limiter.WaitN(ctx, n); err != nil {
		return operationTimeout("publish rate limit", err)
	}
	return nil
}

// producerFor resolves the partition and returns its buffered producer,
// creating and starting one on first use (double-checked under the
// dispatcher lock).
func (d *BufferedProducer) producerFor(ctx context.Context, partitionID, partitionKey string) (*partitionProducer, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrProducerClosed
	}
	if d.resolver == nil {
		d.mu.Unlock()
		ids, err := d.transport.PartitionIDs(ctx)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		if d.resolver == nil {
			d.resolver = NewPartitionResolver(ids)
		}
	}
	resolver := d.resolver
	d.mu.Unlock()

	pid, err := resolver.Resolve(partitionID, partitionKey)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrProducerClosed
	}
	if p, ok := d.producers[pid]; ok {
		return p, nil
	}

	sender, err := d.transport.NewSender(pid)
	if err != nil {
		return nil, err
	}
	p := newPartitionProducer(pid, sender, d.cfg, d.metrics)
	if err := p.start(ctx); err != nil {
		return nil, err
	}
	d.producers[pid] = p
	d.logger.Debug("started partition producer", "partition_id", pid)
	return p, nil
}

// Flush synchronously publishes everything buffered on every partition.
// All partitions are flushed concurrently and every partition gets the
// chance to flush; failures are collected into an EventSendError.
func (d *BufferedProducer) Flush(ctx context.Context) error {
	d.mu.Lock()
	producers := make([]*partitionProducer, 0, len(d.producers))
	for _, p := range d.producers {
		producers = append(producers, p)
	}
	d.mu.Unlock()

	return d.forEach(producers, func(p *partitionProducer) error {
		return p.flush(ctx, true)
	})
}

// Close stops all partition producers, optionally flushing buffered
// events first, then closes the transport. Like Flush it attempts every
// partition before reporting an aggregate error.
func (d *BufferedProducer) Close(ctx context.Context, flush bool) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	producers := make([]*partitionProducer, 0, len(d.producers))
	for _, p := range d.producers {
		producers = append(producers, p)
	}
	d.mu.Unlock()

	stopErr := d.forEach(producers, func(p *partitionProducer) error {
		return p.stopProducer(ctx, flush)
	})

	if err := d.transport.Close(ctx); err != nil {
		d.logger.Warn("transport close failed", "error", err)
	}
	return stopErr
}

// forEach runs fn concurrently across producers and aggregates
// per-partition failures. No fail-fast: every producer runs to
// completion before the aggregate is built.
func (d *BufferedProducer) forEach(producers []*partitionProducer, fn func(*partitionProducer) error) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := make(map[string]error)

	for _, p := range producers {
		wg.Add(1)
		go func(p *partitionProducer) {
			defer wg.Done()
			if err := fn(p); err != nil {
				mu.Lock()
				failures[p.partitionID] = err
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return newEventSendError(failures)
}

// BufferedEventCount returns the number of events buffered for one
// partition. Partitions that never saw an event report 0.
func (d *BufferedProducer) BufferedEventCount(partitionID string) int {
	d.mu.Lock()
	p, ok := d.producers[partitionID]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	return p.bufferedLen()
}

// TotalBufferedEventCount returns the number of events buffered across
// all partitions.
func (d *BufferedProducer) TotalBufferedEventCount() int {
	d.mu.Lock()
	producers := make([]*partitionProducer, 0, len(d.producers))
	for _, p := range d.producers {
		producers = append(producers, p)
	}
	d.mu.Unlock()

	total := 0
	for _, p := range producers {
		total += p.bufferedLen()
	}
	return total
}
