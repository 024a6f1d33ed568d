package streamhub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// partitionProducer buffers events for one partition, accumulating them
// into size-bounded batches and shipping completed batches with bounded
// concurrency and a maximum dwell time.
//
// Invariants:
//   - bufferedCount never exceeds cfg.maxBufferLength.
//   - Every buffered event is in exactly one of: the current batch, one
//     queued batch, or a batch in flight to the sender.
//   - Batches are dispatched in the order they were closed (FIFO).
//   - No lock is held across a network call.
type partitionProducer struct {
	partitionID string
	sender      Sender
	cfg         *producerConfig
	metrics     Metrics
	logger      *slog.Logger

	mu            sync.Mutex
	queue         []*Batch // closed batches awaiting send, FIFO
	curBatch      *Batch   // batch currently being filled
	bufferedCount int      // events in queue + curBatch
	lastSendTime  time.Time
	running       bool

	// flushTok serializes queue drains; acquired with a context so
	// callers honor their deadlines instead of piling up.
	flushTok chan struct{}

	// sendSem bounds concurrent in-flight sends.
	sendSem chan struct{}

	wake        chan struct{} // signaled on enqueue, latency hint for the checker
	stop        chan struct{}
	checkerDone chan struct{}
	inflight    sync.WaitGroup

	flushCtx    context.Context // governs background sends, canceled on hard stop
	flushCancel context.CancelFunc
}

func newPartitionProducer(partitionID string, sender Sender, cfg *producerConfig, m Metrics) *partitionProducer {
	p := &partitionProducer{
		partitionID: partitionID,
		sender:      sender,
		cfg:         cfg,
		metrics:     m,
		logger:      cfg.logger.With("partition_id", partitionID),
		flushTok:    make(chan struct{}, 1),
		sendSem:     make(chan struct{}, cfg.maxConcurrentSends),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		checkerDone: make(chan struct{}),
	}
	p.flushTok <- struct{}{}
	return p
}

func (p *partitionProducer) newBatch() *Batch {
	return &Batch{maxSizeInBytes: p.cfg.maxBatchSize, partitionID: p.partitionID}
}

// start opens the sender and, if a wait time is configured, spawns the
// background wait-time checker.
func (p *partitionProducer) start(ctx context.Context) error {
	if err := p.sender.Open(ctx); err != nil {
		return err
	}

	p.flushCtx, p.flushCancel = context.WithCancel(context.Background())

	p.mu.Lock()
	p.running = true
	p.curBatch = p.newBatch()
	p.lastSendTime = time.Now()
	p.mu.Unlock()

	if p.cfg.maxWaitTime > 0 {
		go p.waitTimeChecker()
	} else {
		close(p.checkerDone)
	}
	return nil
}

// put appends events to the buffer. When the buffer fills mid-call, put
// flushes synchronously (blocking up to the caller's deadline) before
// accepting the remainder; if the flush does not free room the call
// fails with ErrOperationTimeout. On a mid-call error the events
// already accepted stay buffered.
func (p *partitionProducer) put(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	accepted := 0
	defer func() { p.acceptedEvents(ctx, accepted) }()

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrProducerClosed
	}
	for _, ev := range events {
		if p.bufferedCount >= p.cfg.maxBufferLength {
			p.mu.Unlock()
			if err := p.flush(ctx, true); err != nil {
				return err
			}
			p.mu.Lock()
			if !p.running {
				p.mu.Unlock()
				return ErrProducerClosed
			}
			if p.bufferedCount >= p.cfg.maxBufferLength {
				p.mu.Unlock()
				return operationTimeout("buffer full after flush", nil)
			}
		}
		if err := p.appendLocked(ev); err != nil {
			p.mu.Unlock()
			return err
		}
		p.bufferedCount++
		accepted++
	}
	p.mu.Unlock()
	return nil
}

// acceptedEvents records the outcome of a put call.
func (p *partitionProducer) acceptedEvents(ctx context.Context, n int) {
	if n > 0 {
		p.signalWake()
		p.metrics.EventsEnqueued(ctx, p.partitionID, n)
	}
}

// putBatch enqueues a caller-built batch directly, behind the current
// batch so arrival order is preserved. The capacity check and the
// append share one lock acquisition; a concurrent caller cannot slip
// in between them and overfill the buffer.
func (p *partitionProducer) putBatch(ctx context.Context, batch *Batch) error {
	incoming := batch.Count()
	if incoming == 0 {
		return nil
	}
	if incoming > p.cfg.maxBufferLength {
		return fmt.Errorf("%w: %d events can never fit a buffer of %d",
			ErrOperationTimeout, incoming, p.cfg.maxBufferLength)
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrProducerClosed
	}
	if p.cfg.maxBufferLength-p.bufferedCount < incoming {
		p.mu.Unlock()
		if err := p.flush(ctx, true); err != nil {
			return err
		}
		p.mu.Lock()
		if !p.running {
			p.mu.Unlock()
			return ErrProducerClosed
		}
		if p.cfg.maxBufferLength-p.bufferedCount < incoming {
			p.mu.Unlock()
			return operationTimeout("buffer full after flush", nil)
		}
	}
	if p.curBatch.Count() > 0 {
		p.queue = append(p.queue, p.curBatch)
	}
	p.queue = append(p.queue, batch)
	p.curBatch = p.newBatch()
	p.bufferedCount += incoming
	p.mu.Unlock()

	p.signalWake()
	p.metrics.EventsEnqueued(ctx, p.partitionID, incoming)
	return nil
}

// appendLocked adds one event to the current batch, closing it into the
// queue and opening a fresh one when full. Callers hold p.mu.
func (p *partitionProducer) appendLocked(ev *Event) error {
	err := p.curBatch.Add(ev)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrBatchFull) {
		// Oversized event or key conflict: nothing to retry.
		return err
	}
	p.queue = append(p.queue, p.curBatch)
	p.curBatch = p.newBatch()
	return p.curBatch.Add(ev)
}

func (p *partitionProducer) signalWake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// flush drains the queue, closing the current batch into it first.
// Each batch waits for a send slot; on a slot timeout the batch stays
// queued and flush either fails with ErrOperationTimeout
// (raiseOnTimeout) or gives up quietly (background path). flush returns
// after every batch it dispatched has completed.
func (p *partitionProducer) flush(ctx context.Context, raiseOnTimeout bool) error {
	select {
	case <-p.flushTok:
	case <-ctx.Done():
		if raiseOnTimeout {
			return operationTimeout("flush already in progress", ctx.Err())
		}
		return nil
	}
	defer func() { p.flushTok <- struct{}{} }()

	p.mu.Lock()
	if p.curBatch.Count() > 0 {
		p.queue = append(p.queue, p.curBatch)
		p.curBatch = p.newBatch()
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	var slotErr error

	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			break
		}
		batch := p.queue[0]
		p.mu.Unlock()

		acquired := false
		select {
		case p.sendSem <- struct{}{}:
			acquired = true
		case <-ctx.Done():
		}
		if !acquired {
			p.logger.Warn("timed out waiting for a send slot",
				"queued_batches", p.queuedBatches())
			if raiseOnTimeout {
				slotErr = operationTimeout("acquire send slot", ctx.Err())
			}
			break
		}

		// Only the token holder pops, so the head is still batch.
		p.mu.Lock()
		p.queue = p.queue[1:]
		p.mu.Unlock()

		wg.Add(1)
		p.inflight.Add(1)
		go p.sendBatch(ctx, batch, &wg)
	}

	wg.Wait()

	p.mu.Lock()
	p.lastSendTime = time.Now()
	p.mu.Unlock()
	return slotErr
}

// sendBatch ships one batch and reports the outcome through the user
// callbacks. Transport errors never propagate out of this path.
func (p *partitionProducer) sendBatch(ctx context.Context, batch *Batch, wg *sync.WaitGroup) {
	defer wg.Done()
	defer p.inflight.Done()
	defer func() { <-p.sendSem }()

	var span trace.Span
	if p.cfg.tracingEnabled {
		ctx, span = otel.Tracer(instrumentationName).Start(ctx, "streamhub.send_batch",
			trace.WithAttributes(
				attribute.String("partition_id", p.partitionID),
				attribute.Int("batch.count", batch.Count()),
				attribute.Int("batch.size_bytes", batch.SizeInBytes()),
			))
		defer span.End()
	}

	err := p.sender.Send(ctx, batch)

	p.mu.Lock()
	p.bufferedCount -= batch.Count()
	p.mu.Unlock()

	events := batch.Events()
	if err != nil {
		if span != nil {
			span.RecordError(err)
		}
		p.logger.Warn("batch send failed", "count", batch.Count(), "error", err)
		p.metrics.SendFailed(ctx, p.partitionID, batch.Count())
		p.invokeOnError(events, err)
		return
	}
	p.metrics.BatchSent(ctx, p.partitionID, batch.Count(), batch.SizeInBytes())
	p.invokeOnSuccess(events)
}

// invokeOnSuccess calls the user success callback; a panic inside it is
// rerouted to OnError.
func (p *partitionProducer) invokeOnSuccess(events []*Event) {
	defer func() {
		if r := recover(); r != nil {
			p.invokeOnError(events, fmt.Errorf("panic in OnSuccess callback: %v", r))
		}
	}()
	p.cfg.onSuccess(events, p.partitionID)
}

// invokeOnError calls the user error callback; a panic inside OnError
// itself is only logged, to prevent recursion.
func (p *partitionProducer) invokeOnError(events []*Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in OnError callback", "panic", r)
		}
	}()
	p.cfg.onError(events, p.partitionID, err)
}

// waitTimeChecker flushes the buffer after maxWaitTime of send
// inactivity. It runs until stop; errors on this path are reported via
// OnError by the flush machinery, never raised.
func (p *partitionProducer) waitTimeChecker() {
	defer close(p.checkerDone)

	timer := time.NewTimer(p.cfg.maxWaitTime)
	defer timer.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
			// New data; recompute the remaining dwell below.
		case <-timer.C:
			p.mu.Lock()
			buffered := p.bufferedCount
			idle := time.Since(p.lastSendTime)
			p.mu.Unlock()
			if buffered > 0 && idle >= p.cfg.maxWaitTime {
				_ = p.flush(p.flushCtx, false)
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		p.mu.Lock()
		remaining := p.cfg.maxWaitTime - time.Since(p.lastSendTime)
		p.mu.Unlock()
		if remaining < time.Millisecond {
			remaining = time.Millisecond
		}
		timer.Reset(remaining)
	}
}

// stopProducer halts the producer: optionally a final raising flush,
// then the checker is stopped, in-flight sends are awaited and the
// sender closed. When the caller's context expires mid-shutdown the
// remaining background work is canceled instead of awaited.
func (p *partitionProducer) stopProducer(ctx context.Context, flushFirst bool) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	var flushErr error
	if flushFirst {
		flushErr = p.flush(ctx, true)
	}

	close(p.stop)
	select {
	case <-p.checkerDone:
	case <-ctx.Done():
		p.flushCancel()
	}
	<-p.checkerDone
	p.inflight.Wait()
	p.flushCancel()

	closeErr := p.sender.Close(ctx)
	return errors.Join(flushErr, closeErr)
}

func (p *partitionProducer) bufferedLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bufferedCount
}

func (p *partitionProducer) queuedBatches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
