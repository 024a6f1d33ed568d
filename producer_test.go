package streamhub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeSender records sent batches. An optional block channel stalls
// Send until closed, and err makes every Send fail.
type fakeSender struct {
	mu      sync.Mutex
	batches []*Batch
	err     error
	block   chan struct{}
}

func (s *fakeSender) Open(ctx context.Context) error { return nil }

func (s *fakeSender) Send(ctx context.Context, batch *Batch) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *fakeSender) Close(ctx context.Context) error { return nil }

// fakeTransport hands out fakeSenders for a fixed partition set.
type fakeTransport struct {
	ids     []string
	sendErr error
	block   chan struct{}

	mu      sync.Mutex
	senders map[string]*fakeSender
	closed  bool
}

func newFakeTransport(ids ...string) *fakeTransport {
	if len(ids) == 0 {
		ids = []string{"0", "1", "2", "3"}
	}
	return &fakeTransport{ids: ids, senders: make(map[string]*fakeSender)}
}

func (t *fakeTransport) PartitionIDs(ctx context.Context) ([]string, error) {
	return t.ids, nil
}

func (t *fakeTransport) NewSender(partitionID string) (Sender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &fakeSender{err: t.sendErr, block: t.block}
	t.senders[partitionID] = s
	return s, nil
}

func (t *fakeTransport) NewReceiver(partitionID string, start StartPosition) (Receiver, error) {
	return nil, errors.New("fakeTransport does not receive")
}

func (t *fakeTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// recorder collects callback invocations.
type recorder struct {
	mu        sync.Mutex
	successes []recordedCall
	failures  []recordedCall
}

type recordedCall struct {
	events      []*Event
	partitionID string
	err         error
}

func (r *recorder) onSuccess(events []*Event, partitionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, recordedCall{events: events, partitionID: partitionID})
}

func (r *recorder) onError(events []*Event, partitionID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, recordedCall{events: events, partitionID: partitionID, err: err})
}

func (r *recorder) successCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.successes)
}

func (r *recorder) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

func newTestProducer(t *testing.T, transport Transport, rec *recorder, opts ...Option) *BufferedProducer {
	t.Helper()
	all := append([]Option{
		WithOnSuccess(rec.onSuccess),
		WithOnError(rec.onError),
		WithMetrics(false),
		WithTracing(false),
	}, opts...)
	p, err := NewBufferedProducer(transport, all...)
	if err != nil {
		t.Fatalf("NewBufferedProducer failed: %v", err)
	}
	return p
}

func makeEvents(n int, prefix string) []*Event {
	events := make([]*Event, n)
	for i := range events {
		events[i] = NewEvent([]byte(fmt.Sprintf("%s-%d", prefix, i)))
	}
	return events
}

func TestNewBufferedProducerRequiresCallbacks(t *testing.T) {
	transport := newFakeTransport()
	if _, err := NewBufferedProducer(transport); !errors.Is(err, ErrMissingCallback) {
		t.Errorf("expected ErrMissingCallback, got %v", err)
	}
	if _, err := NewBufferedProducer(transport, WithOnSuccess(func([]*Event, string) {})); !errors.Is(err, ErrMissingCallback) {
		t.Errorf("expected ErrMissingCallback without OnError, got %v", err)
	}
}

// Overfilling the buffer in one call must flush mid-call rather than
// fail: 12 events into a 10-event buffer close two batches, one per
// flush.
func TestEnqueueOverflowFlushesMidCall(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	rec := &recorder{}
	p := newTestProducer(t, transport, rec,
		WithMaxBufferLength(10),
		WithMaxWaitTime(time.Second),
		WithMaxConcurrentSends(1),
	)
	defer p.Close(ctx, false)

	if err := p.Enqueue(ctx, makeEvents(12, "ev"), ToPartition("0")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if got := p.BufferedEventCount("0"); got != 0 {
		t.Errorf("BufferedEventCount = %d, want 0", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.successes) != 2 {
		t.Fatalf("OnSuccess called %d times, want 2", len(rec.successes))
	}
	total := 0
	for _, call := range rec.successes {
		if call.partitionID != "0" {
			t.Errorf("OnSuccess partition = %q, want %q", call.partitionID, "0")
		}
		total += len(call.events)
	}
	if total != 12 {
		t.Errorf("flushed %d events, want 12", total)
	}
	if len(rec.failures) != 0 {
		t.Errorf("unexpected OnError calls: %d", len(rec.failures))
	}
}

// Below the buffer limit no call may time out and every event must land
// in exactly one flushed batch.
func TestEnqueueNoLossNoDuplication(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	rec := &recorder{}
	p := newTestProducer(t, transport, rec,
		WithMaxBufferLength(100),
		WithMaxWaitTime(0),
	)
	defer p.Close(ctx, false)

	seen := make(map[string]int)
	for call := 0; call < 5; call++ {
		events := makeEvents(10, fmt.Sprintf("call%d", call))
		for _, ev := range events {
			seen[string(ev.Body)] = 0
		}
		if err := p.Enqueue(ctx, events, WithKey(fmt.Sprintf("key-%d", call))); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := p.TotalBufferedEventCount(); got != 0 {
		t.Errorf("TotalBufferedEventCount = %d, want 0", got)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, call := range rec.successes {
		for _, ev := range call.events {
			seen[string(ev.Body)]++
		}
	}
	for body, n := range seen {
		if n != 1 {
			t.Errorf("event %q flushed %d times, want exactly once", body, n)
		}
	}
}

// A transport failure is reported exactly once through OnError and
// never raised from Flush.
func TestSendFailureReportedViaOnError(t *testing.T) {
	ctx := context.Background()
	sendErr := errors.New("broker unavailable")
	transport := newFakeTransport()
	transport.sendErr = sendErr
	rec := &recorder{}
	p := newTestProducer(t, transport, rec, WithMaxWaitTime(0))
	defer p.Close(ctx, false)

	if err := p.Enqueue(ctx, makeEvents(3, "ev"), ToPartition("1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush must not surface transport errors, got %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.failures) != 1 {
		t.Fatalf("OnError called %d times, want 1", len(rec.failures))
	}
	call := rec.failures[0]
	if call.partitionID != "1" {
		t.Errorf("OnError partition = %q, want %q", call.partitionID, "1")
	}
	if len(call.events) != 3 {
		t.Errorf("OnError received %d events, want 3", len(call.events))
	}
	if !errors.Is(call.err, sendErr) {
		t.Errorf("OnError err = %v, want %v", call.err, sendErr)
	}
	if len(rec.successes) != 0 {
		t.Errorf("unexpected OnSuccess calls: %d", len(rec.successes))
	}
	if got := p.BufferedEventCount("1"); got != 0 {
		t.Errorf("failed events must leave the buffer, BufferedEventCount = %d", got)
	}
}

// A flush that cannot start before its deadline fails with
// ErrOperationTimeout.
func TestFlushTimeout(t *testing.T) {
	ctx := context.Background()
	block := make(chan struct{})
	transport := newFakeTransport()
	transport.block = block
	rec := &recorder{}
	p := newTestProducer(t, transport, rec, WithMaxWaitTime(0))

	if err := p.Enqueue(ctx, makeEvents(2, "ev"), ToPartition("0")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// First flush parks inside the blocked send and holds the per
	// partition flush token.
	firstDone := make(chan error, 1)
	go func() { firstDone <- p.Flush(ctx) }()
	time.Sleep(50 * time.Millisecond)

	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := p.Flush(timeoutCtx); !IsOperationTimeout(err) {
		t.Errorf("expected ErrOperationTimeout, got %v", err)
	}

	close(block)
	if err := <-firstDone; err != nil {
		t.Errorf("first Flush failed: %v", err)
	}
	if err := p.Close(ctx, false); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if rec.successCount() != 1 {
		t.Errorf("OnSuccess called %d times, want 1", rec.successCount())
	}
}

// The wait-time checker flushes idle buffers without an explicit Flush.
func TestBackgroundFlushAfterMaxWaitTime(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	rec := &recorder{}
	p := newTestProducer(t, transport, rec, WithMaxWaitTime(50*time.Millisecond))
	defer p.Close(ctx, false)

	if err := p.Enqueue(ctx, makeEvents(2, "ev"), ToPartition("0")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for rec.successCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("background flush never happened")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := p.BufferedEventCount("0"); got != 0 {
		t.Errorf("BufferedEventCount = %d, want 0", got)
	}
	if rec.failureCount() != 0 {
		t.Errorf("unexpected OnError calls: %d", rec.failureCount())
	}
}

func TestBufferedEventCounts(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	rec := &recorder{}
	p := newTestProducer(t, transport, rec, WithMaxWaitTime(0))
	defer p.Close(ctx, false)

	if got := p.BufferedEventCount("never-used"); got != 0 {
		t.Errorf("unknown partition count = %d, want 0", got)
	}
	if err := p.Enqueue(ctx, makeEvents(3, "a"), ToPartition("0")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := p.Enqueue(ctx, makeEvents(2, "b"), ToPartition("1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if got := p.BufferedEventCount("0"); got != 3 {
		t.Errorf("BufferedEventCount(0) = %d, want 3", got)
	}
	if got := p.TotalBufferedEventCount(); got != 5 {
		t.Errorf("TotalBufferedEventCount = %d, want 5", got)
	}
}

func TestEnqueueBatch(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	rec := &recorder{}
	p := newTestProducer(t, transport, rec, WithMaxWaitTime(0))
	defer p.Close(ctx, false)

	batch, err := NewBatch(WithBatchPartitionID("2"))
	if err != nil {
		t.Fatalf("NewBatch failed: %v", err)
	}
	for _, ev := range makeEvents(4, "ev") {
		if err := batch.Add(ev); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if err := p.EnqueueBatch(ctx, batch); err != nil {
		t.Fatalf("EnqueueBatch failed: %v", err)
	}
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.successes) != 1 {
		t.Fatalf("OnSuccess called %d times, want 1", len(rec.successes))
	}
	if rec.successes[0].partitionID != "2" {
		t.Errorf("partition = %q, want %q", rec.successes[0].partitionID, "2")
	}
	if len(rec.successes[0].events) != 4 {
		t.Errorf("flushed %d events, want 4", len(rec.successes[0].events))
	}
}

func TestCloseFlushesAndRejectsFurtherWork(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	rec := &recorder{}
	p := newTestProducer(t, transport, rec, WithMaxWaitTime(0))

	if err := p.Enqueue(ctx, makeEvents(5, "ev"), ToPartition("0")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := p.Close(ctx, true); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if rec.successCount() != 1 {
		t.Errorf("OnSuccess called %d times, want 1", rec.successCount())
	}
	if !transport.closed {
		t.Error("Close must close the transport")
	}
	if err := p.Enqueue(ctx, makeEvents(1, "late"), ToPartition("0")); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("expected ErrProducerClosed, got %v", err)
	}
	// Second close is a no-op.
	if err := p.Close(ctx, true); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

// Concurrent enqueues to one partition must never drive the buffered
// count past the configured limit, even while a stalled sender keeps
// the flush path from draining. The capacity check and the append must
// happen under one lock acquisition for this to hold.
func TestConcurrentEnqueueRespectsBufferLimit(t *testing.T) {
	const limit = 10

	for iter := 0; iter < 100; iter++ {
		block := make(chan struct{})
		transport := newFakeTransport()
		transport.block = block
		rec := &recorder{}
		p := newTestProducer(t, transport, rec,
			WithMaxBufferLength(limit),
			WithMaxWaitTime(0),
		)

		// Prime the partition so the overflow poller has something to
		// observe from the first instant of the race.
		if err := p.Enqueue(context.Background(), makeEvents(1, "seed"), ToPartition("0")); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}

		stopPoll := make(chan struct{})
		overflow := make(chan int, 1)
		go func() {
			for {
				select {
				case <-stopPoll:
					return
				default:
				}
				if n := p.BufferedEventCount("0"); n > limit {
					select {
					case overflow <- n:
					default:
					}
				}
			}
		}()

		var wg sync.WaitGroup
		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
				defer cancel()
				batch, err := NewBatchFromEvents(makeEvents(6, fmt.Sprintf("i%d-g%d", iter, g)), WithBatchPartitionID("0"))
				if err != nil {
					t.Errorf("NewBatchFromEvents failed: %v", err)
					return
				}
				// With the sender stalled at most one batch fits; the
				// loser times out.
				if err := p.EnqueueBatch(ctx, batch); err != nil && !IsOperationTimeout(err) {
					t.Errorf("EnqueueBatch failed: %v", err)
				}
			}(g)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()
			if err := p.Enqueue(ctx, makeEvents(6, fmt.Sprintf("i%d-put", iter)), ToPartition("0")); err != nil && !IsOperationTimeout(err) {
				t.Errorf("Enqueue failed: %v", err)
			}
		}()
		wg.Wait()
		close(stopPoll)

		select {
		case n := <-overflow:
			t.Fatalf("buffered count reached %d, limit is %d", n, limit)
		default:
		}

		close(block)
		if err := p.Close(context.Background(), false); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}
}

// Events enqueued with the same key always land on the same partition.
func TestEnqueueKeyedRouting(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	rec := &recorder{}
	p := newTestProducer(t, transport, rec, WithMaxWaitTime(0))
	defer p.Close(ctx, false)

	for i := 0; i < 5; i++ {
		if err := p.Enqueue(ctx, makeEvents(1, fmt.Sprintf("e%d", i)), WithKey("stable-key")); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	partitions := make(map[string]bool)
	for _, call := range rec.successes {
		partitions[call.partitionID] = true
	}
	if len(partitions) != 1 {
		t.Errorf("keyed events landed on %d partitions, want 1: %v", len(partitions), partitions)
	}
}
