// Package channel provides an in-memory transport implementation.
//
// Events live in per-partition append-only logs inside the process.
// Useful for tests and single-process pipelines; nothing survives a
// restart. For durable delivery use the kafka or nats transports.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/rbaliyan/streamhub"
)

// Transport errors
var (
	ErrTransportClosed  = errors.New("channel: transport is closed")
	ErrSenderClosed     = errors.New("channel: sender is closed")
	ErrReceiverClosed   = errors.New("channel: receiver is closed")
	ErrUnknownPartition = errors.New("channel: unknown partition")
)

// Transport implements streamhub.Transport over in-memory partition
// logs.
type Transport struct {
	mu     sync.Mutex
	closed bool

	ids    []string
	logs   map[string]*partitionLog
	logger *slog.Logger
}

// partitionLog is one partition's append-only event log. Appends
// assign offsets and sequence numbers; notify wakes blocked receivers.
type partitionLog struct {
	mu     sync.Mutex
	events []*streamhub.Event
	notify chan struct{}
}

// New creates an in-memory transport.
func New(opts ...Option) *Transport {
	cfg := newConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	ids := cfg.partitionIDs
	if len(ids) == 0 {
		ids = make([]string, cfg.partitionCount)
		for i := range ids {
			ids[i] = strconv.Itoa(i)
		}
	}

	logs := make(map[string]*partitionLog, len(ids))
	for _, pid := range ids {
		logs[pid] = &partitionLog{notify: make(chan struct{}, 1)}
	}
	return &Transport{
		ids:    ids,
		logs:   logs,
		logger: cfg.logger,
	}
}

// PartitionIDs returns the fixed partition set.
func (t *Transport) PartitionIDs(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	out := make([]string, len(t.ids))
	copy(out, t.ids)
	return out, nil
}

// NewSender creates a sender bound to one partition.
func (t *Transport) NewSender(partitionID string) (streamhub.Sender, error) {
	log, err := t.partition(partitionID)
	if err != nil {
		return nil, err
	}
	return &sender{log: log, partitionID: partitionID, logger: t.logger}, nil
}

// NewReceiver creates a receiver over one partition starting at the
// given position.
func (t *Transport) NewReceiver(partitionID string, start streamhub.StartPosition) (streamhub.Receiver, error) {
	log, err := t.partition(partitionID)
	if err != nil {
		return nil, err
	}
	return &receiver{log: log, partitionID: partitionID, start: start}, nil
}

// Close marks the transport closed. Open senders and receivers keep
// working against the logs they already hold; new ones cannot be
// created.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Transport) partition(partitionID string) (*partitionLog, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	log, ok := t.logs[partitionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPartition, partitionID)
	}
	return log, nil
}

// append adds events to the log, stamping broker-assigned attributes.
func (l *partitionLog) append(events []*streamhub.Event) {
	l.mu.Lock()
	now := time.Now()
	for _, event := range events {
		stored := event.Clone()
		stored.SequenceNumber = int64(len(l.events))
		stored.Offset = stored.SequenceNumber
		stored.EnqueuedTime = now
		l.events = append(l.events, stored)
	}
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// read returns up to maxCount events at or after cursor and the new
// cursor.
func (l *partitionLog) read(cursor int64, maxCount int) ([]*streamhub.Event, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cursor >= int64(len(l.events)) {
		return nil, cursor
	}
	end := cursor + int64(maxCount)
	if end > int64(len(l.events)) {
		end = int64(len(l.events))
	}
	out := make([]*streamhub.Event, 0, end-cursor)
	for _, event := range l.events[cursor:end] {
		out = append(out, event.Clone())
	}
	return out, end
}

func (l *partitionLog) length() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.events))
}

// sender

type sender struct {
	log         *partitionLog
	partitionID string
	logger      *slog.Logger
	closed      bool
	mu          sync.Mutex
}

func (s *sender) Open(ctx context.Context) error { return nil }

func (s *sender) Send(ctx context.Context, batch *streamhub.Batch) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSenderClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.append(batch.Events())
	s.logger.Debug("appended batch",
		"partition_id", s.partitionID,
		"events", batch.Count(),
	)
	return nil
}

func (s *sender) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// receiver

type receiver struct {
	log         *partitionLog
	partitionID string
	start       streamhub.StartPosition

	mu     sync.Mutex
	cursor int64
	opened bool
	closed bool
}

func (r *receiver) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrReceiverClosed
	}
	if r.opened {
		return nil
	}
	switch r.start.Kind {
	case streamhub.StartFromBeginning:
		r.cursor = 0
	case streamhub.StartFromLatest:
		r.cursor = r.log.length()
	case streamhub.StartFromOffset:
		// Offsets equal log positions here, and the start offset is
		// exclusive.
		r.cursor = r.start.Offset + 1
	}
	r.opened = true
	return nil
}

func (r *receiver) Receive(ctx context.Context, maxCount int, maxWait time.Duration) ([]*streamhub.Event, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrReceiverClosed
	}
	cursor := r.cursor
	r.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	for {
		events, next := r.log.read(cursor, maxCount)
		if len(events) > 0 {
			r.mu.Lock()
			r.cursor = next
			r.mu.Unlock()
			return events, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-r.log.notify:
		}
	}
}

func (r *receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Compile-time checks
var _ streamhub.Transport = (*Transport)(nil)
var _ streamhub.Sender = (*sender)(nil)
var _ streamhub.Receiver = (*receiver)(nil)
