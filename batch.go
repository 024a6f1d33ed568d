package streamhub

import (
	"fmt"
)

// DefaultMaxBatchSizeInBytes is the default upper bound for the encoded
// size of a single batch.
var DefaultMaxBatchSizeInBytes = 1 << 20 // 1 MiB

// Batch is an ordered, size-bounded sequence of events. A batch may be
// pinned to a single partition id or a single partition key, but never
// both. Once a batch has been handed to a sender it must not be
// modified.
//
// Batch is not safe for concurrent use; the buffered producer guards
// its current batch with the producer lock.
type Batch struct {
	maxSizeInBytes int
	partitionID    string
	partitionKey   string
	events         []*Event
	sizeInBytes    int
}

// BatchOption configures a new batch.
type BatchOption func(*Batch) error

// WithBatchMaxSize overrides the maximum encoded batch size in bytes.
// Values <= 0 are ignored.
func WithBatchMaxSize(size int) BatchOption {
	return func(b *Batch) error {
		if size > 0 {
			b.maxSizeInBytes = size
		}
		return nil
	}
}

// WithBatchPartitionID pins the batch to a partition id.
func WithBatchPartitionID(partitionID string) BatchOption {
	return func(b *Batch) error {
		if b.partitionKey != "" {
			return fmt.Errorf("%w: batch already pinned to partition key %q", ErrInvalidPartition, b.partitionKey)
		}
		b.partitionID = partitionID
		return nil
	}
}

// WithBatchPartitionKey pins the batch to a partition key. All events in
// the batch are routed by this key; per-event keys that disagree are
// rejected by Add.
func WithBatchPartitionKey(partitionKey string) BatchOption {
	return func(b *Batch) error {
		if b.partitionID != "" {
			return fmt.Errorf("%w: batch already pinned to partition id %q", ErrInvalidPartition, b.partitionID)
		}
		b.partitionKey = partitionKey
		return nil
	}
}

// NewBatch creates an empty batch.
func NewBatch(opts ...BatchOption) (*Batch, error) {
	b := &Batch{maxSizeInBytes: DefaultMaxBatchSizeInBytes}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// NewBatchFromEvents builds a batch from an event slice, applying the
// same size accounting and partition rules as adding the events one at
// a time. Handy for handing a prepared slice to EnqueueBatch or
// straight to a transport sender.
func NewBatchFromEvents(events []*Event, opts ...BatchOption) (*Batch, error) {
	b, err := NewBatch(opts...)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if err := b.Add(ev); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Add appends an event to the batch. If the event would push the batch
// past its maximum size, Add returns ErrBatchFull and the batch is left
// untouched. If the event alone exceeds the maximum size the error also
// wraps ErrEventTooLarge.
func (b *Batch) Add(ev *Event) error {
	if b.partitionKey != "" && ev.PartitionKey != "" && ev.PartitionKey != b.partitionKey {
		return fmt.Errorf("%w: event key %q does not match batch key %q",
			ErrInvalidPartition, ev.PartitionKey, b.partitionKey)
	}

	size := ev.EncodedSize()
	if b.sizeInBytes+size > b.maxSizeInBytes {
		if size > b.maxSizeInBytes {
			return fmt.Errorf("%w: event of %d bytes exceeds batch limit of %d bytes",
				ErrEventTooLarge, size, b.maxSizeInBytes)
		}
		return fmt.Errorf("%w: %d + %d bytes exceeds limit of %d bytes",
			ErrBatchFull, b.sizeInBytes, size, b.maxSizeInBytes)
	}

	b.events = append(b.events, ev)
	b.sizeInBytes += size
	return nil
}

// Count returns the number of events in the batch.
func (b *Batch) Count() int {
	return len(b.events)
}

// SizeInBytes returns the estimated encoded size of the batch.
func (b *Batch) SizeInBytes() int {
	return b.sizeInBytes
}

// MaxSizeInBytes returns the size limit of the batch.
func (b *Batch) MaxSizeInBytes() int {
	return b.maxSizeInBytes
}

// PartitionID returns the partition id the batch is pinned to, or empty.
func (b *Batch) PartitionID() string {
	return b.partitionID
}

// PartitionKey returns the partition key the batch is pinned to, or empty.
func (b *Batch) PartitionKey() string {
	return b.partitionKey
}

// Events returns the events in the batch in insertion order. The
// returned slice is shared with the batch; callers must not modify it.
func (b *Batch) Events() []*Event {
	return b.events
}
