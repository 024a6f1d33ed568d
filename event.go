package streamhub

import (
	"maps"
	"time"
)

// Event is a single unit of data sent to or received from a partitioned
// stream. The body is opaque to the library; only the partition key and
// the encoded size participate in routing and batching decisions.
//
// An event handed to Enqueue or Batch.Add must not be mutated afterwards.
// Events returned from a receiver carry the broker-assigned position
// fields (Offset, SequenceNumber, EnqueuedTime).
type Event struct {
	// Body is the opaque event payload.
	Body []byte

	// PartitionKey routes the event to a stable partition. Events with
	// the same key always land on the same partition. Empty means no
	// key-based routing.
	PartitionKey string

	// Properties are optional application-supplied key-value pairs
	// carried alongside the body.
	Properties map[string]string

	// Offset is the broker position of a received event within its
	// partition. Zero for events that have not been sent yet.
	Offset int64

	// SequenceNumber is the broker-assigned sequence of a received
	// event within its partition.
	SequenceNumber int64

	// EnqueuedTime is when the broker accepted the event.
	EnqueuedTime time.Time
}

// Per-event wire framing overhead used when estimating encoded size.
// The exact number does not matter for correctness, only that the
// estimate is stable and errs on the large side.
const eventOverheadBytes = 16

// NewEvent creates an event with the given body.
func NewEvent(body []byte) *Event {
	return &Event{Body: body}
}

// NewEventWithKey creates an event with the given body and partition key.
func NewEventWithKey(body []byte, partitionKey string) *Event {
	return &Event{Body: body, PartitionKey: partitionKey}
}

// EncodedSize returns the estimated wire-encoded size of the event in
// bytes. Batch size accounting uses this estimate.
func (e *Event) EncodedSize() int {
	size := len(e.Body) + len(e.PartitionKey) + eventOverheadBytes
	for k, v := range e.Properties {
		size += len(k) + len(v)
	}
	return size
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	clone := *e
	if e.Properties != nil {
		clone.Properties = make(map[string]string, len(e.Properties))
		maps.Copy(clone.Properties, e.Properties)
	}
	if e.Body != nil {
		clone.Body = append([]byte(nil), e.Body...)
	}
	return &clone
}
