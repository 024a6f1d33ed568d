package streamhub

import (
	"context"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// StartKind determines where a receiver starts reading a partition.
type StartKind int

const (
	// StartFromBeginning reads all retained events from the start of
	// the partition.
	StartFromBeginning StartKind = iota

	// StartFromLatest reads only events enqueued after the receiver
	// opened.
	StartFromLatest

	// StartFromOffset resumes after a known position. Events with
	// Offset greater than StartPosition.Offset are delivered; the event
	// at the offset itself is not redelivered.
	StartFromOffset
)

// StartPosition describes where a receiver starts reading.
type StartPosition struct {
	Kind   StartKind
	Offset int64
}

// Sender ships completed batches to one partition of the stream. The
// wire protocol behind Send is opaque to this library; implementations
// live under transport/.
type Sender interface {
	// Open establishes the underlying link. Idempotent.
	Open(ctx context.Context) error

	// Send publishes the batch. The batch must not be mutated after
	// Send is called, whether it succeeds or fails.
	Send(ctx context.Context, batch *Batch) error

	// Close tears down the link and releases resources.
	Close(ctx context.Context) error
}

// Receiver reads events from one partition of the stream.
type Receiver interface {
	// Open establishes the underlying link. Idempotent.
	Open(ctx context.Context) error

	// Receive returns up to maxCount events, waiting at most maxWait
	// for the first one. An empty result with a nil error means no
	// events arrived within maxWait.
	Receive(ctx context.Context, maxCount int, maxWait time.Duration) ([]*Event, error)

	// Close tears down the link and releases resources.
	Close(ctx context.Context) error
}

// Transport is the injected broker backend: it knows the partition
// layout of the stream and constructs per-partition senders and
// receivers. Exactly one concrete backend is wired per producer or
// processor.
type Transport interface {
	// PartitionIDs returns the ids of all partitions of the stream.
	PartitionIDs(ctx context.Context) ([]string, error)

	// NewSender creates a sender bound to one partition.
	NewSender(partitionID string) (Sender, error)

	// NewReceiver creates a receiver bound to one partition, starting
	// at the given position.
	NewReceiver(partitionID string, start StartPosition) (Receiver, error)

	// Close shuts down the transport and any shared connections.
	Close(ctx context.Context) error
}

// ID generation
var idCounter uint64

// NewID generates a new unique id.
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&idCounter, 1), 10)
}

// Logger returns a logger with the given component name.
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Jitter adds randomness to a duration to prevent thundering herd.
// Returns a duration between d*(1-factor) and d*(1+factor).
// Factor should be between 0 and 1 (e.g., 0.3 for +/-30% jitter).
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + jitter))
}
