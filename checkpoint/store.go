// Package checkpoint provides ownership and checkpoint stores for
// coordinated stream processing.
//
// A Store is the sole cross-process synchronization primitive for
// partition load balancing: ownership claims are compare-and-swap
// updates keyed on an etag, so of two processes racing to claim the
// same partition exactly one wins.
//
// Available implementations:
//   - MemoryStore: in-process store for tests and single-node setups
//   - RedisStore: production store backed by Redis hashes
//   - MongoStore: production store backed by MongoDB collections
package checkpoint

import (
	"context"
	"time"
)

// Ownership is the persisted claim of one partition by one owner.
//
// A record is never deleted: releasing sets OwnerID to empty, and a
// record whose LastModified is older than the ownership expiration
// interval is logically expired, making the partition claimable by
// anyone.
type Ownership struct {
	// Namespace qualifies the stream (e.g., a broker address).
	Namespace string
	// Stream is the name of the partitioned stream.
	Stream string
	// ConsumerGroup scopes the claim to one consumer group.
	ConsumerGroup string
	// PartitionID is the claimed partition.
	PartitionID string
	// OwnerID identifies the claiming processor. Empty means released.
	OwnerID string
	// LastModified is when the store last accepted a claim for this
	// record. Set by the store, not the caller.
	LastModified time.Time
	// ETag is the optimistic-concurrency tag. A claim is granted only
	// if the caller's ETag matches the stored one; empty claims a
	// record that does not exist yet. Set by the store.
	ETag string
}

// Checkpoint is the last successfully processed position of a partition
// within a consumer group.
type Checkpoint struct {
	Namespace      string
	Stream         string
	ConsumerGroup  string
	PartitionID    string
	Offset         int64
	SequenceNumber int64
}

// Store persists ownership and checkpoint records. Implementations must
// be safe for concurrent use across goroutines and processes.
type Store interface {
	// ListOwnership returns all ownership records for the stream and
	// consumer group, including released and expired ones.
	ListOwnership(ctx context.Context, namespace, stream, consumerGroup string) ([]Ownership, error)

	// ClaimOwnership attempts to persist the given claims and returns
	// the subset that was granted. A claim is granted when the record
	// does not exist and the claim's ETag is empty, or when the ETag
	// matches the stored record. Granted records carry the new ETag and
	// LastModified assigned by the store.
	ClaimOwnership(ctx context.Context, claims []Ownership) ([]Ownership, error)

	// ListCheckpoints returns all checkpoints for the stream and
	// consumer group.
	ListCheckpoints(ctx context.Context, namespace, stream, consumerGroup string) ([]Checkpoint, error)

	// UpdateCheckpoint persists a checkpoint, overwriting any previous
	// position for the partition.
	UpdateCheckpoint(ctx context.Context, cp Checkpoint) error
}
