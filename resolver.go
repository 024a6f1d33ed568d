package streamhub

import (
	"fmt"
	"sync"
)

// PartitionResolver maps an outgoing event to a partition id.
//
// Resolution order:
//  1. An explicit partition id is validated against the known partition
//     set and used as-is.
//  2. A partition key is hashed with a fixed, stable mixing hash so the
//     same key maps to the same partition across processes (and across
//     client implementations in other languages).
//  3. Otherwise partitions are assigned round-robin.
//
// The resolver is safe for concurrent use.
type PartitionResolver struct {
	mu         sync.Mutex
	partitions []string
	cursor     uint64
}

// NewPartitionResolver creates a resolver over the given partition ids.
// The order of partitions determines round-robin order.
func NewPartitionResolver(partitions []string) *PartitionResolver {
	return &PartitionResolver{
		partitions: append([]string(nil), partitions...),
	}
}

// Resolve returns the partition id for an outgoing event. Exactly one
// of partitionID and partitionKey may be set; if neither is set the
// next round-robin partition is returned.
func (r *PartitionResolver) Resolve(partitionID, partitionKey string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.partitions) == 0 {
		return "", fmt.Errorf("%w: no partitions", ErrInvalidPartition)
	}

	if partitionID != "" {
		for _, id := range r.partitions {
			if id == partitionID {
				return id, nil
			}
		}
		return "", fmt.Errorf("%w: %q is not a partition of this stream", ErrInvalidPartition, partitionID)
	}

	if partitionKey != "" {
		return r.partitions[keyIndex(partitionKey, len(r.partitions))], nil
	}

	id := r.partitions[r.cursor%uint64(len(r.partitions))]
	r.cursor++
	return id, nil
}

// keyIndex maps a partition key to an index in [0, count). The hash is
// a Jenkins one-at-a-time over the key bytes, folded to 16 bits. Do not
// change it: keyed routing is only useful if every producer, in every
// process, computes the same mapping.
func keyIndex(key string, count int) int {
	h := jenkinsOneAtATime([]byte(key))
	// Widen before negating: -math.MinInt16 does not fit in an int16.
	folded := int(int16(uint16(h>>16) ^ uint16(h)))
	if folded < 0 {
		folded = -folded
	}
	return folded % count
}

// jenkinsOneAtATime is the classic one-at-a-time mixing hash.
func jenkinsOneAtATime(data []byte) uint32 {
	var h uint32
	for _, b := range data {
		h += uint32(b)
		h += h << 10
		h ^= h >> 6
	}
	h += h << 3
	h ^= h >> 11
	h += h << 15
	return h
}
