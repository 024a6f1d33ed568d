package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for testing and single-process
// setups. Data is lost on restart; use RedisStore or MongoStore for
// production workloads.
type MemoryStore struct {
	mu          sync.Mutex
	ownership   map[string]Ownership
	checkpoints map[string]Checkpoint
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ownership:   make(map[string]Ownership),
		checkpoints: make(map[string]Checkpoint),
	}
}

func recordKey(namespace, stream, consumerGroup, partitionID string) string {
	return namespace + "/" + stream + "/" + consumerGroup + "/" + partitionID
}

// ListOwnership returns all ownership records for the stream and group,
// sorted by partition id.
func (s *MemoryStore) ListOwnership(ctx context.Context, namespace, stream, consumerGroup string) ([]Ownership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Ownership
	for _, o := range s.ownership {
		if o.Namespace == namespace && o.Stream == stream && o.ConsumerGroup == consumerGroup {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionID < out[j].PartitionID })
	return out, nil
}

// ClaimOwnership grants each claim whose etag matches the stored record
// (or whose record does not exist yet for an empty etag), assigning a
// fresh etag and LastModified.
func (s *MemoryStore) ClaimOwnership(ctx context.Context, claims []Ownership) ([]Ownership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var granted []Ownership
	for _, claim := range claims {
		key := recordKey(claim.Namespace, claim.Stream, claim.ConsumerGroup, claim.PartitionID)
		current, exists := s.ownership[key]
		if exists && current.ETag != claim.ETag {
			continue
		}
		if !exists && claim.ETag != "" {
			continue
		}
		claim.ETag = uuid.NewString()
		claim.LastModified = now
		s.ownership[key] = claim
		granted = append(granted, claim)
	}
	return granted, nil
}

// ListCheckpoints returns all checkpoints for the stream and group,
// sorted by partition id.
func (s *MemoryStore) ListCheckpoints(ctx context.Context, namespace, stream, consumerGroup string) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Checkpoint
	for _, cp := range s.checkpoints {
		if cp.Namespace == namespace && cp.Stream == stream && cp.ConsumerGroup == consumerGroup {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionID < out[j].PartitionID })
	return out, nil
}

// UpdateCheckpoint overwrites the stored position for the partition.
func (s *MemoryStore) UpdateCheckpoint(ctx context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[recordKey(cp.Namespace, cp.Stream, cp.ConsumerGroup, cp.PartitionID)] = cp
	return nil
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
