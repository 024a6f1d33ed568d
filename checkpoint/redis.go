package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// claimScript performs the compare-and-swap for one ownership claim.
// The stored record is a JSON document in a hash field keyed by
// partition id; the script grants the claim only when the stored etag
// matches the expected one (or the field is absent and the expected
// etag is empty).
var claimScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if current then
    local record = cjson.decode(current)
    if record.etag ~= ARGV[2] then
        return 0
    end
elseif ARGV[2] ~= '' then
    return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// ownershipRecord is the JSON document stored per partition.
type ownershipRecord struct {
	OwnerID      string    `json:"owner_id"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag"`
}

// checkpointRecord is the JSON document stored per checkpoint.
type checkpointRecord struct {
	Offset         int64 `json:"offset"`
	SequenceNumber int64 `json:"sequence_number"`
}

// RedisStore implements Store using Redis. Ownership and checkpoint
// records are JSON documents in per-group hashes, and claims are
// evaluated atomically server-side so concurrent claimers race safely.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := checkpoint.NewRedisStore(client, "myapp")
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a new Redis-backed store.
//
// Parameters:
//   - client: Redis client (supports Cmdable interface for universal client compatibility)
//   - prefix: key prefix for all hashes (e.g., "myapp")
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) ownershipKey(namespace, stream, consumerGroup string) string {
	return fmt.Sprintf("%s:ownership:%s:%s:%s", s.prefix, namespace, stream, consumerGroup)
}

func (s *RedisStore) checkpointKey(namespace, stream, consumerGroup string) string {
	return fmt.Sprintf("%s:checkpoint:%s:%s:%s", s.prefix, namespace, stream, consumerGroup)
}

// ListOwnership returns all ownership records for the stream and
// consumer group.
func (s *RedisStore) ListOwnership(ctx context.Context, namespace, stream, consumerGroup string) ([]Ownership, error) {
	fields, err := s.client.HGetAll(ctx, s.ownershipKey(namespace, stream, consumerGroup)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Ownership, 0, len(fields))
	for partitionID, value := range fields {
		var rec ownershipRecord
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			continue // Skip invalid entries
		}
		out = append(out, Ownership{
			Namespace:     namespace,
			Stream:        stream,
			ConsumerGroup: consumerGroup,
			PartitionID:   partitionID,
			OwnerID:       rec.OwnerID,
			LastModified:  rec.LastModified,
			ETag:          rec.ETag,
		})
	}
	return out, nil
}

// ClaimOwnership runs the compare-and-swap script for each claim and
// returns the granted subset.
func (s *RedisStore) ClaimOwnership(ctx context.Context, claims []Ownership) ([]Ownership, error) {
	var granted []Ownership
	for _, claim := range claims {
		etag := uuid.NewString()
		now := time.Now()

		value, err := json.Marshal(ownershipRecord{
			OwnerID:      claim.OwnerID,
			LastModified: now,
			ETag:         etag,
		})
		if err != nil {
			return granted, err
		}

		key := s.ownershipKey(claim.Namespace, claim.Stream, claim.ConsumerGroup)
		ok, err := claimScript.Run(ctx, s.client, []string{key},
			claim.PartitionID, claim.ETag, string(value)).Int()
		if err != nil {
			return granted, err
		}
		if ok != 1 {
			continue
		}
		claim.ETag = etag
		claim.LastModified = now
		granted = append(granted, claim)
	}
	return granted, nil
}

// ListCheckpoints returns all checkpoints for the stream and consumer
// group.
func (s *RedisStore) ListCheckpoints(ctx context.Context, namespace, stream, consumerGroup string) ([]Checkpoint, error) {
	fields, err := s.client.HGetAll(ctx, s.checkpointKey(namespace, stream, consumerGroup)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Checkpoint, 0, len(fields))
	for partitionID, value := range fields {
		var rec checkpointRecord
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			continue
		}
		out = append(out, Checkpoint{
			Namespace:      namespace,
			Stream:         stream,
			ConsumerGroup:  consumerGroup,
			PartitionID:    partitionID,
			Offset:         rec.Offset,
			SequenceNumber: rec.SequenceNumber,
		})
	}
	return out, nil
}

// UpdateCheckpoint persists a checkpoint, overwriting any previous
// position for the partition.
func (s *RedisStore) UpdateCheckpoint(ctx context.Context, cp Checkpoint) error {
	value, err := json.Marshal(checkpointRecord{
		Offset:         cp.Offset,
		SequenceNumber: cp.SequenceNumber,
	})
	if err != nil {
		return err
	}
	key := s.checkpointKey(cp.Namespace, cp.Stream, cp.ConsumerGroup)
	return s.client.HSet(ctx, key, cp.PartitionID, string(value)).Err()
}

// DeleteAll removes all records for a stream and consumer group
// (useful for testing or cleanup).
func (s *RedisStore) DeleteAll(ctx context.Context, namespace, stream, consumerGroup string) error {
	return s.client.Del(ctx,
		s.ownershipKey(namespace, stream, consumerGroup),
		s.checkpointKey(namespace, stream, consumerGroup),
	).Err()
}

var _ Store = (*RedisStore)(nil)
