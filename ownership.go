package streamhub

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rbaliyan/streamhub/checkpoint"
)

// LoadBalancingStrategy selects how aggressively a processor claims
// unowned partitions.
type LoadBalancingStrategy int

const (
	// StrategyGreedy claims as many claimable partitions as the fair
	// share allows in a single tick. Favors fast initial convergence.
	StrategyGreedy LoadBalancingStrategy = iota
	// StrategyBalanced claims at most one partition per tick. Favors
	// minimal churn while membership changes.
	StrategyBalanced
)

func (s LoadBalancingStrategy) String() string {
	switch s {
	case StrategyGreedy:
		return "greedy"
	case StrategyBalanced:
		return "balanced"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// OwnershipManager decides, once per load-balancing tick, which
// partitions this processor instance should own, and claims them
// through the checkpoint store. The store's etag compare-and-swap is
// the only cross-process synchronization: the balancing algorithm
// converges to a fair distribution across an unknown and changing
// number of owners without any central coordinator.
//
// With no store configured, ownership is trivially all partitions
// (single-process mode). With a pinned partition, ownership is exactly
// that partition.
type OwnershipManager struct {
	store         checkpoint.Store
	transport     Transport
	namespace     string
	stream        string
	consumerGroup string
	ownerID       string
	pinned        string
	strategy      LoadBalancingStrategy
	expiration    time.Duration
	logger        *slog.Logger
	metrics       Metrics

	mu         sync.Mutex
	partitions []string
	// owned caches the records granted to self last tick, keyed by
	// partition id. Used to renew claims and to release on shutdown.
	owned map[string]checkpoint.Ownership
}

type ownershipManagerConfig struct {
	store         checkpoint.Store
	transport     Transport
	namespace     string
	stream        string
	consumerGroup string
	ownerID       string
	pinned        string
	strategy      LoadBalancingStrategy
	expiration    time.Duration
	logger        *slog.Logger
	metrics       Metrics
}

func newOwnershipManager(cfg ownershipManagerConfig) *OwnershipManager {
	return &OwnershipManager{
		store:         cfg.store,
		transport:     cfg.transport,
		namespace:     cfg.namespace,
		stream:        cfg.stream,
		consumerGroup: cfg.consumerGroup,
		ownerID:       cfg.ownerID,
		pinned:        cfg.pinned,
		strategy:      cfg.strategy,
		expiration:    cfg.expiration,
		logger:        cfg.logger,
		metrics:       cfg.metrics,
		owned:         make(map[string]checkpoint.Ownership),
	}
}

// ClaimOwnership runs one balancing tick and returns the partition ids
// this instance owns afterwards. Claims the store rejected due to an
// etag mismatch are simply absent from the result; they are retried on
// a later tick, never within the same one.
func (m *OwnershipManager) ClaimOwnership(ctx context.Context) ([]string, error) {
	partitions, err := m.partitionIDs(ctx)
	if err != nil {
		return nil, err
	}

	if m.pinned != "" {
		for _, pid := range partitions {
			if pid == m.pinned {
				return []string{pid}, nil
			}
		}
		return nil, fmt.Errorf("%w: pinned partition %q not in stream %q", ErrInvalidPartition, m.pinned, m.stream)
	}

	if m.store == nil {
		out := make([]string, len(partitions))
		copy(out, partitions)
		return out, nil
	}

	records, err := m.store.ListOwnership(ctx, m.namespace, m.stream, m.consumerGroup)
	if err != nil {
		return nil, fmt.Errorf("list ownership: %w", err)
	}

	toClaim := m.balance(partitions, records)
	granted, err := m.store.ClaimOwnership(ctx, toClaim)
	if err != nil {
		return nil, fmt.Errorf("claim ownership: %w", err)
	}

	m.mu.Lock()
	before := len(m.owned)
	m.owned = make(map[string]checkpoint.Ownership, len(granted))
	for _, o := range granted {
		m.owned[o.PartitionID] = o
	}
	after := len(m.owned)
	m.mu.Unlock()

	if delta := after - before; delta != 0 {
		m.metrics.PartitionsOwned(ctx, delta)
	}

	ids := make([]string, 0, len(granted))
	for _, o := range granted {
		m.metrics.OwnershipClaimed(ctx, o.PartitionID)
		ids = append(ids, o.PartitionID)
	}
	m.logger.Debug("ownership tick",
		"owner_id", m.ownerID,
		"attempted", len(toClaim),
		"granted", len(granted),
	)
	return ids, nil
}

// balance computes the set of ownership records to attempt to persist
// this tick: self's still-active claims (renewed), plus claims over
// unowned or expired partitions up to the fair share, plus at most one
// steal from the most loaded owner when nothing else is claimable.
func (m *OwnershipManager) balance(partitions []string, records []checkpoint.Ownership) []checkpoint.Ownership {
	now := time.Now()

	active := make(map[string]checkpoint.Ownership, len(records))
	released := make(map[string]checkpoint.Ownership)
	for _, rec := range records {
		if rec.OwnerID == "" || now.Sub(rec.LastModified) > m.expiration {
			released[rec.PartitionID] = rec
			continue
		}
		active[rec.PartitionID] = rec
	}

	// Claimable partitions either have no record at all or only a
	// released/expired one. Released records keep their etag so the
	// claim stays a compare-and-swap.
	var claimable []checkpoint.Ownership
	for _, pid := range partitions {
		if _, taken := active[pid]; taken {
			continue
		}
		claim := checkpoint.Ownership{
			Namespace:     m.namespace,
			Stream:        m.stream,
			ConsumerGroup: m.consumerGroup,
			PartitionID:   pid,
			OwnerID:       m.ownerID,
		}
		if rec, ok := released[pid]; ok {
			claim.ETag = rec.ETag
		}
		claimable = append(claimable, claim)
	}

	byOwner := make(map[string][]checkpoint.Ownership)
	for _, rec := range active {
		byOwner[rec.OwnerID] = append(byOwner[rec.OwnerID], rec)
	}
	ownersCount := len(byOwner)
	if _, ok := byOwner[m.ownerID]; !ok {
		ownersCount++
	}

	total := len(partitions)
	expected := total / ownersCount
	maxOwned := total / ownersCount
	if total%ownersCount != 0 {
		maxOwned++
	}

	// Renewing self's active claims refreshes their LastModified so
	// they do not expire under us.
	toClaim := make([]checkpoint.Ownership, 0, maxOwned)
	toClaim = append(toClaim, byOwner[m.ownerID]...)

	if len(toClaim) >= maxOwned {
		return toClaim
	}

	switch {
	case len(claimable) > 0:
		rand.Shuffle(len(claimable), func(i, j int) {
			claimable[i], claimable[j] = claimable[j], claimable[i]
		})
		want := 1
		if m.strategy == StrategyGreedy {
			want = maxOwned - len(toClaim)
		}
		if want > len(claimable) {
			want = len(claimable)
		}
		toClaim = append(toClaim, claimable[:want]...)

	case len(toClaim) < expected:
		// Under-allocated with nothing free: steal one random partition
		// from whichever owner holds the most. The stolen record keeps
		// its etag, so a concurrent renewal by the victim wins the race
		// cleanly.
		var victim string
		most := 0
		for owner, recs := range byOwner {
			if owner == m.ownerID {
				continue
			}
			if len(recs) > most {
				most = len(recs)
				victim = owner
			}
		}
		if victim != "" {
			recs := byOwner[victim]
			stolen := recs[rand.IntN(len(recs))]
			stolen.OwnerID = m.ownerID
			toClaim = append(toClaim, stolen)
			m.logger.Debug("stealing partition",
				"partition_id", stolen.PartitionID,
				"from", victim,
			)
		}
	}
	return toClaim
}

// ReleaseOwnership gives up one partition by persisting a claim with an
// empty owner id. Best-effort and idempotent: it only acts while the
// cached record still attributes unexpired ownership to self, so a
// second call is a no-op. Errors are logged, not returned (shutdown
// path).
func (m *OwnershipManager) ReleaseOwnership(ctx context.Context, partitionID string) {
	if m.store == nil {
		return
	}

	m.mu.Lock()
	rec, ok := m.owned[partitionID]
	if ok {
		delete(m.owned, partitionID)
	}
	m.mu.Unlock()

	if !ok || rec.OwnerID != m.ownerID || time.Since(rec.LastModified) > m.expiration {
		return
	}

	rec.OwnerID = ""
	if _, err := m.store.ClaimOwnership(ctx, []checkpoint.Ownership{rec}); err != nil {
		m.logger.Warn("failed to release ownership",
			"partition_id", partitionID,
			"error", err,
		)
		return
	}
	m.metrics.PartitionsOwned(ctx, -1)
}

// GetCheckpoints returns the last persisted position per partition, or
// an empty map when no store is configured.
func (m *OwnershipManager) GetCheckpoints(ctx context.Context) (map[string]checkpoint.Checkpoint, error) {
	out := make(map[string]checkpoint.Checkpoint)
	if m.store == nil {
		return out, nil
	}
	cps, err := m.store.ListCheckpoints(ctx, m.namespace, m.stream, m.consumerGroup)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	for _, cp := range cps {
		out[cp.PartitionID] = cp
	}
	return out, nil
}

// OwnedPartitions returns the partition ids granted to this instance on
// the most recent tick.
func (m *OwnershipManager) OwnedPartitions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.owned))
	for pid := range m.owned {
		ids = append(ids, pid)
	}
	return ids
}

func (m *OwnershipManager) partitionIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	cached := m.partitions
	m.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	ids, err := m.transport.PartitionIDs(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.partitions == nil {
		m.partitions = ids
	}
	cached = m.partitions
	m.mu.Unlock()
	return cached, nil
}
