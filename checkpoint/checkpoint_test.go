package checkpoint

import (
	"context"
	"testing"
)

func ownershipFor(partitionID, ownerID string) Ownership {
	return Ownership{
		Namespace:     "ns",
		Stream:        "orders",
		ConsumerGroup: "$default",
		PartitionID:   partitionID,
		OwnerID:       ownerID,
	}
}

func TestMemoryStoreClaimOwnership(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh claim with empty etag", func(t *testing.T) {
		store := NewMemoryStore()

		granted, err := store.ClaimOwnership(ctx, []Ownership{ownershipFor("0", "owner-a")})
		if err != nil {
			t.Fatalf("ClaimOwnership failed: %v", err)
		}
		if len(granted) != 1 {
			t.Fatalf("expected 1 granted claim, got %d", len(granted))
		}
		if granted[0].ETag == "" {
			t.Error("granted claim should carry a new etag")
		}
		if granted[0].LastModified.IsZero() {
			t.Error("granted claim should carry LastModified")
		}
	})

	t.Run("empty etag loses against existing record", func(t *testing.T) {
		store := NewMemoryStore()

		if _, err := store.ClaimOwnership(ctx, []Ownership{ownershipFor("0", "owner-a")}); err != nil {
			t.Fatalf("ClaimOwnership failed: %v", err)
		}

		granted, err := store.ClaimOwnership(ctx, []Ownership{ownershipFor("0", "owner-b")})
		if err != nil {
			t.Fatalf("ClaimOwnership failed: %v", err)
		}
		if len(granted) != 0 {
			t.Fatalf("stale claim should not be granted, got %d", len(granted))
		}
	})

	t.Run("matching etag wins and rotates", func(t *testing.T) {
		store := NewMemoryStore()

		first, err := store.ClaimOwnership(ctx, []Ownership{ownershipFor("0", "owner-a")})
		if err != nil {
			t.Fatalf("ClaimOwnership failed: %v", err)
		}

		reclaim := ownershipFor("0", "owner-a")
		reclaim.ETag = first[0].ETag
		second, err := store.ClaimOwnership(ctx, []Ownership{reclaim})
		if err != nil {
			t.Fatalf("ClaimOwnership failed: %v", err)
		}
		if len(second) != 1 {
			t.Fatalf("expected renewal to be granted, got %d", len(second))
		}
		if second[0].ETag == first[0].ETag {
			t.Error("etag should rotate on every granted claim")
		}
	})

	t.Run("two claimers race on one partition", func(t *testing.T) {
		store := NewMemoryStore()

		seed, err := store.ClaimOwnership(ctx, []Ownership{ownershipFor("0", "owner-a")})
		if err != nil {
			t.Fatalf("ClaimOwnership failed: %v", err)
		}

		// Both claimers read the same etag; only the first claim through
		// the store may win.
		claimA := ownershipFor("0", "owner-a")
		claimA.ETag = seed[0].ETag
		claimB := ownershipFor("0", "owner-b")
		claimB.ETag = seed[0].ETag

		grantedA, err := store.ClaimOwnership(ctx, []Ownership{claimA})
		if err != nil {
			t.Fatalf("ClaimOwnership failed: %v", err)
		}
		grantedB, err := store.ClaimOwnership(ctx, []Ownership{claimB})
		if err != nil {
			t.Fatalf("ClaimOwnership failed: %v", err)
		}
		if len(grantedA) != 1 {
			t.Fatalf("first claimer should win, got %d grants", len(grantedA))
		}
		if len(grantedB) != 0 {
			t.Fatalf("second claimer should lose, got %d grants", len(grantedB))
		}

		owned, err := store.ListOwnership(ctx, "ns", "orders", "$default")
		if err != nil {
			t.Fatalf("ListOwnership failed: %v", err)
		}
		if len(owned) != 1 || owned[0].OwnerID != "owner-a" {
			t.Fatalf("unexpected ownership state: %+v", owned)
		}
	})

	t.Run("release keeps the record", func(t *testing.T) {
		store := NewMemoryStore()

		granted, err := store.ClaimOwnership(ctx, []Ownership{ownershipFor("0", "owner-a")})
		if err != nil {
			t.Fatalf("ClaimOwnership failed: %v", err)
		}

		release := ownershipFor("0", "")
		release.ETag = granted[0].ETag
		released, err := store.ClaimOwnership(ctx, []Ownership{release})
		if err != nil {
			t.Fatalf("ClaimOwnership failed: %v", err)
		}
		if len(released) != 1 {
			t.Fatalf("release should be granted, got %d", len(released))
		}

		owned, err := store.ListOwnership(ctx, "ns", "orders", "$default")
		if err != nil {
			t.Fatalf("ListOwnership failed: %v", err)
		}
		if len(owned) != 1 {
			t.Fatalf("released record must remain listed, got %d records", len(owned))
		}
		if owned[0].OwnerID != "" {
			t.Errorf("released record should have empty owner, got %q", owned[0].OwnerID)
		}
	})

	t.Run("partial grant over mixed claims", func(t *testing.T) {
		store := NewMemoryStore()

		if _, err := store.ClaimOwnership(ctx, []Ownership{ownershipFor("0", "owner-a")}); err != nil {
			t.Fatalf("ClaimOwnership failed: %v", err)
		}

		granted, err := store.ClaimOwnership(ctx, []Ownership{
			ownershipFor("0", "owner-b"), // taken, stale etag
			ownershipFor("1", "owner-b"), // free
			ownershipFor("2", "owner-b"), // free
		})
		if err != nil {
			t.Fatalf("ClaimOwnership failed: %v", err)
		}
		if len(granted) != 2 {
			t.Fatalf("expected 2 granted claims, got %d", len(granted))
		}
		for _, o := range granted {
			if o.PartitionID == "0" {
				t.Error("partition 0 must not be granted to owner-b")
			}
		}
	})
}

func TestMemoryStoreCheckpoints(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	cp := Checkpoint{
		Namespace:      "ns",
		Stream:         "orders",
		ConsumerGroup:  "$default",
		PartitionID:    "3",
		Offset:         1024,
		SequenceNumber: 17,
	}
	if err := store.UpdateCheckpoint(ctx, cp); err != nil {
		t.Fatalf("UpdateCheckpoint failed: %v", err)
	}

	// Overwrite with a newer position.
	cp.Offset = 2048
	cp.SequenceNumber = 42
	if err := store.UpdateCheckpoint(ctx, cp); err != nil {
		t.Fatalf("UpdateCheckpoint failed: %v", err)
	}

	got, err := store.ListCheckpoints(ctx, "ns", "orders", "$default")
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", len(got))
	}
	if got[0].Offset != 2048 || got[0].SequenceNumber != 42 {
		t.Errorf("unexpected checkpoint: %+v", got[0])
	}

	other, err := store.ListCheckpoints(ctx, "ns", "orders", "other-group")
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("checkpoints must be scoped to consumer group, got %d", len(other))
	}
}

func TestMemoryStoreListOwnershipScoping(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	claims := []Ownership{
		ownershipFor("0", "owner-a"),
		ownershipFor("1", "owner-a"),
	}
	foreign := Ownership{
		Namespace:     "ns",
		Stream:        "payments",
		ConsumerGroup: "$default",
		PartitionID:   "0",
		OwnerID:       "owner-z",
	}
	if _, err := store.ClaimOwnership(ctx, append(claims, foreign)); err != nil {
		t.Fatalf("ClaimOwnership failed: %v", err)
	}

	owned, err := store.ListOwnership(ctx, "ns", "orders", "$default")
	if err != nil {
		t.Fatalf("ListOwnership failed: %v", err)
	}
	if len(owned) != 2 {
		t.Fatalf("expected 2 records for orders stream, got %d", len(owned))
	}
	// Sorted by partition id for deterministic listing.
	if owned[0].PartitionID != "0" || owned[1].PartitionID != "1" {
		t.Errorf("unexpected ordering: %+v", owned)
	}
}
