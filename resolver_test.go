package streamhub

import (
	"errors"
	"testing"
)

func TestResolveExplicitPartition(t *testing.T) {
	r := NewPartitionResolver([]string{"0", "1", "2"})

	pid, err := r.Resolve("1", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if pid != "1" {
		t.Errorf("Resolve = %q, want %q", pid, "1")
	}

	if _, err := r.Resolve("7", ""); !errors.Is(err, ErrInvalidPartition) {
		t.Errorf("expected ErrInvalidPartition for unknown id, got %v", err)
	}
}

func TestResolveByKeyIsDeterministic(t *testing.T) {
	partitions := []string{"0", "1", "2", "3"}
	keys := []string{"user-1", "user-2", "order-42", "", "a", "long-partition-key-with-more-bytes"}

	a := NewPartitionResolver(partitions)
	b := NewPartitionResolver(partitions)

	for _, key := range keys {
		if key == "" {
			continue
		}
		first, err := a.Resolve("", key)
		if err != nil {
			t.Fatalf("Resolve(%q) failed: %v", key, err)
		}
		for i := 0; i < 5; i++ {
			// Same instance, repeated calls.
			got, err := a.Resolve("", key)
			if err != nil {
				t.Fatalf("Resolve(%q) failed: %v", key, err)
			}
			if got != first {
				t.Fatalf("Resolve(%q) not stable: %q then %q", key, first, got)
			}
			// Independent instance.
			got, err = b.Resolve("", key)
			if err != nil {
				t.Fatalf("Resolve(%q) failed: %v", key, err)
			}
			if got != first {
				t.Fatalf("Resolve(%q) differs across instances: %q vs %q", key, first, got)
			}
		}
	}
}

func TestResolveRoundRobinWraps(t *testing.T) {
	partitions := []string{"0", "1", "2"}
	r := NewPartitionResolver(partitions)

	for i := 0; i < 2*len(partitions); i++ {
		pid, err := r.Resolve("", "")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if want := partitions[i%len(partitions)]; pid != want {
			t.Errorf("call %d: Resolve = %q, want %q", i, pid, want)
		}
	}
}

func TestResolveNoPartitions(t *testing.T) {
	r := NewPartitionResolver(nil)
	if _, err := r.Resolve("", ""); !errors.Is(err, ErrInvalidPartition) {
		t.Errorf("expected ErrInvalidPartition, got %v", err)
	}
}
