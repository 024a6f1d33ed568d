package streamhub

import (
	"errors"
	"strings"
	"testing"
)

func TestBatchAdd(t *testing.T) {
	t.Run("tracks count and size", func(t *testing.T) {
		b, err := NewBatch()
		if err != nil {
			t.Fatalf("NewBatch failed: %v", err)
		}

		events := []*Event{
			NewEvent([]byte("hello")),
			NewEventWithKey([]byte("world"), "key-1"),
		}
		wantSize := 0
		for _, ev := range events {
			if err := b.Add(ev); err != nil {
				t.Fatalf("Add failed: %v", err)
			}
			wantSize += ev.EncodedSize()
		}
		if b.Count() != 2 {
			t.Errorf("Count = %d, want 2", b.Count())
		}
		if b.SizeInBytes() != wantSize {
			t.Errorf("SizeInBytes = %d, want %d", b.SizeInBytes(), wantSize)
		}
	})

	t.Run("full batch is rejected without mutation", func(t *testing.T) {
		small := NewEvent([]byte("x"))
		b, err := NewBatch(WithBatchMaxSize(2 * small.EncodedSize()))
		if err != nil {
			t.Fatalf("NewBatch failed: %v", err)
		}
		if err := b.Add(small); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if err := b.Add(NewEvent([]byte("too big to fit now"))); !errors.Is(err, ErrBatchFull) {
			t.Fatalf("expected ErrBatchFull, got %v", err)
		}
		if b.Count() != 1 {
			t.Errorf("rejected add must not mutate the batch, Count = %d", b.Count())
		}
	})

	t.Run("oversized event on empty batch", func(t *testing.T) {
		b, err := NewBatch(WithBatchMaxSize(32))
		if err != nil {
			t.Fatalf("NewBatch failed: %v", err)
		}
		huge := NewEvent([]byte(strings.Repeat("x", 64)))
		err = b.Add(huge)
		if !errors.Is(err, ErrEventTooLarge) {
			t.Fatalf("expected ErrEventTooLarge, got %v", err)
		}
		if b.Count() != 0 {
			t.Errorf("batch must stay empty, Count = %d", b.Count())
		}
		if b.SizeInBytes() != 0 {
			t.Errorf("batch must stay empty, SizeInBytes = %d", b.SizeInBytes())
		}
	})

	t.Run("conflicting event key is rejected", func(t *testing.T) {
		b, err := NewBatch(WithBatchPartitionKey("orders"))
		if err != nil {
			t.Fatalf("NewBatch failed: %v", err)
		}
		if err := b.Add(NewEventWithKey([]byte("a"), "orders")); err != nil {
			t.Fatalf("matching key should be accepted: %v", err)
		}
		if err := b.Add(NewEventWithKey([]byte("b"), "payments")); !errors.Is(err, ErrInvalidPartition) {
			t.Fatalf("expected ErrInvalidPartition, got %v", err)
		}
		if b.Count() != 1 {
			t.Errorf("Count = %d, want 1", b.Count())
		}
	})
}

func TestBatchFromEventsMatchesIncrementalAdd(t *testing.T) {
	events := []*Event{
		NewEvent([]byte("one")),
		NewEventWithKey([]byte("two"), "k"),
		{Body: []byte("three"), Properties: map[string]string{"a": "b"}},
	}

	incremental, err := NewBatch()
	if err != nil {
		t.Fatalf("NewBatch failed: %v", err)
	}
	for _, ev := range events {
		if err := incremental.Add(ev); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	fromEvents, err := NewBatchFromEvents(events)
	if err != nil {
		t.Fatalf("NewBatchFromEvents failed: %v", err)
	}

	if incremental.Count() != fromEvents.Count() {
		t.Errorf("Count mismatch: %d vs %d", incremental.Count(), fromEvents.Count())
	}
	if incremental.SizeInBytes() != fromEvents.SizeInBytes() {
		t.Errorf("SizeInBytes mismatch: %d vs %d", incremental.SizeInBytes(), fromEvents.SizeInBytes())
	}
}

func TestBatchPinningIsMutuallyExclusive(t *testing.T) {
	if _, err := NewBatch(WithBatchPartitionID("3"), WithBatchPartitionKey("k")); !errors.Is(err, ErrInvalidPartition) {
		t.Errorf("expected ErrInvalidPartition, got %v", err)
	}
	if _, err := NewBatch(WithBatchPartitionKey("k"), WithBatchPartitionID("3")); !errors.Is(err, ErrInvalidPartition) {
		t.Errorf("expected ErrInvalidPartition, got %v", err)
	}
}
