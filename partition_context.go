package streamhub

import (
	"context"
	"fmt"

	"github.com/rbaliyan/streamhub/checkpoint"
)

// PartitionContext identifies the partition a callback fires for and
// lets the handler persist its position.
type PartitionContext struct {
	namespace     string
	stream        string
	consumerGroup string
	partitionID   string
	store         checkpoint.Store
}

// PartitionID returns the partition this context belongs to.
func (pc *PartitionContext) PartitionID() string { return pc.partitionID }

// Stream returns the stream name.
func (pc *PartitionContext) Stream() string { return pc.stream }

// ConsumerGroup returns the consumer group.
func (pc *PartitionContext) ConsumerGroup() string { return pc.consumerGroup }

// UpdateCheckpoint persists the event's position so a later claim of
// this partition resumes after it. A no-op when the processor has no
// checkpoint store.
func (pc *PartitionContext) UpdateCheckpoint(ctx context.Context, event *Event) error {
	if pc.store == nil {
		return nil
	}
	if event == nil {
		return fmt.Errorf("update checkpoint: nil event")
	}
	return pc.store.UpdateCheckpoint(ctx, checkpoint.Checkpoint{
		Namespace:      pc.namespace,
		Stream:         pc.stream,
		ConsumerGroup:  pc.consumerGroup,
		PartitionID:    pc.partitionID,
		Offset:         event.Offset,
		SequenceNumber: event.SequenceNumber,
	})
}
