package streamhub

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors. Use errors.Is to check for them; they may be wrapped
// with additional context.
var (
	// ErrOperationTimeout indicates a buffered operation could not
	// complete before its deadline: the buffer stayed full, a send slot
	// could not be acquired, or a flush exceeded its timeout. Locally
	// recoverable; the caller may retry.
	ErrOperationTimeout = errors.New("operation timed out")

	// ErrInvalidPartition indicates an explicitly requested partition id
	// is not part of the stream, or a partition key conflict. Fatal to
	// the call, not to the process.
	ErrInvalidPartition = errors.New("invalid partition")

	// ErrProducerClosed indicates the producer has been stopped.
	ErrProducerClosed = errors.New("buffered producer is closed")

	// ErrBatchFull indicates adding the event would exceed the batch
	// size limit. The batch is unchanged.
	ErrBatchFull = errors.New("batch size limit exceeded")

	// ErrEventTooLarge indicates a single event exceeds the maximum
	// batch size on its own and can never be sent.
	ErrEventTooLarge = errors.New("event exceeds maximum batch size")

	// ErrMissingCallback indicates the producer was constructed without
	// the required success/error callbacks.
	ErrMissingCallback = errors.New("buffered producer requires OnSuccess and OnError callbacks")

	// ErrProcessorRunning indicates Start was called on a processor
	// that is already running.
	ErrProcessorRunning = errors.New("event processor already running")
)

// IsOperationTimeout reports whether err wraps ErrOperationTimeout.
func IsOperationTimeout(err error) bool {
	return errors.Is(err, ErrOperationTimeout)
}

// EventSendError aggregates per-partition failures from Flush or Close.
// Every partition is given the chance to flush before the aggregate is
// returned; there is no fail-fast.
type EventSendError struct {
	// ByPartition maps partition id to the error that occurred there.
	ByPartition map[string]error
}

// Error names the failed partitions in a stable order.
func (e *EventSendError) Error() string {
	ids := make([]string, 0, len(e.ByPartition))
	for id := range e.ByPartition {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("send failed on partitions [%s]", strings.Join(ids, ", "))
}

// Unwrap exposes the per-partition errors to errors.Is / errors.As.
func (e *EventSendError) Unwrap() []error {
	errs := make([]error, 0, len(e.ByPartition))
	for _, err := range e.ByPartition {
		errs = append(errs, err)
	}
	return errs
}

// Partitions returns the ids of the partitions that failed, sorted.
func (e *EventSendError) Partitions() []string {
	ids := make([]string, 0, len(e.ByPartition))
	for id := range e.ByPartition {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsEventSendError checks whether err is (or wraps) an EventSendError.
func IsEventSendError(err error) (*EventSendError, bool) {
	var sendErr *EventSendError
	if errors.As(err, &sendErr) {
		return sendErr, true
	}
	return nil, false
}

// newEventSendError builds the aggregate, returning nil when the map is
// empty so callers can return it directly.
func newEventSendError(byPartition map[string]error) error {
	if len(byPartition) == 0 {
		return nil
	}
	return &EventSendError{ByPartition: byPartition}
}

// operationTimeout wraps ErrOperationTimeout with the operation name.
func operationTimeout(op string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOperationTimeout, op, err)
	}
	return fmt.Errorf("%w: %s", ErrOperationTimeout, op)
}
