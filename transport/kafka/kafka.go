// Package kafka provides a Kafka-backed transport implementation.
//
// One Kafka topic backs the stream; topic partitions map one-to-one to
// stream partitions and offsets map to Kafka offsets, so checkpoints
// survive across processes.
//
// IMPORTANT: the sarama config must use the manual partitioner so
// batches land on the partition their producer is bound to:
//
//	config := sarama.NewConfig()
//	config.Producer.Partitioner = sarama.NewManualPartitioner
//	config.Producer.Return.Successes = true // required by SyncProducer
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rbaliyan/streamhub"
	"github.com/rbaliyan/streamhub/transport/codec"
)

// Errors
var (
	ErrClientRequired  = errors.New("kafka: client is required")
	ErrTopicRequired   = errors.New("kafka: topic is required")
	ErrProducerFailed  = errors.New("kafka: failed to create producer")
	ErrTransportClosed = errors.New("kafka: transport is closed")
)

// Transport implements streamhub.Transport using Kafka.
type Transport struct {
	status   int32
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string
	codec    codec.Codec
	logger   *slog.Logger
}

// New creates a Kafka transport over a pre-initialized client. The
// caller keeps ownership of the client and closes it after the
// transport.
func New(client sarama.Client, topic string, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if topic == "" {
		return nil, ErrTopicRequired
	}

	t := &Transport{
		status: 1,
		client: client,
		topic:  topic,
		codec:  codec.Default(),
		logger: streamhub.Logger("transport>kafka"),
	}
	for _, opt := range opts {
		opt(t)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errors.Join(ErrProducerFailed, err)
	}
	t.producer = producer

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		producer.Close()
		return nil, err
	}
	t.consumer = consumer

	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// PartitionIDs lists the topic's partitions as decimal strings.
func (t *Transport) PartitionIDs(ctx context.Context) ([]string, error) {
	if !t.isOpen() {
		return nil, ErrTransportClosed
	}
	partitions, err := t.client.Partitions(t.topic)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(partitions))
	for i, p := range partitions {
		ids[i] = strconv.FormatInt(int64(p), 10)
	}
	return ids, nil
}

// NewSender creates a sender bound to one topic partition.
func (t *Transport) NewSender(partitionID string) (streamhub.Sender, error) {
	if !t.isOpen() {
		return nil, ErrTransportClosed
	}
	partition, err := parsePartition(partitionID)
	if err != nil {
		return nil, err
	}
	return &sender{
		producer:  t.producer,
		topic:     t.topic,
		partition: partition,
		codec:     t.codec,
		logger:    t.logger,
	}, nil
}

// NewReceiver creates a receiver over one topic partition.
func (t *Transport) NewReceiver(partitionID string, start streamhub.StartPosition) (streamhub.Receiver, error) {
	if !t.isOpen() {
		return nil, ErrTransportClosed
	}
	partition, err := parsePartition(partitionID)
	if err != nil {
		return nil, err
	}
	return &receiver{
		consumer:  t.consumer,
		topic:     t.topic,
		partition: partition,
		start:     start,
		codec:     t.codec,
		logger:    t.logger,
	}, nil
}

// Close shuts down the producer and consumer. The client is the
// caller's to close.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	var errs []error
	if err := t.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.consumer.Close(); err != nil {
		errs = append(errs, err)
	}
	t.logger.Debug("transport closed")
	return errors.Join(errs...)
}

func parsePartition(partitionID string) (int32, error) {
	p, err := strconv.ParseInt(partitionID, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("kafka: invalid partition id %q: %w", partitionID, err)
	}
	return int32(p), nil
}

// sender

type sender struct {
	producer  sarama.SyncProducer
	topic     string
	partition int32
	codec     codec.Codec
	logger    *slog.Logger
}

func (s *sender) Open(ctx context.Context) error { return nil }

// Send encodes and produces the batch to the pinned partition in one
// producer request.
func (s *sender) Send(ctx context.Context, batch *streamhub.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	events := batch.Events()
	msgs := make([]*sarama.ProducerMessage, 0, len(events))
	for _, event := range events {
		data, err := s.codec.Encode(event)
		if err != nil {
			return err
		}
		msg := &sarama.ProducerMessage{
			Topic:     s.topic,
			Partition: s.partition,
			Value:     sarama.ByteEncoder(data),
		}
		if event.PartitionKey != "" {
			msg.Key = sarama.StringEncoder(event.PartitionKey)
		}
		msgs = append(msgs, msg)
	}

	if err := s.producer.SendMessages(msgs); err != nil {
		return err
	}
	s.logger.Debug("sent batch",
		"topic", s.topic,
		"partition", s.partition,
		"events", len(msgs),
	)
	return nil
}

func (s *sender) Close(ctx context.Context) error { return nil }

// receiver

type receiver struct {
	consumer  sarama.Consumer
	topic     string
	partition int32
	start     streamhub.StartPosition
	codec     codec.Codec
	logger    *slog.Logger

	pc sarama.PartitionConsumer
}

func (r *receiver) Open(ctx context.Context) error {
	if r.pc != nil {
		return nil
	}
	var offset int64
	switch r.start.Kind {
	case streamhub.StartFromBeginning:
		offset = sarama.OffsetOldest
	case streamhub.StartFromLatest:
		offset = sarama.OffsetNewest
	case streamhub.StartFromOffset:
		// The start offset is exclusive.
		offset = r.start.Offset + 1
	}
	pc, err := r.consumer.ConsumePartition(r.topic, r.partition, offset)
	if err != nil {
		return err
	}
	r.pc = pc
	return nil
}

// Receive waits up to maxWait for the first message, then drains
// whatever else is already available up to maxCount.
func (r *receiver) Receive(ctx context.Context, maxCount int, maxWait time.Duration) ([]*streamhub.Event, error) {
	if r.pc == nil {
		return nil, errors.New("kafka: receiver is not open")
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	var out []*streamhub.Event
	for len(out) < maxCount {
		if len(out) == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
				return nil, nil
			case err := <-r.pc.Errors():
				return nil, err
			case msg, ok := <-r.pc.Messages():
				if !ok {
					return nil, ErrTransportClosed
				}
				out = append(out, r.decode(msg))
			}
			continue
		}
		select {
		case msg, ok := <-r.pc.Messages():
			if !ok {
				return out, nil
			}
			out = append(out, r.decode(msg))
		default:
			return out, nil
		}
	}
	return out, nil
}

func (r *receiver) decode(msg *sarama.ConsumerMessage) *streamhub.Event {
	event, err := r.codec.Decode(msg.Value)
	if err != nil {
		// Keep the raw payload rather than dropping the message.
		r.logger.Warn("failed to decode event, passing raw body",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		event = &streamhub.Event{Body: msg.Value}
	}
	event.Offset = msg.Offset
	event.SequenceNumber = msg.Offset
	if event.EnqueuedTime.IsZero() {
		event.EnqueuedTime = msg.Timestamp
	}
	return event
}

func (r *receiver) Close(ctx context.Context) error {
	if r.pc == nil {
		return nil
	}
	return r.pc.Close()
}

// Compile-time checks
var _ streamhub.Transport = (*Transport)(nil)
var _ streamhub.Sender = (*sender)(nil)
var _ streamhub.Receiver = (*receiver)(nil)
