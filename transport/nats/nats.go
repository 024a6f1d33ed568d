// Package nats provides a NATS JetStream transport implementation.
//
// One JetStream stream backs the partitioned stream; each partition is
// a subject of the form "<stream>.p.<partition>" and offsets map to
// JetStream stream sequence numbers, so checkpoints survive across
// processes.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rbaliyan/streamhub"
	"github.com/rbaliyan/streamhub/transport/codec"
)

// Errors
var (
	ErrConnRequired    = errors.New("nats: connection is required")
	ErrStreamRequired  = errors.New("nats: stream name is required")
	ErrJetStreamFailed = errors.New("nats: failed to create jetstream context")
	ErrTransportClosed = errors.New("nats: transport is closed")
)

// Default configuration
var (
	DefaultPartitionCount = 4
	DefaultReplicas       = 1
	DefaultMaxAge         = 24 * time.Hour
)

// Transport implements streamhub.Transport using NATS JetStream.
type Transport struct {
	status     int32
	conn       *nats.Conn
	js         jetstream.JetStream
	stream     string
	partitions int
	replicas   int
	maxAge     time.Duration
	codec      codec.Codec
	logger     *slog.Logger
}

// New creates a JetStream transport and creates or updates the backing
// stream. The caller keeps ownership of the connection and closes it
// after the transport.
func New(ctx context.Context, conn *nats.Conn, stream string, opts ...Option) (*Transport, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}
	if stream == "" {
		return nil, ErrStreamRequired
	}

	t := &Transport{
		status:     1,
		conn:       conn,
		stream:     stream,
		partitions: DefaultPartitionCount,
		replicas:   DefaultReplicas,
		maxAge:     DefaultMaxAge,
		codec:      codec.Default(),
		logger:     streamhub.Logger("transport>nats"),
	}
	for _, opt := range opts {
		opt(t)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, errors.Join(ErrJetStreamFailed, err)
	}
	t.js = js

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{stream + ".p.*"},
		Replicas: t.replicas,
		MaxAge:   t.maxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("nats: create stream %q: %w", stream, err)
	}
	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *Transport) subject(partitionID string) string {
	return t.stream + ".p." + partitionID
}

// PartitionIDs returns the configured partition set as decimal strings.
func (t *Transport) PartitionIDs(ctx context.Context) ([]string, error) {
	if !t.isOpen() {
		return nil, ErrTransportClosed
	}
	ids := make([]string, t.partitions)
	for i := range ids {
		ids[i] = strconv.Itoa(i)
	}
	return ids, nil
}

// NewSender creates a sender publishing to one partition subject.
func (t *Transport) NewSender(partitionID string) (streamhub.Sender, error) {
	if !t.isOpen() {
		return nil, ErrTransportClosed
	}
	return &sender{
		js:      t.js,
		subject: t.subject(partitionID),
		codec:   t.codec,
		logger:  t.logger,
	}, nil
}

// NewReceiver creates a receiver over one partition subject.
func (t *Transport) NewReceiver(partitionID string, start streamhub.StartPosition) (streamhub.Receiver, error) {
	if !t.isOpen() {
		return nil, ErrTransportClosed
	}
	return &receiver{
		js:      t.js,
		stream:  t.stream,
		subject: t.subject(partitionID),
		start:   start,
		codec:   t.codec,
		logger:  t.logger,
	}, nil
}

// Close marks the transport closed. The connection is the caller's to
// close.
func (t *Transport) Close(ctx context.Context) error {
	atomic.StoreInt32(&t.status, 0)
	t.logger.Debug("transport closed")
	return nil
}

// sender

type sender struct {
	js      jetstream.JetStream
	subject string
	codec   codec.Codec
	logger  *slog.Logger
}

func (s *sender) Open(ctx context.Context) error { return nil }

// Send publishes each event of the batch to the partition subject.
// JetStream acknowledges each publish, so a nil return means the whole
// batch is persisted.
func (s *sender) Send(ctx context.Context, batch *streamhub.Batch) error {
	for _, event := range batch.Events() {
		data, err := s.codec.Encode(event)
		if err != nil {
			return err
		}
		if _, err := s.js.Publish(ctx, s.subject, data); err != nil {
			return err
		}
	}
	s.logger.Debug("sent batch", "subject", s.subject, "events", batch.Count())
	return nil
}

func (s *sender) Close(ctx context.Context) error { return nil }

// receiver

type receiver struct {
	js      jetstream.JetStream
	stream  string
	subject string
	start   streamhub.StartPosition
	codec   codec.Codec
	logger  *slog.Logger

	consumer jetstream.Consumer
}

func (r *receiver) Open(ctx context.Context) error {
	if r.consumer != nil {
		return nil
	}
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{r.subject},
	}
	switch r.start.Kind {
	case streamhub.StartFromBeginning:
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	case streamhub.StartFromLatest:
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
	case streamhub.StartFromOffset:
		// Offsets map to stream sequence numbers and the start offset
		// is exclusive.
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = uint64(r.start.Offset) + 1
	}
	consumer, err := r.js.OrderedConsumer(ctx, r.stream, cfg)
	if err != nil {
		return fmt.Errorf("nats: create consumer for %q: %w", r.subject, err)
	}
	r.consumer = consumer
	return nil
}

// Receive fetches up to maxCount events, waiting at most maxWait.
func (r *receiver) Receive(ctx context.Context, maxCount int, maxWait time.Duration) ([]*streamhub.Event, error) {
	if r.consumer == nil {
		return nil, errors.New("nats: receiver is not open")
	}

	res, err := r.consumer.Fetch(maxCount, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return nil, err
	}

	var out []*streamhub.Event
	for msg := range res.Messages() {
		event, err := r.codec.Decode(msg.Data())
		if err != nil {
			r.logger.Warn("failed to decode event, passing raw body",
				"subject", r.subject, "error", err)
			event = &streamhub.Event{Body: msg.Data()}
		}
		if meta, err := msg.Metadata(); err == nil {
			event.Offset = int64(meta.Sequence.Stream)
			event.SequenceNumber = int64(meta.Sequence.Stream)
			if event.EnqueuedTime.IsZero() {
				event.EnqueuedTime = meta.Timestamp
			}
		}
		out = append(out, event)
	}
	if err := res.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, err
	}
	return out, nil
}

func (r *receiver) Close(ctx context.Context) error {
	r.consumer = nil
	return nil
}

// Compile-time checks
var _ streamhub.Transport = (*Transport)(nil)
var _ streamhub.Sender = (*sender)(nil)
var _ streamhub.Receiver = (*receiver)(nil)
