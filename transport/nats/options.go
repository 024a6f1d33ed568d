package nats

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/streamhub/transport/codec"
)

// Option configures the JetStream transport.
type Option func(*Transport)

// WithPartitionCount sets the number of partition subjects. Values <= 0
// are ignored. Default is 4. Changing the count for an existing stream
// re-shuffles keyed routing, so pick it once.
func WithPartitionCount(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.partitions = n
		}
	}
}

// WithReplicas sets the JetStream replica count. Default is 1.
func WithReplicas(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.replicas = n
		}
	}
}

// WithMaxAge sets the stream retention age. Default is 24h.
func WithMaxAge(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.maxAge = d
		}
	}
}

// WithCodec sets the event codec. Default is JSON.
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithLogger overrides the transport logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}
