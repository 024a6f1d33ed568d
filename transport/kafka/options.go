package kafka

import (
	"log/slog"

	"github.com/rbaliyan/streamhub/transport/codec"
)

// Option configures the Kafka transport.
type Option func(*Transport)

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
