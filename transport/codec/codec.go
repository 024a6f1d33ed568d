// Package codec provides event serialization implementations for
// external transports.
//
// Supported formats:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact)
package codec

import (
	"errors"

	"github.com/rbaliyan/streamhub"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode event")
	ErrDecodeFailure = errors.New("failed to decode event")
)

// Codec serializes events for the wire. Broker-assigned attributes
// (offset, sequence number) are not part of the encoded form; the
// transport fills them in on receive. Implementations must be safe for
// concurrent use.
type Codec interface {
	// Encode serializes an event to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Encode(event *streamhub.Event) ([]byte, error)

	// Decode deserializes bytes to an event.
	// Returns ErrDecodeFailure if deserialization fails.
	Decode(data []byte) (*streamhub.Event, error)

	// ContentType returns the MIME type for this codec (e.g., "application/json").
	ContentType() string

	// Name returns a short identifier for this codec (e.g., "json", "msgpack").
	Name() string
}

// Default returns the default codec (JSON)
func Default() Codec {
	return JSON{}
}
