package codec

import (
	"errors"
	"maps"
	"time"

	"github.com/rbaliyan/streamhub"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack implements Codec using MessagePack serialization.
// MessagePack is a binary format that's more compact than JSON
// while maintaining schema-less flexibility.
//
// Benefits:
//   - Smaller message size than JSON
//   - Faster encoding/decoding
//   - Supports binary data natively
type MsgPack struct{}

// msgpackEvent is the MessagePack wire format
type msgpackEvent struct {
	Body         []byte            `msgpack:"body"`
	PartitionKey string            `msgpack:"partition_key,omitempty"`
	Properties   map[string]string `msgpack:"properties,omitempty"`
	EnqueuedTime time.Time         `msgpack:"enqueued_time,omitempty"`
}

// Encode serializes an event to MessagePack bytes
func (c MsgPack) Encode(event *streamhub.Event) ([]byte, error) {
	me := msgpackEvent{
		Body:         event.Body,
		PartitionKey: event.PartitionKey,
		EnqueuedTime: event.EnqueuedTime,
	}
	if event.Properties != nil {
		me.Properties = make(map[string]string)
		maps.Copy(me.Properties, event.Properties)
	}

	data, err := msgpack.Marshal(me)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes MessagePack bytes to an event
func (c MsgPack) Decode(data []byte) (*streamhub.Event, error) {
	var me msgpackEvent
	if err := msgpack.Unmarshal(data, &me); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}

	return &streamhub.Event{
		Body:         me.Body,
		PartitionKey: me.PartitionKey,
		Properties:   me.Properties,
		EnqueuedTime: me.EnqueuedTime,
	}, nil
}

// ContentType returns the MIME type for MessagePack
func (c MsgPack) ContentType() string {
	return "application/msgpack"
}

// Name returns the codec identifier
func (c MsgPack) Name() string {
	return "msgpack"
}

// Compile-time check
var _ Codec = MsgPack{}
