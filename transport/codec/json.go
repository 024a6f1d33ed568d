package codec

import (
	"encoding/json"
	"errors"
	"maps"
	"time"

	"github.com/rbaliyan/streamhub"
)

// JSON implements Codec using JSON serialization.
// This is the default codec, providing human-readable output.
//
// The event body is stored as pre-encoded bytes (base64 in JSON wire
// format).
type JSON struct{}

// jsonEvent is the JSON wire format
type jsonEvent struct {
	Body         []byte            `json:"body"`
	PartitionKey string            `json:"partition_key,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
	EnqueuedTime time.Time         `json:"enqueued_time,omitzero"`
}

// Encode serializes an event to JSON bytes
func (c JSON) Encode(event *streamhub.Event) ([]byte, error) {
	je := jsonEvent{
		Body:         event.Body,
		PartitionKey: event.PartitionKey,
		EnqueuedTime: event.EnqueuedTime,
	}
	if event.Properties != nil {
		je.Properties = make(map[string]string)
		maps.Copy(je.Properties, event.Properties)
	}

	data, err := json.Marshal(je)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes JSON bytes to an event
func (c JSON) Decode(data []byte) (*streamhub.Event, error) {
	var je jsonEvent
	if err := json.Unmarshal(data, &je); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}

	return &streamhub.Event{
		Body:         je.Body,
		PartitionKey: je.PartitionKey,
		Properties:   je.Properties,
		EnqueuedTime: je.EnqueuedTime,
	}, nil
}

// ContentType returns the MIME type for JSON
func (c JSON) ContentType() string {
	return "application/json"
}

// Name returns the codec identifier
func (c JSON) Name() string {
	return "json"
}

// Compile-time check
var _ Codec = JSON{}
