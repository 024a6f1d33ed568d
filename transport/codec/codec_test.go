package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/streamhub"
)

func TestCodecRoundTrip(t *testing.T) {
	event := &streamhub.Event{
		Body:         []byte("order placed"),
		PartitionKey: "customer-17",
		Properties:   map[string]string{"source": "api", "version": "2"},
		EnqueuedTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	for _, c := range []Codec{JSON{}, MsgPack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Encode(event)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			decoded, err := c.Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if diff := cmp.Diff(event, decoded); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeGarbage(t *testing.T) {
	for _, c := range []Codec{JSON{}, MsgPack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			if _, err := c.Decode([]byte("\x00not a valid payload")); !errors.Is(err, ErrDecodeFailure) {
				t.Errorf("expected ErrDecodeFailure, got %v", err)
			}
		})
	}
}

func TestDefaultIsJSON(t *testing.T) {
	if Default().Name() != "json" {
		t.Errorf("Default codec = %q, want json", Default().Name())
	}
}
