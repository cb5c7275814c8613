package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
)

func TestMiddlewareFromWatermillCopiesMessage(t *testing.T) {
	var seen *message.Message
	capture := func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			seen = msg
			return h(msg)
		}
	}

	called := false
	handler := MiddlewareFromWatermill(capture)(func(ctx context.Context, evt *Event) error {
		called = true
		return nil
	})
	evt := &Event{
		Topic:    "jobs",
		Metadata: map[string]string{"request_id": "abc"},
		Payload:  json.RawMessage(`{"ref":"refs/heads/main"}`),
	}
	if err := handler(context.Background(), evt); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !called {
		t.Fatalf("expected wrapped handler to run")
	}
	if seen == nil {
		t.Fatalf("expected middleware to see a message")
	}
	if string(seen.Payload) != `{"ref":"refs/heads/main"}` {
		t.Fatalf("unexpected payload %q", seen.Payload)
	}
	if seen.Metadata.Get("request_id") != "abc" {
		t.Fatalf("expected metadata to be copied, got %v", seen.Metadata)
	}
}
