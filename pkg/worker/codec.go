package worker

import (
	"encoding/json"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Codec turns a Watermill message into an Event.
type Codec interface {
	Decode(topic string, msg *message.Message) (*Event, error)
}

// DefaultCodec accepts JSON object payloads and lifts the request id and event
// name out of the metadata.
type DefaultCodec struct{}

func (DefaultCodec) Decode(topic string, msg *message.Message) (*Event, error) {
	if !json.Valid(msg.Payload) {
		return nil, errors.New("payload is not valid JSON")
	}

	metadata := make(map[string]string, len(msg.Metadata))
	for key, value := range msg.Metadata {
		metadata[key] = value
	}

	return &Event{
		Type:      msg.Metadata.Get("event"),
		Topic:     topic,
		RequestID: msg.Metadata.Get("request_id"),
		Metadata:  metadata,
		Payload:   json.RawMessage(msg.Payload),
	}, nil
}
