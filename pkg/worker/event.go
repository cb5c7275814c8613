package worker

import "encoding/json"

// Event is a message received by the worker.
type Event struct {
	// Type is the webhook event name carried in the "event" metadata key.
	Type string `json:"type"`
	// Topic is the topic the message arrived on.
	Topic string `json:"topic"`
	// RequestID ties the message back to the webhook request that queued it.
	RequestID string `json:"request_id"`
	// Metadata holds the broker metadata.
	Metadata map[string]string `json:"metadata"`
	// Payload is the raw message body.
	Payload json.RawMessage `json:"payload"`
}
