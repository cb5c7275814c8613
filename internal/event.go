package internal

// Message is what publishers put on the wire: an opaque payload plus string
// metadata copied onto the broker message.
type Message struct {
	Payload  []byte            `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
