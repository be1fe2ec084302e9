package stream

// DeliveryEvent is one JSON-shaped event of the client delivery
// protocol. A generation attempt emits, in order: an initial event
// carrying the new message identifiers, zero or more thinking/delta
// events, then exactly one terminal event (done or error).
type DeliveryEvent struct {
	UserMessageID      string `json:"userMessageId,omitempty"`
	AssistantMessageID string `json:"assistantMessageId,omitempty"`
	Thinking           string `json:"thinking,omitempty"`
	Delta              string `json:"delta,omitempty"`
	Done               bool   `json:"done,omitempty"`
	MessageID          string `json:"messageId,omitempty"`
	GeneratedTitle     string `json:"generatedTitle,omitempty"`
	Error              string `json:"error,omitempty"`
}

// Sink delivers events to a live client. Delivery is best-effort: a
// Send error means the client is gone, and the generation carries on
// without it — persistence is the consumer that must not fail, and it
// never goes through a Sink.
type Sink interface {
	Send(ev DeliveryEvent) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev DeliveryEvent) error

// Send calls f(ev).
func (f SinkFunc) Send(ev DeliveryEvent) error { return f(ev) }

// DiscardSink swallows all events. Used when no live client is
// attached (the client recovers via polling).
var DiscardSink = SinkFunc(func(DeliveryEvent) error { return nil })
