package events

// Event is a structured notification emitted after a protocol state change.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Emitter broadcasts events to downstream subscribers. The protocol never
// observes a return value: emission is fire-and-forget.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding all events. Components that
// optionally expose events default to it.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// CollectEmitter buffers emitted events in order. Intended for tests and for
// in-process subscribers that drain on their own schedule.
type CollectEmitter struct {
	Events []Event
}

// Emit implements the Emitter interface.
func (c *CollectEmitter) Emit(evt Event) {
	c.Events = append(c.Events, evt)
}
