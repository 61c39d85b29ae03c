package emit

// Emitter receives lifecycle events from the migration coordinator.
//
// Implementations should be:
//   - Non-blocking: Emit is called on the workflow's execution path
//   - Thread-safe: workflows emit concurrently
//   - Resilient: a failing backend must not affect the workflow
type Emitter interface {
	// Emit delivers one event. It must not panic and must not block for long.
	Emit(event Event)
}

// Multi fans an event out to several emitters in order.
type Multi []Emitter

// Emit forwards the event to every non-nil emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}

// NullEmitter discards all events.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
