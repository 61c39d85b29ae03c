package emit

import "sync"

// BufferedEmitter stores events in memory, grouped by workflow.
//
// Useful in tests and for short-lived tools that want to inspect the event
// history of a run. Events are never evicted; call Clear when done.
//
// Example:
//
//	buf := emit.NewBufferedEmitter()
//	coord := migration.New(store, migration.WithEmitter(buf))
//	...
//	retries := buf.HistoryWithFilter(id, emit.HistoryFilter{Type: emit.TaskRetrying})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // workflowID -> events
}

// HistoryFilter selects events. Empty fields match everything; set fields
// are combined with AND.
type HistoryFilter struct {
	TaskID  string // exact task ID
	Type    Type   // exact event type
	MinStep *int   // Step >= MinStep
	MaxStep *int   // Step <= MaxStep
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit appends the event to its workflow's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.WorkflowID] = append(b.events[event.WorkflowID], event)
}

// History returns a copy of all events for workflowID in emission order.
func (b *BufferedEmitter) History(workflowID string) []Event {
	return b.HistoryWithFilter(workflowID, HistoryFilter{})
}

// HistoryWithFilter returns the events for workflowID matching filter.
// The result is never nil.
func (b *BufferedEmitter) HistoryWithFilter(workflowID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[workflowID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

// Count returns how many events of type t were recorded for workflowID.
func (b *BufferedEmitter) Count(workflowID string, t Type) int {
	return len(b.HistoryWithFilter(workflowID, HistoryFilter{Type: t}))
}

// Clear removes the history of workflowID, or of every workflow when
// workflowID is empty.
func (b *BufferedEmitter) Clear(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if workflowID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, workflowID)
}

func (f HistoryFilter) matches(event Event) bool {
	if f.TaskID != "" && event.TaskID != f.TaskID {
		return false
	}
	if f.Type != "" && event.Type != f.Type {
		return false
	}
	if f.MinStep != nil && event.Step < *f.MinStep {
		return false
	}
	if f.MaxStep != nil && event.Step > *f.MaxStep {
		return false
	}
	return true
}
