package events

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. indexers, audit
// sinks).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Queue buffers emitted events until the owning controller decides the state
// transition producing them is final. Flush forwards the buffered events
// downstream in emission order, Reset drops them. Not safe for concurrent use;
// the controller serializes access the same way it serializes state writes.
type Queue struct {
	pending []Event
}

// Emit implements the Emitter interface.
func (q *Queue) Emit(evt Event) {
	q.pending = append(q.pending, evt)
}

// Flush forwards the buffered events to target in order and empties the queue.
// A nil target drops them.
func (q *Queue) Flush(target Emitter) {
	for _, evt := range q.pending {
		if target != nil {
			target.Emit(evt)
		}
	}
	q.pending = nil
}

// Reset drops the buffered events without delivering them.
func (q *Queue) Reset() {
	q.pending = nil
}

// Recorder captures emitted events in order. Intended for tests.
type Recorder struct {
	Events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	r.Events = append(r.Events, evt)
}
