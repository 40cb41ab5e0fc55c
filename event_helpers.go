package chatgraph

import (
	"strings"
	"sync"
)

// FilterEvents forwards only events with matching types. With no types it forwards everything.
func FilterEvents(input <-chan Event, types ...EventType) <-chan Event {
	allowed := make(map[EventType]struct{}, len(types))
	for _, typ := range types {
		allowed[typ] = struct{}{}
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for event := range input {
			if len(allowed) > 0 {
				if _, ok := allowed[event.Type]; !ok {
					continue
				}
			}
			out <- event
		}
	}()
	return out
}

// EventRecorder captures events for replay or inspection.
type EventRecorder struct {
	mu     sync.Mutex
	events []Event
}

// NewEventRecorder creates a new recorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// Record captures events while forwarding them.
func (r *EventRecorder) Record(input <-chan Event) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for event := range input {
			r.add(event)
			out <- event
		}
	}()
	return out
}

// Drain records every event of input and returns once it is closed.
func (r *EventRecorder) Drain(input <-chan Event) {
	for event := range input {
		r.add(event)
	}
}

func (r *EventRecorder) add(event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of recorded events.
func (r *EventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := make([]Event, len(r.events))
	copy(copied, r.events)
	return copied
}

// OfType returns the recorded events of one type, in order.
func (r *EventRecorder) OfType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, event := range r.events {
		if event.Type == typ {
			out = append(out, event)
		}
	}
	return out
}

// Types returns the type of every recorded event, in order.
func (r *EventRecorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]EventType, len(r.events))
	for i, event := range r.events {
		out[i] = event.Type
	}
	return out
}

// Text concatenates every streamed token.
func (r *EventRecorder) Text() string {
	var b strings.Builder
	for _, event := range r.OfType(EventTypeToken) {
		b.WriteString(event.Chunk())
	}
	return b.String()
}
