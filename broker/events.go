package broker

import "sync"

const defaultEventBuffer = 16

// EventStream is a closable, non-blocking event channel shared by broker
// implementations.
type EventStream struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewEventStream creates an EventStream with the given buffer size.
func NewEventStream(buffer int) *EventStream {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &EventStream{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the stream.
func (s *EventStream) Events() <-chan Event {
	return s.ch
}

// Emit sends ev unless the stream is closed or its buffer is full. It reports
// whether the event was queued.
func (s *EventStream) Emit(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// Close closes the stream. Later calls are no-ops.
func (s *EventStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Closed reports whether Close was called.
func (s *EventStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
