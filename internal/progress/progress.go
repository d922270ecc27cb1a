// Package progress streams pipeline progress to clients over SSE. A stream
// carries monotonically sequenced events and terminates with exactly one
// complete or error event; everything after the terminal event is dropped.
package progress

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"packsmith/internal/logging"
	"packsmith/internal/types"
)

// EventType discriminates stream events on the wire.
type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one SSE payload.
type Event struct {
	Seq     int64           `json:"seq"`
	Type    EventType       `json:"type"`
	Stage   string          `json:"stage,omitempty"`
	Message string          `json:"message,omitempty"`
	Code    types.Code      `json:"code,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// DefaultBuffer is the event buffer for one stream. A client that cannot
// drain this many progress events loses intermediate updates, never the
// terminal one.
const DefaultBuffer = 64

// Stream is a single pipeline's progress feed. Producers call Emit, Complete,
// and Fail; the consumer drains Events until it closes.
type Stream struct {
	mu     sync.Mutex
	seq    int64
	ch     chan Event
	closed bool
	log    *zap.Logger
}

// NewStream builds a stream with the given buffer size (<=0 uses the
// default).
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Stream{
		ch:  make(chan Event, buffer),
		log: logging.For(logging.ComponentProgress),
	}
}

// Events is the consumer side. The channel closes after the terminal event.
func (s *Stream) Events() <-chan Event { return s.ch }

// Emit publishes a progress update. Updates on a full buffer are dropped;
// updates after the terminal event are ignored.
func (s *Stream) Emit(stage, message string) {
	s.publish(Event{Type: EventProgress, Stage: stage, Message: message})
}

// EmitPayload publishes a progress update with structured data attached.
func (s *Stream) EmitPayload(stage, message string, payload interface{}) {
	s.publish(Event{Type: EventProgress, Stage: stage, Message: message, Payload: marshal(payload)})
}

// Complete publishes the terminal success event and closes the stream. Only
// the first terminal call wins.
func (s *Stream) Complete(payload interface{}) {
	s.terminate(Event{Type: EventComplete, Payload: marshal(payload)})
}

// Fail publishes the terminal error event and closes the stream.
func (s *Stream) Fail(code types.Code, message string) {
	s.terminate(Event{Type: EventError, Code: code, Message: message})
}

func (s *Stream) publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.seq++
	e.Seq = s.seq
	select {
	case s.ch <- e:
	default:
		s.log.Debug("progress event dropped", zap.String("stage", e.Stage), zap.Int64("seq", e.Seq))
	}
}

func (s *Stream) terminate(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.seq++
	e.Seq = s.seq

	// The buffer reserves no slot for the terminal event, so make room by
	// discarding the oldest progress updates.
	for {
		select {
		case s.ch <- e:
			close(s.ch)
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

func marshal(payload interface{}) json.RawMessage {
	if payload == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return raw
}
