// Package stream drives one framed token-stream request at a time: it
// parses the backend's "data: {json}" blocks into events, assembles the
// partial answer text, and owns generation cancellation.
package stream

import "encoding/json"

// EventType discriminates the token-stream event union.
type EventType string

const (
	// EventStart binds the authoritative chat session id. Always first.
	EventStart EventType = "start"
	// EventChunk carries an answer fragment to append.
	EventChunk EventType = "chunk"
	// EventEnd terminates a successful stream.
	EventEnd EventType = "end"
	// EventError terminates a failed stream with a message.
	EventError EventType = "error"
)

// Event is one parsed token-stream event. A valid stream is
// start, chunk*, then exactly one of end/error.
type Event struct {
	Type      EventType `json:"type"`
	SessionID int64     `json:"session_id,omitempty"`
	Content   string    `json:"content,omitempty"`
}

// ParsePayload decodes a frame payload into an Event. A payload that is not
// a recognizable event is degraded to a literal chunk rather than dropped,
// so a malformed frame can garble at most its own text, never kill the
// stream.
func ParsePayload(payload []byte) Event {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err == nil && knownType(ev.Type) {
		return ev
	}
	return Event{Type: EventChunk, Content: string(payload)}
}

func knownType(t EventType) bool {
	switch t {
	case EventStart, EventChunk, EventEnd, EventError:
		return true
	}
	return false
}
