package models

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates the variants of StreamEvent.
type EventKind int

const (
	// EventOpen is emitted once the server acknowledged the stream.
	EventOpen EventKind = iota
	// EventClosed is emitted when the server ended the stream gracefully.
	EventClosed
	// EventError is emitted on a transport failure. It is always the last event of a sequence.
	EventError
	// EventFragment carries one named server-sent event.
	EventFragment
)

// Fragment types sent by the server.
const (
	FragmentAdd    = "add"
	FragmentFinish = "finish"
)

// StreamEvent is a single item of an event stream sequence.
type StreamEvent struct {
	Kind EventKind

	// Type and Data are filled when Kind is EventFragment. Type is empty for unnamed events.
	Type string
	Data string

	// Err is filled when Kind is EventError.
	Err error
}

// OpenEvent returns an EventOpen event.
func OpenEvent() StreamEvent { return StreamEvent{Kind: EventOpen} }

// ClosedEvent returns an EventClosed event.
func ClosedEvent() StreamEvent { return StreamEvent{Kind: EventClosed} }

// ErrorEvent returns an EventError event wrapping err.
func ErrorEvent(err error) StreamEvent { return StreamEvent{Kind: EventError, Err: err} }

// FragmentEvent returns an EventFragment event.
func FragmentEvent(typ, data string) StreamEvent {
	return StreamEvent{Kind: EventFragment, Type: typ, Data: data}
}

func (e StreamEvent) String() string {
	switch e.Kind {
	case EventOpen:
		return "open"
	case EventClosed:
		return "closed"
	case EventError:
		return fmt.Sprintf("error(%v)", e.Err)
	case EventFragment:
		return fmt.Sprintf("fragment(%s, %d bytes)", e.Type, len(e.Data))
	}
	return fmt.Sprintf("StreamEvent(%d)", int(e.Kind))
}

// FinishPayload is the JSON body of a finish fragment. BotMessageID is the id the dispatcher put in the original request.
type FinishPayload struct {
	Message      string `json:"message"`
	BotMessageID string `json:"botMsgId"`
}

// ParseFinishPayload decodes the data of a finish fragment.
func ParseFinishPayload(data string) (FinishPayload, error) {
	var p FinishPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return FinishPayload{}, fmt.Errorf("failed to unmarshal finish payload: %w", err)
	}
	return p, nil
}
