package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType discriminates the StreamEvent union.
type EventType string

const (
	// EventConnected carries the server's authoritative echo of the submitted user message.
	EventConnected EventType = "connected"
	// EventContentDelta carries incremental assistant output.
	EventContentDelta EventType = "content_delta"
	// EventCompletion is the terminal event of one assistant turn.
	EventCompletion EventType = "completion"
	// EventError reports a failure of the assistant pipeline.
	EventError EventType = "error"
	// EventTimeout reports that no terminal event arrived within the server's window.
	EventTimeout EventType = "timeout"
)

// ErrMalformedEvent is returned by DecodeEvent when a frame payload is not a valid stream event.
var ErrMalformedEvent = errors.New("malformed stream event")

// StreamEvent is one decoded frame of a send stream. Which fields are meaningful depends on Type:
//
//   - EventConnected: UserMessage, AssistantMessage (optional).
//   - EventContentDelta: MessageID, DeltaContent, TotalContent, Status.
//   - EventCompletion: MessageID, Content, Status, QueuedFollowup.
//   - EventError: Reason.
//   - EventTimeout: none.
//
// TotalContent is always the full text accumulated so far, so applying the same delta twice is harmless.
type StreamEvent struct {
	Type EventType `json:"type"`

	UserMessage      *Message `json:"user_message,omitempty"`
	AssistantMessage *Message `json:"assistant_message,omitempty"`

	MessageID    string `json:"message_id,omitempty"`
	DeltaContent string `json:"delta_content,omitempty"`
	TotalContent string `json:"total_content,omitempty"`
	Content      string `json:"content,omitempty"`
	Status       Status `json:"status,omitempty"`

	// QueuedFollowup signals that another assistant turn is expected after this completion, so the
	// local state must be re-synced from history instead of being trusted as final.
	QueuedFollowup bool `json:"queued_followup,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// Terminal reports whether the event ends the stream for its turn.
func (e StreamEvent) Terminal() bool {
	switch e.Type {
	case EventCompletion, EventError, EventTimeout:
		return true
	default:
		return false
	}
}

// DecodeEvent parses a frame payload into a StreamEvent. Payloads that are not JSON, carry an unknown
// type, or lack the fields their type requires are reported as ErrMalformedEvent.
func DecodeEvent(payload []byte) (StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return StreamEvent{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	switch ev.Type {
	case EventConnected:
		if ev.UserMessage == nil || ev.UserMessage.ID == "" {
			return StreamEvent{}, fmt.Errorf("%w: connected event without user message", ErrMalformedEvent)
		}
	case EventContentDelta, EventCompletion, EventError, EventTimeout:
	case "":
		return StreamEvent{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	default:
		return StreamEvent{}, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, ev.Type)
	}

	return ev, nil
}

// UnmarshalJSON decodes a status leniently, see ParseStatus.
func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = ParseStatus(raw)
	return nil
}
