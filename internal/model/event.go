package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is the discriminant carried in the "event" field of a stream line.
type EventType string

const (
	EventTypeMessage      EventType = "message"
	EventTypeAgentMessage EventType = "agent_message"
	EventTypeMessageEnd   EventType = "message_end"
	EventTypeError        EventType = "error"
)

// ErrMalformedEvent marks a stream line or webhook event that cannot be decoded.
var ErrMalformedEvent = errors.New("malformed event")

// Event is one decoded AI stream event. The set of implementations is closed:
// MessageEvent, MessageEndEvent, ErrorEvent and OtherEvent.
type Event interface {
	eventType() EventType
}

// MessageEvent carries one answer fragment.
type MessageEvent struct {
	Answer string
}

// MessageEndEvent marks the end of the answer.
type MessageEndEvent struct {
	ConversationID string
}

// ErrorEvent reports a backend or transport failure.
type ErrorEvent struct {
	Message string
}

// OtherEvent is any event the relay does not act on (workflow progress, ping, tts...).
type OtherEvent struct {
	Name string
}

func (MessageEvent) eventType() EventType    { return EventTypeMessage }
func (MessageEndEvent) eventType() EventType { return EventTypeMessageEnd }
func (ErrorEvent) eventType() EventType      { return EventTypeError }
func (e OtherEvent) eventType() EventType    { return EventType(e.Name) }

// TypeOf returns the discriminant of an event, for logging.
func TypeOf(e Event) EventType {
	if e == nil {
		return ""
	}
	return e.eventType()
}

type streamEnvelope struct {
	Event          EventType `json:"event"`
	Answer         string    `json:"answer"`
	ConversationID string    `json:"conversation_id"`
	Message        string    `json:"message"`
}

// DecodeEvent decodes the JSON payload of one "data: " line.
func DecodeEvent(data []byte) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if raw, ok := fields["error"]; ok {
		return ErrorEvent{Message: rawText(raw)}, nil
	}

	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Event {
	case EventTypeMessage, EventTypeAgentMessage:
		return MessageEvent{Answer: env.Answer}, nil
	case EventTypeMessageEnd:
		return MessageEndEvent{ConversationID: env.ConversationID}, nil
	case EventTypeError:
		msg := env.Message
		if msg == "" {
			msg = "unknown error"
		}
		return ErrorEvent{Message: msg}, nil
	default:
		return OtherEvent{Name: string(env.Event)}, nil
	}
}

// rawText renders a JSON value as text: strings unquoted, anything else verbatim.
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
