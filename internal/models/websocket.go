package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

type MessageType string

const (
	// client → server
	MessageTypeEditingStart MessageType = "editing_start"
	MessageTypeUpdate       MessageType = "update"
	MessageTypeAuth         MessageType = "auth"

	// server → client
	MessageTypeInit         MessageType = "init"
	MessageTypeLockAcquired MessageType = "lock_acquired"
	MessageTypeLockReleased MessageType = "lock_released"
	MessageTypeLockFailed   MessageType = "lock_failed"
	MessageTypeAuthResult   MessageType = "auth_result"
)

var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// InboundMessage is what a client may send on the room channel.
// Content is a pointer so an empty document can be told apart from a
// missing field.
type InboundMessage struct {
	Type    MessageType `json:"type"`
	Content *string     `json:"content,omitempty"`
	UserID  string      `json:"userId,omitempty"`
	PIN     string      `json:"pin,omitempty"`
}

// ParseInbound decodes and validates a raw client frame.
func ParseInbound(raw []byte) (InboundMessage, error) {
	// encoding/json would silently turn bad bytes into U+FFFD
	if !utf8.Valid(raw) {
		return InboundMessage{}, fmt.Errorf("%w: invalid utf-8", ErrMalformedMessage)
	}
	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch msg.Type {
	case MessageTypeEditingStart:
	case MessageTypeUpdate:
		if msg.Content == nil {
			return InboundMessage{}, fmt.Errorf("%w: update without content", ErrMalformedMessage)
		}
	case MessageTypeAuth:
		if msg.PIN == "" {
			return InboundMessage{}, fmt.Errorf("%w: auth without pin", ErrMalformedMessage)
		}
	default:
		return InboundMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}
	return msg, nil
}

// Event is a server → client message. Each constructor below produces one
// variant of the union; the JSON shape matches the wire table.
type Event struct {
	Type       MessageType `json:"type"`
	Content    *string     `json:"content,omitempty"`
	UserID     string      `json:"userId,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Role       Role        `json:"role,omitempty"`
	Authorized *bool       `json:"authorized,omitempty"`
}

func InitEvent(content string) Event {
	return Event{Type: MessageTypeInit, Content: &content}
}

func UpdateEvent(content string) Event {
	return Event{Type: MessageTypeUpdate, Content: &content}
}

func LockAcquiredEvent(userID string) Event {
	return Event{Type: MessageTypeLockAcquired, UserID: userID}
}

func LockReleasedEvent() Event {
	return Event{Type: MessageTypeLockReleased}
}

func LockFailedEvent(reason string) Event {
	return Event{Type: MessageTypeLockFailed, Reason: reason}
}

func AuthResultEvent(role Role, authorized bool) Event {
	return Event{Type: MessageTypeAuthResult, Role: role, Authorized: &authorized}
}

// Encode marshals the event for the wire.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
