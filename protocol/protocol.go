package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope format")
	ErrMissingData     = errors.New("missing event data")
)

// Inbound event names.
const (
	EventUserConnected    = "user_connected"
	EventSendMessage      = "send_message"
	EventToggleReaction   = "toggle_reaction"
	EventTyping           = "typing"
	EventUpdateMessage    = "update_message"
	EventDeleteMessage    = "delete_message"
	EventMarkSeen         = "mark_seen"
	EventMessageDelivered = "message_delivered"
	EventMessageRead      = "message_read"
)

// Outbound event names. Typing reuses EventTyping.
const (
	EventOnlineUsers          = "online_users"
	EventReceiveMessage       = "receive_message"
	EventReactionUpdated      = "reaction_updated"
	EventMessageUpdated       = "message_updated"
	EventMessageDeleted       = "message_deleted"
	EventMessagesSeen         = "messages_seen"
	EventMessageStatusUpdated = "message_status_updated"
	EventError                = "error"
)

// Envelope is one frame on the event channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// New marshals payload into an envelope.
func New(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Encode returns the wire form of an envelope.
func Encode(env Envelope) ([]byte, error) {
	if env.Event == "" {
		return nil, ErrInvalidEnvelope
	}
	return json.Marshal(env)
}

// Decode parses a frame. The event name is required; data may be absent.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Event == "" {
		return Envelope{}, ErrInvalidEnvelope
	}
	return env, nil
}

// Bind unmarshals the envelope data into v.
func (e Envelope) Bind(v any) error {
	if !e.HasData() {
		return ErrMissingData
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Event, err)
	}
	return nil
}

func (e Envelope) HasData() bool {
	trimmed := bytes.TrimSpace(e.Data)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// BindStringOrField accepts either a bare JSON string or an object and returns the
// string. Several events carry a plain id or username in older clients and an
// object in newer ones; obj receives the object form.
func (e Envelope) BindStringOrField(obj any) (string, bool, error) {
	if !e.HasData() {
		return "", false, ErrMissingData
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s, true, nil
	}
	if err := json.Unmarshal(e.Data, obj); err != nil {
		return "", false, fmt.Errorf("decode %s: %w", e.Event, err)
	}
	return "", false, nil
}
