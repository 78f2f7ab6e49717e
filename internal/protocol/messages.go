// Package protocol defines the socket events exchanged between the chat
// client and the relay server. All events are serialized as JSON and follow a
// flat envelope format with a "type" discriminator; the event names are the
// wire contract.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/chatsync/internal/chat"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	TypeStartTyping = "startTyping"
	TypeStopTyping  = "stopTyping"
	TypePing        = "ping"
)

// Server -> Client events.
const (
	TypeShowTyping        = "showTyping"
	TypeStopShowingTyping = "stopShowingTyping"
	TypeMessageReceived   = "messageReceived"
	TypeChatUpdated       = "chatUpdated"
	TypeError             = "error"
	TypePong              = "pong"
)

// Local pseudo-events raised by the client transport itself. They never
// travel over the wire.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// ---------------------------------------------------------------------------
// Envelope is parsed first to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// StartTypingMsg announces that sender began composing in chatId. Members is
// informational; the relay resolves the recipient list itself.
type StartTypingMsg struct {
	Type    string   `json:"type"`
	ChatID  string   `json:"chatId"`
	Members []string `json:"members"`
	Sender  string   `json:"sender"`
	Name    string   `json:"name"`
}

// StopTypingMsg ends a typing burst.
type StopTypingMsg struct {
	Type    string   `json:"type"`
	ChatID  string   `json:"chatId"`
	Members []string `json:"members"`
	Sender  string   `json:"sender"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// ShowTypingMsg tells a peer that sender is typing in chatId.
type ShowTypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	Sender string `json:"sender"`
	Name   string `json:"name"`
}

// StopShowingTypingMsg tells a peer that sender stopped typing in chatId.
type StopShowingTypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	Sender string `json:"sender"`
}

// MessageReceivedMsg delivers a persisted message to every chat member,
// including an echo to the sender.
type MessageReceivedMsg struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

// ChatUpdatedMsg delivers a server-authoritative chat snapshot after a
// membership change or chat creation. A snapshot that no longer lists the
// receiver means the receiver was removed.
type ChatUpdatedMsg struct {
	Type string    `json:"type"`
	Chat chat.Chat `json:"chat"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw socket bytes into a typed client event. It
// returns the event type, the decoded struct, and any error encountered. An
// error is returned for unknown or server-only event types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeStartTyping:
		var m StartTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopTyping:
		var m StopTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	if chatID := chatIDOf(msg); chatID == "" && env.Type != TypePing {
		return env.Type, nil, fmt.Errorf("protocol: %q requires chatId", env.Type)
	}
	return env.Type, msg, nil
}

func chatIDOf(msg interface{}) string {
	switch m := msg.(type) {
	case StartTypingMsg:
		return m.ChatID
	case StopTypingMsg:
		return m.ChatID
	}
	return ""
}

// NewServerMessage creates a JSON-encoded frame for a server event. The
// msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return newMessage(msgType, payload)
}

// NewClientMessage creates a JSON-encoded frame for a client event.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return newMessage(msgType, payload)
}

func newMessage(msgType string, payload interface{}) ([]byte, error) {
	// Round-trip through a generic map so the "type" field is present and
	// correct regardless of what the payload struct carried.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	m := map[string]interface{}{}
	if string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
		}
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
