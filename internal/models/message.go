// Package models defines the shared types for elissa conversations.
package models

import (
	"fmt"
	"time"
)

// MessageKind identifies the media type of an inbound message.
type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindVoice MessageKind = "voice"
	MessageKindImage MessageKind = "image"
)

// Valid reports whether the kind is one the script language knows about.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindVoice, MessageKindImage:
		return true
	}
	return false
}

// ConversationKey identifies one (account, chat) pair. Every durable
// record and every engine entry point is scoped to a key.
type ConversationKey struct {
	// AccountID is the messaging account the chat belongs to.
	AccountID int64

	// ChatID is the chat within that account.
	ChatID int64
}

// String renders the key in the canonical "a<ID>c<ID>" form used in
// storage and logs.
func (k ConversationKey) String() string {
	return fmt.Sprintf("a%dc%d", k.AccountID, k.ChatID)
}

// ParseConversationKey parses the canonical "a<ID>c<ID>" form back
// into a key.
func ParseConversationKey(s string) (ConversationKey, error) {
	var k ConversationKey
	n, err := fmt.Sscanf(s, "a%dc%d", &k.AccountID, &k.ChatID)
	if err != nil || n != 2 {
		return ConversationKey{}, fmt.Errorf("malformed conversation key %q", s)
	}
	return k, nil
}

// InboundMessage is one message delivered by the transport.
type InboundMessage struct {
	// Key is the conversation the message arrived in.
	Key ConversationKey

	// Kind is the media type reported by the transport.
	Kind MessageKind

	// Text is the message body; empty for non-text kinds unless the
	// transport supplies a caption.
	Text string

	// Timestamp is when the transport received the message.
	Timestamp time.Time
}

// LogDirection records which way a logged message travelled.
type LogDirection string

const (
	LogDirectionIn  LogDirection = "in"
	LogDirectionOut LogDirection = "out"
)

// LogEntry is one row of a conversation's append-only audit log.
// The engine only ever writes entries; nothing in the core reads them
// back.
type LogEntry struct {
	// ID is the unique identifier for the entry.
	ID string

	// Key is the conversation the entry belongs to.
	Key ConversationKey

	// Direction is in (received) or out (sent).
	Direction LogDirection

	// Kind is the media type of the logged message.
	Kind MessageKind

	// Body is the message text.
	Body string

	// CreatedAt is when the entry was appended.
	CreatedAt time.Time
}
