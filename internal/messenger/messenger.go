// Package messenger defines the outbound boundary to the messaging
// transport. The transport itself (accounts, encryption, delivery) is
// not part of this repo; the engine only needs to hand it a payload
// for a conversation.
package messenger

import (
	"context"

	"github.com/elissabot/elissa/internal/models"
)

// Messenger delivers outbound payloads to a conversation.
type Messenger interface {
	// SendText sends a text message into the conversation.
	SendText(ctx context.Context, key models.ConversationKey, text string) error

	// SendFile sends the file at path into the conversation.
	SendFile(ctx context.Context, key models.ConversationKey, path string) error
}
