package messenger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/elissabot/elissa/internal/logging"
	"github.com/elissabot/elissa/internal/models"
)

// EventHandler consumes transport events; implemented by the engine.
type EventHandler interface {
	OnNewMessage(ctx context.Context, msg models.InboundMessage) error
	OnChatCreated(ctx context.Context, key models.ConversationKey) error
}

// securejoinComplete is the inviter-progress value reported once the
// joining contact is fully verified and the chat exists.
const securejoinComplete = 1000

// Chatmail is the production Messenger: it drives a chatmail transport
// daemon over its JSON-RPC socket and pumps its event stream.
type Chatmail struct {
	rpc      *RPCClient
	logger   zerolog.Logger
	dispatch *dispatcher
}

// NewChatmail wraps an RPC client.
func NewChatmail(rpc *RPCClient) *Chatmail {
	return &Chatmail{
		rpc:      rpc,
		logger:   logging.Component("chatmail"),
		dispatch: newDispatcher(),
	}
}

// SendText implements Messenger.
func (c *Chatmail) SendText(ctx context.Context, key models.ConversationKey, text string) error {
	_, err := c.rpc.Call(ctx, "misc_send_text_message", []any{key.AccountID, key.ChatID, text})
	if err != nil {
		return fmt.Errorf("send text to %s: %w", key, err)
	}
	return nil
}

// SendFile implements Messenger.
func (c *Chatmail) SendFile(ctx context.Context, key models.ConversationKey, path string) error {
	_, err := c.rpc.Call(ctx, "send_msg", []any{key.AccountID, key.ChatID, map[string]any{"file": path}})
	if err != nil {
		return fmt.Errorf("send file to %s: %w", key, err)
	}
	return nil
}

// eventEnvelope is the transport's event notification payload.
type eventEnvelope struct {
	ContextID int64 `json:"contextId"`
	Event     struct {
		Kind      string `json:"kind"`
		ChatID    int64  `json:"chatId"`
		MsgID     int64  `json:"msgId"`
		ContactID int64  `json:"contactId"`
		Progress  int    `json:"progress"`
	} `json:"event"`
}

// messageInfo is the slice of get_message's result the pump needs.
type messageInfo struct {
	ChatID   int64  `json:"chatId"`
	Text     string `json:"text"`
	ViewType string `json:"viewType"`
	IsInfo   bool   `json:"isInfo"`
	IsBot    bool   `json:"isBot"`
}

// Pump consumes the transport's event stream until ctx is cancelled or
// the connection closes. Events are fetched in stream order, then
// handled on per-conversation queues, so one conversation's work never
// stalls another's. Handler errors are reported and the pump keeps
// going; a conversation wedged by a transient failure recovers on its
// next inbound event or timer.
func (c *Chatmail) Pump(ctx context.Context, handler EventHandler) error {
	defer c.dispatch.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case notif, ok := <-c.rpc.Notifications():
			if !ok {
				return fmt.Errorf("transport event stream closed")
			}
			if notif.Method != "event" {
				continue
			}
			c.route(ctx, handler, notif.Params)
		}
	}
}

func (c *Chatmail) route(ctx context.Context, handler EventHandler, params json.RawMessage) {
	var env eventEnvelope
	if err := json.Unmarshal(params, &env); err != nil {
		c.logger.Warn().Err(err).Msg("undecodable event payload")
		return
	}

	switch env.Event.Kind {
	case "IncomingMsg":
		c.handleIncoming(ctx, handler, env.ContextID, env.Event.MsgID)

	case "SecurejoinInviterProgress":
		if env.Event.Progress != securejoinComplete {
			return
		}
		c.handleJoined(ctx, handler, env.ContextID, env.Event.ContactID)

	case "MsgDelivered":
		// Delivered replies are wiped from the server; the audit log
		// already holds the only copy this system keeps.
		if _, err := c.rpc.Call(ctx, "delete_messages", []any{env.ContextID, []int64{env.Event.MsgID}}); err != nil {
			c.logger.Warn().Err(err).Int64("msg_id", env.Event.MsgID).Msg("failed to delete delivered message")
		}
	}
}

func (c *Chatmail) handleIncoming(ctx context.Context, handler EventHandler, accountID, msgID int64) {
	raw, err := c.rpc.Call(ctx, "get_message", []any{accountID, msgID})
	if err != nil {
		c.logger.Error().Err(err).Int64("msg_id", msgID).Msg("failed to fetch incoming message")
		return
	}
	var info messageInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		c.logger.Error().Err(err).Int64("msg_id", msgID).Msg("undecodable message info")
		return
	}
	if info.IsInfo || info.IsBot {
		return
	}

	kind, ok := kindFromViewType(info.ViewType)
	if !ok {
		c.logger.Debug().
			Str("view_type", info.ViewType).
			Int64("msg_id", msgID).
			Msg("ignoring unsupported message type")
		return
	}

	key := models.ConversationKey{AccountID: accountID, ChatID: info.ChatID}
	msg := models.InboundMessage{Key: key, Kind: kind, Text: info.Text}
	c.dispatch.Do(key, func() {
		if err := handler.OnNewMessage(ctx, msg); err != nil {
			c.logger.Error().Err(err).Str("key", key.String()).Msg("message handling failed")
			return
		}
		if _, err := c.rpc.Call(ctx, "markseen_msgs", []any{accountID, []int64{msgID}}); err != nil {
			c.logger.Warn().Err(err).Int64("msg_id", msgID).Msg("failed to mark message seen")
		}
	})
}

func (c *Chatmail) handleJoined(ctx context.Context, handler EventHandler, accountID, contactID int64) {
	// Idempotent on the transport side: returns the existing 1:1 chat
	// when the contact already has one.
	raw, err := c.rpc.Call(ctx, "create_chat_by_contact_id", []any{accountID, contactID})
	if err != nil {
		c.logger.Error().Err(err).Int64("contact_id", contactID).Msg("failed to resolve joined contact's chat")
		return
	}
	var chatID int64
	if err := json.Unmarshal(raw, &chatID); err != nil {
		c.logger.Error().Err(err).Msg("undecodable chat id")
		return
	}

	key := models.ConversationKey{AccountID: accountID, ChatID: chatID}
	c.dispatch.Do(key, func() {
		if err := handler.OnChatCreated(ctx, key); err != nil {
			c.logger.Error().Err(err).Str("key", key.String()).Msg("chat-created handling failed")
		}
	})
}

func kindFromViewType(viewType string) (models.MessageKind, bool) {
	switch viewType {
	case "Text":
		return models.MessageKindText, true
	case "Voice":
		return models.MessageKindVoice, true
	case "Image", "Gif", "Sticker":
		return models.MessageKindImage, true
	default:
		return "", false
	}
}
