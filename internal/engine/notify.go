package engine

import (
	"context"
	"strings"

	"github.com/elissabot/elissa/internal/models"
	"github.com/elissabot/elissa/internal/script"
)

// executeNotify sends a notify instruction's payload to its resolved
// recipient. The instruction's reply text still goes back into the
// originating conversation (handled by the drain loop like any other
// reply); only the payload and attachments go to the recipient.
// Notify failures are reported and the conversation keeps moving;
// nothing here ever raises an error into the chat.
func (e *Engine) executeNotify(ctx context.Context, conv *models.Conversation, inst script.Instruction) {
	recipient := inst.Args[0]
	dest, ok := e.recipients.Resolve(recipient)
	if !ok {
		e.logger.Error().
			Str("key", conv.Key.String()).
			Str("recipient", recipient).
			Msg("notify recipient is not configured")
		return
	}

	if payload := strings.TrimSpace(strings.Join(inst.Args[1:], " ")); payload != "" {
		text := conv.Key.String() + ": " + payload
		if err := e.messenger.SendText(ctx, dest, text); err != nil {
			e.logger.Error().
				Err(err).
				Str("key", conv.Key.String()).
				Str("recipient", recipient).
				Msg("failed to send notification")
		}
	}

	kinds, _ := inst.Clause(script.ClauseAttach)
	for _, kind := range kinds {
		e.sendAttachment(ctx, conv.Key, dest, kind)
	}
}

func (e *Engine) sendAttachment(ctx context.Context, origin, dest models.ConversationKey, kind string) {
	res, err := e.attachments.Resolve(ctx, kind, origin)
	if err != nil {
		e.logger.Error().
			Err(err).
			Str("key", origin.String()).
			Str("attachment", kind).
			Msg("failed to resolve attachment")
		return
	}
	if res.Empty() {
		e.logger.Debug().
			Str("key", origin.String()).
			Str("attachment", kind).
			Msg("attachment not available")
		return
	}

	var sendErr error
	if res.Path != "" {
		sendErr = e.messenger.SendFile(ctx, dest, res.Path)
	} else {
		sendErr = e.messenger.SendText(ctx, dest, kind+": "+res.Text)
	}
	if sendErr != nil {
		e.logger.Error().
			Err(sendErr).
			Str("key", origin.String()).
			Str("attachment", kind).
			Msg("failed to send attachment")
	}
}
