package attach

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/elissabot/elissa/internal/db"
	"github.com/elissabot/elissa/internal/models"
)

// ChatLog resolves the chat_log.txt attachment kind by exporting the
// conversation's audit log to a file under dir.
func ChatLog(conversations *db.ConversationRepository, dir string) Resolver {
	return ResolverFunc(func(ctx context.Context, key models.ConversationKey) (Resolution, error) {
		entries, err := conversations.ListLog(ctx, key, 0)
		if err != nil {
			return Resolution{}, fmt.Errorf("read conversation log: %w", err)
		}
		if len(entries) == 0 {
			return Resolution{}, nil
		}

		path := filepath.Join(dir, key.String()+"_chat_log.txt")
		f, err := os.Create(path)
		if err != nil {
			return Resolution{}, fmt.Errorf("create chat log export: %w", err)
		}
		defer f.Close()

		for _, e := range entries {
			line := fmt.Sprintf("[%s] %s %s: %s\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"), e.Direction, e.Kind, e.Body)
			if _, err := f.WriteString(line); err != nil {
				return Resolution{}, fmt.Errorf("write chat log export: %w", err)
			}
		}

		return Resolution{Path: path}, nil
	})
}

// LastMessage resolves the last-<kind> attachment kinds by returning
// the body of the most recent inbound message of that kind. Kinds
// whose bodies the transport never surfaces as text (voice, image
// without caption) resolve to nothing.
func LastMessage(conversations *db.ConversationRepository, kind models.MessageKind) Resolver {
	return ResolverFunc(func(ctx context.Context, key models.ConversationKey) (Resolution, error) {
		entries, err := conversations.ListLog(ctx, key, 0)
		if err != nil {
			return Resolution{}, fmt.Errorf("read conversation log: %w", err)
		}
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if e.Direction == models.LogDirectionIn && e.Kind == kind && e.Body != "" {
				return Resolution{Text: e.Body}, nil
			}
		}
		return Resolution{}, nil
	})
}
