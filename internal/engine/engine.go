// Package engine advances conversation cursors through compiled
// scripts in response to inbound messages and fired timers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/elissabot/elissa/internal/attach"
	"github.com/elissabot/elissa/internal/db"
	"github.com/elissabot/elissa/internal/logging"
	"github.com/elissabot/elissa/internal/messenger"
	"github.com/elissabot/elissa/internal/models"
	"github.com/elissabot/elissa/internal/script"
)

// WaitScheduler is the slice of the scheduler the engine needs.
// Schedule persists and arms a timer in one call; Arm only arms a
// timer the engine has already persisted in its own transaction.
type WaitScheduler interface {
	Schedule(ctx context.Context, key models.ConversationKey, dueAt time.Time) error
	Arm(key models.ConversationKey, dueAt time.Time)
}

// RecipientDirectory resolves notify recipient identifiers to
// conversation keys. Provided by the hosting process.
type RecipientDirectory interface {
	Resolve(recipient string) (models.ConversationKey, bool)
}

// StaticRecipients is a map-backed RecipientDirectory.
type StaticRecipients map[string]models.ConversationKey

// Resolve implements RecipientDirectory.
func (s StaticRecipients) Resolve(recipient string) (models.ConversationKey, bool) {
	key, ok := s[recipient]
	return key, ok
}

// Options configure engine construction.
type Options struct {
	// OnFinished, if set, is invoked after a conversation reaches the
	// end of its program. Runs inside the per-key scope.
	OnFinished func(key models.ConversationKey)
}

// Engine is the state machine driving every conversation. All entry
// points serialize per conversation key; different keys run in
// parallel.
type Engine struct {
	scriptText    string
	program       script.Program
	store         *db.DB
	conversations *db.ConversationRepository
	timers        *db.TimerRepository
	scheduler     WaitScheduler
	messenger     messenger.Messenger
	attachments   *attach.Registry
	recipients    RecipientDirectory
	opts          Options
	logger        zerolog.Logger
	locks         *keyLock

	// now is the clock; replaced in tests.
	now func() time.Time

	// programs caches compilations of conversation snapshots that
	// differ from the currently loaded script.
	programsMu sync.Mutex
	programs   map[string]script.Program
}

// New creates an Engine for the given script. scriptText must be the
// exact text program was compiled from; it becomes the snapshot bound
// to newly created conversations.
func New(
	scriptText string,
	program script.Program,
	store *db.DB,
	conversations *db.ConversationRepository,
	timers *db.TimerRepository,
	scheduler WaitScheduler,
	m messenger.Messenger,
	attachments *attach.Registry,
	recipients RecipientDirectory,
	opts Options,
) *Engine {
	return &Engine{
		scriptText:    scriptText,
		program:       program,
		store:         store,
		conversations: conversations,
		timers:        timers,
		scheduler:     scheduler,
		messenger:     m,
		attachments:   attachments,
		recipients:    recipients,
		opts:          opts,
		logger:        logging.Component("engine"),
		locks:         newKeyLock(),
		now:           time.Now,
		programs:      make(map[string]script.Program),
	}
}

// OnChatCreated handles a transport notification that a new chat
// exists (for example after the bot's invite was accepted).
// Idempotent: re-contact on an existing conversation only logs.
func (e *Engine) OnChatCreated(ctx context.Context, key models.ConversationKey) error {
	unlock := e.locks.Acquire(key)
	defer unlock()

	conv, created, err := e.ensureConversation(ctx, key)
	if err != nil {
		return err
	}
	if !created {
		e.logger.Info().Str("key", key.String()).Msg("chat re-created for existing conversation")
		return nil
	}

	e.logger.Info().Str("key", key.String()).Msg("conversation created")
	prog := e.programFor(conv)
	return e.drain(ctx, conv, prog)
}

// OnNewMessage handles one inbound message from the transport.
func (e *Engine) OnNewMessage(ctx context.Context, msg models.InboundMessage) error {
	unlock := e.locks.Acquire(msg.Key)
	defer unlock()

	conv, _, err := e.ensureConversation(ctx, msg.Key)
	if err != nil {
		return err
	}

	// Every inbound message lands in the audit log, whatever the
	// engine decides to do with it.
	e.appendLog(ctx, msg.Key, models.LogDirectionIn, msg.Kind, msg.Text)

	prog := e.programFor(conv)
	inst, ok := prog.At(conv.Cursor)
	if !ok {
		e.logger.Info().Str("key", msg.Key.String()).Msg("no instructions left in script")
		return nil
	}

	switch inst.Command {
	case script.CommandWaitFor:
		if !predicateMatches(inst, msg) {
			if otherwise := inst.OtherwiseText(); otherwise != "" {
				return e.sendReply(ctx, msg.Key, otherwise)
			}
			return nil
		}
		return e.finishInstruction(ctx, conv, prog, inst, false)

	case script.CommandWait:
		// The timer owns this suspension; inbound messages only
		// trigger the otherwise text, once per message, and never
		// move the cursor.
		if otherwise := inst.OtherwiseText(); otherwise != "" {
			return e.sendReply(ctx, msg.Key, otherwise)
		}
		return nil

	default:
		// Runnable (bare greeting on first contact, or a non-blocking
		// command the drain loop was interrupted before): execute it
		// and keep draining.
		return e.drain(ctx, conv, prog)
	}
}

// OnTimerFired resumes a conversation whose wait interval elapsed.
// Invoked by the scheduler, exactly once per timer.
func (e *Engine) OnTimerFired(ctx context.Context, key models.ConversationKey) error {
	unlock := e.locks.Acquire(key)
	defer unlock()

	conv, err := e.conversations.Get(ctx, key)
	if err != nil {
		if errors.Is(err, db.ErrConversationNotFound) {
			e.logger.Error().Str("key", key.String()).Msg("timer fired for unknown conversation")
			return e.discardTimer(ctx, key)
		}
		return err
	}

	prog := e.programFor(conv)
	inst, ok := prog.At(conv.Cursor)
	if !ok || inst.Command != script.CommandWait {
		// Should be unreachable under the one-outstanding-timer
		// invariant; report and drop the orphaned record.
		e.logger.Error().
			Str("key", key.String()).
			Int("cursor", conv.Cursor).
			Msg("timer fired but conversation is not awaiting a timer")
		return e.discardTimer(ctx, key)
	}

	return e.finishInstruction(ctx, conv, prog, inst, true)
}

// ensureConversation loads the conversation, creating it with a fresh
// snapshot of the loaded script on first contact. When creation lands
// on a program whose first instruction is a wait, the timer is
// scheduled immediately so the suspension is durable from the start.
func (e *Engine) ensureConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, bool, error) {
	conv, created, err := e.conversations.GetOrCreate(ctx, key, e.scriptText)
	if err != nil {
		return nil, false, err
	}
	if created {
		if first, ok := e.program.At(0); ok && first.Command == script.CommandWait {
			dueAt := e.now().Add(first.WaitDuration())
			if err := e.scheduler.Schedule(ctx, key, dueAt); err != nil {
				return nil, false, fmt.Errorf("schedule initial wait: %w", err)
			}
		}
	}
	return conv, created, nil
}

// finishInstruction completes the current instruction: send its reply
// if non-empty, advance the cursor, and run the drain loop. fromTimer
// is true when a fired wait instruction is being completed; its
// persisted timer row is then removed as part of the advance.
func (e *Engine) finishInstruction(ctx context.Context, conv *models.Conversation, prog script.Program, inst script.Instruction, fromTimer bool) error {
	if reply := strings.TrimSpace(inst.Reply); reply != "" {
		if err := e.sendReply(ctx, conv.Key, reply); err != nil {
			return err
		}
	}
	if err := e.advance(ctx, conv, prog, fromTimer); err != nil {
		return err
	}
	return e.drain(ctx, conv, prog)
}

// advance moves the cursor forward by one. If the next instruction is
// a wait, its timer is persisted in the same transaction as the
// cursor update; a timer persistence failure aborts the advance, so a
// conversation never enters the awaiting-timer state without a
// durably recorded timer. clearTimer removes the fired timer's row in
// the same transaction.
func (e *Engine) advance(ctx context.Context, conv *models.Conversation, prog script.Program, clearTimer bool) error {
	var armDueAt *time.Time
	if next, ok := prog.At(conv.Cursor + 1); ok && next.Command == script.CommandWait {
		dueAt := e.now().Add(next.WaitDuration())
		armDueAt = &dueAt
	}

	tx, err := e.store.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin advance transaction: %w", err)
	}
	defer tx.Rollback()

	if clearTimer {
		if err := e.timers.DeleteWithTx(ctx, tx, conv.Key); err != nil && !errors.Is(err, db.ErrTimerNotFound) {
			return fmt.Errorf("clear fired timer: %w", err)
		}
	}
	if armDueAt != nil {
		timer := &models.Timer{Key: conv.Key, DueAt: *armDueAt}
		if err := e.timers.CreateWithTx(ctx, tx, timer); err != nil {
			return fmt.Errorf("persist wait timer: %w", err)
		}
	}

	cursor, err := e.conversations.AdvanceCursorWithTx(ctx, tx, conv.Key)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit advance: %w", err)
	}

	conv.Cursor = cursor
	if armDueAt != nil {
		e.scheduler.Arm(conv.Key, *armDueAt)
	}
	return nil
}

// drain executes non-blocking instructions in increasing cursor order
// until a blocking instruction or the end of the program is reached.
func (e *Engine) drain(ctx context.Context, conv *models.Conversation, prog script.Program) error {
	for {
		inst, ok := prog.At(conv.Cursor)
		if !ok {
			e.logger.Info().
				Str("key", conv.Key.String()).
				Msg("conversation finished")
			if e.opts.OnFinished != nil {
				e.opts.OnFinished(conv.Key)
			}
			return nil
		}

		if inst.Command.Blocking() {
			// wait-for: now awaiting a message. wait: its timer was
			// persisted by the advance that got here.
			return nil
		}

		e.execute(ctx, conv, inst)

		if reply := strings.TrimSpace(inst.Reply); reply != "" {
			if err := e.sendReply(ctx, conv.Key, reply); err != nil {
				return err
			}
		}
		if err := e.advance(ctx, conv, prog, false); err != nil {
			return err
		}
	}
}

// execute performs a non-blocking instruction's effect. Failures are
// reported but never stall the conversation; compilation already
// rejected anything genuinely malformed.
func (e *Engine) execute(ctx context.Context, conv *models.Conversation, inst script.Instruction) {
	switch inst.Command {
	case script.CommandGreeting:
		// The greeting's only effect is its reply.
	case script.CommandNotify:
		e.executeNotify(ctx, conv, inst)
	default:
		// Dead path while compilation validates commands; kept so a
		// future command added to the compiler but not here cannot
		// wedge a conversation.
		e.logger.Error().
			Str("key", conv.Key.String()).
			Int("cursor", conv.Cursor).
			Str("command", string(inst.Command)).
			Msg("unknown command found in script")
	}
}

// sendReply delivers text into the conversation and records it in the
// audit log.
func (e *Engine) sendReply(ctx context.Context, key models.ConversationKey, text string) error {
	if err := e.messenger.SendText(ctx, key, text); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	e.appendLog(ctx, key, models.LogDirectionOut, models.MessageKindText, text)
	return nil
}

// appendLog writes an audit entry. The log is write-only for the
// engine, so failures are reported rather than propagated.
func (e *Engine) appendLog(ctx context.Context, key models.ConversationKey, dir models.LogDirection, kind models.MessageKind, body string) {
	entry := &models.LogEntry{Key: key, Direction: dir, Kind: kind, Body: body}
	if err := e.conversations.AppendLog(ctx, entry); err != nil {
		e.logger.Warn().Err(err).Str("key", key.String()).Msg("failed to append conversation log")
	}
}

// discardTimer drops an orphaned timer record so it cannot refire.
func (e *Engine) discardTimer(ctx context.Context, key models.ConversationKey) error {
	if err := e.timers.Delete(ctx, key); err != nil && !errors.Is(err, db.ErrTimerNotFound) {
		return fmt.Errorf("discard orphaned timer: %w", err)
	}
	return nil
}

// programFor returns the program a conversation executes: the loaded
// program when the snapshot matches the loaded script, otherwise a
// (cached) compilation of the conversation's own snapshot.
// Conversations created under an older script keep executing it.
func (e *Engine) programFor(conv *models.Conversation) script.Program {
	if conv.ScriptSnapshot == e.scriptText {
		return e.program
	}

	e.programsMu.Lock()
	defer e.programsMu.Unlock()

	if prog, ok := e.programs[conv.ScriptSnapshot]; ok {
		return prog
	}

	prog, err := script.Compile(conv.ScriptSnapshot)
	if err != nil {
		// A snapshot only exists because it compiled when the
		// conversation was created; an error here means the snapshot
		// was corrupted in storage. Treat the conversation as
		// finished rather than guessing.
		e.logger.Error().
			Err(err).
			Str("key", conv.Key.String()).
			Msg("conversation snapshot no longer compiles")
		prog = script.Program{}
	}
	e.programs[conv.ScriptSnapshot] = prog
	return prog
}

// predicateMatches evaluates a wait-for instruction against an
// inbound message: the kinds must match, and when a match clause is
// present the message's whitespace tokens must equal it exactly.
func predicateMatches(inst script.Instruction, msg models.InboundMessage) bool {
	if string(msg.Kind) != inst.WaitKind() {
		return false
	}
	if tokens, ok := inst.Clause(script.ClauseMatch); ok {
		return equalTokens(strings.Fields(msg.Text), tokens)
	}
	return true
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
