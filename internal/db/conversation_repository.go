package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/elissabot/elissa/internal/models"
)

// Conversation repository errors.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidLogEntry      = errors.New("invalid log entry")
)

// ConversationRepository handles conversation state persistence: the
// per-key cursor, the script snapshot, and the append-only message log.
type ConversationRepository struct {
	db *DB
}

// NewConversationRepository creates a new ConversationRepository.
func NewConversationRepository(db *DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// GetOrCreate loads the conversation for key, creating it with
// cursor=0 and the given script snapshot if absent. This is the only
// implicit-creation path in the system and it is idempotent: the
// insert is a no-op when the row already exists, so concurrent first
// contact on the same key yields a single snapshot.
func (r *ConversationRepository) GetOrCreate(ctx context.Context, key models.ConversationKey, snapshot string) (*models.Conversation, bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO conversations (key, cursor, script_snapshot, created_at, updated_at)
		VALUES (?, 0, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key.String(), snapshot, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create conversation: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	conv, err := r.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return conv, inserted > 0, nil
}

// Get retrieves the conversation for key.
func (r *ConversationRepository) Get(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT cursor, script_snapshot, created_at, updated_at
		FROM conversations WHERE key = ?
	`, key.String())

	conv := &models.Conversation{Key: key}
	var createdAt, updatedAt string
	if err := row.Scan(&conv.Cursor, &conv.ScriptSnapshot, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}

	conv.CreatedAt = parseTime(createdAt)
	conv.UpdatedAt = parseTime(updatedAt)
	return conv, nil
}

type execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}

// AdvanceCursorWithTx atomically increments the cursor by one inside
// the caller's transaction, letting the advance commit together with a
// timer swap. The increment happens inside SQLite, so a crash either
// records the advance or leaves the old cursor intact; it can never
// record a partial step.
func (r *ConversationRepository) AdvanceCursorWithTx(ctx context.Context, tx *sql.Tx, key models.ConversationKey) (int, error) {
	if tx == nil {
		return 0, fmt.Errorf("transaction is required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET cursor = cursor + 1, updated_at = ? WHERE key = ?
	`, now, key.String())
	if err != nil {
		return 0, fmt.Errorf("failed to advance cursor: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return 0, ErrConversationNotFound
	}

	var cursor int
	row := tx.QueryRowContext(ctx, `SELECT cursor FROM conversations WHERE key = ?`, key.String())
	if err := row.Scan(&cursor); err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	return cursor, nil
}

// AppendLog appends one entry to the conversation's audit log.
func (r *ConversationRepository) AppendLog(ctx context.Context, entry *models.LogEntry) error {
	if entry.Direction == "" || entry.Kind == "" {
		return ErrInvalidLogEntry
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversation_log (id, conversation_key, direction, kind, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.Key.String(),
		string(entry.Direction),
		string(entry.Kind),
		entry.Body,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// ListLog returns the conversation's log entries in append order.
// The engine never calls this; it serves export tooling and the
// chat_log.txt attachment resolver.
func (r *ConversationRepository) ListLog(ctx context.Context, key models.ConversationKey, limit int) ([]*models.LogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, direction, kind, body, created_at
		FROM conversation_log
		WHERE conversation_key = ?
		ORDER BY rowid
		LIMIT ?
	`, key.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query log: %w", err)
	}
	defer rows.Close()

	var entries []*models.LogEntry
	for rows.Next() {
		entry := &models.LogEntry{Key: key}
		var direction, kind, createdAt string
		if err := rows.Scan(&entry.ID, &direction, &kind, &entry.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entry.Direction = models.LogDirection(direction)
		entry.Kind = models.MessageKind(kind)
		entry.CreatedAt = parseTime(createdAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log entries: %w", err)
	}

	return entries, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
