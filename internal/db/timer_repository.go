package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/elissabot/elissa/internal/models"
)

// Timer repository errors.
var (
	ErrTimerExists   = errors.New("a timer already exists for this conversation")
	ErrTimerNotFound = errors.New("timer not found")
)

// TimerRepository persists outstanding wait timers. The table's
// primary key enforces at most one live timer per conversation.
type TimerRepository struct {
	db *DB
}

// NewTimerRepository creates a new TimerRepository.
func NewTimerRepository(db *DB) *TimerRepository {
	return &TimerRepository{db: db}
}

// Create persists a timer. Returns ErrTimerExists if the conversation
// already has one; scheduling a second timer for a key is a
// programming error upstream, never silently tolerated here.
func (r *TimerRepository) Create(ctx context.Context, timer *models.Timer) error {
	return r.create(ctx, r.db, timer)
}

// CreateWithTx persists a timer using an existing transaction.
func (r *TimerRepository) CreateWithTx(ctx context.Context, tx *sql.Tx, timer *models.Timer) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	return r.create(ctx, tx, timer)
}

func (r *TimerRepository) create(ctx context.Context, ex execer, timer *models.Timer) error {
	if timer.CreatedAt.IsZero() {
		timer.CreatedAt = time.Now().UTC()
	}

	res, err := ex.ExecContext(ctx, `
		INSERT INTO timers (conversation_key, due_at, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_key) DO NOTHING
	`,
		timer.Key.String(),
		timer.DueAt.UTC().UnixNano(),
		timer.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert timer: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if inserted == 0 {
		return ErrTimerExists
	}
	return nil
}

// Get retrieves the outstanding timer for key.
func (r *TimerRepository) Get(ctx context.Context, key models.ConversationKey) (*models.Timer, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT due_at, created_at FROM timers WHERE conversation_key = ?
	`, key.String())

	timer := &models.Timer{Key: key}
	var dueAt int64
	var createdAt string
	if err := row.Scan(&dueAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTimerNotFound
		}
		return nil, fmt.Errorf("failed to scan timer: %w", err)
	}

	timer.DueAt = time.Unix(0, dueAt).UTC()
	timer.CreatedAt = parseTime(createdAt)
	return timer, nil
}

// Delete removes the timer for key. Returns ErrTimerNotFound if no
// timer exists.
func (r *TimerRepository) Delete(ctx context.Context, key models.ConversationKey) error {
	return r.delete(ctx, r.db, key)
}

// DeleteWithTx removes the timer for key using an existing
// transaction.
func (r *TimerRepository) DeleteWithTx(ctx context.Context, tx *sql.Tx, key models.ConversationKey) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	return r.delete(ctx, tx, key)
}

func (r *TimerRepository) delete(ctx context.Context, ex execer, key models.ConversationKey) error {
	res, err := ex.ExecContext(ctx, `
		DELETE FROM timers WHERE conversation_key = ?
	`, key.String())
	if err != nil {
		return fmt.Errorf("failed to delete timer: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTimerNotFound
	}
	return nil
}

// List returns every persisted timer ordered by due time. Called once
// at startup to re-arm timers that survived a restart.
func (r *TimerRepository) List(ctx context.Context) ([]*models.Timer, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT conversation_key, due_at, created_at FROM timers ORDER BY due_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query timers: %w", err)
	}
	defer rows.Close()

	var timers []*models.Timer
	for rows.Next() {
		timer := &models.Timer{}
		var key, createdAt string
		var dueAt int64
		if err := rows.Scan(&key, &dueAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan timer: %w", err)
		}
		parsed, err := models.ParseConversationKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timer key: %w", err)
		}
		timer.Key = parsed
		timer.DueAt = time.Unix(0, dueAt).UTC()
		timer.CreatedAt = parseTime(createdAt)
		timers = append(timers, timer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timers: %w", err)
	}

	return timers, nil
}
