package models

import "time"

// Conversation is the durable execution state for one conversation key.
type Conversation struct {
	// Key identifies the (account, chat) pair.
	Key ConversationKey

	// Cursor is the index of the next instruction to execute.
	// Monotonically non-decreasing; starts at 0.
	Cursor int

	// ScriptSnapshot is the exact script text bound to this
	// conversation when it was created. Conversations never pick up
	// later script edits.
	ScriptSnapshot string

	// CreatedAt is when the conversation record was created.
	CreatedAt time.Time

	// UpdatedAt is when the cursor last moved.
	UpdatedAt time.Time
}

// Timer is one outstanding wait instruction's durable due time.
// At most one timer exists per conversation key at any instant.
type Timer struct {
	// Key is the conversation the timer belongs to.
	Key ConversationKey

	// DueAt is the wall-clock time the timer fires. A timer that
	// survives a restart keeps its original due time.
	DueAt time.Time

	// CreatedAt is when the timer was persisted.
	CreatedAt time.Time
}
