package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/elissabot/elissa/internal/attach"
	"github.com/elissabot/elissa/internal/db"
	"github.com/elissabot/elissa/internal/messenger"
	"github.com/elissabot/elissa/internal/models"
	"github.com/elissabot/elissa/internal/script"
)

type fakeScheduler struct {
	mu        sync.Mutex
	timers    *db.TimerRepository
	scheduled []models.Timer
	armed     []models.Timer
	err       error
}

func (f *fakeScheduler) Schedule(ctx context.Context, key models.ConversationKey, dueAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if err := f.timers.Create(ctx, &models.Timer{Key: key, DueAt: dueAt}); err != nil {
		return err
	}
	f.scheduled = append(f.scheduled, models.Timer{Key: key, DueAt: dueAt})
	return nil
}

func (f *fakeScheduler) Arm(key models.ConversationKey, dueAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = append(f.armed, models.Timer{Key: key, DueAt: dueAt})
}

func (f *fakeScheduler) armedFor(key models.ConversationKey) []models.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Timer
	for _, t := range f.armed {
		if t.Key == key {
			out = append(out, t)
		}
	}
	return out
}

type fixture struct {
	engine    *Engine
	store     *db.DB
	convs     *db.ConversationRepository
	timers    *db.TimerRepository
	sched     *fakeScheduler
	recorder  *messenger.Recorder
	adminKey  models.ConversationKey
	finished  []models.ConversationKey
	finishedM sync.Mutex
}

func newFixture(t *testing.T, scriptText string) *fixture {
	t.Helper()

	store, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("failed to migrate database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	program, err := script.Compile(scriptText)
	if err != nil {
		t.Fatalf("failed to compile script: %v", err)
	}

	f := &fixture{
		store:    store,
		convs:    db.NewConversationRepository(store),
		timers:   db.NewTimerRepository(store),
		recorder: messenger.NewRecorder(),
		adminKey: models.ConversationKey{AccountID: 1, ChatID: 999},
	}
	f.sched = &fakeScheduler{timers: f.timers}

	registry := attach.NewRegistry()
	registry.Register("chat_log.txt", attach.ChatLog(f.convs, t.TempDir()))
	registry.Register("last-text", attach.LastMessage(f.convs, models.MessageKindText))

	f.engine = New(
		scriptText,
		program,
		store,
		f.convs,
		f.timers,
		f.sched,
		f.recorder,
		registry,
		StaticRecipients{"admin": f.adminKey},
		Options{OnFinished: func(key models.ConversationKey) {
			f.finishedM.Lock()
			f.finished = append(f.finished, key)
			f.finishedM.Unlock()
		}},
	)
	return f
}

func (f *fixture) cursor(t *testing.T, key models.ConversationKey) int {
	t.Helper()
	conv, err := f.convs.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get conversation failed: %v", err)
	}
	return conv.Cursor
}

func (f *fixture) finishedKeys() []models.ConversationKey {
	f.finishedM.Lock()
	defer f.finishedM.Unlock()
	out := make([]models.ConversationKey, len(f.finished))
	copy(out, f.finished)
	return out
}

func textMessage(key models.ConversationKey, text string) models.InboundMessage {
	return models.InboundMessage{
		Key:       key,
		Kind:      models.MessageKindText,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

func chatKey() models.ConversationKey {
	return models.ConversationKey{AccountID: 1, ChatID: 7}
}

func TestEngine_ChatCreated_SendsGreeting(t *testing.T) {
	f := newFixture(t, "Welcome aboard!\n%wait-for% text\nThanks")
	ctx := context.Background()

	if err := f.engine.OnChatCreated(ctx, chatKey()); err != nil {
		t.Fatalf("OnChatCreated failed: %v", err)
	}

	texts := f.recorder.Texts(chatKey())
	if len(texts) != 1 || texts[0] != "Welcome aboard!" {
		t.Fatalf("expected greeting reply, got %v", texts)
	}
	if got := f.cursor(t, chatKey()); got != 1 {
		t.Errorf("expected cursor 1 after greeting, got %d", got)
	}

	// Re-creating the chat must not replay the greeting.
	if err := f.engine.OnChatCreated(ctx, chatKey()); err != nil {
		t.Fatalf("OnChatCreated failed: %v", err)
	}
	if texts := f.recorder.Texts(chatKey()); len(texts) != 1 {
		t.Errorf("expected greeting sent once, got %v", texts)
	}
}

func TestEngine_FirstMessageConsumedByGreeting(t *testing.T) {
	f := newFixture(t, "Hello there!\n%wait-for% text\nGot it")
	ctx := context.Background()

	// First contact arrives as a message, not a chat-created event:
	// the greeting executes and the wait-for starts waiting for the
	// NEXT message.
	if err := f.engine.OnNewMessage(ctx, textMessage(chatKey(), "hi")); err != nil {
		t.Fatalf("OnNewMessage failed: %v", err)
	}

	texts := f.recorder.Texts(chatKey())
	if len(texts) != 1 || texts[0] != "Hello there!" {
		t.Fatalf("expected only the greeting, got %v", texts)
	}
	if got := f.cursor(t, chatKey()); got != 1 {
		t.Errorf("expected cursor 1, got %d", got)
	}

	if err := f.engine.OnNewMessage(ctx, textMessage(chatKey(), "anything")); err != nil {
		t.Fatalf("OnNewMessage failed: %v", err)
	}
	texts = f.recorder.Texts(chatKey())
	if len(texts) != 2 || texts[1] != "Got it" {
		t.Fatalf("expected wait-for reply, got %v", texts)
	}
}

func TestEngine_WaitForMatch(t *testing.T) {
	f := newFixture(t, "%wait-for% text %match% hi there %otherwise% Say: hi there\nMatched!")
	ctx := context.Background()

	// Wrong tokens: otherwise fires, cursor stays.
	if err := f.engine.OnNewMessage(ctx, textMessage(chatKey(), "hello there")); err != nil {
		t.Fatalf("OnNewMessage failed: %v", err)
	}
	if texts := f.recorder.Texts(chatKey()); len(texts) != 1 || texts[0] != "Say: hi there" {
		t.Fatalf("expected otherwise reply, got %v", texts)
	}
	if got := f.cursor(t, chatKey()); got != 0 {
		t.Errorf("expected cursor 0 after mismatch, got %d", got)
	}

	// Wrong kind: also a mismatch, even without text.
	voice := models.InboundMessage{Key: chatKey(), Kind: models.MessageKindVoice}
	if err := f.engine.OnNewMessage(ctx, voice); err != nil {
		t.Fatalf("OnNewMessage failed: %v", err)
	}
	if got := f.cursor(t, chatKey()); got != 0 {
		t.Errorf("expected cursor 0 after kind mismatch, got %d", got)
	}

	// Exact tokens, extra whitespace tolerated by tokenization.
	if err := f.engine.OnNewMessage(ctx, textMessage(chatKey(), "  hi   there ")); err != nil {
		t.Fatalf("OnNewMessage failed: %v", err)
	}
	texts := f.recorder.Texts(chatKey())
	if texts[len(texts)-1] != "Matched!" {
		t.Fatalf("expected match reply, got %v", texts)
	}
	if got := f.cursor(t, chatKey()); got != 1 {
		t.Errorf("expected cursor 1 after match, got %d", got)
	}
}

func TestEngine_WaitForMismatchWithoutOtherwiseIsSilent(t *testing.T) {
	f := newFixture(t, "%wait-for% voice\nHeard you")
	ctx := context.Background()

	if err := f.engine.OnNewMessage(ctx, textMessage(chatKey(), "not a voice message")); err != nil {
		t.Fatalf("OnNewMessage failed: %v", err)
	}
	if texts := f.recorder.Texts(chatKey()); len(texts) != 0 {
		t.Fatalf("expected silence, got %v", texts)
	}

	// The ignored message still lands in the audit log.
	entries, err := f.convs.ListLog(ctx, chatKey(), 0)
	if err != nil {
		t.Fatalf("ListLog failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Direction != models.LogDirectionIn {
		t.Fatalf("expected 1 inbound log entry, got %+v", entries)
	}
}

func TestEngine_EndToEndWaitThenTimer(t *testing.T) {
	f := newFixture(t, "%wait-for% text\nHello\n%wait% 1 sec\nBye")
	ctx := context.Background()

	start := time.Now()
	if err := f.engine.OnNewMessage(ctx, textMessage(chatKey(), "hi")); err != nil {
		t.Fatalf("OnNewMessage failed: %v", err)
	}

	if texts := f.recorder.Texts(chatKey()); len(texts) != 1 || texts[0] != "Hello" {
		t.Fatalf("expected Hello, got %v", texts)
	}
	if got := f.cursor(t, chatKey()); got != 1 {
		t.Errorf("expected cursor 1 (awaiting timer), got %d", got)
	}

	// The wait's timer was persisted with the cursor advance and
	// armed for roughly one second out.
	timer, err := f.timers.Get(ctx, chatKey())
	if err != nil {
		t.Fatalf("expected a persisted timer: %v", err)
	}
	// The persisted due time is exact: never before the full interval
	// measured from scheduling.
	due := timer.DueAt.Sub(start)
	if due < time.Second || due > 3*time.Second {
		t.Errorf("expected ~1s due time, got %v", due)
	}
	if armed := f.sched.armedFor(chatKey()); len(armed) != 1 {
		t.Errorf("expected 1 armed timer, got %d", len(armed))
	}

	// A message arriving during the wait is ignored (no otherwise
	// clause) and never advances the cursor.
	if err := f.engine.OnNewMessage(ctx, textMessage(chatKey(), "impatient")); err != nil {
		t.Fatalf("OnNewMessage failed: %v", err)
	}
	if got := f.cursor(t, chatKey()); got != 1 {
		t.Errorf("expected cursor 1 during wait, got %d", got)
	}

	if err := f.engine.OnTimerFired(ctx, chatKey()); err != nil {
		t.Fatalf("OnTimerFired failed: %v", err)
	}
	texts := f.recorder.Texts(chatKey())
	if len(texts) != 2 || texts[1] != "Bye" {
		t.Fatalf("expected Bye after timer, got %v", texts)
	}
	if got := f.cursor(t, chatKey()); got != 2 {
		t.Errorf("expected cursor 2 (terminal), got %d", got)
	}
	if _, err := f.timers.Get(ctx, chatKey()); !errors.Is(err, db.ErrTimerNotFound) {
		t.Errorf("expected fired timer to be removed, got %v", err)
	}
	if finished := f.finishedKeys(); len(finished) != 1 || finished[0] != chatKey() {
		t.Errorf("expected finished hook for %v, got %v", chatKey(), finished)
	}

	// Terminal: further messages are logged but ignored.
	if err := f.engine.OnNewMessage(ctx, textMessage(chatKey(), "still there?")); err != nil {
		t.Fatalf("OnNewMessage failed: %v", err)
	}
	if texts := f.recorder.Texts(chatKey()); len(texts) != 2 {
		t.Errorf("expected no further replies, got %v", texts)
	}
}

func TestEngine_WaitOtherwiseFiresPerMessage(t *testing.T) {
	f := newFixture(t, "%wait-for% text\nOk\n%wait% 1 h %otherwise% Hold on\nDone")
	ctx := context.Background()

	if err := f.engine.OnNewMessage(ctx, textMessage(chatKey(), "go")); err != nil {
		t.Fatalf("OnNewMessage failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := f.engine.OnNewMessage(ctx, textMessage(chatKey(), "hurry up")); err != nil {
			t.Fatalf("OnNewMessage failed: %v", err)
		}
	}

	texts := f.recorder.Texts(chatKey())
	want := []string{"Ok", "Hold on", "Hold on", "Hold on"}
	if len(texts) != len(want) {
		t.Fatalf("expected %v, got %v", want, texts)
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, texts)
		}
	}
	if got := f.cursor(t, chatKey()); got != 1 {
		t.Errorf("expected cursor pinned at 1 during wait, got %d", got)
	}
}

func TestEngine_NotifySendsToRecipientAndRepliesToOrigin(t *testing.T) {
	f := newFixture(t, "%wait-for% text\n%notify% admin conversation complete %attach% last-text\nThanks, you are done.")
	ctx := context.Background()

	if err := f.engine.OnNewMessage(ctx, textMessage(chatKey(), "my answer")); err != nil {
		t.Fatalf("OnNewMessage failed: %v", err)
	}

	adminTexts := f.recorder.Texts(f.adminKey)
	if len(adminTexts) != 2 {
		t.Fatalf("expected notification and attachment for admin, got %v", adminTexts)
	}
	if adminTexts[0] != chatKey().String()+": conversation complete" {
		t.Errorf("unexpected notification: %q", adminTexts[0])
	}
	if adminTexts[1] != "last-text: my answer" {
		t.Errorf("unexpected attachment payload: %q", adminTexts[1])
	}

	originTexts := f.recorder.Texts(chatKey())
	if len(originTexts) != 1 || originTexts[0] != "Thanks, you are done." {
		t.Fatalf("expected notify reply in origin conversation, got %v", originTexts)
	}
	if got := f.cursor(t, chatKey()); got != 2 {
		t.Errorf("expected cursor 2 (terminal), got %d", got)
	}
}

func TestEngine_TimerFiredWhenNotWaiting(t *testing.T) {
	f := newFixture(t, "%wait-for% text\nHi")
	ctx := context.Background()

	if err := f.engine.OnChatCreated(ctx, chatKey()); err != nil {
		t.Fatalf("OnChatCreated failed: %v", err)
	}
	// Orphaned record, as if left behind by a crash mid-advance.
	if err := f.timers.Create(ctx, &models.Timer{Key: chatKey(), DueAt: time.Now()}); err != nil {
		t.Fatalf("Create timer failed: %v", err)
	}

	if err := f.engine.OnTimerFired(ctx, chatKey()); err != nil {
		t.Fatalf("OnTimerFired failed: %v", err)
	}
	if got := f.cursor(t, chatKey()); got != 0 {
		t.Errorf("expected cursor unchanged, got %d", got)
	}
	if _, err := f.timers.Get(ctx, chatKey()); !errors.Is(err, db.ErrTimerNotFound) {
		t.Errorf("expected orphaned timer discarded, got %v", err)
	}
}

func TestEngine_TimerPersistenceFailureAbortsAdvance(t *testing.T) {
	f := newFixture(t, "%wait-for% text\nHello\n%wait% 1 sec\nBye")
	ctx := context.Background()

	if err := f.engine.OnChatCreated(ctx, chatKey()); err != nil {
		t.Fatalf("OnChatCreated failed: %v", err)
	}
	// A stale timer row makes the wait's insert fail, which must
	// abort the cursor advance that would have entered the
	// awaiting-timer state.
	if err := f.timers.Create(ctx, &models.Timer{Key: chatKey(), DueAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Create timer failed: %v", err)
	}

	err := f.engine.OnNewMessage(ctx, textMessage(chatKey(), "hi"))
	if !errors.Is(err, db.ErrTimerExists) {
		t.Fatalf("expected ErrTimerExists, got %v", err)
	}
	if got := f.cursor(t, chatKey()); got != 0 {
		t.Errorf("expected advance aborted at cursor 0, got %d", got)
	}
}

func TestEngine_SendFailureLeavesCursor(t *testing.T) {
	f := newFixture(t, "%wait-for% text\nHello")
	ctx := context.Background()

	f.recorder.Err = errors.New("transport down")
	if err := f.engine.OnNewMessage(ctx, textMessage(chatKey(), "hi")); err == nil {
		t.Fatal("expected send failure to propagate")
	}
	if got := f.cursor(t, chatKey()); got != 0 {
		t.Errorf("expected cursor 0 after failed send, got %d", got)
	}

	// The transport recovers and the same message succeeds.
	f.recorder.Err = nil
	if err := f.engine.OnNewMessage(ctx, textMessage(chatKey(), "hi")); err != nil {
		t.Fatalf("OnNewMessage failed: %v", err)
	}
	if got := f.cursor(t, chatKey()); got != 1 {
		t.Errorf("expected cursor 1, got %d", got)
	}
}

func TestEngine_ConcurrentMessagesSingleAdvance(t *testing.T) {
	f := newFixture(t, "%wait-for% text\nHello\n%wait-for% text\nAnd done")
	ctx := context.Background()

	if err := f.engine.OnChatCreated(ctx, chatKey()); err != nil {
		t.Fatalf("OnChatCreated failed: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_ = f.engine.OnNewMessage(ctx, textMessage(chatKey(), "hi"))
		}()
	}
	wg.Wait()

	// Each message passes the first or the second wait-for, so the
	// cursor lands at 2 at most, never beyond, and every individual
	// advance was serialized.
	if got := f.cursor(t, chatKey()); got > 2 {
		t.Errorf("cursor overran the program: %d", got)
	}
	texts := f.recorder.Texts(chatKey())
	if len(texts) > 2 {
		t.Errorf("expected at most 2 replies, got %v", texts)
	}
}

func TestEngine_SnapshotIsolation(t *testing.T) {
	oldScript := "%wait-for% text\nOld reply"
	f := newFixture(t, "%wait-for% text\nNew reply")
	ctx := context.Background()

	// A conversation created under an earlier script keeps running
	// its own snapshot.
	if _, _, err := f.convs.GetOrCreate(ctx, chatKey(), oldScript); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	if err := f.engine.OnNewMessage(ctx, textMessage(chatKey(), "hi")); err != nil {
		t.Fatalf("OnNewMessage failed: %v", err)
	}
	texts := f.recorder.Texts(chatKey())
	if len(texts) != 1 || texts[0] != "Old reply" {
		t.Fatalf("expected the snapshot's reply, got %v", texts)
	}
}

func TestEngine_CursorMonotonic(t *testing.T) {
	f := newFixture(t, "Hi\n%wait-for% text\nOne\n%wait-for% voice\nTwo")
	ctx := context.Background()

	last := -1
	check := func() {
		t.Helper()
		got := f.cursor(t, chatKey())
		if got < last {
			t.Fatalf("cursor moved backwards: %d -> %d", last, got)
		}
		last = got
	}

	if err := f.engine.OnChatCreated(ctx, chatKey()); err != nil {
		t.Fatalf("OnChatCreated failed: %v", err)
	}
	check()

	events := []models.InboundMessage{
		textMessage(chatKey(), "hello"),
		{Key: chatKey(), Kind: models.MessageKindImage},
		textMessage(chatKey(), "again"),
		{Key: chatKey(), Kind: models.MessageKindVoice},
		textMessage(chatKey(), "after the end"),
	}
	for _, ev := range events {
		if err := f.engine.OnNewMessage(ctx, ev); err != nil {
			t.Fatalf("OnNewMessage failed: %v", err)
		}
		check()
	}

	if last != 3 {
		t.Errorf("expected terminal cursor 3, got %d", last)
	}
}
