package messenger

import (
	"context"
	"sync"
	"time"

	"github.com/elissabot/elissa/internal/models"
)

// ThrottleConfig bounds the outbound send rate per conversation.
type ThrottleConfig struct {
	// MessagesPerSecond is the sustained rate (tokens added per
	// second). Zero disables throttling.
	MessagesPerSecond float64

	// Burst is how many sends may go out back to back.
	Burst int
}

// Enabled reports whether the config throttles at all.
func (c ThrottleConfig) Enabled() bool {
	return c.MessagesPerSecond > 0 && c.Burst > 0
}

// tokenBucket is a standard token bucket. take consumes one token,
// returning how long the caller must wait before the send may go out.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time
	ratePerSec float64
	maxTokens  float64
}

func newTokenBucket(cfg ThrottleConfig, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(cfg.Burst),
		lastUpdate: now,
		ratePerSec: cfg.MessagesPerSecond,
		maxTokens:  float64(cfg.Burst),
	}
}

func (tb *tokenBucket) take(now time.Time) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	elapsed := now.Sub(tb.lastUpdate).Seconds()
	tb.tokens += elapsed * tb.ratePerSec
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastUpdate = now

	tb.tokens--
	if tb.tokens >= 0 {
		return 0
	}
	// The deficit is paid off at ratePerSec.
	return time.Duration(-tb.tokens / tb.ratePerSec * float64(time.Second))
}

// Throttle wraps a Messenger with a per-conversation token bucket.
// A send that exceeds the rate waits for its slot instead of failing,
// so replies are delayed under load, never dropped.
type Throttle struct {
	inner  Messenger
	config ThrottleConfig
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	buckets map[models.ConversationKey]*tokenBucket
}

// NewThrottle wraps inner. A disabled config returns inner unchanged.
func NewThrottle(inner Messenger, config ThrottleConfig) Messenger {
	if !config.Enabled() {
		return inner
	}
	return &Throttle{
		inner:   inner,
		config:  config,
		now:     time.Now,
		sleep:   sleepCtx,
		buckets: make(map[models.ConversationKey]*tokenBucket),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SendText implements Messenger.
func (t *Throttle) SendText(ctx context.Context, key models.ConversationKey, text string) error {
	if err := t.wait(ctx, key); err != nil {
		return err
	}
	return t.inner.SendText(ctx, key, text)
}

// SendFile implements Messenger.
func (t *Throttle) SendFile(ctx context.Context, key models.ConversationKey, path string) error {
	if err := t.wait(ctx, key); err != nil {
		return err
	}
	return t.inner.SendFile(ctx, key, path)
}

func (t *Throttle) wait(ctx context.Context, key models.ConversationKey) error {
	t.mu.Lock()
	bucket, ok := t.buckets[key]
	if !ok {
		bucket = newTokenBucket(t.config, t.now())
		t.buckets[key] = bucket
	}
	t.mu.Unlock()

	if delay := bucket.take(t.now()); delay > 0 {
		return t.sleep(ctx, delay)
	}
	return nil
}
