// Package scheduler provides the durable wait scheduler for elissa
// conversations.
//
// A wait instruction suspends a conversation until a wall-clock due
// time. The scheduler keeps every pending timer in the timers table
// (durability precedes in-memory arming) and an in-memory min-heap of
// armed timers drives the actual firing. At process start RecoverAll
// re-arms every persisted timer, so a restart never loses a
// suspension; a timer whose due time has already passed fires
// immediately rather than being dropped.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/elissabot/elissa/internal/db"
	"github.com/elissabot/elissa/internal/logging"
	"github.com/elissabot/elissa/internal/models"
)

// Scheduler errors.
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
	ErrSchedulerNotRunning     = errors.New("scheduler not running")
	ErrNoResumeFunc            = errors.New("no resume function configured")
)

// ResumeFunc is the engine entry point a firing timer invokes.
type ResumeFunc func(ctx context.Context, key models.ConversationKey) error

// Config contains scheduler configuration.
type Config struct {
	// RetryInterval is how long to wait before re-arming a timer
	// whose resume callback failed. The persisted record is still in
	// place, so a restart would also recover it. Default: 30 seconds.
	RetryInterval time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{RetryInterval: 30 * time.Second}
}

// Scheduler manages durable conversation timers.
type Scheduler struct {
	config Config
	timers *db.TimerRepository
	logger zerolog.Logger

	// now is the clock; replaced in tests.
	now func() time.Time

	mu      sync.Mutex
	resume  ResumeFunc
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	armed   timerHeap
	wake    chan struct{}
}

// New creates a new Scheduler on top of the timer repository.
func New(config Config, timers *db.TimerRepository) *Scheduler {
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultConfig().RetryInterval
	}
	return &Scheduler{
		config: config,
		timers: timers,
		logger: logging.Component("scheduler"),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// SetResume binds the engine's resume entry point. Must be called
// before Start; kept separate from New because the engine and the
// scheduler reference each other.
func (s *Scheduler) SetResume(fn ResumeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resume = fn
}

// Start begins the scheduler's background firing loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	if s.resume == nil {
		return ErrNoResumeFunc
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.logger.Info().Int("armed", s.armed.Len()).Msg("scheduler starting")

	s.wg.Add(1)
	go s.runLoop()

	return nil
}

// Stop halts the scheduler and waits for in-flight firings to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// RecoverAll enumerates every persisted timer and re-arms it with its
// original due time. Invoked once at process start, before the daemon
// begins accepting inbound events; past-due timers fire as soon as the
// loop runs. Returns the number of timers recovered.
func (s *Scheduler) RecoverAll(ctx context.Context) (int, error) {
	persisted, err := s.timers.List(ctx)
	if err != nil {
		return 0, err
	}

	for _, timer := range persisted {
		s.Arm(timer.Key, timer.DueAt)
		s.logger.Info().
			Str("key", timer.Key.String()).
			Time("due_at", timer.DueAt).
			Msg("recovered timer")
	}

	return len(persisted), nil
}

// Schedule persists a timer and arms it. The insert happens before
// any in-memory state changes, so a crash immediately after Schedule
// returns still recovers the timer at next startup. Returns
// db.ErrTimerExists when the conversation already has an outstanding
// timer; that is a programming error in the caller, not a condition
// to tolerate.
func (s *Scheduler) Schedule(ctx context.Context, key models.ConversationKey, dueAt time.Time) error {
	if err := s.timers.Create(ctx, &models.Timer{Key: key, DueAt: dueAt}); err != nil {
		return err
	}
	s.Arm(key, dueAt)
	return nil
}

// Arm adds an already-persisted timer to the in-memory firing heap.
// The engine uses this after persisting a timer inside its own
// transaction.
func (s *Scheduler) Arm(key models.ConversationKey, dueAt time.Time) {
	s.mu.Lock()
	heap.Push(&s.armed, armedTimer{key: key, dueAt: dueAt})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// runLoop waits for the soonest armed timer and fires it.
func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		var next *armedTimer
		if s.armed.Len() > 0 {
			t := s.armed[0]
			next = &t
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		delay := next.dueAt.Sub(s.now())
		if delay < 0 {
			delay = 0
		}
		timer := time.NewTimer(delay)

		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			// A sooner timer may have been armed; re-evaluate.
			timer.Stop()
		case <-timer.C:
			s.fireDue()
		}
	}
}

// fireDue pops every armed timer at or past its due time and fires
// each as its own background unit of work.
func (s *Scheduler) fireDue() {
	now := s.now()

	s.mu.Lock()
	var due []armedTimer
	for s.armed.Len() > 0 && !s.armed[0].dueAt.After(now) {
		due = append(due, heap.Pop(&s.armed).(armedTimer))
	}
	s.mu.Unlock()

	for _, t := range due {
		t := t
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fire(t)
		}()
	}
}

// fire invokes the resume entry point exactly once for the timer. On
// success the engine has already removed (or replaced) the persisted
// record as part of its advance. On failure the record is untouched,
// so the timer is re-armed after the retry interval to keep the
// conversation moving without waiting for a restart.
func (s *Scheduler) fire(t armedTimer) {
	s.logger.Debug().
		Str("key", t.key.String()).
		Time("due_at", t.dueAt).
		Msg("timer fired")

	if err := s.resume(s.ctx, t.key); err != nil {
		retryAt := s.now().Add(s.config.RetryInterval)
		s.logger.Error().
			Err(err).
			Str("key", t.key.String()).
			Time("retry_at", retryAt).
			Msg("timer resume failed")
		s.Arm(t.key, retryAt)
	}
}
