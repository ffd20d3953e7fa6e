// Package throttle serializes outbound calls to rate-limited upstream APIs.
// A Queue dispatches submitted actions in FIFO order, keeps a minimum
// interval between dispatches, bounds how many actions run at once, and
// retries rate-limited actions with exponential backoff. Repeated rate
// limiting escalates the dispatch interval for every caller sharing the
// queue until a cooldown elapses.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrRateLimited marks failures caused by the upstream refusing the request
// rate. Wrapped errors stay detectable through errors.Is so callers can fall
// back to stale data instead of treating the failure as fatal.
var ErrRateLimited = errors.New("throttle: upstream rate limited")

// Action is a zero-argument unit of work, typically one HTTP call. Actions
// must be safe to retry; the queue assumes GET-style reads.
type Action func(ctx context.Context) error

// Observer receives queue lifecycle notifications. All methods may be called
// from the queue's internal goroutines. ObserveDispatch carries the interval
// in force at dispatch time, so observers see the pace recover once an
// escalation cools down.
type Observer interface {
	ObserveDispatch(waited, interval time.Duration)
	ObserveRetry(attempt int, rateLimited bool)
	ObserveEscalation(interval time.Duration)
}

// Config carries the construction-time knobs. Zero values fall back to the
// defaults documented on each field; there is no runtime reconfiguration.
type Config struct {
	// MinInterval is the baseline spacing between dispatches. Default 2s.
	MinInterval time.Duration
	// MaxParallel bounds how many actions run concurrently. Default 1.
	MaxParallel int
	// RetryBaseDelay is the backoff unit; retry n sleeps base * 2^(n-1),
	// capped at MaxRetryDelay. Default 1s.
	RetryBaseDelay time.Duration
	// MaxRetryDelay caps a single backoff sleep. Default 30s.
	MaxRetryDelay time.Duration
	// MaxRetries is the retry budget after the initial attempt. Default 3.
	MaxRetries int
	// EscalatedInterval replaces MinInterval after a rate-limited
	// exhaustion. Default 2m.
	EscalatedInterval time.Duration
	// Cooldown is how long the escalated interval stays in force. Default 5m.
	Cooldown time.Duration
	// RequestTimeout bounds a single action attempt. Zero disables the
	// per-attempt deadline. Default 30s.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = 2 * time.Second
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 1
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.EscalatedInterval <= 0 {
		c.EscalatedInterval = 2 * time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	return c
}

type task struct {
	ctx    context.Context
	action Action
	done   chan error
}

// Queue owns every piece of throttle state so independent queues can coexist
// without interference. All shared state is guarded by mu; the drain loop is
// the only dispatcher, so the throttle window is enforced by construction.
type Queue struct {
	cfg      Config
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	slots chan struct{}

	mu             sync.Mutex
	pending        []*task
	processing     bool
	lastDispatch   time.Time
	escalatedUntil time.Time
}

// New constructs a queue with the given configuration. A nil logger is
// replaced with a discarding one so instrumentation stays optional.
func New(cfg Config, logger *slog.Logger) *Queue {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Queue{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "throttle")),
		now:    time.Now,
		slots:  make(chan struct{}, cfg.MaxParallel),
	}
}

// SetObserver attaches a lifecycle observer. Call before the first Do.
func (q *Queue) SetObserver(obs Observer) { q.observer = obs }

// Do submits an action and blocks until it resolves, exhausts its retries,
// or ctx is cancelled. A request cancelled while still queued is rejected
// without consuming a dispatch slot.
func (q *Queue) Do(ctx context.Context, action Action) error {
	if action == nil {
		return errors.New("throttle: action required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t := &task{ctx: ctx, action: action, done: make(chan error, 1)}

	q.mu.Lock()
	q.pending = append(q.pending, t)
	if !q.processing {
		q.processing = true
		go q.drain()
	}
	q.mu.Unlock()

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EffectiveInterval reports the dispatch spacing currently in force,
// reflecting any active escalation.
func (q *Queue) EffectiveInterval() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.effectiveIntervalLocked()
}

func (q *Queue) effectiveIntervalLocked() time.Duration {
	if q.now().Before(q.escalatedUntil) {
		return q.cfg.EscalatedInterval
	}
	return q.cfg.MinInterval
}

// drain is the single processor loop. It exits once the pending queue is
// empty; the next Do restarts it.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.processing = false
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := t.ctx.Err(); err != nil {
			t.done <- err
			continue
		}

		// Wait for a running slot before spending the throttle window so
		// the window measures dispatch spacing, not completion spacing.
		select {
		case q.slots <- struct{}{}:
		case <-t.ctx.Done():
			t.done <- t.ctx.Err()
			continue
		}

		q.mu.Lock()
		wait := q.effectiveIntervalLocked() - q.now().Sub(q.lastDispatch)
		q.mu.Unlock()
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-t.ctx.Done():
				timer.Stop()
				<-q.slots
				t.done <- t.ctx.Err()
				continue
			}
		} else {
			wait = 0
		}

		q.mu.Lock()
		q.lastDispatch = q.now()
		interval := q.effectiveIntervalLocked()
		q.mu.Unlock()

		if q.observer != nil {
			q.observer.ObserveDispatch(wait, interval)
		}

		go func(t *task) {
			defer func() { <-q.slots }()
			t.done <- q.run(t.ctx, t.action)
		}(t)
	}
}

// run executes an action through its retry budget. Rate-limited exhaustion
// escalates the shared dispatch interval before surfacing the error.
func (q *Queue) run(ctx context.Context, action Action) error {
	var lastErr error
	for attempt := 0; attempt <= q.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := q.backoffDelay(attempt)
			q.logger.Debug("retrying action",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.Bool("rate_limited", errors.Is(lastErr, ErrRateLimited)))
			if q.observer != nil {
				q.observer.ObserveRetry(attempt, errors.Is(lastErr, ErrRateLimited))
			}
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if q.cfg.RequestTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, q.cfg.RequestTimeout)
		}
		err := action(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		q.logger.Warn("action attempt failed",
			slog.Int("attempt", attempt),
			slog.Bool("rate_limited", errors.Is(err, ErrRateLimited)),
			slog.Any("error", err))
	}

	if errors.Is(lastErr, ErrRateLimited) {
		q.escalate()
	}
	return fmt.Errorf("throttle: retries exhausted: %w", lastErr)
}

func (q *Queue) backoffDelay(attempt int) time.Duration {
	delay := q.cfg.RetryBaseDelay << (attempt - 1)
	if delay > q.cfg.MaxRetryDelay || delay <= 0 {
		delay = q.cfg.MaxRetryDelay
	}
	return delay
}

// escalate enlarges the shared dispatch interval until the cooldown passes.
// Every request queued after this point inherits the slower pace.
func (q *Queue) escalate() {
	q.mu.Lock()
	q.escalatedUntil = q.now().Add(q.cfg.Cooldown)
	until := q.escalatedUntil
	q.mu.Unlock()

	q.logger.Warn("rate limit escalation engaged",
		slog.Duration("interval", q.cfg.EscalatedInterval),
		slog.Time("until", until))
	if q.observer != nil {
		q.observer.ObserveEscalation(q.cfg.EscalatedInterval)
	}
}
