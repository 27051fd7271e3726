package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/serroba/quota-gate/internal/events"
	"github.com/serroba/quota-gate/internal/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultRetryInterval is the pause between admission attempts in blocking mode.
const DefaultRetryInterval = 10 * time.Millisecond

// ErrRateLimited is returned when a call is not admitted and will not wait any longer.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitedError carries the window that was full when the dispatcher gave up.
type RateLimitedError struct {
	Exceeded *ratelimit.LimitExceeded
	Attempts int
	Waited   time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.Exceeded == nil {
		return fmt.Sprintf("%s after %d attempts", ErrRateLimited, e.Attempts)
	}

	return fmt.Sprintf("%s: %s at %d/%d after %d attempts in %s",
		ErrRateLimited, e.Exceeded.Window.Key, e.Exceeded.Count, e.Exceeded.Window.Capacity,
		e.Attempts, e.Waited)
}

func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}

// Mode selects what happens when a call is denied.
type Mode string

const (
	// ModeBlock sleeps and retries until the call is admitted.
	ModeBlock Mode = "block"
	// ModeFailFast returns a RateLimitedError on the first denial.
	ModeFailFast Mode = "fail-fast"
)

// ParseMode converts a configuration value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeBlock:
		return ModeBlock, nil
	case ModeFailFast:
		return ModeFailFast, nil
	default:
		return "", fmt.Errorf("unknown dispatch mode %q", s)
	}
}

// Admitter decides whether a call may proceed now.
type Admitter interface {
	CheckAndAdmit(ctx context.Context, windows []ratelimit.Window) (bool, *ratelimit.LimitExceeded, error)
}

// ThrottlePublisher receives an event for every call that was not admitted at once.
type ThrottlePublisher func(event *events.Throttled) error

// Dispatcher gates calls behind an Admitter. Its configuration is fixed at construction.
type Dispatcher struct {
	gate     Admitter
	windows  []ratelimit.Window
	interval time.Duration
	maxWait  time.Duration
	mode     Mode
	instance string
	logger   *zap.Logger
	metrics  *Metrics
	events   *eventQueue
	waitLog  rate.Sometimes
}

type options struct {
	interval time.Duration
	maxWait  time.Duration
	mode     Mode
	logger   *zap.Logger
	metrics  *Metrics
	publish  ThrottlePublisher
}

// Option configures a Dispatcher.
type Option func(*options)

// WithRetryInterval sets the pause between attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithMaxWait bounds how long a blocking call waits. Zero waits indefinitely.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// WithMode sets the denial behavior.
func WithMode(m Mode) Option {
	return func(o *options) { o.mode = m }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records admissions in m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithThrottlePublisher publishes throttle events through publish.
func WithThrottlePublisher(publish ThrottlePublisher) Option {
	return func(o *options) { o.publish = publish }
}

// New creates a Dispatcher that admits calls against windows.
func New(gate Admitter, windows []ratelimit.Window, opts ...Option) (*Dispatcher, error) {
	o := options{
		interval: DefaultRetryInterval,
		mode:     ModeBlock,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&o)
	}

	if gate == nil {
		return nil, errors.New("dispatch: gate is required")
	}

	if err := ratelimit.ValidateWindows(windows); err != nil {
		return nil, err
	}

	if o.interval <= 0 {
		return nil, fmt.Errorf("dispatch: retry interval must be positive, got %s", o.interval)
	}

	if o.maxWait < 0 {
		return nil, fmt.Errorf("dispatch: max wait must not be negative, got %s", o.maxWait)
	}

	if _, err := ParseMode(string(o.mode)); err != nil {
		return nil, err
	}

	var queue *eventQueue
	if o.publish != nil {
		queue = newEventQueue(o.publish, o.logger)
	}

	return &Dispatcher{
		gate:     gate,
		windows:  append([]ratelimit.Window(nil), windows...),
		interval: o.interval,
		maxWait:  o.maxWait,
		mode:     o.mode,
		instance: uuid.NewString(),
		logger:   o.logger,
		metrics:  o.metrics,
		events:   queue,
		waitLog:  rate.Sometimes{Interval: time.Second},
	}, nil
}

// Windows returns a copy of the configured windows.
func (d *Dispatcher) Windows() []ratelimit.Window {
	return append([]ratelimit.Window(nil), d.windows...)
}

// Wait returns nil once the call has been admitted. A store failure is returned
// immediately and is never retried. In blocking mode denials are retried every
// retry interval until admission, the max wait or ctx ends the wait; waiters are
// not admitted in any particular order.
func (d *Dispatcher) Wait(ctx context.Context) error {
	start := time.Now()

	var (
		timer *time.Timer
		last  *ratelimit.LimitExceeded
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return d.canceled(err, attempt-1, time.Since(start), last)
		}

		allowed, exceeded, err := d.gate.CheckAndAdmit(ctx, d.windows)
		if err != nil {
			// a check aborted by the caller's context is a cancellation, not an outage
			if ctxErr := ctx.Err(); ctxErr != nil {
				return d.canceled(ctxErr, attempt, time.Since(start), last)
			}

			d.metrics.storeError()
			d.logger.Error("admission check failed", zap.Int("attempt", attempt), zap.Error(err))

			return err
		}

		waited := time.Since(start)

		if allowed {
			d.metrics.admitted(waited, attempt)

			if attempt > 1 {
				d.emit(events.OutcomeAdmittedAfterWait, attempt, waited, last)
			}

			return nil
		}

		last = exceeded

		if d.mode == ModeFailFast || (d.maxWait > 0 && waited+d.interval > d.maxWait) {
			d.metrics.rejected(string(events.OutcomeRateLimited))
			d.emit(events.OutcomeRateLimited, attempt, waited, exceeded)

			return &RateLimitedError{Exceeded: exceeded, Attempts: attempt, Waited: waited}
		}

		d.waitLog.Do(func() {
			d.logger.Debug("waiting for admission",
				zap.String("window", windowKey(exceeded)),
				zap.Int("attempt", attempt),
				zap.Duration("waited", waited),
			)
		})

		if timer == nil {
			timer = time.NewTimer(d.interval)
		} else {
			timer.Reset(d.interval)
		}

		select {
		case <-ctx.Done():
			return d.canceled(ctx.Err(), attempt, time.Since(start), last)
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) canceled(err error, attempts int, waited time.Duration, last *ratelimit.LimitExceeded) error {
	d.metrics.rejected(string(events.OutcomeCanceled))

	if attempts > 0 {
		d.emit(events.OutcomeCanceled, attempts, waited, last)
	}

	return fmt.Errorf("waiting for admission: %w", err)
}

func (d *Dispatcher) emit(outcome events.Outcome, attempts int, waited time.Duration, exceeded *ratelimit.LimitExceeded) {
	if d.events == nil {
		return
	}

	event := &events.Throttled{
		ID:         uuid.NewString(),
		Instance:   d.instance,
		Outcome:    outcome,
		Attempts:   attempts,
		Waited:     waited,
		OccurredAt: time.Now(),
	}

	if exceeded != nil {
		event.Window = exceeded.Window.Key
		event.Count = exceeded.Count
		event.Capacity = exceeded.Window.Capacity
	}

	d.events.enqueue(event)
}

// Shutdown publishes the throttle events still queued and stops the
// background publisher. Later events are discarded.
func (d *Dispatcher) Shutdown() error {
	if d.events != nil {
		d.events.close()
	}

	return nil
}

func windowKey(exceeded *ratelimit.LimitExceeded) string {
	if exceeded == nil {
		return ""
	}

	return exceeded.Window.Key
}

// Do waits for admission and then runs fn once, returning its result unchanged.
func Do[T any](ctx context.Context, d *Dispatcher, fn func(context.Context) (T, error)) (T, error) {
	if err := d.Wait(ctx); err != nil {
		var zero T

		return zero, err
	}

	return fn(ctx)
}
