// Package poller drives one remote timeline from submitted to a terminal status.
//
// Each loop is a small state machine: a warm-up gate, then repeated probes separated by a
// backoff interval. The transition from one probe to the next is the pure function next, so
// every rule can be tested without timers or a provider.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagetest-orchestrator/internal/metrics"
	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
)

// Signal is what one probe observed.
type Signal int

// Probe outcomes.
const (
	Pending Signal = iota
	Complete
	Blocked
	Malformed
	NotFound
	Transport
)

func (s Signal) String() string {
	switch s {
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	case Blocked:
		return "blocked"
	case Malformed:
		return "malformed"
	case NotFound:
		return "not_found"
	case Transport:
		return "transport"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// Observation is the result of a single probe. Value is only meaningful for Complete.
type Observation[T any] struct {
	Signal Signal
	Value  T
	Err    error
}

// Probe performs one attempt against the provider.
type Probe[T any] func(ctx context.Context) Observation[T]

// Config bounds a loop.
type Config struct {
	// Name labels the timeline in logs and metrics.
	Name string
	// WarmUp is the minimum time after submission before the first probe.
	WarmUp time.Duration
	// Interval is the first wait between probes; it grows by Backoff up to MaxInterval.
	Interval    time.Duration
	Backoff     float64
	MaxInterval time.Duration
	// MaxAttempts caps probes while pending.
	MaxAttempts int
	// MaxMalformed caps malformed answers over the life of the loop.
	MaxMalformed int
	// MaxTransport caps consecutive transport failures.
	MaxTransport int
	// AttemptTimeout bounds one probe; Deadline bounds the whole loop.
	AttemptTimeout time.Duration
	Deadline       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "metrics"
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Backoff < 1 {
		c.Backoff = 1
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = c.Interval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 30
	}
	if c.MaxMalformed <= 0 {
		c.MaxMalformed = 3
	}
	if c.MaxTransport <= 0 {
		c.MaxTransport = 3
	}
	return c
}

// Result is the final state of a loop. Canceled loops carry no status: the caller gave up,
// the provider did not fail.
type Result[T any] struct {
	Status   pagetest.Status
	Value    T
	Attempts int
	Err      error
	Canceled bool
}

// Loop holds the timing collaborators shared by every run.
type Loop struct {
	cfg    Config
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	pause  func() time.Time
	logger *zap.Logger
}

// Option customizes a Loop.
type Option func(*Loop)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithSleep overrides how the loop waits between probes.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Loop) { l.sleep = sleep }
}

// WithPause holds every attempt until the time reported by until, typically the end of the
// shared provider cooldown. Time spent paused is not an attempt.
func WithPause(until func() time.Time) Option {
	return func(l *Loop) { l.pause = until }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Loop.
func New(cfg Config, opts ...Option) *Loop {
	l := &Loop{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		sleep:  sleepContext,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Loop) Config() Config {
	return l.cfg
}

// state is the mutable part of a running loop.
type state struct {
	attempts  int
	malformed int
	transport int
	interval  time.Duration
}

// decision tells the loop what to do after a probe.
type decision struct {
	done   bool
	status pagetest.Status
	err    error
	wait   time.Duration
}

// next applies one observation to s.
func next(cfg Config, s state, signal Signal, cause error) (state, decision) {
	s.attempts++
	switch signal {
	case Complete:
		return s, decision{done: true, status: pagetest.StatusComplete}
	case Blocked:
		return s, decision{done: true, status: pagetest.StatusBlocked, err: wrapOr(pagetest.ErrBlocked, cause)}
	case NotFound:
		return s, decision{done: true, status: pagetest.StatusFailed, err: wrapOr(pagetest.ErrNotFound, cause)}
	case Malformed:
		s.malformed++
		s.transport = 0
		if s.malformed >= cfg.MaxMalformed {
			return s, decision{done: true, status: pagetest.StatusFailed, err: wrapOr(pagetest.ErrMalformed, cause)}
		}
	case Transport:
		s.transport++
		if s.transport >= cfg.MaxTransport {
			return s, decision{done: true, status: pagetest.StatusFailed, err: wrapOr(pagetest.ErrTransport, cause)}
		}
	default:
		s.transport = 0
	}

	if s.attempts >= cfg.MaxAttempts {
		return s, decision{
			done:   true,
			status: pagetest.StatusFailed,
			err:    fmt.Errorf("%w: still %s after %d attempts", pagetest.ErrTimeout, signal, s.attempts),
		}
	}

	wait := s.interval
	grown := time.Duration(float64(s.interval) * cfg.Backoff)
	s.interval = min(grown, cfg.MaxInterval)
	return s, decision{wait: wait}
}

func wrapOr(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	if errors.Is(cause, sentinel) {
		return cause
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// Run polls until a terminal status, the attempt or time budget is exhausted, or ctx is
// canceled. onAttempt, when set, runs after every probe with the attempt number.
func Run[T any](ctx context.Context, l *Loop, submittedAt time.Time, probe Probe[T], onAttempt func(attempt int, obs Observation[T])) Result[T] {
	cfg := l.cfg
	parent := ctx
	if cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Deadline)
		defer cancel()
	}
	logger := l.logger.With(zap.String("timeline", cfg.Name))

	stopped := func(attempts int) Result[T] {
		if parent.Err() != nil {
			logger.Debug("poll canceled", zap.Int("attempt", attempts))
			return Result[T]{Attempts: attempts, Err: context.Cause(parent), Canceled: true}
		}
		err := fmt.Errorf("%w: exceeded %s", pagetest.ErrTimeout, cfg.Deadline)
		metrics.ObserveJob(cfg.Name, string(pagetest.StatusFailed))
		return Result[T]{Status: pagetest.StatusFailed, Attempts: attempts, Err: err}
	}

	if wait := submittedAt.Add(cfg.WarmUp).Sub(l.now()); wait > 0 {
		logger.Debug("warming up", zap.Duration("wait", wait))
		if err := l.sleep(ctx, wait); err != nil {
			return stopped(0)
		}
	}

	s := state{interval: cfg.Interval}
	for {
		if ctx.Err() != nil {
			return stopped(s.attempts)
		}
		if wait := l.paused(); wait > 0 {
			logger.Debug("provider cooling down; pausing", zap.Duration("wait", wait), zap.Int("attempt", s.attempts))
			if err := l.sleep(ctx, wait); err != nil {
				return stopped(s.attempts)
			}
			continue
		}
		obs := attempt(ctx, cfg.AttemptTimeout, probe)
		if ctx.Err() != nil && obs.Signal == Transport {
			return stopped(s.attempts)
		}
		// An attempt stuck behind a cooldown tripped while it was in flight never reached the provider.
		if obs.Signal == Transport && l.paused() > 0 {
			logger.Debug("attempt interrupted by provider cooldown", zap.Int("attempt", s.attempts), zap.Error(obs.Err))
			continue
		}

		var d decision
		s, d = next(cfg, s, obs.Signal, obs.Err)
		metrics.ObservePollAttempt(cfg.Name, obs.Signal.String())
		if onAttempt != nil {
			onAttempt(s.attempts, obs)
		}
		if d.done {
			metrics.ObserveJob(cfg.Name, string(d.status))
			logger.Debug("poll finished",
				zap.String("status", string(d.status)),
				zap.Int("attempt", s.attempts),
				zap.Error(d.err),
			)
			res := Result[T]{Status: d.status, Attempts: s.attempts, Err: d.err}
			if d.status == pagetest.StatusComplete {
				res.Value = obs.Value
			}
			return res
		}
		if obs.Signal != Pending {
			logger.Debug("retrying after failed probe",
				zap.Stringer("signal", obs.Signal),
				zap.Int("attempt", s.attempts),
				zap.Error(obs.Err),
			)
		}
		if err := l.sleep(ctx, d.wait); err != nil {
			return stopped(s.attempts)
		}
	}
}

// paused returns how long attempts must still be held back.
func (l *Loop) paused() time.Duration {
	if l.pause == nil {
		return 0
	}
	return l.pause().Sub(l.now())
}

// attempt runs one probe under the per-attempt timeout.
func attempt[T any](ctx context.Context, timeout time.Duration, probe Probe[T]) Observation[T] {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return probe(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
