// Package wait implements the race primitive behind every "wait until X"
// operation in drover: a primary outcome raced against failure events and a
// deadline, with guaranteed listener cleanup and diagnostic log capture.
package wait

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	droverrs "github.com/odvcencio/drover/pkg/errors"
	"github.com/odvcencio/drover/pkg/events"
)

// EventSource hands out one-shot event subscriptions. *events.Registry
// satisfies it, as does anything that forwards to one.
type EventSource interface {
	Subscribe(kind string, pred events.Predicate) (*events.Subscription, func())
}

// Outcome is an asynchronous result that can be raced. Result is only valid
// after Done is closed and must be idempotent: the waiter may read it again
// after the race already observed completion.
type Outcome interface {
	Done() <-chan struct{}
	Result() (any, error)
}

// PollFunc checks a condition. ok reports whether the condition holds; a
// non-nil error aborts the wait.
type PollFunc func(ctx context.Context) (value any, ok bool, err error)

// ErrFactory produces the error surfaced when a failure event fires.
type ErrFactory func() error

type failure struct {
	code  droverrs.ErrorCode
	msg   string
	cause error
}

// Waiter races one primary outcome against registered failure conditions and
// an optional deadline. It is scoped to a single logical wait and is
// disposed exactly once, on settlement or by explicit Dispose.
//
// Disposal is observer cancellation: listeners and timers owned by the
// waiter are deregistered, but underlying work (an in-flight command, the
// event source itself) keeps running.
type Waiter struct {
	id     string
	logger zerolog.Logger

	mu       sync.Mutex
	logs     []string
	cleanups []func()
	disposed bool

	closed chan struct{}
	race   chan failure // capacity 1, first failure wins
}

// New creates a Waiter. The logger receives each Log line at debug level;
// pass zerolog.Nop() to keep the waiter silent.
func New(logger zerolog.Logger) *Waiter {
	return &Waiter{
		id:     uuid.NewString(),
		logger: logger,
		closed: make(chan struct{}),
		race:   make(chan failure, 1),
	}
}

// ID returns the waiter's unique identifier, used to correlate log lines.
func (w *Waiter) ID() string { return w.id }

// Log appends a line to the diagnostic buffer. It has no effect on control
// flow; the buffer is attached to any failure error for post-mortem reading.
func (w *Waiter) Log(msg string) {
	w.mu.Lock()
	w.logs = append(w.logs, msg)
	w.mu.Unlock()
	w.logger.Debug().Str("waiter", w.id).Msg(msg)
}

// Logf is Log with formatting.
func (w *Waiter) Logf(format string, args ...any) {
	w.Log(fmt.Sprintf(format, args...))
}

// FailOnTimeout registers a deadline: if it elapses before the primary and
// before every other failure source, the wait fails with a timeout error
// carrying msg plus the diagnostic log. A non-positive duration registers
// nothing.
func (w *Waiter) FailOnTimeout(d time.Duration, msg string) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	w.addCleanup(func() { timer.Stop() })
	go func() {
		select {
		case <-timer.C:
			w.fail(failure{code: droverrs.ErrCodeTimeout, msg: msg})
		case <-w.closed:
		}
	}()
}

// FailOnEvent registers a failure condition derived from a future event on
// source. When the event fires (and pred, if given, accepts it), the wait
// fails with the error produced by errFactory; the event payload itself is
// discarded.
func (w *Waiter) FailOnEvent(source EventSource, kind string, errFactory ErrFactory, pred events.Predicate) {
	sub, cancel := source.Subscribe(kind, pred)
	w.addCleanup(cancel)
	w.logger.Debug().Str("waiter", w.id).Str("subscription", sub.ID()).Str("kind", kind).Msg("failure listener armed")
	go func() {
		select {
		case <-sub.Done():
			if sub.Cancelled() {
				return
			}
			w.fail(failure{code: droverrs.ErrCodeRaceFailure, msg: "wait aborted by " + kind, cause: errFactory()})
		case <-w.closed:
		}
	}()
}

// WaitForEvent sets the primary outcome to the next matching event on source
// and drives the race. On success it returns the event payload.
func (w *Waiter) WaitForEvent(ctx context.Context, source EventSource, kind string, pred events.Predicate) (any, error) {
	sub, cancel := source.Subscribe(kind, pred)
	w.addCleanup(cancel)
	w.logger.Debug().Str("waiter", w.id).Str("subscription", sub.ID()).Str("kind", kind).Msg("awaiting event")
	return w.Settle(ctx, subscriptionOutcome{sub})
}

// WaitForCondition polls until the condition reports ok, racing the poll
// against the registered failure sources. The poll runs on its own
// goroutine; a poll error settles the wait with that error.
func (w *Waiter) WaitForCondition(ctx context.Context, poll PollFunc, interval time.Duration) (any, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	prim := newPromise()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			value, ok, err := poll(ctx)
			if err != nil {
				prim.reject(err)
				return
			}
			if ok {
				prim.resolve(value)
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			case <-w.closed:
				return
			}
		}
	}()
	return w.Settle(ctx, prim)
}

// Settle drives the race: it blocks until the primary, a failure source, the
// context, or disposal settles first, then deregisters every remaining
// listener. The primary's value is read from the primary's own resolved
// state, so re-reading after the race is safe.
func (w *Waiter) Settle(ctx context.Context, primary Outcome) (any, error) {
	defer w.Dispose()
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-primary.Done():
		value, err := primary.Result()
		if err != nil {
			return nil, droverrs.Wrap(err, droverrs.ErrCodeRaceFailure, w.withLogs("wait failed"))
		}
		return value, nil
	case f := <-w.race:
		return nil, w.failureError(f)
	case <-ctx.Done():
		return nil, droverrs.Wrap(ctx.Err(), droverrs.ErrCodeRaceFailure, w.withLogs("wait cancelled"))
	case <-w.closed:
		return nil, droverrs.New(droverrs.ErrCodeRaceFailure, w.withLogs("waiter disposed"))
	}
}

// Dispose tears the waiter down: every registered cleanup (event
// unsubscribes, timer stops) runs exactly once, in reverse registration
// order, and no further outcome can settle. Cleanup failures are swallowed;
// the outcome is already decided by the time Dispose runs.
func (w *Waiter) Dispose() {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.disposed = true
	cleanups := w.cleanups
	w.cleanups = nil
	close(w.closed)
	w.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		runCleanup(cleanups[i])
	}
}

func (w *Waiter) addCleanup(fn func()) {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		runCleanup(fn)
		return
	}
	w.cleanups = append(w.cleanups, fn)
	w.mu.Unlock()
}

// fail records the first failure; later failures lose the race and are
// dropped.
func (w *Waiter) fail(f failure) {
	select {
	case w.race <- f:
	default:
	}
}

func (w *Waiter) failureError(f failure) error {
	if f.cause != nil {
		return droverrs.Wrap(f.cause, f.code, w.withLogs(f.msg))
	}
	return droverrs.New(f.code, w.withLogs(f.msg))
}

// withLogs appends the diagnostic buffer to msg as a delimited block.
func (w *Waiter) withLogs(msg string) string {
	w.mu.Lock()
	logs := w.logs
	w.mu.Unlock()
	if len(logs) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	sb.WriteString("\n---------------- logs ----------------\n")
	for _, line := range logs {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteString("--------------------------------------")
	return sb.String()
}

func runCleanup(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// subscriptionOutcome adapts a one-shot event subscription to Outcome.
type subscriptionOutcome struct {
	sub *events.Subscription
}

func (o subscriptionOutcome) Done() <-chan struct{} { return o.sub.Done() }

func (o subscriptionOutcome) Result() (any, error) {
	if o.sub.Cancelled() {
		return nil, droverrs.New(droverrs.ErrCodeRaceFailure, "event source closed before "+o.sub.Kind()).
			WithContext("subscription_id", o.sub.ID())
	}
	return o.sub.Payload(), nil
}

// promise is a single-assignment outcome for condition polls.
type promise struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newPromise() *promise {
	return &promise{done: make(chan struct{})}
}

func (p *promise) resolve(v any) {
	p.once.Do(func() {
		p.value = v
		close(p.done)
	})
}

func (p *promise) reject(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *promise) Done() <-chan struct{} { return p.done }

func (p *promise) Result() (any, error) { return p.value, p.err }
