package cdp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	droverrs "github.com/odvcencio/drover/pkg/errors"
	"github.com/odvcencio/drover/pkg/events"
	"github.com/odvcencio/drover/pkg/observability"
)

// EventSessionDetached is emitted on a session's registry just before its
// subscriptions are cancelled, so waiters can register it as a failure
// condition. The payload is the session id.
const EventSessionDetached = "drover.sessionDetached"

// frameWriter is the session's view of the transport.
type frameWriter interface {
	writeFrame(ctx context.Context, msg *Message) error
}

// pendingCommand is the single-assignment result slot for one in-flight
// command. Exactly one resolve takes effect; concurrent response, detach
// sweep and timeout paths race safely through sync.Once.
type pendingCommand struct {
	id     int64
	method string
	stack  []droverrs.Frame

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func (p *pendingCommand) resolve(result json.RawMessage, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// Session correlates commands with responses and dispatches unsolicited
// frames as events, for one attached debugging session multiplexed over the
// shared connection. A session starts Attached and transitions once to
// Detached; the transition is terminal.
type Session struct {
	id         string
	conn       frameWriter
	logger     zerolog.Logger
	reg        *events.Registry
	cmdTimeout time.Duration
	onDetach   func(*Session)

	mu       sync.Mutex
	seq      int64
	pending  map[int64]*pendingCommand
	detached bool
}

func newSession(id string, conn frameWriter, logger zerolog.Logger, cmdTimeout time.Duration, onDetach func(*Session)) *Session {
	metricActiveSessions.Inc()
	return &Session{
		id:         id,
		conn:       conn,
		logger:     logger.With().Str("session_id", id).Logger(),
		reg:        events.NewRegistry(),
		cmdTimeout: cmdTimeout,
		onDetach:   onDetach,
		pending:    make(map[int64]*pendingCommand),
	}
}

// ID returns the session identifier; empty for the browser-level session.
func (s *Session) ID() string { return s.id }

// Events returns the session's event registry. Inbound frames that match no
// pending command are emitted here, keyed by method name.
func (s *Session) Events() *events.Registry { return s.reg }

// Subscribe forwards to the session's registry, letting a Session act as a
// wait.EventSource directly.
func (s *Session) Subscribe(kind string, pred events.Predicate) (*events.Subscription, func()) {
	return s.reg.Subscribe(kind, pred)
}

// Detached reports whether the session reached its terminal state.
func (s *Session) Detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// Send issues a command and blocks until the matching response arrives, the
// context ends, or the session detaches. params may be nil, a
// json.RawMessage, or any JSON-marshalable value; the engine does not
// inspect it. Delivery is at-most-once: nothing is retried, and a detached
// session fails fast without writing a frame.
func (s *Session) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	stack := droverrs.CaptureStack(2)

	raw, err := marshalParams(params)
	if err != nil {
		return nil, droverrs.Wrap(err, droverrs.ErrCodeInvalidInput, "marshal params for "+method)
	}

	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return nil, sessionClosedError(s.id).WithContext("method", method).WithStack(stack)
	}
	s.seq++
	cmd := &pendingCommand{
		id:     s.seq,
		method: method,
		stack:  stack,
		done:   make(chan struct{}),
	}
	s.pending[cmd.id] = cmd
	s.mu.Unlock()

	ctx, cancel := s.withCommandTimeout(ctx)
	defer cancel()

	ctx, span := observability.Tracer().Start(ctx, "cdp.command",
		trace.WithAttributes(
			attribute.String("cdp.method", method),
			attribute.String("cdp.session_id", s.id),
			attribute.Int64("cdp.correlation_id", cmd.id),
		))
	defer span.End()

	msg := &Message{ID: cmd.id, SessionID: s.id, Method: method, Params: raw}
	s.logger.Debug().Int64("id", cmd.id).Str("method", method).Msg("send command")
	metricCommandsSent.Inc()

	if err := s.conn.writeFrame(ctx, msg); err != nil {
		s.removePending(cmd.id)
		cmd.resolve(nil, droverrs.Wrap(err, droverrs.ErrCodeTransport, method+" delivery failed").WithStack(stack))
	}

	select {
	case <-cmd.done:
	case <-ctx.Done():
		// The response may still win this race; resolve is write-once, so
		// whichever settled first is what the caller sees.
		s.removePending(cmd.id)
		cmd.resolve(nil, droverrs.Wrap(ctx.Err(), droverrs.ErrCodeTimeout, method+" deadline elapsed").WithStack(stack))
	}

	if cmd.err != nil {
		span.RecordError(cmd.err)
		metricCommandFailures.Inc()
		return nil, cmd.err
	}
	return cmd.result, nil
}

// onMessage handles one inbound frame addressed to this session. Frames
// carrying a correlation id that matches a pending command resolve exactly
// that command; every other frame is dispatched as an event. Frames arriving
// after detach are discarded.
func (s *Session) onMessage(msg *Message) {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		metricFramesDropped.Inc()
		return
	}
	if msg.ID != 0 {
		cmd, ok := s.pending[msg.ID]
		if ok {
			delete(s.pending, msg.ID)
		}
		s.mu.Unlock()
		if !ok {
			s.logger.Debug().Int64("id", msg.ID).Msg("unmatched response dropped")
			metricFramesDropped.Inc()
			return
		}
		if msg.Error != nil {
			cmd.resolve(nil, protocolError(cmd.method, cmd.stack, msg.Error))
		} else {
			cmd.resolve(msg.Result, nil)
		}
		return
	}
	s.mu.Unlock()

	metricEventsDispatched.Inc()
	s.reg.Emit(msg.Method, msg.Params)
}

// Detach transitions the session to its terminal state. Every outstanding
// command resolves with the session-closed error; the sweep is atomic with
// respect to concurrent Send, so no command stays in flight invisibly.
// Calling Detach on an already detached session returns an error: that is a
// caller logic bug, not an idempotent no-op.
func (s *Session) Detach() error {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return droverrs.Wrap(ErrAlreadyDetached, droverrs.ErrCodeInvalidInput, "detach of detached session").
			WithContext("session_id", s.id)
	}
	s.detached = true
	pending := s.pending
	s.pending = make(map[int64]*pendingCommand)
	s.mu.Unlock()

	s.logger.Debug().Int("pending", len(pending)).Msg("session detached")
	for _, cmd := range pending {
		cmd.resolve(nil, sessionClosedError(s.id).WithContext("method", cmd.method).WithStack(cmd.stack))
	}

	// Give waiters watching for detach their failure event, then settle
	// whatever is left by cancellation.
	s.reg.Emit(EventSessionDetached, s.id)
	s.reg.CancelAll()

	metricActiveSessions.Dec()
	if s.onDetach != nil {
		s.onDetach(s)
	}
	return nil
}

// withCommandTimeout applies the connection's default command timeout when
// the caller's context carries no deadline of its own.
func (s *Session) withCommandTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	timeout := s.cmdTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *Session) removePending(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(params)
	}
}
