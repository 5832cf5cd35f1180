package cdp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	droverrs "github.com/odvcencio/drover/pkg/errors"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultCommandTimeout = 30 * time.Second
	defaultPingInterval   = 30 * time.Second
	controlWriteTimeout   = 5 * time.Second
)

// Conn is one multiplexed websocket connection to a debugging endpoint. A
// single reader goroutine preserves per-session arrival order; writes are
// serialized. The zero-id root session carries browser-level traffic and
// child sessions are registered per attached target.
type Conn struct {
	url    string
	ws     *websocket.Conn
	logger zerolog.Logger

	dialTimeout  time.Duration
	cmdTimeout   time.Duration
	pingInterval time.Duration
	maxFrameSize int64

	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	closeErr error

	root  *Session
	group *errgroup.Group
	done  chan struct{}
}

// Option configures a Conn before its loops start.
type Option func(*Conn)

// WithLogger injects a logger; the default is silent.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Conn) { c.logger = logger }
}

// WithDialTimeout bounds the websocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithCommandTimeout sets the default deadline applied to Send calls whose
// context has none.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.cmdTimeout = d
		}
	}
}

// WithPingInterval sets the keepalive ping cadence. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *Conn) { c.pingInterval = d }
}

// WithMaxFrameSize caps inbound frame size. A frame over the limit is a
// protocol violation and closes the connection. Zero means no limit.
func WithMaxFrameSize(n int64) Option {
	return func(c *Conn) { c.maxFrameSize = n }
}

// Dial connects to a devtools websocket endpoint and starts the reader and
// keepalive loops.
func Dial(ctx context.Context, wsURL string, opts ...Option) (*Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	c := &Conn{
		url:          wsURL,
		logger:       zerolog.Nop(),
		dialTimeout:  defaultDialTimeout,
		cmdTimeout:   defaultCommandTimeout,
		pingInterval: defaultPingInterval,
		sessions:     make(map[string]*Session),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, droverrs.Wrap(err, droverrs.ErrCodeTransport, "dial "+wsURL)
	}
	if c.maxFrameSize > 0 {
		ws.SetReadLimit(c.maxFrameSize)
	}
	c.ws = ws

	c.root = newSession("", c, c.logger, c.cmdTimeout, c.dropSession)
	c.sessions[""] = c.root

	c.group = &errgroup.Group{}
	c.group.Go(c.readLoop)
	c.group.Go(c.pingLoop)
	return c, nil
}

// Root returns the browser-level session (no session id on the wire).
func (c *Conn) Root() *Session { return c.root }

// Attach issues Target.attachToTarget for targetID (flattened protocol) and
// registers the resulting child session.
func (c *Conn) Attach(ctx context.Context, targetID string) (*Session, error) {
	result, err := c.root.Send(ctx, "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	})
	if err != nil {
		return nil, err
	}
	var payload struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &payload); err != nil || payload.SessionID == "" {
		return nil, droverrs.New(droverrs.ErrCodeProtocol, "Target.attachToTarget returned no session id").
			WithContext("target_id", targetID)
	}
	return c.registerSession(payload.SessionID)
}

// DetachTarget tells the browser to drop the session, then detaches it
// locally. The local detach sweep runs even when the command fails; the
// session is unusable either way.
func (c *Conn) DetachTarget(ctx context.Context, s *Session) error {
	_, sendErr := c.root.Send(ctx, "Target.detachFromTarget", map[string]any{
		"sessionId": s.ID(),
	})
	if err := s.Detach(); err != nil {
		return err
	}
	return sendErr
}

// Done is closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection closed; nil before Done.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close sends a close frame, tears the connection down, and waits for the
// reader and keepalive loops to exit. Every registered session is swept with
// the session-closed error.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(controlWriteTimeout))
	c.writeMu.Unlock()

	c.teardown(nil)
	return c.group.Wait()
}

// registerSession creates and routes a session for an already attached
// session id (e.g. one handed over by Target.attachedToTarget).
func (c *Conn) registerSession(id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, droverrs.Wrap(ErrConnClosed, droverrs.ErrCodeConnClosed, "cannot register session")
	}
	if existing, ok := c.sessions[id]; ok {
		return existing, nil
	}
	s := newSession(id, c, c.logger, c.cmdTimeout, c.dropSession)
	c.sessions[id] = s
	return s, nil
}

func (c *Conn) dropSession(s *Session) {
	c.mu.Lock()
	if current, ok := c.sessions[s.ID()]; ok && current == s {
		delete(c.sessions, s.ID())
	}
	c.mu.Unlock()
}

// writeFrame serializes one outbound frame. Writes respect the context
// deadline and fail immediately on a closed connection.
func (c *Conn) writeFrame(ctx context.Context, msg *Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return droverrs.Wrap(ErrConnClosed, droverrs.ErrCodeConnClosed, "frame not written")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return droverrs.Wrap(err, droverrs.ErrCodeInvalidInput, "marshal frame")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Time{})
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return droverrs.Wrap(err, droverrs.ErrCodeTransport, "frame write failed")
	}
	return nil
}

// readLoop is the single reader: frames are processed strictly in arrival
// order and routed by session id. A read error ends the connection.
func (c *Conn) readLoop() error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.teardown(droverrs.Wrap(err, droverrs.ErrCodeConnClosed, "read loop ended"))
			return nil
		}
		metricFramesReceived.Inc()

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("unparseable frame dropped")
			metricFramesDropped.Inc()
			continue
		}
		c.route(&msg)
	}
}

func (c *Conn) route(msg *Message) {
	c.mu.Lock()
	s, ok := c.sessions[msg.SessionID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Str("session_id", msg.SessionID).Str("method", msg.Method).Msg("frame for unknown session dropped")
		metricFramesDropped.Inc()
		return
	}
	s.onMessage(msg)
}

func (c *Conn) pingLoop() error {
	if c.pingInterval <= 0 {
		<-c.done
		return nil
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(controlWriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug().Err(err).Msg("keepalive ping failed")
			}
		case <-c.done:
			return nil
		}
	}
}

// teardown closes the socket once and detaches every session so their
// pending commands resolve with the session-closed error.
func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()

	close(c.done)
	_ = c.ws.Close()
	for _, s := range sessions {
		if err := s.Detach(); err != nil {
			// Already detached independently; the sweep only cares that
			// every session settled.
			continue
		}
	}
	if cause != nil {
		c.logger.Info().Err(cause).Str("url", c.url).Msg("connection closed")
	} else {
		c.logger.Info().Str("url", c.url).Msg("connection closed")
	}
}
