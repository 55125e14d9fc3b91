package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/robfig/cron/v3"

	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/internal/metrics"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// Default tunables.
const (
	DefaultBaseDelay         = time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultMaxAttempts       = 5
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultReadLimit         = 1 << 20
	DefaultWriteTimeout      = 5 * time.Second
)

// Config holds the session tunables. Zero values take the defaults, except
// HeartbeatInterval where a negative value disables the heartbeat.
type Config struct {
	Endpoint          string
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Sink receives inbound frames and the session's own connection events.
// *dispatch.Dispatcher satisfies it.
type Sink interface {
	Publish(ctx context.Context, raw []byte) error
	Emit(ctx context.Context, ev schema.Event)
}

// Status is a point-in-time view of the session.
type Status struct {
	WorkflowID        string                 `json:"workflow_id,omitempty"`
	State             schema.ConnectionState `json:"state"`
	ReconnectAttempt  int                    `json:"reconnect_attempt"`
	ReconnectDeadline *time.Time             `json:"reconnect_deadline,omitempty"`
	LastPong          *time.Time             `json:"last_pong,omitempty"`
}

// Session owns at most one physical connection for one workflow id and
// recovers from abnormal closure with capped exponential backoff.
type Session struct {
	cfg     Config
	dialer  Dialer
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Collector

	mu         sync.Mutex
	workflowID string
	state      schema.ConnectionState
	attempt    int
	deadline   time.Time
	lastPong   time.Time
	// gen changes on every Connect to a new id and on Disconnect. Timers,
	// dials and read loops started under an older gen are ignored.
	gen        uint64
	conn       Conn
	readCancel context.CancelFunc
	timer      *time.Timer
	heartbeat  *cron.Cron
}

// Option configures a Session.
type Option func(*Session)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMetrics records connection metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Session) { s.metrics = c }
}

// NewSession creates an idle session that delivers into sink.
func NewSession(cfg Config, sink Sink, opts ...Option) *Session {
	s := &Session{
		cfg:   cfg.withDefaults(),
		sink:  sink,
		state: schema.ConnectionIdle,
	}
	for _, o := range opts {
		o(s)
	}
	if s.dialer == nil {
		s.dialer = WebsocketDialer{ReadLimit: DefaultReadLimit}
	}
	s.logger = logging.OrDefault(s.logger)
	return s
}

// Status returns the current session view.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		WorkflowID:       s.workflowID,
		State:            s.state,
		ReconnectAttempt: s.attempt,
	}
	if !s.deadline.IsZero() {
		d := s.deadline
		st.ReconnectDeadline = &d
	}
	if !s.lastPong.IsZero() {
		p := s.lastPong
		st.LastPong = &p
	}
	return st
}

// State returns the connection state.
func (s *Session) State() schema.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsOpen reports whether Send would currently reach the wire.
func (s *Session) IsOpen() bool {
	return s.State() == schema.ConnectionOpen
}

// WorkflowID returns the id of the current session, or "" when there is none.
func (s *Session) WorkflowID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workflowID
}

// Connect establishes a connection scoped to workflowID and reports whether
// the session is open when it returns. Connecting again to the open id is a
// no-op. A call made while another dial is in flight fails fast; when the
// in-flight dial is for a different id a connection_error event is emitted.
func (s *Session) Connect(ctx context.Context, workflowID string) bool {
	ctx = logging.WithWorkflowID(ctx, workflowID)

	s.mu.Lock()
	switch {
	case s.state == schema.ConnectionOpen && s.workflowID == workflowID:
		s.mu.Unlock()
		s.metrics.Connect("reused")
		return true
	case s.state == schema.ConnectionConnecting:
		inflight := s.workflowID
		s.mu.Unlock()
		s.metrics.Connect("rejected")
		logging.LogWith(ctx, s.logger).Warn("connect rejected: attempt already in flight",
			slog.String("in_flight", inflight),
		)
		if inflight != workflowID {
			s.emit(ctx, schema.EventConnectionError, schema.ConnectionPayload{
				WorkflowID: workflowID,
				Message:    schema.NewErrorf(schema.ErrCodeConnectInFlight, "connection attempt for %q in flight", inflight).Error(),
			})
		}
		return false
	}

	// Switching workflows or reviving a closed session: retire the old identity.
	prev := s.retireLocked()
	s.gen++
	gen := s.gen
	s.workflowID = workflowID
	s.state = schema.ConnectionConnecting
	s.attempt = 0
	s.mu.Unlock()

	if prev.conn != nil {
		s.closeConn(prev, websocket.StatusNormalClosure, "switching workflow")
		s.metrics.SessionClosed()
	}

	return s.dial(ctx, gen)
}

// Disconnect closes the session intentionally. Pending reconnection timers are
// stopped and any reconnect already in flight is ignored when it returns.
func (s *Session) Disconnect() {
	s.mu.Lock()
	id := s.workflowID
	hadSession := s.state != schema.ConnectionIdle && id != ""
	prev := s.retireLocked()
	s.gen++
	s.workflowID = ""
	s.state = schema.ConnectionClosed
	s.attempt = 0
	s.mu.Unlock()

	if prev.conn != nil {
		s.closeConn(prev, websocket.StatusNormalClosure, "client disconnect")
		s.metrics.SessionClosed()
	}
	if !hadSession {
		return
	}

	ctx := logging.WithWorkflowID(context.Background(), id)
	logging.LogWith(ctx, s.logger).Info("session disconnected")
	s.emit(ctx, schema.EventConnectionClosed, schema.ConnectionPayload{
		WorkflowID:  id,
		Code:        int(websocket.StatusNormalClosure),
		Reason:      "client disconnect",
		Intentional: true,
	})
}

// Send writes one outbound message. It never retries: when the session is not
// open it returns a NOT_CONNECTED error and the caller chooses a fallback.
func (s *Session) Send(ctx context.Context, typ string, data map[string]any) error {
	s.mu.Lock()
	conn, id, state := s.conn, s.workflowID, s.state
	s.mu.Unlock()

	ctx = logging.WithWorkflowID(ctx, id)
	if state != schema.ConnectionOpen || conn == nil {
		logging.LogWith(ctx, s.logger).Warn("send while not connected",
			slog.String("type", typ),
			slog.String("state", string(state)),
		)
		return schema.NewErrorf(schema.ErrCodeNotConnected, "cannot send %s: session is %s", typ, state)
	}

	b, err := json.Marshal(schema.NewMessage(typ, data))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "encode %s: %s", typ, err.Error()).WithCause(err)
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, b); err != nil {
		logging.LogWith(ctx, s.logger).Warn("send failed",
			slog.String("type", typ),
			slog.String("error", err.Error()),
		)
		return schema.NewErrorf(schema.ErrCodeTransport, "send %s", typ).WithCause(err)
	}
	return nil
}

type retired struct {
	conn   Conn
	cancel context.CancelFunc
}

// retireLocked detaches the connection, timer and heartbeat of the current
// identity. Callers hold s.mu and must bump s.gen.
func (s *Session) retireLocked() retired {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.deadline = time.Time{}
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
	r := retired{conn: s.conn, cancel: s.readCancel}
	s.conn = nil
	s.readCancel = nil
	return r
}

func (s *Session) closeConn(r retired, code websocket.StatusCode, reason string) {
	if r.cancel != nil {
		r.cancel()
	}
	_ = r.conn.Close(code, reason)
}

// dial performs one physical connection attempt for gen.
func (s *Session) dial(ctx context.Context, gen uint64) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	id, attempt := s.workflowID, s.attempt
	s.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, err := s.dialer.Dial(dctx, EndpointFor(s.cfg.Endpoint, id))
	cancel()

	s.mu.Lock()
	if gen != s.gen {
		// Disconnected or switched while dialing.
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "session superseded")
		}
		return false
	}
	if err != nil {
		s.state = schema.ConnectionClosed
		s.mu.Unlock()

		s.metrics.Connect("failed")
		logging.LogWith(ctx, s.logger).Warn("dial failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		s.emit(ctx, schema.EventConnectionError, schema.ConnectionPayload{
			WorkflowID: id,
			Message:    err.Error(),
			Attempt:    attempt,
		})
		s.scheduleReconnect(ctx, gen)
		return false
	}

	readCtx, readCancel := context.WithCancel(logging.WithWorkflowID(context.Background(), id))
	s.conn = conn
	s.readCancel = readCancel
	s.state = schema.ConnectionOpen
	s.attempt = 0
	s.deadline = time.Time{}
	s.mu.Unlock()

	s.metrics.Connect("ok")
	s.metrics.SessionOpened()
	logging.LogWith(ctx, s.logger).Info("session open", slog.Int("after_attempts", attempt))
	s.emit(ctx, schema.EventConnectionEstablished, schema.ConnectionPayload{WorkflowID: id, Attempt: attempt})

	go s.readLoop(readCtx, gen, conn)

	if err := s.Send(ctx, schema.MessageRequestStatus, nil); err != nil {
		logging.LogWith(ctx, s.logger).Warn("status sync failed", slog.String("error", err.Error()))
	}
	s.startHeartbeat(ctx, gen)
	return s.IsOpen()
}

func (s *Session) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.handleClose(ctx, gen, conn, err)
			return
		}
		if isPong(data) {
			s.mu.Lock()
			if gen == s.gen {
				s.lastPong = time.Now()
			}
			s.mu.Unlock()
		}
		// Malformed frames are logged and discarded by the sink.
		_ = s.sink.Publish(ctx, data)
	}
}

func isPong(data []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return schema.CanonicalType(probe.Type) == schema.EventPong
}

// handleClose classifies a read failure. A normal-closure status from the peer
// ends the session; anything else schedules a reconnect.
func (s *Session) handleClose(ctx context.Context, gen uint64, conn Conn, readErr error) {
	ctx = context.WithoutCancel(ctx)
	s.mu.Lock()
	if gen != s.gen || s.conn != conn {
		s.mu.Unlock()
		return
	}
	id := s.workflowID
	r := s.retireLocked()
	s.state = schema.ConnectionClosed
	s.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	s.metrics.SessionClosed()

	code := websocket.CloseStatus(readErr)
	reason := readErr.Error()
	var ce websocket.CloseError
	if errors.As(readErr, &ce) {
		reason = ce.Reason
	}
	normal := code == websocket.StatusNormalClosure

	logging.LogWith(ctx, s.logger).Info("session closed",
		slog.Int("code", int(code)),
		slog.String("reason", reason),
		slog.Bool("reconnect", !normal),
	)
	s.emit(ctx, schema.EventConnectionClosed, schema.ConnectionPayload{
		WorkflowID:  id,
		Code:        int(code),
		Reason:      reason,
		Intentional: normal,
	})
	if normal {
		return
	}
	_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
	s.scheduleReconnect(ctx, gen)
}

// scheduleReconnect arms the single reconnection timer, or moves the session
// to errored once the attempt budget is spent.
func (s *Session) scheduleReconnect(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.attempt++
	attempt := s.attempt
	id := s.workflowID

	if attempt > s.cfg.MaxAttempts {
		s.state = schema.ConnectionErrored
		s.deadline = time.Time{}
		s.mu.Unlock()

		err := schema.NewErrorf(schema.ErrCodeReconnectExhausted, "gave up after %d reconnection attempts", s.cfg.MaxAttempts)
		logging.LogWith(ctx, s.logger).Error("reconnect budget exhausted", slog.Int("max_attempts", s.cfg.MaxAttempts))
		s.emit(ctx, schema.EventConnectionError, schema.ConnectionPayload{
			WorkflowID: id,
			Message:    err.Error(),
			Attempt:    s.cfg.MaxAttempts,
		})
		return
	}

	delay := Backoff(s.cfg.BaseDelay, s.cfg.MaxDelay, attempt)
	s.deadline = time.Now().Add(delay)
	if s.timer != nil {
		s.timer.Stop()
	}
	rctx := context.WithoutCancel(ctx)
	s.timer = time.AfterFunc(delay, func() { s.reconnect(rctx, gen) })
	s.mu.Unlock()

	s.metrics.ReconnectScheduled()
	logging.LogWith(ctx, s.logger).Info("reconnect scheduled",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
}

func (s *Session) reconnect(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state == schema.ConnectionOpen || s.state == schema.ConnectionConnecting {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.deadline = time.Time{}
	s.state = schema.ConnectionConnecting
	s.mu.Unlock()

	s.dial(ctx, gen)
}

// startHeartbeat schedules a ping job while the connection is open. Intervals
// below one second are rounded up by the cron scheduler.
func (s *Session) startHeartbeat(ctx context.Context, gen uint64) {
	if s.cfg.HeartbeatInterval < 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.HeartbeatInterval), func() {
		if err := s.Send(ctx, schema.MessagePing, nil); err != nil {
			logging.LogWith(ctx, s.logger).Debug("heartbeat skipped", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		logging.LogWith(ctx, s.logger).Warn("heartbeat disabled", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	if gen != s.gen || s.state != schema.ConnectionOpen || s.heartbeat != nil {
		s.mu.Unlock()
		return
	}
	s.heartbeat = c
	c.Start()
	s.mu.Unlock()
}

func (s *Session) emit(ctx context.Context, typ string, p schema.ConnectionPayload) {
	if s.sink == nil {
		return
	}
	s.sink.Emit(ctx, schema.NewEvent(typ, p, time.Now()))
}
