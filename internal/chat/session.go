package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/groupchat/internal/store"
)

// State is a step of the per-connection lifecycle.
type State int

// Session lifecycle states.
const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is the control loop of one connection. It registers the
// connection, announces the join, relays inbound text to the message store
// and then to the Registry, and finally deregisters the connection and
// announces the leave.
type Session struct {
	conn     *Connection
	registry *Registry
	messages store.MessageStore
	log      *slog.Logger

	state      State
	registered bool
	err        error
}

// NewSession prepares a session for conn. Nothing happens until Run.
func NewSession(conn *Connection, registry *Registry, messages store.MessageStore, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:     conn,
		registry: registry,
		messages: messages,
		log:      logger.With("conn_id", conn.ID(), "username", conn.Username()),
		state:    StateConnecting,
	}
}

// State returns the current lifecycle state. It is only meaningful from the
// goroutine running the session or after Run has returned.
func (s *Session) State() State {
	return s.state
}

// Run drives the session until the connection is closed. Cancelling ctx
// closes the connection, which ends the session through the normal closing
// path. The returned error is nil for an ordinary transport close and wraps
// ErrStoreFailure or ErrDuplicateConnection otherwise.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.Close()
	})
	defer stop()

	for s.state != StateClosed {
		switch s.state {
		case StateConnecting:
			s.state = s.connect(ctx)
		case StateActive:
			s.state = s.receive(ctx)
		case StateClosing:
			s.state = s.close()
		default:
			s.state = StateClosing
		}
	}
	return s.err
}

func (s *Session) connect(ctx context.Context) State {
	s.conn.Start()

	// Shutdown may have closed the connection before the session started.
	if ctx.Err() != nil || !s.conn.Alive() {
		s.log.Info("connection closed before joining")
		return StateClosing
	}

	if err := s.registry.Add(s.conn); err != nil {
		s.err = err
		s.log.Error("registering connection", "error", err)
		return StateClosing
	}
	s.registered = true

	s.registry.Broadcast(ConnectEvent(s.conn.Username()))
	s.log.Info("user connected", "connections", s.registry.Len())
	return StateActive
}

func (s *Session) receive(ctx context.Context) State {
	messageType, data, err := s.conn.Receive()
	if err != nil {
		s.logReadError(err)
		return StateClosing
	}

	if messageType != websocket.TextMessage {
		s.log.Info("non-text frame received, closing", "message_type", messageType)
		return StateClosing
	}

	if len(data) == 0 {
		return StateActive
	}

	if !utf8.Valid(data) {
		s.log.Warn("text frame is not valid UTF-8, closing")
		_ = s.conn.closeWithCode(websocket.CloseInvalidFramePayloadData)
		return StateClosing
	}

	if !s.conn.allowInbound() {
		s.log.Warn("rate limit exceeded; discarding message",
			"burst", s.conn.opts.RateLimit.Burst,
			"interval", s.conn.opts.RateLimit.RefillInterval,
		)
		return StateActive
	}

	text := string(data)
	if _, err := s.messages.Append(ctx, s.conn.Username(), text); err != nil {
		s.err = fmt.Errorf("%w: %w", ErrStoreFailure, err)
		s.log.Error("storing message", "error", err)
		return StateClosing
	}

	s.registry.Broadcast(SendEvent(s.conn.Username(), text))
	return StateActive
}

func (s *Session) close() State {
	if s.registered {
		s.registry.Remove(s.conn)
		s.registry.Broadcast(DisconnectEvent(s.conn.Username()))
		s.log.Info("user disconnected", "connections", s.registry.Len())
	}

	_ = s.conn.Close()
	<-s.conn.Done()
	return StateClosed
}

// logReadError records why the read loop ended. Transport termination is an
// event, not an error.
func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn("message exceeded maximum size", "max_bytes", s.conn.opts.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		s.log.Info("client closed connection", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.log.Info("connection closed", "reason", err)
	default:
		s.log.Info("connection terminated", "reason", fmt.Errorf("%w: %w", ErrTransportClosed, err))
	}
}
