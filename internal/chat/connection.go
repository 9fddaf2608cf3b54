package chat

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Socket is the part of *websocket.Conn a Connection relies on.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ConnectionOptions tune the transport behavior of a single connection.
type ConnectionOptions struct {
	// MaxMessageSize caps inbound frames; larger frames close the connection.
	MaxMessageSize int64
	// SendBuffer is the number of outbound frames queued before the
	// connection is considered a stalled consumer.
	SendBuffer int
	// WriteTimeout bounds every individual frame write.
	WriteTimeout time.Duration
	// PongWait is how long the connection may stay silent before the read
	// fails. Pings are sent at 9/10 of this period.
	PongWait  time.Duration
	RateLimit RateLimit
}

// DefaultConnectionOptions returns the options used when none are configured.
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		MaxMessageSize: 4096,
		SendBuffer:     256,
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		RateLimit: RateLimit{
			Burst:          5,
			RefillInterval: time.Second,
		},
	}
}

func (o ConnectionOptions) sanitize() ConnectionOptions {
	def := DefaultConnectionOptions()
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = def.MaxMessageSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = def.SendBuffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.PongWait <= 0 {
		o.PongWait = def.PongWait
	}
	if o.RateLimit.Burst <= 0 {
		o.RateLimit.Burst = def.RateLimit.Burst
	}
	if o.RateLimit.RefillInterval <= 0 {
		o.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	return o
}

// Connection is one live WebSocket bound to an authenticated user.
//
// Outbound frames go through a bounded queue drained by a single write pump,
// so Send never blocks and writes to the socket are never concurrent. A
// connection that fails a send is dead for the rest of its life.
type Connection struct {
	id       string
	username string
	sock     Socket
	opts     ConnectionOptions
	limiter  *rate.Limiter
	log      *slog.Logger

	mu        sync.Mutex
	send      chan []byte
	alive     bool
	started   bool
	closeCode int

	closeSocketOnce sync.Once
	done            chan struct{}
}

// NewConnection wraps sock for username. The write pump does not run until
// Start is called.
func NewConnection(sock Socket, username string, opts ConnectionOptions, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.sanitize()
	id := uuid.NewString()

	return &Connection{
		id:       id,
		username: username,
		sock:     sock,
		opts:     opts,
		limiter:  newRateLimiter(opts.RateLimit),
		log:      logger.With("conn_id", id, "username", username),
		send:     make(chan []byte, opts.SendBuffer),
		alive:    true,
		done:     make(chan struct{}),

		closeCode: websocket.CloseNormalClosure,
	}
}

// ID returns the unique identifier of this connection.
func (c *Connection) ID() string {
	return c.id
}

// Username returns the user bound to this connection.
func (c *Connection) Username() string {
	return c.username
}

// Alive reports whether the connection can still accept frames.
func (c *Connection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// Done is closed once the connection has released its socket.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Start configures the read side and launches the write pump. It is a no-op
// on a connection that is already started or closed.
func (c *Connection) Start() {
	c.mu.Lock()
	if c.started || !c.alive {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.setupReadConnection()
	go c.writePump()
}

// Send queues payload for delivery. It fails with ErrSendFailure when the
// connection is already dead or its queue is full; a full queue also closes
// the connection.
func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrSendFailure, ErrConnectionClosed)
	}
	select {
	case c.send <- payload:
		c.mu.Unlock()
		return nil
	default:
	}
	c.mu.Unlock()

	_ = c.Close()
	return fmt.Errorf("%w: %w", ErrSendFailure, ErrSendBufferFull)
}

// Close marks the connection dead. Queued frames are flushed, a close frame
// is written and the socket is released by the write pump, which in turn
// unblocks any pending Receive. Close is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return nil
	}
	c.alive = false
	close(c.send)
	started := c.started
	c.mu.Unlock()

	if !started {
		c.closeSocket()
		close(c.done)
	}
	return nil
}

// closeWithCode closes the connection announcing code in the close frame
// instead of a normal closure.
func (c *Connection) closeWithCode(code int) error {
	c.mu.Lock()
	if c.alive {
		c.closeCode = code
	}
	c.mu.Unlock()
	return c.Close()
}

// Receive blocks until the next inbound frame arrives or the transport fails.
// Only the owning session may call it.
func (c *Connection) Receive() (int, []byte, error) {
	return c.sock.ReadMessage()
}

func (c *Connection) allowInbound() bool {
	return c.limiter.Allow()
}

// markDead is used by the write pump after a failed write.
func (c *Connection) markDead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alive {
		c.alive = false
		close(c.send)
	}
}

// setupReadConnection configures the read limit, read deadline and pong handler.
func (c *Connection) setupReadConnection() {
	c.sock.SetReadLimit(c.opts.MaxMessageSize)
	if err := c.sock.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		c.log.Warn("setting initial read deadline", "error", err)
	}
	c.sock.SetPongHandler(func(string) error {
		if err := c.sock.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
			c.log.Warn("setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

func (c *Connection) pingPeriod() time.Duration {
	return c.opts.PongWait * 9 / 10
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.pingPeriod())
	defer func() {
		ticker.Stop()
		c.markDead()
		c.closeSocket()
		close(c.done)
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop.
func (c *Connection) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case payload, ok := <-c.send:
		if !ok {
			c.writeCloseMessage()
			return false
		}
		return c.writeFrame(websocket.TextMessage, payload)
	case <-ticker.C:
		return c.writeFrame(websocket.PingMessage, nil)
	}
}

func (c *Connection) writeFrame(messageType int, payload []byte) bool {
	if err := c.sock.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		c.log.Warn("setting write deadline", "error", err)
		return false
	}
	if err := c.sock.WriteMessage(messageType, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("writing frame", "error", err)
		}
		return false
	}
	return true
}

func (c *Connection) writeCloseMessage() {
	if err := c.sock.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return
	}
	c.mu.Lock()
	code := c.closeCode
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, "")
	if err := c.sock.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("writing close message", "error", err)
	}
}

func (c *Connection) closeSocket() {
	c.closeSocketOnce.Do(func() {
		if err := c.sock.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("closing socket", "error", err)
		}
	})
}
