package chat

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var errSocketClosed = errors.New("use of closed network connection")

type inbound struct {
	messageType int
	data        []byte
	err         error
}

// fakeSocket is an in-memory Socket. Inbound frames are queued with push;
// outbound text frames are recorded in order.
type fakeSocket struct {
	reads     chan inbound
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	written   [][]byte
	closeMsg  bool
	closeCode int
	writeErr  error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		reads:  make(chan inbound, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) push(messageType int, data string) {
	s.reads <- inbound{messageType: messageType, data: []byte(data)}
}

func (s *fakeSocket) pushText(data string) {
	s.push(websocket.TextMessage, data)
}

func (s *fakeSocket) pushClose() {
	s.reads <- inbound{err: &websocket.CloseError{Code: websocket.CloseNormalClosure}}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case in := <-s.reads:
		return in.messageType, in.data, in.err
	case <-s.closed:
		return 0, nil, io.EOF
	}
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	select {
	case <-s.closed:
		return errSocketClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	switch messageType {
	case websocket.TextMessage:
		s.written = append(s.written, append([]byte(nil), data...))
	case websocket.CloseMessage:
		s.closeMsg = true
		if len(data) >= 2 {
			s.closeCode = int(binary.BigEndian.Uint16(data))
		}
	}
	return nil
}

func (s *fakeSocket) SetReadLimit(int64) {}
func (s *fakeSocket) SetReadDeadline(time.Time) error { return nil }
func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }
func (s *fakeSocket) SetPongHandler(func(appData string) error) {}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) sentCloseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

func (s *fakeSocket) events(t *testing.T) []Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]Event, 0, len(s.written))
	for _, payload := range s.written {
		ev, err := DecodeEvent(payload)
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

// fakePeer is a Peer that records payloads and can be told to fail.
type fakePeer struct {
	id       string
	username string

	mu       sync.Mutex
	received [][]byte
	sendErr  error
	closed   bool
}

func newFakePeer(id, username string) *fakePeer {
	return &fakePeer{id: id, username: username}
}

func (p *fakePeer) ID() string       { return p.id }
func (p *fakePeer) Username() string { return p.username }

func (p *fakePeer) Send(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.received = append(p.received, payload)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) events(t *testing.T) []Event {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	events := make([]Event, 0, len(p.received))
	for _, payload := range p.received {
		ev, err := DecodeEvent(payload)
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
