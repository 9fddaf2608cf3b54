package chat

import (
	"errors"
	"strings"
)

var (
	// ErrUnauthenticated is returned when a connection attempt has no valid session.
	ErrUnauthenticated = errors.New("chat: unauthenticated")
	// ErrDuplicateConnection is returned when a connection is registered twice.
	ErrDuplicateConnection = errors.New("chat: connection already registered")
	// ErrNilPeer is returned when registering a nil peer.
	ErrNilPeer = errors.New("chat: nil peer")
	// ErrSendFailure wraps every failed delivery to a single connection.
	ErrSendFailure = errors.New("chat: send failed")
	// ErrStoreFailure wraps message store errors that end a session.
	ErrStoreFailure = errors.New("chat: message store failure")
	// ErrTransportClosed marks a normal or abnormal end of the underlying channel.
	ErrTransportClosed = errors.New("chat: transport closed")
	// ErrConnectionClosed is returned when sending to a dead connection.
	ErrConnectionClosed = errors.New("chat: connection closed")
	// ErrSendBufferFull is returned when a slow consumer's queue overflows.
	ErrSendBufferFull = errors.New("chat: send buffer full")
	// ErrUnknownAction is returned when decoding an event with an unknown action.
	ErrUnknownAction = errors.New("chat: unknown event action")
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
