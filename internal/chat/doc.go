// Package chat implements the connection registry and broadcast fan-out
// engine of the group chat.
//
// A Connection wraps one live WebSocket and owns the only goroutine that
// writes to it. The Registry tracks every live Connection and fans events out
// to all of them, evicting the ones that fail without interrupting delivery to
// the rest. A Session drives one Connection through its lifecycle: it
// registers the connection, relays inbound text to the message store and then
// to the Registry, and deregisters the connection when the transport closes.
package chat
