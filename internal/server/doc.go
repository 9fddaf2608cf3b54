// Package server exposes the chat over HTTP.
//
// The implementation is organized into specialized files for configuration,
// logging, the origin allowlist, login gates, page and WebSocket handlers,
// templates, routing and the http.Server lifecycle. Chat semantics live in
// package chat; this package only authenticates requests, upgrades them and
// hands each connection to a chat.Session.
package server
