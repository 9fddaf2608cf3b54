// Package testhelpers provides common utilities for testing the GroupChat server.
//
// It covers browser-like HTTP clients with a cookie jar, account helpers that
// drive the register and login forms, and WebSocket helpers that dial with
// the client's session and read chat events.
package testhelpers

import (
	"errors"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/groupchat/internal/chat"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8080"

// NewBrowser returns an HTTP client with its own cookie jar. Redirects are
// not followed so tests can assert on them.
func NewBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar:     jar,
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// MakeRequest executes a request with client and fails the test on transport errors.
func MakeRequest(t *testing.T, client *http.Client, method, target string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, target, http.NoBody)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

// PostForm submits form values to target with client.
func PostForm(t *testing.T, client *http.Client, target string, values url.Values) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

// Register submits the registration form and requires the redirect to the
// login page.
func Register(t *testing.T, client *http.Client, baseURL, username, password string) {
	t.Helper()
	resp := PostForm(t, client, baseURL+"/register/", url.Values{
		"username":         {username},
		"password":         {password},
		"password_confirm": {password},
	})
	_ = resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/login/", resp.Header.Get("Location"))
}

// Login submits the login form and requires the redirect to the chat page.
func Login(t *testing.T, client *http.Client, baseURL, username, password string) {
	t.Helper()
	resp := PostForm(t, client, baseURL+"/login/", url.Values{
		"username": {username},
		"password": {password},
	})
	_ = resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("Location"))
}

// WebSocketURL converts an http(s) base URL into the chat endpoint URL.
func WebSocketURL(baseURL string) string {
	return "ws" + strings.TrimPrefix(baseURL, "http") + "/ws/"
}

// ConnectWebSocket dials the chat endpoint carrying client's cookies. The
// handshake response is returned for status assertions when dialing fails.
func ConnectWebSocket(baseURL string, client *http.Client) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	if client != nil {
		dialer.Jar = client.Jar
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(WebSocketURL(baseURL), headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// ReceiveEvent reads the next chat event, failing the test after timeout.
func ReceiveEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) chat.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)
	ev, err := chat.DecodeEvent(data)
	require.NoError(t, err)
	return ev
}

// ExpectNoEvent requires that nothing arrives on conn within timeout.
func ExpectNoEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected message: %s", data)

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("unexpected error while waiting for absence of message: %v", err)
}

// SendText sends a raw text frame.
func SendText(conn *websocket.Conn, text string) error {
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
