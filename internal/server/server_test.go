package server_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/groupchat/internal/auth"
	"github.com/Tyrowin/groupchat/internal/chat"
	"github.com/Tyrowin/groupchat/internal/server"
	"github.com/Tyrowin/groupchat/internal/store/kvstore"
	"github.com/Tyrowin/groupchat/test/testhelpers"
)

const (
	eventTimeout   = 2 * time.Second
	silenceTimeout = 200 * time.Millisecond
	testPassword   = "secret1"
)

type testApp struct {
	server   *httptest.Server
	handlers *server.Handlers
	registry *chat.Registry
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	st, err := kvstore.Open("", logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = st.Close()
	})

	cfg := server.NewConfig()
	cfg.SecretKey = "test-secret"

	registry := chat.NewRegistry(logger)
	handlers, err := server.NewHandlers(server.Dependencies{
		Config:   cfg,
		Registry: registry,
		Store:    st,
		Auth:     auth.NewService(st, auth.NewPasswordHasher(bcrypt.MinCost), logger),
		Sessions: auth.NewSessionManager(auth.SessionConfig{Secret: cfg.SecretKey, TTL: time.Hour}),
		Logger:   logger,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.SetupRoutes(handlers))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = handlers.Shutdown(ctx)
		ts.Close()
	})

	return &testApp{server: ts, handlers: handlers, registry: registry}
}

// loggedIn registers username and returns a browser logged in as it.
func (a *testApp) loggedIn(t *testing.T, username string) *http.Client {
	t.Helper()
	browser := testhelpers.NewBrowser(t)
	testhelpers.Register(t, browser, a.server.URL, username, testPassword)
	testhelpers.Login(t, browser, a.server.URL, username, testPassword)
	return browser
}

// connect opens a chat connection for browser and consumes its own connect event.
func (a *testApp) connect(t *testing.T, browser *http.Client, username string) *websocket.Conn {
	t.Helper()
	conn, _, err := testhelpers.ConnectWebSocket(a.server.URL, browser)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	require.Equal(t, chat.ConnectEvent(username), testhelpers.ReceiveEvent(t, conn, eventTimeout))
	return conn
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

// TestChatEndToEnd tests two users chatting over real WebSockets.
// It verifies join, message and leave events reach every live connection,
// that empty frames are ignored and that nobody receives their own leave.
func TestChatEndToEnd(t *testing.T) {
	req := require.New(t)
	app := newTestApp(t)

	alice := app.connect(t, app.loggedIn(t, "alice"), "alice")
	// Registering bob while alice is online announces him before he joins.
	bobBrowser := app.loggedIn(t, "bob")
	req.Equal(chat.RegisterEvent("bob"), testhelpers.ReceiveEvent(t, alice, eventTimeout))

	bob := app.connect(t, bobBrowser, "bob")
	req.Equal(chat.ConnectEvent("bob"), testhelpers.ReceiveEvent(t, alice, eventTimeout))

	req.NoError(testhelpers.SendText(alice, ""))
	req.NoError(testhelpers.SendText(alice, "hello"))

	want := chat.SendEvent("alice", "hello")
	req.Equal(want, testhelpers.ReceiveEvent(t, alice, eventTimeout))
	req.Equal(want, testhelpers.ReceiveEvent(t, bob, eventTimeout))

	req.NoError(testhelpers.CloseWebSocket(alice))
	req.Equal(chat.DisconnectEvent("alice"), testhelpers.ReceiveEvent(t, bob, eventTimeout))
	testhelpers.ExpectNoEvent(t, bob, silenceTimeout)

	req.Eventually(func() bool { return app.registry.Len() == 1 }, eventTimeout, 10*time.Millisecond)
}

// TestChatMessagePersisted tests that a relayed message shows up in the
// history rendered on the index page.
func TestChatMessagePersisted(t *testing.T) {
	req := require.New(t)
	app := newTestApp(t)
	browser := app.loggedIn(t, "alice")
	conn := app.connect(t, browser, "alice")

	req.NoError(testhelpers.SendText(conn, "remember me"))
	req.Equal(chat.SendEvent("alice", "remember me"), testhelpers.ReceiveEvent(t, conn, eventTimeout))

	body := readBody(t, testhelpers.MakeRequest(t, browser, http.MethodGet, app.server.URL+"/"))
	req.Contains(body, "alice: remember me")
}

// TestWebSocketRequiresLogin tests that an anonymous upgrade is refused with
// 401 and never reaches the registry.
func TestWebSocketRequiresLogin(t *testing.T) {
	req := require.New(t)
	app := newTestApp(t)

	_, resp, err := testhelpers.ConnectWebSocket(app.server.URL, testhelpers.NewBrowser(t))
	req.ErrorIs(err, websocket.ErrBadHandshake)
	req.NotNil(resp)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
	req.Equal(0, app.registry.Len())
}

// TestWebSocketRejectsForeignOrigin tests the origin allowlist on upgrade.
func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	req := require.New(t)
	app := newTestApp(t)
	browser := app.loggedIn(t, "alice")

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second, Jar: browser.Jar}
	headers := http.Header{}
	headers.Set("Origin", "http://evil.example")

	_, resp, err := dialer.Dial(testhelpers.WebSocketURL(app.server.URL), headers)
	req.ErrorIs(err, websocket.ErrBadHandshake)
	req.NotNil(resp)
	_ = resp.Body.Close()
	req.Equal(http.StatusForbidden, resp.StatusCode)
	req.Equal(0, app.registry.Len())
}

// TestRegisterBroadcasts tests that a registration is announced to connected
// users, and that a duplicate registration is not.
func TestRegisterBroadcasts(t *testing.T) {
	req := require.New(t)
	app := newTestApp(t)
	alice := app.connect(t, app.loggedIn(t, "alice"), "alice")

	testhelpers.Register(t, testhelpers.NewBrowser(t), app.server.URL, "carol", testPassword)
	req.Equal(chat.RegisterEvent("carol"), testhelpers.ReceiveEvent(t, alice, eventTimeout))

	resp := testhelpers.PostForm(t, testhelpers.NewBrowser(t), app.server.URL+"/register/", url.Values{
		"username":         {"carol"},
		"password":         {testPassword},
		"password_confirm": {testPassword},
	})
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Contains(readBody(t, resp), "A user with this username already exists.")
	testhelpers.ExpectNoEvent(t, alice, silenceTimeout)
}

// TestLoginRequiredRedirect tests that anonymous page requests are sent to
// the login page with a notice.
func TestLoginRequiredRedirect(t *testing.T) {
	req := require.New(t)
	app := newTestApp(t)
	browser := testhelpers.NewBrowser(t)

	resp := testhelpers.MakeRequest(t, browser, http.MethodGet, app.server.URL+"/")
	_ = resp.Body.Close()
	req.Equal(http.StatusFound, resp.StatusCode)
	req.Equal("/login/", resp.Header.Get("Location"))

	body := readBody(t, testhelpers.MakeRequest(t, browser, http.MethodGet, app.server.URL+"/login/"))
	req.Contains(body, "Log in to visit this page.")
	req.Contains(body, "flash-danger")
}

// TestLoginFlow tests invalid credentials, the logout-only gate and logout.
func TestLoginFlow(t *testing.T) {
	req := require.New(t)
	app := newTestApp(t)
	browser := testhelpers.NewBrowser(t)
	testhelpers.Register(t, browser, app.server.URL, "alice", testPassword)

	body := readBody(t, testhelpers.MakeRequest(t, browser, http.MethodGet, app.server.URL+"/login/"))
	req.Contains(body, "You have successfully registered.")

	resp := testhelpers.PostForm(t, browser, app.server.URL+"/login/", url.Values{
		"username": {"alice"},
		"password": {"wrong-password"},
	})
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Contains(readBody(t, resp), "Invalid username or password.")

	testhelpers.Login(t, browser, app.server.URL, "alice", testPassword)

	body = readBody(t, testhelpers.MakeRequest(t, browser, http.MethodGet, app.server.URL+"/"))
	req.Contains(body, "You are successfully logged into your account.")

	resp = testhelpers.MakeRequest(t, browser, http.MethodGet, app.server.URL+"/register/")
	_ = resp.Body.Close()
	req.Equal(http.StatusFound, resp.StatusCode)
	req.Equal("/", resp.Header.Get("Location"))

	resp = testhelpers.MakeRequest(t, browser, http.MethodGet, app.server.URL+"/logout/")
	_ = resp.Body.Close()
	req.Equal(http.StatusFound, resp.StatusCode)
	req.Equal("/login/", resp.Header.Get("Location"))

	body = readBody(t, testhelpers.MakeRequest(t, browser, http.MethodGet, app.server.URL+"/login/"))
	req.Contains(body, "You have successfully logged out of your account")

	resp = testhelpers.MakeRequest(t, browser, http.MethodGet, app.server.URL+"/")
	_ = resp.Body.Close()
	req.Equal(http.StatusFound, resp.StatusCode)
}

// TestIndexListsUsersNewestFirst tests the registered users list order.
func TestIndexListsUsersNewestFirst(t *testing.T) {
	req := require.New(t)
	app := newTestApp(t)
	testhelpers.Register(t, testhelpers.NewBrowser(t), app.server.URL, "alice", testPassword)
	browser := app.loggedIn(t, "bob")

	body := readBody(t, testhelpers.MakeRequest(t, browser, http.MethodGet, app.server.URL+"/"))
	req.Contains(body, `<span id="registered-users">bob, alice</span>`)
}

// TestIndexSeedsOnlineUsers tests that the chat page carries the online
// users both as text and as per-user connection counts for the page script.
func TestIndexSeedsOnlineUsers(t *testing.T) {
	req := require.New(t)
	app := newTestApp(t)
	browser := app.loggedIn(t, "alice")
	app.connect(t, browser, "alice")
	app.connect(t, browser, "alice")

	body := readBody(t, testhelpers.MakeRequest(t, browser, http.MethodGet, app.server.URL+"/"))
	req.Contains(body, `<span id="online-users">alice</span>`)
	req.Contains(body, `{"alice":2}`)
}

// TestHealthHandler tests the health endpoint needs no session.
func TestHealthHandler(t *testing.T) {
	req := require.New(t)
	app := newTestApp(t)

	resp := testhelpers.MakeRequest(t, testhelpers.NewBrowser(t), http.MethodGet, app.server.URL+"/health")
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("text/plain", resp.Header.Get("Content-Type"))
	req.Equal("GroupChat server is running!", readBody(t, resp))
}

// TestShutdownClosesConnections tests that Shutdown ends every chat
// connection and refuses new ones.
func TestShutdownClosesConnections(t *testing.T) {
	req := require.New(t)
	app := newTestApp(t)
	browser := app.loggedIn(t, "alice")
	conn := app.connect(t, browser, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req.NoError(app.handlers.Shutdown(ctx))
	req.Equal(0, app.registry.Len())

	req.NoError(conn.SetReadDeadline(time.Now().Add(eventTimeout)))
	_, _, err := conn.ReadMessage()
	req.True(websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	_, resp, err := testhelpers.ConnectWebSocket(app.server.URL, browser)
	req.Error(err)
	req.NotNil(resp)
	req.Equal(http.StatusServiceUnavailable, resp.StatusCode)
}

// TestUnknownRoute tests that paths outside the route table are not served
// by the chat page.
func TestUnknownRoute(t *testing.T) {
	app := newTestApp(t)
	resp := testhelpers.MakeRequest(t, testhelpers.NewBrowser(t), http.MethodGet, app.server.URL+"/nope")
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.False(t, strings.HasPrefix(resp.Header.Get("Location"), "/login/"))
}
