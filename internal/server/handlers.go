package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/groupchat/internal/auth"
	"github.com/Tyrowin/groupchat/internal/chat"
	"github.com/Tyrowin/groupchat/internal/store"
)

// User-facing notices.
const (
	msgLoginRequired  = "Log in to visit this page."
	msgLoggedIn       = "You are successfully logged into your account."
	msgRegistered     = "You have successfully registered."
	msgLoggedOut      = "You have successfully logged out of your account"
	msgUsernameTaken  = "A user with this username already exists."
	msgInvalidLogin   = "Invalid username or password."
	msgServerClosing  = "Server is shutting down."
	healthCheckOutput = "GroupChat server is running!"
)

// Dependencies are the collaborators the HTTP layer is built from.
type Dependencies struct {
	Config   *Config
	Registry *chat.Registry
	Store    store.Store
	Auth     *auth.Service
	Sessions *auth.SessionManager
	Logger   *slog.Logger
}

// Handlers serves the pages and the chat WebSocket endpoint.
type Handlers struct {
	registry *chat.Registry
	store    store.Store
	auth     *auth.Service
	sessions *auth.SessionManager
	log      *slog.Logger

	templates templates
	upgrader  websocket.Upgrader
	connOpts  chat.ConnectionOptions

	// baseCtx outlives individual requests; chat sessions run on it so that
	// Shutdown can end them all.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	closing bool
	active  sync.WaitGroup
}

// NewHandlers builds the HTTP handlers.
func NewHandlers(deps Dependencies) (*Handlers, error) {
	if deps.Config == nil {
		deps.Config = NewConfig()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	tmpl, err := parseTemplates()
	if err != nil {
		return nil, err
	}

	origins := newOriginPolicy(deps.Config.Origins(), deps.Logger)
	baseCtx, cancel := context.WithCancel(context.Background())

	return &Handlers{
		registry:  deps.Registry,
		store:     deps.Store,
		auth:      deps.Auth,
		sessions:  deps.Sessions,
		log:       deps.Logger,
		templates: tmpl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		connOpts: deps.Config.ConnectionOptions(),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}, nil
}

// Index renders the chat page: registered users newest first, message history
// oldest first.
func (h *Handlers) Index(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, sess := requestUser(ctx), requestSession(ctx)

	users, err := h.store.ListUsers(ctx, store.Descending)
	if err != nil {
		h.internalError(w, "listing users", err)
		return
	}
	messages, err := h.store.ListMessages(ctx, store.Ascending)
	if err != nil {
		h.internalError(w, "listing messages", err)
		return
	}

	data := pageData{
		Title:    "Chat",
		User:     user,
		Flashes:  sess.PopFlashes(),
		Users:    users,
		Messages: messages,
		Online:   h.registry.Usernames(),

		OnlineCounts: h.registry.ConnectionsPerUser(),
	}
	h.saveSession(w, sess)
	h.render(w, http.StatusOK, pageIndex, data)
}

// WebSocket upgrades the request and runs a chat session for the logged-in
// user until the connection ends or the server shuts down.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r.Context())

	if !h.beginSession() {
		http.Error(w, msgServerClosing, http.StatusServiceUnavailable)
		return
	}
	defer h.active.Done()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "username", user.Username, "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	conn := chat.NewConnection(ws, user.Username, h.connOpts, h.log)
	session := chat.NewSession(conn, h.registry, h.store, h.log)
	if err := session.Run(h.baseCtx); err != nil {
		h.log.Warn("chat session ended with error", "conn_id", conn.ID(), "username", user.Username, "error", err)
	}
}

// Login shows the login form and authenticates submissions.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	sess := requestSession(r.Context())

	if r.Method != http.MethodPost {
		data := pageData{Title: "Log in", Flashes: sess.PopFlashes()}
		h.saveSession(w, sess)
		h.render(w, http.StatusOK, pageLogin, data)
		return
	}

	form := auth.LoginForm{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
	}
	user, err := h.auth.Authenticate(r.Context(), form)
	if err != nil {
		data := pageData{Title: "Log in", Username: form.Username}
		var verr *auth.ValidationError
		switch {
		case errors.As(err, &verr):
			data.Errors = verr.Fields
		case errors.Is(err, auth.ErrInvalidCredentials):
			data.FormError = msgInvalidLogin
		default:
			h.internalError(w, "authenticating", err)
			return
		}
		h.render(w, http.StatusOK, pageLogin, data)
		return
	}

	sess.Login(user)
	sess.Flash(msgLoggedIn, auth.FlashSuccess)
	h.saveSession(w, sess)
	h.log.Info("user logged in", "username", user.Username)
	http.Redirect(w, r, "/", http.StatusFound)
}

// Register shows the registration form and creates accounts. Every
// successful registration is announced to all connected clients.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	sess := requestSession(r.Context())

	if r.Method != http.MethodPost {
		data := pageData{Title: "Register", Flashes: sess.PopFlashes()}
		h.saveSession(w, sess)
		h.render(w, http.StatusOK, pageRegister, data)
		return
	}

	form := auth.RegisterForm{
		Username:        r.PostFormValue("username"),
		Password:        r.PostFormValue("password"),
		PasswordConfirm: r.PostFormValue("password_confirm"),
	}
	user, err := h.auth.Register(r.Context(), form)
	if err != nil {
		data := pageData{Title: "Register", Username: form.Username}
		var verr *auth.ValidationError
		switch {
		case errors.As(err, &verr):
			data.Errors = verr.Fields
		case errors.Is(err, auth.ErrUsernameTaken):
			data.Errors = map[string]string{"Username": msgUsernameTaken}
		default:
			h.internalError(w, "registering user", err)
			return
		}
		h.render(w, http.StatusOK, pageRegister, data)
		return
	}

	delivered := h.registry.Broadcast(chat.RegisterEvent(user.Username))
	h.log.Info("registration announced", "username", user.Username, "delivered", delivered)

	sess.Flash(msgRegistered, auth.FlashSuccess)
	h.saveSession(w, sess)
	http.Redirect(w, r, "/login/", http.StatusFound)
}

// Logout ends the browser session.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	sess := requestSession(r.Context())
	user := requestUser(r.Context())

	sess.Logout()
	sess.Flash(msgLoggedOut, auth.FlashSuccess)
	h.saveSession(w, sess)
	h.log.Info("user logged out", "username", user.Username)
	http.Redirect(w, r, "/login/", http.StatusFound)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (h *Handlers) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, healthCheckOutput)
}

// Shutdown closes every chat connection and waits for their sessions to
// finish, or for ctx to expire. New WebSocket requests are refused from the
// moment it is called.
func (h *Handlers) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	h.cancel()
	closed := h.registry.CloseAll()
	h.log.Info("closing chat connections", "count", closed)

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for chat sessions: %w", ctx.Err())
	}
}

func (h *Handlers) beginSession() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.active.Add(1)
	return true
}

func (h *Handlers) render(w http.ResponseWriter, status int, page string, data pageData) {
	if err := h.templates.render(w, status, page, data); err != nil {
		h.internalError(w, "rendering page", err)
	}
}

func (h *Handlers) saveSession(w http.ResponseWriter, sess *auth.Session) {
	if err := h.sessions.Save(w, sess); err != nil {
		h.log.Error("saving session", "error", err)
	}
}

func (h *Handlers) internalError(w http.ResponseWriter, op string, err error) {
	h.log.Error(op, "error", err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}
