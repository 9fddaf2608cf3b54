package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/groupchat/internal/auth"
	"github.com/Tyrowin/groupchat/internal/chat"
	"github.com/Tyrowin/groupchat/internal/store"
)

type ctxKey int

const (
	userKey ctxKey = iota
	sessionKey
)

func withRequestState(ctx context.Context, user *store.User, sess *auth.Session) context.Context {
	ctx = context.WithValue(ctx, sessionKey, sess)
	if user != nil {
		ctx = context.WithValue(ctx, userKey, user)
	}
	return ctx
}

// requestUser returns the user resolved by requireLogin.
func requestUser(ctx context.Context) *store.User {
	user, _ := ctx.Value(userKey).(*store.User)
	return user
}

// requestSession returns the browser session loaded by a gate. It never
// returns nil.
func requestSession(ctx context.Context) *auth.Session {
	if sess, ok := ctx.Value(sessionKey).(*auth.Session); ok {
		return sess
	}
	return &auth.Session{}
}

// requireLogin admits only requests whose session resolves to a user.
// Anonymous page requests are redirected to the login page with a notice;
// anonymous WebSocket upgrades are refused with 401 before any upgrade.
func (h *Handlers) requireLogin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := h.sessions.Load(r)
		user, err := h.auth.CurrentUser(r.Context(), sess)
		if err != nil {
			if !errors.Is(err, auth.ErrNotLoggedIn) {
				h.internalError(w, "resolving current user", err)
				return
			}

			if websocket.IsWebSocketUpgrade(r) {
				h.log.Info("rejected websocket upgrade", "remote_addr", r.RemoteAddr, "error", chat.ErrUnauthenticated)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			sess.Logout()
			sess.Flash(msgLoginRequired, auth.FlashDanger)
			h.saveSession(w, sess)
			http.Redirect(w, r, "/login/", http.StatusFound)
			return
		}

		next(w, r.WithContext(withRequestState(r.Context(), user, sess)))
	}
}

// requireLogout sends already logged-in visitors to the chat page.
func (h *Handlers) requireLogout(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := h.sessions.Load(r)
		if sess.IsAuthenticated() {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		next(w, r.WithContext(withRequestState(r.Context(), nil, sess)))
	}
}
