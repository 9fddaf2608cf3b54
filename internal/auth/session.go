package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/groupchat/internal/store"
)

// Flash categories rendered by the templates.
const (
	FlashSuccess = "success"
	FlashDanger  = "danger"
)

// DefaultCookieName names the session cookie when none is configured.
const DefaultCookieName = "groupchat_session"

var (
	// ErrInvalidSession is returned when a session cookie fails verification.
	ErrInvalidSession = errors.New("invalid session")
)

// Flash is a one-shot notice shown on the next rendered page.
type Flash struct {
	Text     string `json:"text"`
	Category string `json:"category"`
}

// Session is the per-browser state carried between requests: the logged-in
// user, if any, and pending flashes.
type Session struct {
	UserID  string  `json:"user_id,omitempty"`
	Flashes []Flash `json:"flashes,omitempty"`
}

// Login binds user to the session.
func (s *Session) Login(user *store.User) {
	s.UserID = user.ID
}

// Logout removes the user binding. Pending flashes are kept.
func (s *Session) Logout() {
	s.UserID = ""
}

// IsAuthenticated reports whether a user is bound to the session.
func (s *Session) IsAuthenticated() bool {
	return s.UserID != ""
}

// Flash queues a notice for the next rendered page.
func (s *Session) Flash(text, category string) {
	s.Flashes = append(s.Flashes, Flash{Text: text, Category: category})
}

// PopFlashes returns the pending flashes and clears them.
func (s *Session) PopFlashes() []Flash {
	flashes := s.Flashes
	s.Flashes = nil
	return flashes
}

func (s *Session) empty() bool {
	return s.UserID == "" && len(s.Flashes) == 0
}

// SessionConfig configures the cookie session manager.
type SessionConfig struct {
	Secret     string
	TTL        time.Duration
	CookieName string
	Secure     bool
}

type sessionClaims struct {
	UserID  string  `json:"user_id,omitempty"`
	Flashes []Flash `json:"flashes,omitempty"`
	jwt.RegisteredClaims
}

// SessionManager stores sessions client side in an HS256-signed cookie.
type SessionManager struct {
	config SessionConfig
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(config SessionConfig) *SessionManager {
	if config.CookieName == "" {
		config.CookieName = DefaultCookieName
	}
	if config.TTL <= 0 {
		config.TTL = 7 * 24 * time.Hour
	}
	return &SessionManager{config: config}
}

// CookieName returns the name of the session cookie.
func (m *SessionManager) CookieName() string {
	return m.config.CookieName
}

// Load returns the session carried by r. A missing, tampered or expired
// cookie yields an empty session.
func (m *SessionManager) Load(r *http.Request) *Session {
	cookie, err := r.Cookie(m.config.CookieName)
	if err != nil {
		return &Session{}
	}
	s, err := m.Decode(cookie.Value)
	if err != nil {
		return &Session{}
	}
	return s
}

// Save writes s to w. An empty session clears the cookie.
func (m *SessionManager) Save(w http.ResponseWriter, s *Session) error {
	if s.empty() {
		http.SetCookie(w, m.cookie("", -1))
		return nil
	}

	value, err := m.Encode(s)
	if err != nil {
		return err
	}
	http.SetCookie(w, m.cookie(value, int(m.config.TTL.Seconds())))
	return nil
}

// Encode signs s into a token.
func (m *SessionManager) Encode(s *Session) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		UserID:  s.UserID,
		Flashes: s.Flashes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "groupchat",
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.config.Secret))
}

// Decode verifies a token produced by Encode.
func (m *SessionManager) Decode(value string) (*Session, error) {
	token, err := jwt.ParseWithClaims(value, &sessionClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSession
		}
		return []byte(m.config.Secret), nil
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidSession, err)
	}

	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidSession
	}
	return &Session{UserID: claims.UserID, Flashes: claims.Flashes}, nil
}

func (m *SessionManager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     m.config.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.config.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
