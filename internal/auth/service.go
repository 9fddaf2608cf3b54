// Package auth covers accounts and browser sessions: password hashing, the
// signed session cookie with its flash queue, form validation, and the
// register/login/current-user operations on top of a store.UserStore.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Tyrowin/groupchat/internal/store"
)

var (
	// ErrInvalidCredentials is returned when a login does not match any user.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrUsernameTaken is returned when registering an existing username.
	ErrUsernameTaken = errors.New("a user with this username already exists")
	// ErrNotLoggedIn is returned when a session carries no valid user.
	ErrNotLoggedIn = errors.New("not logged in")
)

// Service implements account operations.
type Service struct {
	users  store.UserStore
	hasher *PasswordHasher
	log    *slog.Logger
}

// NewService creates a Service.
func NewService(users store.UserStore, hasher *PasswordHasher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{users: users, hasher: hasher, log: logger}
}

// Register validates form and creates the user. On ErrUsernameTaken or a
// validation error no user is created.
func (s *Service) Register(ctx context.Context, form RegisterForm) (*store.User, error) {
	if err := Validate(form); err != nil {
		return nil, err
	}

	_, err := s.users.GetByUsername(ctx, form.Username)
	switch {
	case err == nil:
		return nil, ErrUsernameTaken
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("looking up username: %w", err)
	}

	hash, err := s.hasher.Hash(form.Password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user, err := s.users.Create(ctx, form.Username, hash)
	if err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	s.log.Info("user registered", "username", user.Username, "user_id", user.ID)
	return user, nil
}

// Authenticate checks form against the stored credentials.
func (s *Service) Authenticate(ctx context.Context, form LoginForm) (*store.User, error) {
	if err := Validate(form); err != nil {
		return nil, err
	}

	user, err := s.users.GetByUsername(ctx, form.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	if !s.hasher.Verify(form.Password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// CurrentUser resolves the user bound to sess. A session pointing at a user
// that no longer exists is treated as logged out.
func (s *Service) CurrentUser(ctx context.Context, sess *Session) (*store.User, error) {
	if sess == nil || !sess.IsAuthenticated() {
		return nil, ErrNotLoggedIn
	}

	user, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotLoggedIn
		}
		return nil, fmt.Errorf("resolving current user: %w", err)
	}
	return user, nil
}
