//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks

// Package store defines the durable records of the chat and the ports the
// rest of the application uses to read and write them.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a user lookup matches nothing.
	ErrNotFound = errors.New("store: not found")
	// ErrUserExists is returned when creating a user whose username is taken.
	ErrUserExists = errors.New("store: username already exists")
	// ErrEmptyUsername is returned when creating a user without a username.
	ErrEmptyUsername = errors.New("store: empty username")
	// ErrEmptyText is returned when appending a message without text.
	ErrEmptyText = errors.New("store: empty message text")
	// ErrUnknownAuthor is returned when a message author is not a known user.
	ErrUnknownAuthor = errors.New("store: unknown message author")
)

// Order selects the creation-time ordering of list results.
type Order int

// List orderings.
const (
	Ascending Order = iota
	Descending
)

// User is a registered account. It is never mutated after creation.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Message is one chat line. CreatedAt is assigned by the store at write time.
type Message struct {
	ID             string
	AuthorUsername string
	Text           string
	CreatedAt      time.Time
}

// UserStore persists users.
type UserStore interface {
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	Create(ctx context.Context, username, passwordHash string) (*User, error)
	ListUsers(ctx context.Context, order Order) ([]User, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	Append(ctx context.Context, authorUsername, text string) (*Message, error)
	ListMessages(ctx context.Context, order Order) ([]Message, error)
}

// Store is a complete backend.
type Store interface {
	UserStore
	MessageStore
	Close() error
}
