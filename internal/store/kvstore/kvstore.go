// Package kvstore implements store.Store on an embedded Badger database.
//
// Keys:
//
//	user:name:{username}            -> JSON user record
//	user:id:{id}                    -> username
//	msg:{unix_nano_padded}:{uuid}   -> JSON message record
//
// The 19-digit zero padding keeps message keys in chronological order under
// Badger's lexicographic iteration.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/Tyrowin/groupchat/internal/store"
)

const (
	userNamePrefix = "user:name:"
	userIDPrefix   = "user:id:"
	messagePrefix  = "msg:"
)

type userRecord struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

type messageRecord struct {
	ID             string    `json:"id"`
	AuthorUsername string    `json:"author_username"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store is a Badger-backed store.Store.
type Store struct {
	db  *badger.DB
	log *slog.Logger

	// clockMu guards last so that timestamps handed out by now are strictly
	// increasing, even when the wall clock stalls or steps back.
	clockMu sync.Mutex
	last    time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the Badger database in dir. An empty dir opens an
// in-memory database.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", dir, err)
	}
	logger.Debug("badger store opened", "dir", dir, "in_memory", dir == "")
	return &Store{db: db, log: logger}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	t := time.Now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

// GetByUsername finds a user by username.
func (s *Store) GetByUsername(_ context.Context, username string) (*store.User, error) {
	var rec userRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(userNamePrefix+username), &rec)
	})
	if err != nil {
		return nil, err
	}
	user := toUser(rec)
	return &user, nil
}

// GetByID finds a user by ID.
func (s *Store) GetByID(_ context.Context, id string) (*store.User, error) {
	var rec userRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(userIDPrefix + id))
		if err != nil {
			return notFound(err)
		}
		username, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, []byte(userNamePrefix+string(username)), &rec)
	})
	if err != nil {
		return nil, err
	}
	user := toUser(rec)
	return &user, nil
}

// Create inserts a new user. It fails with store.ErrUserExists when the
// username is taken.
func (s *Store) Create(_ context.Context, username, passwordHash string) (*store.User, error) {
	if username == "" {
		return nil, store.ErrEmptyUsername
	}

	rec := userRecord{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    s.now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal user: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		nameKey := []byte(userNamePrefix + username)
		if _, err := txn.Get(nameKey); err == nil {
			return store.ErrUserExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(nameKey, data); err != nil {
			return err
		}
		return txn.Set([]byte(userIDPrefix+rec.ID), []byte(username))
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent transaction wrote the same username first.
		return nil, store.ErrUserExists
	}
	if err != nil {
		return nil, err
	}

	user := toUser(rec)
	return &user, nil
}

// ListUsers returns every user ordered by creation time.
func (s *Store) ListUsers(_ context.Context, order store.Order) ([]store.User, error) {
	var users []store.User
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(userNamePrefix), false, func(val []byte) error {
			var rec userRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			users = append(users, toUser(rec))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(users, func(a, b store.User) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if order == store.Descending {
		slices.Reverse(users)
	}
	return users, nil
}

// Append records a message written by authorUsername.
func (s *Store) Append(_ context.Context, authorUsername, text string) (*store.Message, error) {
	if text == "" {
		return nil, store.ErrEmptyText
	}

	var rec messageRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(userNamePrefix + authorUsername)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrUnknownAuthor
			}
			return err
		}

		rec = messageRecord{
			ID:             uuid.NewString(),
			AuthorUsername: authorUsername,
			Text:           text,
			CreatedAt:      s.now(),
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		key := fmt.Sprintf("%s%019d:%s", messagePrefix, rec.CreatedAt.UnixNano(), rec.ID)
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return nil, err
	}

	message := toMessage(rec)
	return &message, nil
}

// ListMessages returns every message ordered by creation time.
func (s *Store) ListMessages(_ context.Context, order store.Order) ([]store.Message, error) {
	var messages []store.Message
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(messagePrefix), order == store.Descending, func(val []byte) error {
			var rec messageRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			messages = append(messages, toMessage(rec))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// scanPrefix calls fn with the value of every key under prefix.
func scanPrefix(txn *badger.Txn, prefix []byte, reverse bool, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = reverse
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if reverse {
		// Reverse iteration seeks to the greatest key <= seek.
		seek = append(slices.Clone(prefix), 0xFF)
	}
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return notFound(err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func notFound(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.ErrNotFound
	}
	return err
}

func toUser(rec userRecord) store.User {
	return store.User{
		ID:           rec.ID,
		Username:     rec.Username,
		PasswordHash: rec.PasswordHash,
		CreatedAt:    rec.CreatedAt,
	}
}

func toMessage(rec messageRecord) store.Message {
	return store.Message{
		ID:             rec.ID,
		AuthorUsername: rec.AuthorUsername,
		Text:           rec.Text,
		CreatedAt:      rec.CreatedAt,
	}
}
