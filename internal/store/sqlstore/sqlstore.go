// Package sqlstore implements store.Store on SQLite through GORM.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/groupchat/internal/store"
)

// userRecord is the users table row.
type userRecord struct {
	ID           string    `gorm:"primaryKey;size:36"`
	Username     string    `gorm:"uniqueIndex;not null;size:64"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"index;not null"`
}

// TableName returns the table name for userRecord.
func (userRecord) TableName() string {
	return "users"
}

// messageRecord is the messages table row.
type messageRecord struct {
	ID             string    `gorm:"primaryKey;size:36"`
	AuthorUsername string    `gorm:"index;not null;size:64"`
	Text           string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"index;not null"`
}

// TableName returns the table name for messageRecord.
func (messageRecord) TableName() string {
	return "messages"
}

// Store is a GORM-backed store.Store.
type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to the SQLite database at path and runs migrations. When
// debug is set every SQL statement is logged.
func Open(path string, debug bool) (*Store, error) {
	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	// SQLite allows a single writer; serializing connections avoids "database is locked".
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&userRecord{}, &messageRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// GetByUsername finds a user by username.
func (s *Store) GetByUsername(ctx context.Context, username string) (*store.User, error) {
	return s.findUser(ctx, "username = ?", username)
}

// GetByID finds a user by ID.
func (s *Store) GetByID(ctx context.Context, id string) (*store.User, error) {
	return s.findUser(ctx, "id = ?", id)
}

func (s *Store) findUser(ctx context.Context, query string, arg string) (*store.User, error) {
	var rec userRecord
	result := s.db.WithContext(ctx).First(&rec, query, arg)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, result.Error
	}
	user := toUser(rec)
	return &user, nil
}

// Create inserts a new user. It fails with store.ErrUserExists when the
// username is taken.
func (s *Store) Create(ctx context.Context, username, passwordHash string) (*store.User, error) {
	if username == "" {
		return nil, store.ErrEmptyUsername
	}

	rec := userRecord{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&userRecord{}).Where("username = ?", username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return store.ErrUserExists
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, store.ErrUserExists
		}
		return nil, err
	}

	user := toUser(rec)
	return &user, nil
}

// ListUsers returns every user ordered by creation time.
func (s *Store) ListUsers(ctx context.Context, order store.Order) ([]store.User, error) {
	var recs []userRecord
	if err := s.db.WithContext(ctx).Order(orderClause(order)).Find(&recs).Error; err != nil {
		return nil, err
	}
	return lo.Map(recs, func(rec userRecord, _ int) store.User {
		return toUser(rec)
	}), nil
}

// Append records a message written by authorUsername. The timestamp is
// assigned here.
func (s *Store) Append(ctx context.Context, authorUsername, text string) (*store.Message, error) {
	if text == "" {
		return nil, store.ErrEmptyText
	}

	rec := messageRecord{
		ID:             uuid.NewString(),
		AuthorUsername: authorUsername,
		Text:           text,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&userRecord{}).Where("username = ?", authorUsername).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return store.ErrUnknownAuthor
		}
		rec.CreatedAt = time.Now().UTC()
		return tx.Create(&rec).Error
	})
	if err != nil {
		return nil, err
	}

	message := toMessage(rec)
	return &message, nil
}

// ListMessages returns every message ordered by creation time.
func (s *Store) ListMessages(ctx context.Context, order store.Order) ([]store.Message, error) {
	var recs []messageRecord
	if err := s.db.WithContext(ctx).Order(orderClause(order)).Find(&recs).Error; err != nil {
		return nil, err
	}
	return lo.Map(recs, func(rec messageRecord, _ int) store.Message {
		return toMessage(rec)
	}), nil
}

// orderClause breaks created_at ties with the SQLite rowid, which follows
// insertion order.
func orderClause(order store.Order) string {
	if order == store.Descending {
		return "created_at DESC, rowid DESC"
	}
	return "created_at ASC, rowid ASC"
}

func toUser(rec userRecord) store.User {
	return store.User{
		ID:           rec.ID,
		Username:     rec.Username,
		PasswordHash: rec.PasswordHash,
		CreatedAt:    rec.CreatedAt.UTC(),
	}
}

func toMessage(rec messageRecord) store.Message {
	return store.Message{
		ID:             rec.ID,
		AuthorUsername: rec.AuthorUsername,
		Text:           rec.Text,
		CreatedAt:      rec.CreatedAt.UTC(),
	}
}
