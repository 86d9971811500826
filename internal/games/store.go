// Package games records titles obtained on behalf of users.
package games

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultPlatform = "pc"

var (
	errMissingDatabase = errors.New("games: database handle is required")
	// ErrInvalidGame indicates that a game record lacks a user, title, or source.
	ErrInvalidGame = errors.New("games: invalid game record")
)

// Store persists obtained games keyed on user, title, and source.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a games store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// InsertIfAbsent records a game unless the (user, title, source) key already exists.
// It reports whether a new row was written; an existing row is not an error.
func (s *Store) InsertIfAbsent(ctx context.Context, userID, title, source, platform string, obtainedAt time.Time) (bool, error) {
	title = strings.TrimSpace(title)
	if strings.TrimSpace(userID) == "" || title == "" || strings.TrimSpace(source) == "" {
		return false, fmt.Errorf("%w: user=%q title=%q source=%q", ErrInvalidGame, userID, title, source)
	}
	if platform == "" {
		platform = defaultPlatform
	}
	model := Game{
		UserID:     userID,
		Title:      title,
		Source:     source,
		Platform:   platform,
		ObtainedAt: obtainedAt.UTC(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if result.Error != nil {
		return false, fmt.Errorf("games: insert: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListForUser returns the games recorded for a user, oldest first.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]Game, error) {
	var recorded []Game
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("obtained_at ASC, id ASC").
		Find(&recorded).Error; err != nil {
		return nil, fmt.Errorf("games: list: %w", err)
	}
	return recorded, nil
}
