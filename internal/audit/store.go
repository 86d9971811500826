// Package audit persists the append-only trail of credential and claim events.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/envelope"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("audit: database handle is required")
	errMissingUserID   = errors.New("audit: user identifier is required")
	errMissingAction   = errors.New("audit: action is required")
)

// StoreConfig describes the dependencies of the audit store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store appends audit entries. It exposes no update or delete path.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore constructs an audit store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Append persists one audit entry. Request metadata and details are masked before storage.
func (s *Store) Append(ctx context.Context, record Record) error {
	if record.UserID == "" {
		return errMissingUserID
	}
	if record.Action == "" {
		return errMissingAction
	}

	metadataJSON, err := encodeMetadata(record)
	if err != nil {
		return fmt.Errorf("audit: encode metadata: %w", err)
	}
	eventID, err := s.idProvider.NewID()
	if err != nil {
		return fmt.Errorf("audit: generate event id: %w", err)
	}

	entry := Entry{
		EventID:      eventID,
		UserID:       record.UserID,
		Provider:     record.Provider,
		Action:       record.Action,
		IPAddress:    record.Request.IPAddress,
		UserAgent:    record.Request.UserAgent,
		MetadataJSON: metadataJSON,
		CreatedAt:    s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	s.logger.Debug("audit entry appended",
		zap.String("user_id", record.UserID),
		zap.String("provider", record.Provider),
		zap.String("action", string(record.Action)))
	return nil
}

// List returns the entries for a user and provider in insertion order.
func (s *Store) List(ctx context.Context, userID, provider string) ([]Entry, error) {
	var entries []Entry
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if provider != "" {
		query = query.Where("provider = ?", provider)
	}
	if err := query.Order("sequence ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("audit: list entries: %w", err)
	}
	return entries, nil
}

func encodeMetadata(record Record) (string, error) {
	metadata := make(map[string]interface{}, len(record.Details)+1)
	for key, value := range record.Details {
		metadata[key] = value
	}
	if len(record.Request.Extra) > 0 {
		metadata["request"] = record.Request.Extra
	}
	encoded, err := json.Marshal(envelope.Mask(metadata, envelope.DefaultSensitiveFields))
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
