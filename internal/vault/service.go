// Package vault stores per-provider login credentials as encrypted envelopes and manages
// their verification lifecycle.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/envelope"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/provider"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNoCredentials indicates that no active credentials exist for a user and provider.
	ErrNoCredentials = errors.New("vault: no active credentials")
	// ErrInvalidStatus indicates an attempt to persist a projection-only or unknown status.
	ErrInvalidStatus = errors.New("vault: invalid credential status")

	errMissingDatabase  = errors.New("database handle is required")
	errMissingCipher    = errors.New("cipher is required")
	errMissingValidator = errors.New("schema validator is required")
	errMissingUserID    = errors.New("user identifier is required")
	noOpLogger          = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code for infrastructure failures.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "vault.service.new"
	opSaveCredentials   = "vault.save_credentials"
	opGetCredentials    = "vault.get_credentials"
	opGetStatus         = "vault.get_credential_status"
	opGetAllStatuses    = "vault.get_all_credential_statuses"
	opDeleteCredentials = "vault.delete_credentials"
	opUpdateStatus      = "vault.update_credential_status"
	opMarkVerified      = "vault.mark_credentials_verified"
	opRotateKey         = "vault.rotate_credential_key"
	opListActiveUsers   = "vault.list_active_user_ids"
	opListRefs          = "vault.list_credential_refs"

	queryUserProvider = "user_id = ? AND provider = ?"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// AuditSink receives append-only audit records.
type AuditSink interface {
	Append(ctx context.Context, record audit.Record) error
}

// ServiceConfig describes the dependencies of the credential vault.
type ServiceConfig struct {
	Database  *gorm.DB
	Cipher    *envelope.Cipher
	Validator SchemaValidator
	Audit     AuditSink
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service is the credential vault.
type Service struct {
	db        *gorm.DB
	cipher    *envelope.Cipher
	validator SchemaValidator
	audit     AuditSink
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService constructs the credential vault.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Cipher == nil {
		return nil, newServiceError(opServiceNew, "missing_cipher", errMissingCipher)
	}
	if cfg.Validator == nil {
		return nil, newServiceError(opServiceNew, "missing_validator", errMissingValidator)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:        cfg.Database,
		cipher:    cfg.Cipher,
		validator: cfg.Validator,
		audit:     cfg.Audit,
		clock:     clock,
		logger:    logger,
	}, nil
}

// SaveCredentials validates and encrypts rawCredentials, then inserts or replaces the
// record for (userID, provider). Saving always resets the status to active.
func (s *Service) SaveCredentials(ctx context.Context, userID string, p provider.Provider, rawCredentials []byte, metadata audit.RequestMetadata) (CredentialStatus, error) {
	if strings.TrimSpace(userID) == "" {
		return CredentialStatus{}, newServiceError(opSaveCredentials, "missing_user_id", errMissingUserID)
	}
	credentials, err := s.validator.Validate(p, rawCredentials)
	if err != nil {
		return CredentialStatus{}, err
	}
	encData, err := s.cipher.Encrypt(credentials)
	if err != nil {
		s.logError(opSaveCredentials, "encrypt_failed", err, zap.String("user_id", userID), zap.String("provider", p.String()))
		return CredentialStatus{}, err
	}

	now := s.clock().UTC()
	action := audit.ActionUpdated
	var saved Credential
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryUserProvider, userID, p.String()).
			Take(&saved).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			action = audit.ActionCreated
			saved = Credential{
				UserID:     userID,
				Provider:   p.String(),
				EncData:    encData,
				KeyVersion: encData.KeyVersion,
				Status:     StatusActive,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
				DoUpdates: clause.AssignmentColumns([]string{"enc_data", "key_version", "status", "error_message", "updated_at"}),
			}).Create(&saved).Error
		}
		if err != nil {
			return err
		}
		saved.EncData = encData
		saved.KeyVersion = encData.KeyVersion
		saved.Status = StatusActive
		saved.ErrorMessage = nil
		saved.UpdatedAt = now
		return tx.Model(&Credential{}).
			Where("id = ?", saved.ID).
			Updates(map[string]interface{}{
				"enc_data":      encData,
				"key_version":   encData.KeyVersion,
				"status":        StatusActive,
				"error_message": nil,
				"updated_at":    now,
			}).Error
	})
	if txErr != nil {
		s.logError(opSaveCredentials, "upsert_failed", txErr, zap.String("user_id", userID), zap.String("provider", p.String()))
		return CredentialStatus{}, newServiceError(opSaveCredentials, "upsert_failed", txErr)
	}

	s.appendAudit(ctx, audit.Record{
		UserID:   userID,
		Provider: p.String(),
		Action:   action,
		Request:  metadata,
		Details:  map[string]interface{}{"keyVersion": encData.KeyVersion},
	})
	return projectStatus(p, &saved), nil
}

// GetCredentials returns the decrypted credentials only when the record is active.
// The boolean is false when the record is absent or in any other status.
func (s *Service) GetCredentials(ctx context.Context, userID string, p provider.Provider) (provider.Credentials, bool, error) {
	record, err := s.find(ctx, userID, p)
	if err != nil {
		s.logError(opGetCredentials, "query_failed", err, zap.String("user_id", userID), zap.String("provider", p.String()))
		return provider.Credentials{}, false, newServiceError(opGetCredentials, "query_failed", err)
	}
	if record == nil || record.Status != StatusActive {
		return provider.Credentials{}, false, nil
	}
	var credentials provider.Credentials
	if err := s.cipher.Decrypt(record.EncData, &credentials); err != nil {
		s.logError(opGetCredentials, "decrypt_failed", err,
			zap.String("user_id", userID),
			zap.String("provider", p.String()),
			zap.Int("key_version", record.EncData.KeyVersion))
		return provider.Credentials{}, false, err
	}
	return credentials, true, nil
}

// GetCredentialStatus returns the status projection for one provider.
func (s *Service) GetCredentialStatus(ctx context.Context, userID string, p provider.Provider) (CredentialStatus, error) {
	record, err := s.find(ctx, userID, p)
	if err != nil {
		s.logError(opGetStatus, "query_failed", err, zap.String("user_id", userID), zap.String("provider", p.String()))
		return CredentialStatus{}, newServiceError(opGetStatus, "query_failed", err)
	}
	return projectStatus(p, record), nil
}

// GetAllCredentialStatuses returns one projection per supported provider, synthesizing
// a not-connected entry where no record exists.
func (s *Service) GetAllCredentialStatuses(ctx context.Context, userID string) ([]CredentialStatus, error) {
	var records []Credential
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&records).Error; err != nil {
		s.logError(opGetAllStatuses, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opGetAllStatuses, "query_failed", err)
	}
	byProvider := make(map[string]*Credential, len(records))
	for index := range records {
		byProvider[records[index].Provider] = &records[index]
	}
	statuses := make([]CredentialStatus, 0, len(provider.All()))
	for _, p := range provider.All() {
		statuses = append(statuses, projectStatus(p, byProvider[p.String()]))
	}
	return statuses, nil
}

// DeleteCredentials hard-deletes the record and reports whether one existed.
func (s *Service) DeleteCredentials(ctx context.Context, userID string, p provider.Provider, metadata audit.RequestMetadata) (bool, error) {
	result := s.db.WithContext(ctx).
		Where(queryUserProvider, userID, p.String()).
		Delete(&Credential{})
	if result.Error != nil {
		s.logError(opDeleteCredentials, "delete_failed", result.Error, zap.String("user_id", userID), zap.String("provider", p.String()))
		return false, newServiceError(opDeleteCredentials, "delete_failed", result.Error)
	}
	existed := result.RowsAffected > 0
	if existed {
		s.appendAudit(ctx, audit.Record{
			UserID:   userID,
			Provider: p.String(),
			Action:   audit.ActionDeleted,
			Request:  metadata,
		})
	}
	return existed, nil
}

// UpdateCredentialStatus transitions the record status. An empty errorMessage clears the stored message.
func (s *Service) UpdateCredentialStatus(ctx context.Context, userID string, p provider.Provider, status Status, errorMessage string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	var message interface{}
	if strings.TrimSpace(errorMessage) != "" {
		message = errorMessage
	}
	result := s.db.WithContext(ctx).
		Model(&Credential{}).
		Where(queryUserProvider, userID, p.String()).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": message,
			"updated_at":    s.clock().UTC(),
		})
	if result.Error != nil {
		s.logError(opUpdateStatus, "update_failed", result.Error, zap.String("user_id", userID), zap.String("provider", p.String()))
		return newServiceError(opUpdateStatus, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNoCredentials
	}
	return nil
}

// MarkCredentialsVerified records a successful verification.
func (s *Service) MarkCredentialsVerified(ctx context.Context, userID string, p provider.Provider) error {
	now := s.clock().UTC()
	result := s.db.WithContext(ctx).
		Model(&Credential{}).
		Where(queryUserProvider, userID, p.String()).
		Updates(map[string]interface{}{
			"status":           StatusActive,
			"error_message":    nil,
			"last_verified_at": now,
			"updated_at":       now,
		})
	if result.Error != nil {
		s.logError(opMarkVerified, "update_failed", result.Error, zap.String("user_id", userID), zap.String("provider", p.String()))
		return newServiceError(opMarkVerified, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNoCredentials
	}
	s.appendAudit(ctx, audit.Record{UserID: userID, Provider: p.String(), Action: audit.ActionVerified})
	return nil
}

// RotateCredentialKey re-encrypts the stored envelope under newKeyVersion. When the
// envelope cannot be opened or re-sealed, the stored row is left untouched.
//
// No version guard is taken against a concurrent GetCredentials for the same record.
func (s *Service) RotateCredentialKey(ctx context.Context, userID string, p provider.Provider, newKeyVersion int) (CredentialStatus, error) {
	var rotated Credential
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryUserProvider, userID, p.String()).
			Take(&rotated).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoCredentials
		}
		if err != nil {
			return newServiceError(opRotateKey, "query_failed", err)
		}
		encData, err := s.cipher.Rotate(rotated.EncData, newKeyVersion)
		if err != nil {
			return err
		}
		now := s.clock().UTC()
		if err := tx.Model(&Credential{}).
			Where("id = ?", rotated.ID).
			Updates(map[string]interface{}{
				"enc_data":        encData,
				"key_version":     newKeyVersion,
				"last_rotated_at": now,
				"updated_at":      now,
			}).Error; err != nil {
			return newServiceError(opRotateKey, "update_failed", err)
		}
		rotated.EncData = encData
		rotated.KeyVersion = newKeyVersion
		rotated.LastRotatedAt = &now
		rotated.UpdatedAt = now
		return nil
	})
	if txErr != nil {
		s.logError(opRotateKey, "rotate_failed", txErr,
			zap.String("user_id", userID),
			zap.String("provider", p.String()),
			zap.Int("new_key_version", newKeyVersion))
		return CredentialStatus{}, txErr
	}
	s.logger.Info("credential key rotated",
		zap.String("user_id", userID),
		zap.String("provider", p.String()),
		zap.Int("key_version", newKeyVersion))
	return projectStatus(p, &rotated), nil
}

// ListActiveUserIDs returns the users holding active credentials for a provider.
func (s *Service) ListActiveUserIDs(ctx context.Context, p provider.Provider) ([]string, error) {
	var userIDs []string
	if err := s.db.WithContext(ctx).
		Model(&Credential{}).
		Where("provider = ? AND status = ?", p.String(), StatusActive).
		Order("id ASC").
		Pluck("user_id", &userIDs).Error; err != nil {
		s.logError(opListActiveUsers, "query_failed", err, zap.String("provider", p.String()))
		return nil, newServiceError(opListActiveUsers, "query_failed", err)
	}
	return userIDs, nil
}

// ListCredentialRefs returns every stored credential, optionally filtered to one provider.
func (s *Service) ListCredentialRefs(ctx context.Context, p provider.Provider) ([]CredentialRef, error) {
	query := s.db.WithContext(ctx).Model(&Credential{}).Select("user_id", "provider", "key_version")
	if p != "" {
		query = query.Where("provider = ?", p.String())
	}
	var records []Credential
	if err := query.Order("id ASC").Find(&records).Error; err != nil {
		s.logError(opListRefs, "query_failed", err)
		return nil, newServiceError(opListRefs, "query_failed", err)
	}
	refs := make([]CredentialRef, 0, len(records))
	for _, record := range records {
		parsed, err := provider.Parse(record.Provider)
		if err != nil {
			s.logger.Warn("skipping credential with unknown provider",
				zap.String("user_id", record.UserID),
				zap.String("provider", record.Provider))
			continue
		}
		refs = append(refs, CredentialRef{UserID: record.UserID, Provider: parsed, KeyVersion: record.KeyVersion})
	}
	return refs, nil
}

func (s *Service) find(ctx context.Context, userID string, p provider.Provider) (*Credential, error) {
	var record Credential
	err := s.db.WithContext(ctx).Where(queryUserProvider, userID, p.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Service) appendAudit(ctx context.Context, record audit.Record) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, record); err != nil {
		s.logger.Warn("audit append failed",
			zap.String("user_id", record.UserID),
			zap.String("provider", record.Provider),
			zap.String("action", string(record.Action)),
			zap.Error(err))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("vault service error", attrs...)
}
