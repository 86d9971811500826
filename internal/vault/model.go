package vault

import (
	"time"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/envelope"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/provider"
)

// Status is the lifecycle state of a stored credential.
type Status string

const (
	// StatusActive marks credentials usable for claiming.
	StatusActive Status = "active"
	// StatusVerificationFailed marks credentials whose most recent claim attempt failed.
	StatusVerificationFailed Status = "verification_failed"
	// StatusExpired marks credentials revoked upstream. Nothing in this service transitions
	// into it; external revocation detection may set it through UpdateCredentialStatus.
	StatusExpired Status = "expired"
	// StatusNotConnected is a projection-only status for providers with no stored record.
	StatusNotConnected Status = "not_connected"
)

// Valid reports whether the status may be persisted.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusVerificationFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Credential is the persisted credential row. Secrets exist only inside EncData.
type Credential struct {
	ID             int64             `gorm:"column:id;primaryKey;autoIncrement"`
	UserID         string            `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_credentials_user_provider,priority:1"`
	Provider       string            `gorm:"column:provider;size:32;not null;uniqueIndex:idx_credentials_user_provider,priority:2;index:idx_credentials_provider_status,priority:1"`
	EncData        envelope.Envelope `gorm:"column:enc_data;type:text;not null"`
	KeyVersion     int               `gorm:"column:key_version;not null;default:1"`
	Status         Status            `gorm:"column:status;size:32;not null;default:'active';index:idx_credentials_provider_status,priority:2"`
	ErrorMessage   *string           `gorm:"column:error_message;type:text"`
	LastVerifiedAt *time.Time        `gorm:"column:last_verified_at"`
	LastRotatedAt  *time.Time        `gorm:"column:last_rotated_at"`
	CreatedAt      time.Time         `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time         `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Credential) TableName() string {
	return "user_credentials"
}

// CredentialStatus is the non-sensitive projection of a credential row.
type CredentialStatus struct {
	Provider       provider.Provider `json:"provider"`
	Connected      bool              `json:"connected"`
	Status         Status            `json:"status"`
	ErrorMessage   string            `json:"errorMessage,omitempty"`
	KeyVersion     int               `json:"keyVersion,omitempty"`
	LastVerifiedAt *time.Time        `json:"lastVerifiedAt,omitempty"`
	LastRotatedAt  *time.Time        `json:"lastRotatedAt,omitempty"`
	CreatedAt      *time.Time        `json:"createdAt,omitempty"`
	UpdatedAt      *time.Time        `json:"updatedAt,omitempty"`
}

// CredentialRef identifies a stored credential without exposing its contents.
type CredentialRef struct {
	UserID     string
	Provider   provider.Provider
	KeyVersion int
}

func projectStatus(p provider.Provider, record *Credential) CredentialStatus {
	if record == nil {
		return CredentialStatus{Provider: p, Connected: false, Status: StatusNotConnected}
	}
	projection := CredentialStatus{
		Provider:       p,
		Connected:      true,
		Status:         record.Status,
		KeyVersion:     record.KeyVersion,
		LastVerifiedAt: record.LastVerifiedAt,
		LastRotatedAt:  record.LastRotatedAt,
	}
	if record.ErrorMessage != nil {
		projection.ErrorMessage = *record.ErrorMessage
	}
	createdAt := record.CreatedAt
	updatedAt := record.UpdatedAt
	projection.CreatedAt = &createdAt
	projection.UpdatedAt = &updatedAt
	return projection
}
