package audit

import "time"

// Action enumerates audited credential and claim events.
type Action string

const (
	ActionCreated      Action = "created"
	ActionUpdated      Action = "updated"
	ActionDeleted      Action = "deleted"
	ActionVerified     Action = "verified"
	ActionClaimSuccess Action = "claim_success"
	ActionClaimFailed  Action = "claim_failed"
)

// Entry is an append-only audit record. Rows are never updated or deleted.
type Entry struct {
	Sequence     int64     `gorm:"column:sequence;primaryKey;autoIncrement"`
	EventID      string    `gorm:"column:event_id;size:64;not null;uniqueIndex"`
	UserID       string    `gorm:"column:user_id;size:190;not null;index:idx_audit_user_provider,priority:1"`
	Provider     string    `gorm:"column:provider;size:32;not null;index:idx_audit_user_provider,priority:2"`
	Action       Action    `gorm:"column:action;size:32;not null"`
	IPAddress    string    `gorm:"column:ip_address;size:64;not null;default:''"`
	UserAgent    string    `gorm:"column:user_agent;size:512;not null;default:''"`
	MetadataJSON string    `gorm:"column:metadata_json;type:text;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "credential_audit_logs"
}

// RequestMetadata carries the caller context recorded alongside an audit entry.
type RequestMetadata struct {
	IPAddress string
	UserAgent string
	Extra     map[string]interface{}
}

// Record describes an audit event before persistence.
type Record struct {
	UserID   string
	Provider string
	Action   Action
	Request  RequestMetadata
	Details  map[string]interface{}
}
