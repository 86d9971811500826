package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/vault"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationSyncCredentialKeyVersions = "2026-10-01_sync_credential_key_versions"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSyncCredentialKeyVersions, apply: syncCredentialKeyVersions},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// syncCredentialKeyVersions realigns the key_version column with the version recorded in the
// envelope. Rotation selects rows by the column while decryption trusts the envelope.
func syncCredentialKeyVersions(db *gorm.DB) error {
	const envelopeVersion = "CAST(json_extract(enc_data, '$.keyVersion') AS INTEGER)"
	return db.Model(&vault.Credential{}).
		Where("json_valid(enc_data) AND key_version <> "+envelopeVersion).
		Update("key_version", gorm.Expr(envelopeVersion)).Error
}
