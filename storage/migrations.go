package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/dicomnet/pacscore/errors"
)

// migration is one forward-only, idempotent schema step. checksum is
// computed from description so a reordered or edited migration is
// detectable even though the runner itself does not enforce it.
type migration struct {
	version     int
	description string
	apply       func(tx *gorm.DB) error
}

// migrations is the ordered, append-only list v1..vN described by
// spec.md §4.4. There is no down-migration.
var migrations = []migration{
	{
		version:     1,
		description: "create core entity tables",
		apply: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&Patient{}, &Study{}, &Series{}, &Instance{},
				&WorklistItem{}, &MPPSRecord{},
			)
		},
	},
	{
		version:     2,
		description: "create audit_log and measurements tables",
		apply: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&AuditRecord{}, &MeasurementRecord{})
		},
	},
}

func checksumOf(description string) string {
	sum := sha256.Sum256([]byte(description))
	return hex.EncodeToString(sum[:])
}

// migrate runs any pending migration in a transaction; failure rolls
// back and prevents the index from opening.
func (idx *Index) migrate() error {
	if err := idx.db.AutoMigrate(&SchemaMigration{}); err != nil {
		return errors.NewStorageError(errors.StorageIntegrity, "migrate schema_migrations", err)
	}

	var applied []SchemaMigration
	if err := idx.db.Order("version asc").Find(&applied).Error; err != nil {
		return errors.NewStorageError(errors.StorageIntegrity, "load applied migrations", err)
	}
	appliedVersions := make(map[int]bool, len(applied))
	for _, m := range applied {
		appliedVersions[m.Version] = true
	}

	for _, m := range migrations {
		if appliedVersions[m.version] {
			continue
		}
		err := idx.db.Transaction(func(tx *gorm.DB) error {
			if err := m.apply(tx); err != nil {
				return err
			}
			return tx.Create(&SchemaMigration{
				Version:     m.version,
				Description: m.description,
				Checksum:    checksumOf(m.description),
				AppliedAt:   time.Now(),
			}).Error
		})
		if err != nil {
			return errors.NewStorageError(errors.StorageIntegrity,
				fmt.Sprintf("apply migration v%d", m.version), err)
		}
	}
	return nil
}

// CurrentVersion returns the highest applied migration version, i.e.
// max(version) over schema_migrations.
func (idx *Index) CurrentVersion() (int, error) {
	var latest SchemaMigration
	err := idx.db.Order("version desc").First(&latest).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, errors.NewStorageError(errors.StorageIntegrity, "read current schema version", err)
	}
	return latest.Version, nil
}
