package storage

import (
	"gorm.io/gorm/clause"

	"github.com/dicomnet/pacscore/errors"
)

// UpsertMeasurement inserts or updates a MeasurementRecord keyed by
// (sop_uid, key).
func (idx *Index) UpsertMeasurement(m *MeasurementRecord) (*MeasurementRecord, error) {
	err := idx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sop_uid"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "unit"}),
	}).Create(m).Error
	if err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "upsert measurement", err)
	}

	var stored MeasurementRecord
	if err := idx.db.Where("sop_uid = ? AND key = ?", m.SOPUID, m.Key).First(&stored).Error; err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "reload measurement after upsert", err)
	}
	return &stored, nil
}

// ListMeasurements returns every measurement recorded against a SOP
// instance.
func (idx *Index) ListMeasurements(sopUID string) ([]MeasurementRecord, error) {
	var records []MeasurementRecord
	if err := idx.db.Where("sop_uid = ?", sopUID).Order("key asc").Find(&records).Error; err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "list measurements", err)
	}
	return records, nil
}
