package storage

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dicomnet/pacscore/errors"
)

// UpsertPatient inserts or updates a Patient keyed by its natural
// PatientID, per spec.md §8's "pk is stable across calls" invariant.
func (idx *Index) UpsertPatient(p *Patient) (*Patient, error) {
	err := idx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "patient_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "birth_date", "sex", "updated_at"}),
	}).Create(p).Error
	if err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "upsert patient", err)
	}

	var stored Patient
	if err := idx.db.Where("patient_id = ?", p.PatientID).First(&stored).Error; err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "reload patient after upsert", err)
	}
	return &stored, nil
}

// FindPatientByUID looks up a Patient by its natural PatientID.
func (idx *Index) FindPatientByUID(patientID string) (*Patient, error) {
	var p Patient
	err := idx.db.Where("patient_id = ?", patientID).First(&p).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.NewStorageError(errors.StorageFileNotFound, "find patient by uid", err)
		}
		return nil, errors.NewStorageError(errors.StorageIntegrity, "find patient by uid", err)
	}
	return &p, nil
}

// FindPatientByPK looks up a Patient by its surrogate primary key.
func (idx *Index) FindPatientByPK(id uint) (*Patient, error) {
	var p Patient
	err := idx.db.First(&p, id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.NewStorageError(errors.StorageFileNotFound, "find patient by pk", err)
		}
		return nil, errors.NewStorageError(errors.StorageIntegrity, "find patient by pk", err)
	}
	return &p, nil
}

// SearchPatients matches by patient id / name wildcard patterns, with
// pagination. A pattern with no '*' is compared by equality.
func (idx *Index) SearchPatients(q SearchQuery) ([]Patient, error) {
	tx := idx.db.Model(&Patient{})
	if pat, ok := q.Filters["patient_id"]; ok && pat != "" {
		if value, wildcard := likePattern(pat); wildcard {
			tx = tx.Where("patient_id LIKE ?", value)
		} else {
			tx = tx.Where("patient_id = ?", value)
		}
	}
	if pat, ok := q.Filters["name"]; ok && pat != "" {
		if value, wildcard := likePattern(pat); wildcard {
			tx = tx.Where("name LIKE ?", value)
		} else {
			tx = tx.Where("name = ?", value)
		}
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}

	var patients []Patient
	if err := tx.Order("id asc").Find(&patients).Error; err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "search patients", err)
	}
	return patients, nil
}

// DeletePatient cascades to the patient's studies, series, and
// instances via the foreign-key ON DELETE CASCADE constraints.
func (idx *Index) DeletePatient(id uint) error {
	if err := idx.db.Select("Studies").Delete(&Patient{ID: id}).Error; err != nil {
		return errors.NewStorageError(errors.StorageIntegrity, "delete patient", err)
	}
	return nil
}

// CountPatients returns the total number of patient rows.
func (idx *Index) CountPatients() (int64, error) {
	var count int64
	if err := idx.db.Model(&Patient{}).Count(&count).Error; err != nil {
		return 0, errors.NewStorageError(errors.StorageIntegrity, "count patients", err)
	}
	return count, nil
}
