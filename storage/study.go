package storage

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dicomnet/pacscore/errors"
)

// UpsertStudy inserts or updates a Study keyed by StudyUID. The patient
// must already exist; PatientFK is resolved from PatientID.
func (idx *Index) UpsertStudy(patientID string, s *Study) (*Study, error) {
	patient, err := idx.FindPatientByUID(patientID)
	if err != nil {
		return nil, err
	}
	s.PatientFK = patient.ID

	err = idx.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "study_uid"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"patient_fk", "study_id", "study_date", "study_time",
			"accession_number", "referring_physician", "description",
			"modalities_in_study", "updated_at",
		}),
	}).Create(s).Error
	if err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "upsert study", err)
	}

	var stored Study
	if err := idx.db.Where("study_uid = ?", s.StudyUID).First(&stored).Error; err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "reload study after upsert", err)
	}
	return &stored, nil
}

// FindStudyByUID looks up a Study by its natural StudyUID.
func (idx *Index) FindStudyByUID(studyUID string) (*Study, error) {
	var s Study
	err := idx.db.Where("study_uid = ?", studyUID).First(&s).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.NewStorageError(errors.StorageFileNotFound, "find study by uid", err)
		}
		return nil, errors.NewStorageError(errors.StorageIntegrity, "find study by uid", err)
	}
	return &s, nil
}

// FindStudyByPK looks up a Study by its surrogate primary key.
func (idx *Index) FindStudyByPK(id uint) (*Study, error) {
	var s Study
	err := idx.db.First(&s, id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.NewStorageError(errors.StorageFileNotFound, "find study by pk", err)
		}
		return nil, errors.NewStorageError(errors.StorageIntegrity, "find study by pk", err)
	}
	return &s, nil
}

// SearchStudies matches accession number / description wildcard
// patterns plus a study-date range, tie-broken per spec.md §4.3:
// (study_date desc, study_time desc, primary key asc).
func (idx *Index) SearchStudies(q SearchQuery) ([]Study, error) {
	tx := idx.db.Model(&Study{})
	if pat, ok := q.Filters["accession_number"]; ok && pat != "" {
		if value, wildcard := likePattern(pat); wildcard {
			tx = tx.Where("accession_number LIKE ?", value)
		} else {
			tx = tx.Where("accession_number = ?", value)
		}
	}
	if pat, ok := q.Filters["description"]; ok && pat != "" {
		if value, wildcard := likePattern(pat); wildcard {
			tx = tx.Where("description LIKE ?", value)
		} else {
			tx = tx.Where("description = ?", value)
		}
	}
	if q.DateFrom != "" {
		tx = tx.Where("study_date >= ?", q.DateFrom)
	}
	if q.DateTo != "" {
		tx = tx.Where("study_date <= ?", q.DateTo)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}

	var studies []Study
	if err := tx.Order("study_date desc, study_time desc, id asc").Find(&studies).Error; err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "search studies", err)
	}
	return studies, nil
}

// DeleteStudy cascades to the study's series and instances.
func (idx *Index) DeleteStudy(id uint) error {
	if err := idx.db.Select("Series").Delete(&Study{ID: id}).Error; err != nil {
		return errors.NewStorageError(errors.StorageIntegrity, "delete study", err)
	}
	return nil
}

// CountStudies returns the total number of study rows.
func (idx *Index) CountStudies() (int64, error) {
	var count int64
	if err := idx.db.Model(&Study{}).Count(&count).Error; err != nil {
		return 0, errors.NewStorageError(errors.StorageIntegrity, "count studies", err)
	}
	return count, nil
}

// recomputeModalitiesInStudy recomputes a study's denormalized
// modalities_in_study from its current series rows.
func (idx *Index) recomputeModalitiesInStudy(tx *gorm.DB, studyFK uint) error {
	var modalities []string
	err := tx.Model(&Series{}).
		Where("study_fk = ?", studyFK).
		Distinct("modality").
		Pluck("modality", &modalities).Error
	if err != nil {
		return err
	}
	joined := ""
	for i, m := range modalities {
		if m == "" {
			continue
		}
		if i > 0 && joined != "" {
			joined += "\\"
		}
		joined += m
	}
	return tx.Model(&Study{}).Where("id = ?", studyFK).Update("modalities_in_study", joined).Error
}
