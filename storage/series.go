package storage

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dicomnet/pacscore/errors"
)

// UpsertSeries inserts or updates a Series keyed by SeriesUID, resolving
// StudyFK from studyUID and recomputing the parent study's denormalized
// modalities_in_study in the same transaction.
func (idx *Index) UpsertSeries(studyUID string, s *Series) (*Series, error) {
	study, err := idx.FindStudyByUID(studyUID)
	if err != nil {
		return nil, err
	}
	s.StudyFK = study.ID

	txErr := idx.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "series_uid"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"study_fk", "modality", "series_number", "description",
				"body_part", "station", "updated_at",
			}),
		}).Create(s).Error
		if err != nil {
			return err
		}
		return idx.recomputeModalitiesInStudy(tx, study.ID)
	})
	if txErr != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "upsert series", txErr)
	}

	var stored Series
	if err := idx.db.Where("series_uid = ?", s.SeriesUID).First(&stored).Error; err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "reload series after upsert", err)
	}
	return &stored, nil
}

// FindSeriesByUID looks up a Series by its natural SeriesUID.
func (idx *Index) FindSeriesByUID(seriesUID string) (*Series, error) {
	var s Series
	err := idx.db.Where("series_uid = ?", seriesUID).First(&s).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.NewStorageError(errors.StorageFileNotFound, "find series by uid", err)
		}
		return nil, errors.NewStorageError(errors.StorageIntegrity, "find series by uid", err)
	}
	return &s, nil
}

// FindSeriesByPK looks up a Series by its surrogate primary key.
func (idx *Index) FindSeriesByPK(id uint) (*Series, error) {
	var s Series
	err := idx.db.First(&s, id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.NewStorageError(errors.StorageFileNotFound, "find series by pk", err)
		}
		return nil, errors.NewStorageError(errors.StorageIntegrity, "find series by pk", err)
	}
	return &s, nil
}

// SearchSeries matches modality / description wildcard patterns within
// an optional parent study, with pagination.
func (idx *Index) SearchSeries(studyUID string, q SearchQuery) ([]Series, error) {
	tx := idx.db.Model(&Series{})
	if studyUID != "" {
		study, err := idx.FindStudyByUID(studyUID)
		if err != nil {
			return nil, err
		}
		tx = tx.Where("study_fk = ?", study.ID)
	}
	if pat, ok := q.Filters["modality"]; ok && pat != "" {
		if value, wildcard := likePattern(pat); wildcard {
			tx = tx.Where("modality LIKE ?", value)
		} else {
			tx = tx.Where("modality = ?", value)
		}
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}

	var series []Series
	if err := tx.Order("id asc").Find(&series).Error; err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "search series", err)
	}
	return series, nil
}

// DeleteSeries cascades to the series' instances.
func (idx *Index) DeleteSeries(id uint) error {
	if err := idx.db.Select("Instances").Delete(&Series{ID: id}).Error; err != nil {
		return errors.NewStorageError(errors.StorageIntegrity, "delete series", err)
	}
	return nil
}

// CountSeries returns the total number of series rows.
func (idx *Index) CountSeries() (int64, error) {
	var count int64
	if err := idx.db.Model(&Series{}).Count(&count).Error; err != nil {
		return 0, errors.NewStorageError(errors.StorageIntegrity, "count series", err)
	}
	return count, nil
}
