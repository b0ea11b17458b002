package storage

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dicomnet/pacscore/errors"
)

// UpsertInstance inserts or updates an Instance keyed by SOPUID,
// resolving SeriesFK from seriesUID. A conflict on sop_uid with a
// different FilePath is still accepted as an update (C-STORE of the
// same SOP instance overwriting its stored bytes), not rejected as a
// duplicate; callers that need strict duplicate-SOP rejection check
// FindInstanceByUID first and return errors.StorageDuplicateSOP.
func (idx *Index) UpsertInstance(seriesUID string, inst *Instance) (*Instance, error) {
	series, err := idx.FindSeriesByUID(seriesUID)
	if err != nil {
		return nil, err
	}
	inst.SeriesFK = series.ID

	err = idx.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "sop_uid"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"series_fk", "sop_class_uid", "file_path", "file_size",
			"transfer_syntax", "instance_number", "updated_at",
		}),
	}).Create(inst).Error
	if err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "upsert instance", err)
	}

	var stored Instance
	if err := idx.db.Where("sop_uid = ?", inst.SOPUID).First(&stored).Error; err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "reload instance after upsert", err)
	}
	return &stored, nil
}

// FindInstanceByUID looks up an Instance by its natural SOPUID.
func (idx *Index) FindInstanceByUID(sopUID string) (*Instance, error) {
	var i Instance
	err := idx.db.Where("sop_uid = ?", sopUID).First(&i).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.NewStorageError(errors.StorageFileNotFound, "find instance by uid", err)
		}
		return nil, errors.NewStorageError(errors.StorageIntegrity, "find instance by uid", err)
	}
	return &i, nil
}

// FindInstanceByPK looks up an Instance by its surrogate primary key.
func (idx *Index) FindInstanceByPK(id uint) (*Instance, error) {
	var i Instance
	err := idx.db.First(&i, id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.NewStorageError(errors.StorageFileNotFound, "find instance by pk", err)
		}
		return nil, errors.NewStorageError(errors.StorageIntegrity, "find instance by pk", err)
	}
	return &i, nil
}

// SearchInstances matches sop_class_uid within an optional parent
// series, with pagination.
func (idx *Index) SearchInstances(seriesUID string, q SearchQuery) ([]Instance, error) {
	tx := idx.db.Model(&Instance{})
	if seriesUID != "" {
		series, err := idx.FindSeriesByUID(seriesUID)
		if err != nil {
			return nil, err
		}
		tx = tx.Where("series_fk = ?", series.ID)
	}
	if pat, ok := q.Filters["sop_class_uid"]; ok && pat != "" {
		if value, wildcard := likePattern(pat); wildcard {
			tx = tx.Where("sop_class_uid LIKE ?", value)
		} else {
			tx = tx.Where("sop_class_uid = ?", value)
		}
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}

	var instances []Instance
	if err := tx.Order("id asc").Find(&instances).Error; err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "search instances", err)
	}
	return instances, nil
}

// DeleteInstance removes a single Instance row. It does not remove the
// underlying blob; callers coordinate that with the blob store.
func (idx *Index) DeleteInstance(id uint) error {
	if err := idx.db.Delete(&Instance{}, id).Error; err != nil {
		return errors.NewStorageError(errors.StorageIntegrity, "delete instance", err)
	}
	return nil
}

// CountInstances returns the total number of instance rows.
func (idx *Index) CountInstances() (int64, error) {
	var count int64
	if err := idx.db.Model(&Instance{}).Count(&count).Error; err != nil {
		return 0, errors.NewStorageError(errors.StorageIntegrity, "count instances", err)
	}
	return count, nil
}

// GetStorageStats summarizes population and stored byte volume across
// the full hierarchy, used by the health/metrics surface.
func (idx *Index) GetStorageStats() (*StorageStats, error) {
	stats := &StorageStats{}
	var err error
	if stats.PatientCount, err = idx.CountPatients(); err != nil {
		return nil, err
	}
	if stats.StudyCount, err = idx.CountStudies(); err != nil {
		return nil, err
	}
	if stats.SeriesCount, err = idx.CountSeries(); err != nil {
		return nil, err
	}
	if stats.InstanceCount, err = idx.CountInstances(); err != nil {
		return nil, err
	}
	if err := idx.db.Model(&Instance{}).Select("COALESCE(SUM(file_size), 0)").Row().Scan(&stats.TotalBytes); err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "sum instance file sizes", err)
	}
	return stats, nil
}
