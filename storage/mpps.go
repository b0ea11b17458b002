package storage

import (
	"time"

	"gorm.io/gorm"

	"github.com/dicomnet/pacscore/errors"
)

// mppsTransitions enumerates the allowed forward state changes for an
// MPPSRecord: IN PROGRESS -> {COMPLETED, DISCONTINUED}. COMPLETED and
// DISCONTINUED are terminal.
var mppsTransitions = map[MPPSState][]MPPSState{
	MPPSInProgress:   {MPPSCompleted, MPPSDiscontinued},
	MPPSCompleted:    {},
	MPPSDiscontinued: {},
}

func mppsTransitionAllowed(from, to MPPSState) bool {
	for _, candidate := range mppsTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// CreateMPPS records a new N-CREATE of a Modality Performed Procedure
// Step, keyed by SOPInstanceUID.
func (idx *Index) CreateMPPS(m *MPPSRecord) (*MPPSRecord, error) {
	m.State = MPPSInProgress
	if err := idx.db.Create(m).Error; err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "create mpps", err)
	}
	return m, nil
}

// FindMPPSByUID looks up an MPPSRecord by its natural SOPInstanceUID.
func (idx *Index) FindMPPSByUID(sopInstanceUID string) (*MPPSRecord, error) {
	var m MPPSRecord
	err := idx.db.Where("sop_instance_uid = ?", sopInstanceUID).First(&m).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.NewStorageError(errors.StorageFileNotFound, "find mpps", err)
		}
		return nil, errors.NewStorageError(errors.StorageIntegrity, "find mpps", err)
	}
	return &m, nil
}

// UpdateMPPS implements an N-SET against an MPPSRecord: the requested
// state transition is validated FIRST and rejected before any field is
// touched, then only the non-empty supplied fields are applied. This
// is the validate-then-apply ordering decided for Open Question #1.
func (idx *Index) UpdateMPPS(sopInstanceUID string, to MPPSState, discontinuedReason string) (*MPPSRecord, error) {
	m, err := idx.FindMPPSByUID(sopInstanceUID)
	if err != nil {
		return nil, err
	}
	if !mppsTransitionAllowed(m.State, to) {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "mpps state transition",
			invalidTransitionError(string(m.State), string(to)))
	}

	updates := map[string]interface{}{
		"state":      to,
		"updated_at": time.Now(),
	}
	if discontinuedReason != "" {
		updates["discontinued_reason"] = discontinuedReason
	}
	if err := idx.db.Model(m).Updates(updates).Error; err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "apply mpps update", err)
	}
	return idx.FindMPPSByUID(sopInstanceUID)
}

// SearchMPPS matches accession number / performed AE wildcard
// patterns, with pagination.
func (idx *Index) SearchMPPS(q SearchQuery) ([]MPPSRecord, error) {
	tx := idx.db.Model(&MPPSRecord{})
	if pat, ok := q.Filters["accession_number"]; ok && pat != "" {
		if value, wildcard := likePattern(pat); wildcard {
			tx = tx.Where("accession_number LIKE ?", value)
		} else {
			tx = tx.Where("accession_number = ?", value)
		}
	}
	if pat, ok := q.Filters["performed_station_aet"]; ok && pat != "" {
		if value, wildcard := likePattern(pat); wildcard {
			tx = tx.Where("performed_station_aet LIKE ?", value)
		} else {
			tx = tx.Where("performed_station_aet = ?", value)
		}
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}

	var records []MPPSRecord
	if err := tx.Order("id asc").Find(&records).Error; err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "search mpps", err)
	}
	return records, nil
}
