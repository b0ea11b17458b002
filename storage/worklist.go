package storage

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dicomnet/pacscore/errors"
)

// worklistTransitions enumerates the allowed forward state changes for
// a WorklistItem: SCHEDULED -> STARTED -> COMPLETED. There is no
// transition back to an earlier state.
var worklistTransitions = map[WorklistState][]WorklistState{
	WorklistScheduled: {WorklistStarted},
	WorklistStarted:   {WorklistCompleted},
	WorklistCompleted: {},
}

func worklistTransitionAllowed(from, to WorklistState) bool {
	for _, candidate := range worklistTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// CreateWorklistItem inserts a new scheduled worklist entry keyed by
// AccessionNumber.
func (idx *Index) CreateWorklistItem(w *WorklistItem) (*WorklistItem, error) {
	w.State = WorklistScheduled
	if err := idx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "accession_number"}},
		DoNothing: true,
	}).Create(w).Error; err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "create worklist item", err)
	}
	return idx.FindWorklistItemByAccession(w.AccessionNumber)
}

// FindWorklistItemByAccession looks up a WorklistItem by its natural
// AccessionNumber.
func (idx *Index) FindWorklistItemByAccession(accessionNumber string) (*WorklistItem, error) {
	var w WorklistItem
	err := idx.db.Where("accession_number = ?", accessionNumber).First(&w).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.NewStorageError(errors.StorageFileNotFound, "find worklist item", err)
		}
		return nil, errors.NewStorageError(errors.StorageIntegrity, "find worklist item", err)
	}
	return &w, nil
}

// TransitionWorklistItem validates the requested state change before
// applying it, rejecting any change not in worklistTransitions.
func (idx *Index) TransitionWorklistItem(accessionNumber string, to WorklistState) (*WorklistItem, error) {
	item, err := idx.FindWorklistItemByAccession(accessionNumber)
	if err != nil {
		return nil, err
	}
	if !worklistTransitionAllowed(item.State, to) {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "worklist state transition",
			invalidTransitionError(string(item.State), string(to)))
	}
	if err := idx.db.Model(item).Updates(map[string]interface{}{
		"state":      to,
		"updated_at": time.Now(),
	}).Error; err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "apply worklist transition", err)
	}
	return idx.FindWorklistItemByAccession(accessionNumber)
}

// SearchWorklist matches modality / scheduled AE wildcard patterns and
// a scheduled-date range, ordered oldest-scheduled-first.
func (idx *Index) SearchWorklist(q SearchQuery) ([]WorklistItem, error) {
	tx := idx.db.Model(&WorklistItem{})
	if pat, ok := q.Filters["modality"]; ok && pat != "" {
		if value, wildcard := likePattern(pat); wildcard {
			tx = tx.Where("modality LIKE ?", value)
		} else {
			tx = tx.Where("modality = ?", value)
		}
	}
	if pat, ok := q.Filters["scheduled_aet"]; ok && pat != "" {
		if value, wildcard := likePattern(pat); wildcard {
			tx = tx.Where("scheduled_aet LIKE ?", value)
		} else {
			tx = tx.Where("scheduled_aet = ?", value)
		}
	}
	if q.DateFrom != "" {
		tx = tx.Where("scheduled_start_date >= ?", q.DateFrom)
	}
	if q.DateTo != "" {
		tx = tx.Where("scheduled_start_date <= ?", q.DateTo)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}

	var items []WorklistItem
	if err := tx.Order("scheduled_start_date asc, scheduled_start_time asc, id asc").Find(&items).Error; err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "search worklist", err)
	}
	return items, nil
}

// CleanupWorklistBefore deletes COMPLETED worklist items scheduled
// before cutoff, per Open Question #3's time-point decision: callers
// compute the cutoff (e.g. time.Now().Add(-retention)) rather than the
// store accepting a bare duration.
func (idx *Index) CleanupWorklistBefore(cutoff time.Time) (int64, error) {
	cutoffDate := cutoff.Format("20060102")
	result := idx.db.Where("state = ? AND scheduled_start_date < ?", WorklistCompleted, cutoffDate).
		Delete(&WorklistItem{})
	if result.Error != nil {
		return 0, errors.NewStorageError(errors.StorageIntegrity, "cleanup worklist", result.Error)
	}
	return result.RowsAffected, nil
}

type invalidStateTransition struct {
	from, to string
}

func (e *invalidStateTransition) Error() string {
	return "invalid_state_transition: " + e.from + " -> " + e.to
}

func invalidTransitionError(from, to string) error {
	return &invalidStateTransition{from: from, to: to}
}
