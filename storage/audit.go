package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/dicomnet/pacscore/errors"
)

// AppendAudit records one audited operation. AuditRecord is append-only;
// there is no update or delete path.
func (idx *Index) AppendAudit(actorAET, operation, affectedUID string, outcome AuditOutcome, detail string) (*AuditRecord, error) {
	rec := &AuditRecord{
		ID:          uuid.NewString(),
		OccurredAt:  time.Now(),
		ActorAET:    actorAET,
		Operation:   operation,
		AffectedUID: affectedUID,
		Outcome:     outcome,
		Detail:      detail,
	}
	if err := idx.db.Create(rec).Error; err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "append audit record", err)
	}
	return rec, nil
}

// SearchAudit matches actor AE / operation / affected UID wildcard
// patterns, newest first. The query's DateFrom/DateTo range is not
// applied.
func (idx *Index) SearchAudit(q SearchQuery) ([]AuditRecord, error) {
	tx := idx.db.Model(&AuditRecord{})
	if pat, ok := q.Filters["actor_aet"]; ok && pat != "" {
		if value, wildcard := likePattern(pat); wildcard {
			tx = tx.Where("actor_aet LIKE ?", value)
		} else {
			tx = tx.Where("actor_aet = ?", value)
		}
	}
	if pat, ok := q.Filters["operation"]; ok && pat != "" {
		if value, wildcard := likePattern(pat); wildcard {
			tx = tx.Where("operation LIKE ?", value)
		} else {
			tx = tx.Where("operation = ?", value)
		}
	}
	if pat, ok := q.Filters["affected_uid"]; ok && pat != "" {
		if value, wildcard := likePattern(pat); wildcard {
			tx = tx.Where("affected_uid LIKE ?", value)
		} else {
			tx = tx.Where("affected_uid = ?", value)
		}
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}

	var records []AuditRecord
	if err := tx.Order("occurred_at desc").Find(&records).Error; err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "search audit records", err)
	}
	return records, nil
}
