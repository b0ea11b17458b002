package storage

import (
	"github.com/dicomnet/pacscore/errors"
)

// Vacuum reclaims free pages left by deletes; run during low-traffic
// maintenance windows per spec.md §4.4/§5, never concurrently with
// a write transaction.
func (idx *Index) Vacuum() error {
	if err := idx.db.Exec("VACUUM").Error; err != nil {
		return errors.NewStorageError(errors.StorageIntegrity, "vacuum", err)
	}
	return nil
}

// Analyze refreshes the query planner's statistics.
func (idx *Index) Analyze() error {
	if err := idx.db.Exec("ANALYZE").Error; err != nil {
		return errors.NewStorageError(errors.StorageIntegrity, "analyze", err)
	}
	return nil
}

// Checkpoint folds the WAL back into the main database file. truncate
// additionally shrinks the WAL file to zero bytes afterward.
func (idx *Index) Checkpoint(truncate bool) error {
	mode := "PASSIVE"
	if truncate {
		mode = "TRUNCATE"
	}
	if err := idx.db.Exec("PRAGMA wal_checkpoint(" + mode + ")").Error; err != nil {
		return errors.NewStorageError(errors.StorageIntegrity, "checkpoint", err)
	}
	return nil
}

// VerifyIntegrity runs SQLite's built-in integrity check and reports
// any corruption found.
func (idx *Index) VerifyIntegrity() (bool, []string, error) {
	var rows []string
	if err := idx.db.Raw("PRAGMA integrity_check").Scan(&rows).Error; err != nil {
		return false, nil, errors.NewStorageError(errors.StorageIntegrity, "integrity check", err)
	}
	if len(rows) == 1 && rows[0] == "ok" {
		return true, nil, nil
	}
	return false, rows, nil
}
