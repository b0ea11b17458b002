// Package storage implements the SQL-backed metadata index: patients,
// studies, series, instances, worklist items, MPPS records, audit log,
// and measurements, plus schema migration and maintenance operations.
package storage

import "time"

// Patient is the root of the storage index hierarchy, keyed by the
// natural DICOM patient ID rather than an externally-visible surrogate.
type Patient struct {
	ID        uint   `gorm:"primaryKey"`
	PatientID string `gorm:"uniqueIndex;size:64;not null"`
	Name      string `gorm:"size:256"`
	BirthDate string `gorm:"size:8"` // YYYYMMDD
	Sex       string `gorm:"size:1"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Studies []Study `gorm:"foreignKey:PatientFK;constraint:OnDelete:CASCADE"`
}

// Study belongs to exactly one Patient. ModalitiesInStudy is denormalized
// from its Series rows and recomputed on every series upsert.
type Study struct {
	ID                 uint   `gorm:"primaryKey"`
	StudyUID           string `gorm:"uniqueIndex;size:64;not null"`
	PatientFK          uint   `gorm:"not null;index"`
	StudyID            string `gorm:"size:64"`
	StudyDate          string `gorm:"size:8;index"`
	StudyTime          string `gorm:"size:16"`
	AccessionNumber    string `gorm:"size:64;index"`
	ReferringPhysician string `gorm:"size:256"`
	Description        string `gorm:"size:256"`
	ModalitiesInStudy  string `gorm:"size:256"`
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Series []Series `gorm:"foreignKey:StudyFK;constraint:OnDelete:CASCADE"`
}

// Series belongs to exactly one Study.
type Series struct {
	ID            uint   `gorm:"primaryKey"`
	SeriesUID     string `gorm:"uniqueIndex;size:64;not null"`
	StudyFK       uint   `gorm:"not null;index"`
	Modality      string `gorm:"size:16;index"`
	SeriesNumber  string `gorm:"size:16"`
	Description   string `gorm:"size:256"`
	BodyPart      string `gorm:"size:64"`
	Station       string `gorm:"size:64"`
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Instances []Instance `gorm:"foreignKey:SeriesFK;constraint:OnDelete:CASCADE"`
}

// Instance is a single stored SOP instance. FilePath is relative to a
// configured blob root; the index never stores absolute paths.
type Instance struct {
	ID             uint   `gorm:"primaryKey"`
	SOPUID         string `gorm:"uniqueIndex;size:64;not null"`
	SeriesFK       uint   `gorm:"not null;index"`
	SOPClassUID    string `gorm:"size:64;index"`
	FilePath       string `gorm:"size:512;not null"`
	FileSize       int64
	TransferSyntax string `gorm:"size:64"`
	InstanceNumber string `gorm:"size:16"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WorklistState is the state machine for a Modality Worklist item.
type WorklistState string

const (
	WorklistScheduled WorklistState = "SCHEDULED"
	WorklistStarted   WorklistState = "STARTED"
	WorklistCompleted WorklistState = "COMPLETED"
)

// WorklistItem is a single scheduled procedure step (MWL entry).
type WorklistItem struct {
	ID                   uint          `gorm:"primaryKey"`
	AccessionNumber      string        `gorm:"uniqueIndex;size:64;not null"`
	PatientID            string        `gorm:"size:64;index"`
	PatientName          string        `gorm:"size:256"`
	ScheduledAET         string        `gorm:"size:16"`
	ScheduledProcedureID string        `gorm:"size:64"`
	ScheduledStartDate   string        `gorm:"size:8;index"`
	ScheduledStartTime   string        `gorm:"size:16"`
	Modality             string        `gorm:"size:16"`
	State                WorklistState `gorm:"size:16;not null;default:SCHEDULED"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// MPPSState is the state machine for a Modality Performed Procedure Step.
type MPPSState string

const (
	MPPSInProgress   MPPSState = "IN PROGRESS"
	MPPSCompleted    MPPSState = "COMPLETED"
	MPPSDiscontinued MPPSState = "DISCONTINUED"
)

// MPPSRecord tracks the lifecycle of a single modality performed
// procedure step, created by N-CREATE and advanced by N-SET.
type MPPSRecord struct {
	ID                               uint      `gorm:"primaryKey"`
	SOPInstanceUID                   string    `gorm:"uniqueIndex;size:64;not null"`
	PatientID                        string    `gorm:"size:64;index"`
	AccessionNumber                  string    `gorm:"size:64;index"`
	PerformedStationAET              string    `gorm:"size:16"`
	PerformedProcedureStepStartDate  string    `gorm:"size:8"`
	PerformedProcedureStepStartTime  string    `gorm:"size:16"`
	State                            MPPSState `gorm:"size:16;not null;default:IN PROGRESS"`
	DiscontinuedReason               string    `gorm:"size:256"`
	CreatedAt                        time.Time
	UpdatedAt                        time.Time
}

// AuditOutcome classifies the result of an audited operation.
type AuditOutcome string

const (
	AuditSuccess AuditOutcome = "success"
	AuditFailure AuditOutcome = "failure"
)

// AuditRecord is one row per DIMSE operation executed against the index,
// recovered from original_source's audit_record.hpp. Append-only.
type AuditRecord struct {
	ID          string       `gorm:"primaryKey;size:36"` // uuid
	OccurredAt  time.Time    `gorm:"index"`
	ActorAET    string       `gorm:"size:16;index"`
	Operation   string       `gorm:"size:32;index"`
	AffectedUID string       `gorm:"size:64;index"`
	Outcome     AuditOutcome `gorm:"size:16"`
	Detail      string       `gorm:"size:1024"`
}

// MeasurementRecord is a lightweight key/value structured measurement
// attached to an instance (a CAD finding or derived quantity), recovered
// from original_source's measurement_record.hpp.
type MeasurementRecord struct {
	ID        uint   `gorm:"primaryKey"`
	SOPUID    string `gorm:"size:64;not null;uniqueIndex:idx_measurement_key"`
	Key       string `gorm:"size:128;not null;uniqueIndex:idx_measurement_key"`
	Value     string `gorm:"size:256"`
	Unit      string `gorm:"size:32"`
	CreatedAt time.Time
}

// SchemaMigration is one applied migration. Append-only; the "current
// version" is max(version). Named schema_migrations rather than the
// spec's schema_version to keep full migration history, not a single
// mutable row.
type SchemaMigration struct {
	Version     int    `gorm:"primaryKey"`
	Description string `gorm:"size:256"`
	Checksum    string `gorm:"size:64"`
	AppliedAt   time.Time
}

// AllModels returns every entity for GORM's migration runner, in an
// order that satisfies foreign-key dependencies.
func AllModels() []interface{} {
	return []interface{}{
		&SchemaMigration{},
		&Patient{},
		&Study{},
		&Series{},
		&Instance{},
		&WorklistItem{},
		&MPPSRecord{},
		&AuditRecord{},
		&MeasurementRecord{},
	}
}
