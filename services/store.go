package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/dicomnet/pacscore/blobstore"
	"github.com/dicomnet/pacscore/dicom"
	"github.com/dicomnet/pacscore/dimse"
	"github.com/dicomnet/pacscore/errors"
	"github.com/dicomnet/pacscore/interfaces"
	"github.com/dicomnet/pacscore/metrics"
	"github.com/dicomnet/pacscore/pipeline"
	"github.com/dicomnet/pacscore/storage"
	"github.com/dicomnet/pacscore/types"
)

// Tags read out of a C-STORE dataset to populate the patient/study/series/
// instance hierarchy. The dicom package itself has no exported tag table,
// so these mirror the (group,element) pairs its own parser switches on.
var (
	tagPatientName       = dicom.Tag{Group: 0x0010, Element: 0x0010}
	tagPatientID         = dicom.Tag{Group: 0x0010, Element: 0x0020}
	tagPatientBirthDate  = dicom.Tag{Group: 0x0010, Element: 0x0030}
	tagPatientSex        = dicom.Tag{Group: 0x0010, Element: 0x0040}
	tagStudyInstanceUID  = dicom.Tag{Group: 0x0020, Element: 0x000D}
	tagStudyID           = dicom.Tag{Group: 0x0020, Element: 0x0010}
	tagStudyDate         = dicom.Tag{Group: 0x0008, Element: 0x0020}
	tagStudyTime         = dicom.Tag{Group: 0x0008, Element: 0x0030}
	tagAccessionNumber   = dicom.Tag{Group: 0x0008, Element: 0x0050}
	tagReferringPhysname = dicom.Tag{Group: 0x0008, Element: 0x0090}
	tagStudyDescription  = dicom.Tag{Group: 0x0008, Element: 0x1030}
	tagSeriesInstanceUID = dicom.Tag{Group: 0x0020, Element: 0x000E}
	tagModality          = dicom.Tag{Group: 0x0008, Element: 0x0060}
	tagSeriesNumber      = dicom.Tag{Group: 0x0020, Element: 0x0011}
	tagSeriesDescription = dicom.Tag{Group: 0x0008, Element: 0x103E}
	tagBodyPartExamined  = dicom.Tag{Group: 0x0018, Element: 0x0015}
	tagStationName       = dicom.Tag{Group: 0x0008, Element: 0x1010}
	tagInstanceNumber    = dicom.Tag{Group: 0x0020, Element: 0x0013}
)

// StoreService handles C-STORE requests: it writes the instance's raw
// bytes to the blob store, then upserts the patient/study/series/instance
// hierarchy those bytes describe into the metadata index.
type StoreService struct {
	index       *storage.Index
	blobs       *blobstore.Store
	logger      *slog.Logger
	coordinator *pipeline.Coordinator
	metrics     *metrics.Metrics
}

// NewStoreService builds a C-STORE handler backed by the given index and blob store.
func NewStoreService(index *storage.Index, blobs *blobstore.Store, logger *slog.Logger) *StoreService {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreService{index: index, blobs: blobs, logger: logger}
}

// WithCoordinator routes the blob write and index upserts through the
// pipeline's storage_query_exec stage (spec.md §4.5's blocking,
// 8-worker stage) instead of running them inline on the caller's
// goroutine.
func (s *StoreService) WithCoordinator(coordinator *pipeline.Coordinator) *StoreService {
	s.coordinator = coordinator
	return s
}

// WithMetrics attaches the Prometheus instrumentation C-STORE timing
// and outcome counts are reported to.
func (s *StoreService) WithMetrics(m *metrics.Metrics) *StoreService {
	s.metrics = m
	return s
}

// HandleDIMSE implements interfaces.ServiceHandler for C-STORE-RQ.
func (s *StoreService) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	sopInstanceUID := msg.AffectedSOPInstanceUID
	sopClassUID := msg.AffectedSOPClassUID

	response := &types.Message{
		CommandField:              dimse.CStoreRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       sopClassUID,
		AffectedSOPInstanceUID:    sopInstanceUID,
		CommandDataSetType:        0x0101,
		Status:                    dimse.StatusSuccess,
	}

	if meta.Dataset == nil {
		s.logger.WarnContext(ctx, "C-STORE request carried no dataset", "sop_instance_uid", sopInstanceUID)
		response.Status = dimse.StatusFailure
		return response, nil, nil
	}

	var relPath string
	start := time.Now()
	err := pipeline.Run(s.coordinator, ctx, pipeline.StageStorageQuery, pipeline.CategoryStore, meta.SessionID, func(ctx context.Context) error {
		var putErr error
		relPath, putErr = s.blobs.Put(sopInstanceUID, data)
		if putErr != nil {
			return putErr
		}
		return s.upsertHierarchy(meta.Dataset, relPath, len(data), meta.TransferSyntaxUID, sopClassUID, sopInstanceUID)
	})
	duration := time.Since(start).Seconds()
	if err != nil {
		s.metrics.RecordStorageOp("c_store", "error", duration)
		s.logger.ErrorContext(ctx, "failed to store instance", "error", err, "sop_instance_uid", sopInstanceUID)
		response.Status = storeFailureStatus(err)
		s.audit(ctx, meta.SessionID, meta.CallingAETitle, "C-STORE", sopInstanceUID, storage.AuditFailure, err.Error())
		return response, nil, nil
	}

	s.metrics.RecordStorageOp("c_store", "success", duration)
	s.logger.InfoContext(ctx, "stored instance", "sop_instance_uid", sopInstanceUID, "bytes", len(data))
	s.audit(ctx, meta.SessionID, meta.CallingAETitle, "C-STORE", sopInstanceUID, storage.AuditSuccess, "")
	return response, nil, nil
}

// audit best-effort-records the operation's outcome through the pipeline's
// audit job category; a failure to write the audit trail itself is logged
// but never turned into a DIMSE-level error.
func (s *StoreService) audit(ctx context.Context, sessionID, actorAET, operation, affectedUID string, outcome storage.AuditOutcome, detail string) {
	if actorAET == "" {
		actorAET = "UNKNOWN"
	}
	err := pipeline.Run(s.coordinator, ctx, pipeline.StageStorageQuery, pipeline.CategoryAudit, sessionID, func(context.Context) error {
		_, err := s.index.AppendAudit(actorAET, operation, affectedUID, outcome, detail)
		return err
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to append audit record", "error", err, "operation", operation)
	}
}

func (s *StoreService) upsertHierarchy(ds *dicom.Dataset, relPath string, size int, transferSyntaxUID, sopClassUID, sopInstanceUID string) error {
	patientID := ds.GetString(tagPatientID)
	if patientID == "" {
		patientID = "UNKNOWN"
	}

	if _, err := s.index.UpsertPatient(&storage.Patient{
		PatientID: patientID,
		Name:      ds.GetString(tagPatientName),
		BirthDate: ds.GetString(tagPatientBirthDate),
		Sex:       ds.GetString(tagPatientSex),
	}); err != nil {
		return err
	}

	studyUID := ds.GetString(tagStudyInstanceUID)
	if _, err := s.index.UpsertStudy(patientID, &storage.Study{
		StudyUID:           studyUID,
		StudyID:            ds.GetString(tagStudyID),
		StudyDate:          ds.GetString(tagStudyDate),
		StudyTime:          ds.GetString(tagStudyTime),
		AccessionNumber:    ds.GetString(tagAccessionNumber),
		ReferringPhysician: ds.GetString(tagReferringPhysname),
		Description:        ds.GetString(tagStudyDescription),
	}); err != nil {
		return err
	}

	seriesUID := ds.GetString(tagSeriesInstanceUID)
	if _, err := s.index.UpsertSeries(studyUID, &storage.Series{
		SeriesUID:    seriesUID,
		Modality:     ds.GetString(tagModality),
		SeriesNumber: ds.GetString(tagSeriesNumber),
		Description:  ds.GetString(tagSeriesDescription),
		BodyPart:     ds.GetString(tagBodyPartExamined),
		Station:      ds.GetString(tagStationName),
	}); err != nil {
		return err
	}

	_, err := s.index.UpsertInstance(seriesUID, &storage.Instance{
		SOPUID:         sopInstanceUID,
		SOPClassUID:    sopClassUID,
		FilePath:       relPath,
		FileSize:       int64(size),
		TransferSyntax: transferSyntaxUID,
		InstanceNumber: ds.GetString(tagInstanceNumber),
	})
	return err
}

// storeFailureStatus maps a storage error to the closest DIMSE C-STORE
// failure status; anything not recognized falls back to the generic
// failure status dimse.StatusFailure.
func storeFailureStatus(err error) uint16 {
	var storageErr *errors.StorageError
	if as, ok := err.(*errors.StorageError); ok {
		storageErr = as
	}
	if storageErr == nil {
		return dimse.StatusFailure
	}
	switch storageErr.Code {
	case errors.StorageDuplicateSOP:
		return 0x0111 // Duplicate SOP Instance, per PS3.4 Annex B.2.3
	default:
		return dimse.StatusFailure
	}
}
