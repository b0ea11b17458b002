package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dicomnet/pacscore/dicom"
	"github.com/dicomnet/pacscore/dimse"
	"github.com/dicomnet/pacscore/interfaces"
	"github.com/dicomnet/pacscore/metrics"
	"github.com/dicomnet/pacscore/pipeline"
	"github.com/dicomnet/pacscore/storage"
	"github.com/dicomnet/pacscore/types"
)

// Tags a C-FIND identifier carries that aren't already declared in
// store.go's tag table.
var (
	tagQueryRetrieveLevel = dicom.Tag{Group: 0x0008, Element: 0x0052}
	tagSOPInstanceUID     = dicom.Tag{Group: 0x0008, Element: 0x0018}
	tagModalitiesInStudy  = dicom.Tag{Group: 0x0008, Element: 0x0061}
)

// FindService answers C-FIND-RQ against the storage index at the
// patient, study, series, and image query/retrieve levels, streaming
// one pending response per match followed by a final response, per
// spec.md §4.3.
type FindService struct {
	index       *storage.Index
	logger      *slog.Logger
	coordinator *pipeline.Coordinator
	metrics     *metrics.Metrics
}

// NewFindService builds a C-FIND handler backed by the given index.
func NewFindService(index *storage.Index, logger *slog.Logger) *FindService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FindService{index: index, logger: logger}
}

// WithCoordinator routes the index query through the pipeline's
// storage_query_exec stage and enables C-CANCEL checks between pages.
func (s *FindService) WithCoordinator(coordinator *pipeline.Coordinator) *FindService {
	s.coordinator = coordinator
	return s
}

// WithMetrics attaches the Prometheus instrumentation C-FIND query
// timing and outcome counts are reported to.
func (s *FindService) WithMetrics(m *metrics.Metrics) *FindService {
	s.metrics = m
	return s
}

func (s *FindService) cancelled(sessionID string, messageID uint16) bool {
	if s.coordinator == nil {
		return false
	}
	return s.coordinator.IsCancelled(sessionID, messageID)
}

// HandleDIMSEStreaming implements interfaces.StreamingServiceHandler for C-FIND-RQ.
func (s *FindService) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	identifier := meta.Dataset
	if identifier == nil {
		var err error
		identifier, err = dicom.ParseDatasetWithTransferSyntax(data, meta.TransferSyntaxUID)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to parse C-FIND identifier", "error", err)
			return responder.SendResponse(NewCFindErrorResponse(msg, dimse.StatusFailure), nil, meta.TransferSyntaxUID)
		}
	}

	level := identifier.GetString(tagQueryRetrieveLevel)

	var matches []*dicom.Dataset
	start := time.Now()
	err := pipeline.Run(s.coordinator, ctx, pipeline.StageStorageQuery, pipeline.CategoryFind, meta.SessionID, func(ctx context.Context) error {
		found, searchErr := s.search(level, identifier)
		matches = found
		return searchErr
	})
	duration := time.Since(start).Seconds()
	if err != nil {
		s.metrics.RecordStorageOp("c_find", "error", duration)
		s.logger.ErrorContext(ctx, "C-FIND query failed", "error", err, "level", level)
		s.audit(ctx, meta.SessionID, meta.CallingAETitle, level, storage.AuditFailure, err.Error())
		return responder.SendResponse(NewCFindErrorResponse(msg, dimse.StatusFailure), nil, meta.TransferSyntaxUID)
	}
	s.metrics.RecordStorageOp("c_find", "success", duration)
	s.audit(ctx, meta.SessionID, meta.CallingAETitle, level, storage.AuditSuccess, fmt.Sprintf("%d matches", len(matches)))

	s.logger.InfoContext(ctx, "C-FIND matched", "level", level, "count", len(matches))

	for _, match := range matches {
		if s.cancelled(meta.SessionID, msg.MessageID) {
			s.logger.InfoContext(ctx, "C-FIND cancelled", "message_id", msg.MessageID)
			if s.coordinator != nil {
				s.coordinator.ClearCancelled(meta.SessionID, msg.MessageID)
			}
			return responder.SendResponse(NewCFindErrorResponse(msg, types.StatusCancel), nil, meta.TransferSyntaxUID)
		}
		if err := responder.SendResponse(NewCFindPendingResponse(msg), match, meta.TransferSyntaxUID); err != nil {
			return err
		}
	}

	return responder.SendResponse(NewCFindSuccessResponse(msg), nil, meta.TransferSyntaxUID)
}

func (s *FindService) audit(ctx context.Context, sessionID, actorAET, level string, outcome storage.AuditOutcome, detail string) {
	if actorAET == "" {
		actorAET = "UNKNOWN"
	}
	err := pipeline.Run(s.coordinator, ctx, pipeline.StageStorageQuery, pipeline.CategoryAudit, sessionID, func(context.Context) error {
		_, err := s.index.AppendAudit(actorAET, "C-FIND", level, outcome, detail)
		return err
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to append audit record", "error", err, "operation", "C-FIND")
	}
}

// search translates the identifier dataset into an index query at the
// requested level, per spec.md §4.3.
func (s *FindService) search(level string, identifier *dicom.Dataset) ([]*dicom.Dataset, error) {
	switch level {
	case "PATIENT":
		return s.searchPatients(identifier)
	case "STUDY":
		return s.searchStudies(identifier)
	case "SERIES":
		return s.searchSeries(identifier)
	case "IMAGE":
		return s.searchInstances(identifier)
	default:
		return nil, fmt.Errorf("unsupported query/retrieve level: %q", level)
	}
}

func (s *FindService) searchPatients(identifier *dicom.Dataset) ([]*dicom.Dataset, error) {
	q := storage.SearchQuery{Filters: map[string]string{}}
	if v := identifier.GetString(tagPatientID); v != "" {
		q.Filters["patient_id"] = v
	}
	if v := identifier.GetString(tagPatientName); v != "" {
		q.Filters["name"] = v
	}

	patients, err := s.index.SearchPatients(q)
	if err != nil {
		return nil, err
	}

	results := make([]*dicom.Dataset, 0, len(patients))
	for _, p := range patients {
		ds := dicom.NewDataset()
		ds.AddElement(tagQueryRetrieveLevel, dicom.VR_CS, "PATIENT")
		ds.AddElement(tagPatientID, dicom.VR_LO, p.PatientID)
		ds.AddElement(tagPatientName, dicom.VR_PN, p.Name)
		ds.AddElement(tagPatientBirthDate, dicom.VR_DA, p.BirthDate)
		ds.AddElement(tagPatientSex, dicom.VR_CS, p.Sex)
		results = append(results, ds)
	}
	return results, nil
}

func (s *FindService) searchStudies(identifier *dicom.Dataset) ([]*dicom.Dataset, error) {
	q := storage.SearchQuery{
		Filters:  map[string]string{},
		DateFrom: identifier.GetString(tagStudyDate),
	}
	if v := identifier.GetString(tagAccessionNumber); v != "" {
		q.Filters["accession_number"] = v
	}
	if v := identifier.GetString(tagStudyDescription); v != "" {
		q.Filters["description"] = v
	}

	studies, err := s.index.SearchStudies(q)
	if err != nil {
		return nil, err
	}

	results := make([]*dicom.Dataset, 0, len(studies))
	for _, st := range studies {
		ds := dicom.NewDataset()
		ds.AddElement(tagQueryRetrieveLevel, dicom.VR_CS, "STUDY")
		ds.AddElement(tagStudyInstanceUID, dicom.VR_UI, st.StudyUID)
		ds.AddElement(tagStudyID, dicom.VR_SH, st.StudyID)
		ds.AddElement(tagStudyDate, dicom.VR_DA, st.StudyDate)
		ds.AddElement(tagStudyTime, dicom.VR_TM, st.StudyTime)
		ds.AddElement(tagAccessionNumber, dicom.VR_SH, st.AccessionNumber)
		ds.AddElement(tagStudyDescription, dicom.VR_LO, st.Description)
		ds.AddElement(tagModalitiesInStudy, dicom.VR_CS, st.ModalitiesInStudy)

		if patient, err := s.index.FindPatientByPK(st.PatientFK); err == nil {
			ds.AddElement(tagPatientID, dicom.VR_LO, patient.PatientID)
			ds.AddElement(tagPatientName, dicom.VR_PN, patient.Name)
		} else {
			s.logger.Warn("C-FIND: could not resolve patient for study", "study_uid", st.StudyUID, "error", err)
		}
		results = append(results, ds)
	}
	return results, nil
}

func (s *FindService) searchSeries(identifier *dicom.Dataset) ([]*dicom.Dataset, error) {
	studyUID := identifier.GetString(tagStudyInstanceUID)
	q := storage.SearchQuery{Filters: map[string]string{}}
	if v := identifier.GetString(tagModality); v != "" {
		q.Filters["modality"] = v
	}

	series, err := s.index.SearchSeries(studyUID, q)
	if err != nil {
		return nil, err
	}

	results := make([]*dicom.Dataset, 0, len(series))
	for _, se := range series {
		ds := dicom.NewDataset()
		ds.AddElement(tagQueryRetrieveLevel, dicom.VR_CS, "SERIES")
		ds.AddElement(tagStudyInstanceUID, dicom.VR_UI, studyUID)
		ds.AddElement(tagSeriesInstanceUID, dicom.VR_UI, se.SeriesUID)
		ds.AddElement(tagModality, dicom.VR_CS, se.Modality)
		ds.AddElement(tagSeriesNumber, dicom.VR_IS, se.SeriesNumber)
		ds.AddElement(tagSeriesDescription, dicom.VR_LO, se.Description)
		results = append(results, ds)
	}
	return results, nil
}

func (s *FindService) searchInstances(identifier *dicom.Dataset) ([]*dicom.Dataset, error) {
	seriesUID := identifier.GetString(tagSeriesInstanceUID)
	q := storage.SearchQuery{Filters: map[string]string{}}

	instances, err := s.index.SearchInstances(seriesUID, q)
	if err != nil {
		return nil, err
	}

	results := make([]*dicom.Dataset, 0, len(instances))
	for _, inst := range instances {
		ds := dicom.NewDataset()
		ds.AddElement(tagQueryRetrieveLevel, dicom.VR_CS, "IMAGE")
		ds.AddElement(tagSeriesInstanceUID, dicom.VR_UI, seriesUID)
		ds.AddElement(tagSOPInstanceUID, dicom.VR_UI, inst.SOPUID)
		ds.AddElement(tagInstanceNumber, dicom.VR_IS, inst.InstanceNumber)
		results = append(results, ds)
	}
	return results, nil
}
