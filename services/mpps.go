package services

import (
	"context"
	"log/slog"

	"github.com/dicomnet/pacscore/dicom"
	"github.com/dicomnet/pacscore/errors"
	"github.com/dicomnet/pacscore/interfaces"
	"github.com/dicomnet/pacscore/pipeline"
	"github.com/dicomnet/pacscore/storage"
	"github.com/dicomnet/pacscore/types"
)

// Tags an MPPS N-CREATE/N-SET dataset carries, beyond the patient and
// accession tags already declared in store.go's tag table.
var (
	tagPerformedStationAET     = dicom.Tag{Group: 0x0040, Element: 0x0241}
	tagPerformedProcStepDate   = dicom.Tag{Group: 0x0040, Element: 0x0244}
	tagPerformedProcStepTime   = dicom.Tag{Group: 0x0040, Element: 0x0245}
	tagPerformedProcStepStatus = dicom.Tag{Group: 0x0040, Element: 0x0252}
	tagPerformedProcStepReason = dicom.Tag{Group: 0x0040, Element: 0x0281}
)

// MPPSService implements the Modality Performed Procedure Step state
// machine of spec.md §4.4: N-CREATE opens a procedure step, N-SET
// advances it to COMPLETED or DISCONTINUED. Both also drive the linked
// worklist item's state, best-effort — an MPPS for a walk-in procedure
// with no matching scheduled item is not an error.
type MPPSService struct {
	index       *storage.Index
	logger      *slog.Logger
	coordinator *pipeline.Coordinator
}

// NewMPPSService builds an N-CREATE/N-SET handler backed by the given index.
func NewMPPSService(index *storage.Index, logger *slog.Logger) *MPPSService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MPPSService{index: index, logger: logger}
}

// WithCoordinator routes MPPS record and worklist updates through the
// pipeline's storage_query_exec stage, per spec.md §4.5.
func (s *MPPSService) WithCoordinator(coordinator *pipeline.Coordinator) *MPPSService {
	s.coordinator = coordinator
	return s
}

// HandleDIMSE implements interfaces.ServiceHandler for N-CREATE-RQ and N-SET-RQ.
func (s *MPPSService) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	switch msg.CommandField {
	case types.NCreateRQ:
		return s.handleNCreate(ctx, msg, meta)
	case types.NSetRQ:
		return s.handleNSet(ctx, msg, meta)
	default:
		return nil, nil, nil
	}
}

func (s *MPPSService) handleNCreate(ctx context.Context, msg *types.Message, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	if meta.Dataset == nil {
		s.logger.WarnContext(ctx, "N-CREATE carried no dataset", "sop_instance_uid", msg.AffectedSOPInstanceUID)
		return NewNCreateResponse(msg, types.StatusFailure), nil, nil
	}

	accessionNumber := meta.Dataset.GetString(tagAccessionNumber)
	record := &storage.MPPSRecord{
		SOPInstanceUID:                  msg.AffectedSOPInstanceUID,
		PatientID:                       meta.Dataset.GetString(tagPatientID),
		AccessionNumber:                 accessionNumber,
		PerformedStationAET:             meta.Dataset.GetString(tagPerformedStationAET),
		PerformedProcedureStepStartDate: meta.Dataset.GetString(tagPerformedProcStepDate),
		PerformedProcedureStepStartTime: meta.Dataset.GetString(tagPerformedProcStepTime),
	}

	err := pipeline.Run(s.coordinator, ctx, pipeline.StageStorageQuery, pipeline.CategoryOther, meta.SessionID, func(ctx context.Context) error {
		if _, err := s.index.CreateMPPS(record); err != nil {
			return err
		}
		if accessionNumber != "" {
			if _, err := s.index.TransitionWorklistItem(accessionNumber, storage.WorklistStarted); err != nil {
				s.logger.WarnContext(ctx, "MPPS N-CREATE did not transition a worklist item", "accession_number", accessionNumber, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create MPPS record", "error", err, "sop_instance_uid", msg.AffectedSOPInstanceUID)
		s.audit(ctx, meta.SessionID, meta.CallingAETitle, "N-CREATE", msg.AffectedSOPInstanceUID, storage.AuditFailure, err.Error())
		return NewNCreateResponse(msg, mppsFailureStatus(err)), nil, nil
	}

	s.logger.InfoContext(ctx, "created MPPS record", "sop_instance_uid", msg.AffectedSOPInstanceUID)
	s.audit(ctx, meta.SessionID, meta.CallingAETitle, "N-CREATE", msg.AffectedSOPInstanceUID, storage.AuditSuccess, "")
	return NewNCreateResponse(msg, types.StatusSuccess), nil, nil
}

func (s *MPPSService) handleNSet(ctx context.Context, msg *types.Message, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	if meta.Dataset == nil {
		s.logger.WarnContext(ctx, "N-SET carried no dataset", "sop_instance_uid", msg.AffectedSOPInstanceUID)
		return NewNSetResponse(msg, types.StatusFailure), nil, nil
	}

	status := meta.Dataset.GetString(tagPerformedProcStepStatus)
	var target storage.MPPSState
	switch status {
	case "COMPLETED":
		target = storage.MPPSCompleted
	case "DISCONTINUED":
		target = storage.MPPSDiscontinued
	default:
		s.logger.WarnContext(ctx, "N-SET carried an unrecognized procedure step status", "status", status)
		return NewNSetResponse(msg, types.StatusCannotUnderstand), nil, nil
	}
	reason := meta.Dataset.GetString(tagPerformedProcStepReason)

	var record *storage.MPPSRecord
	err := pipeline.Run(s.coordinator, ctx, pipeline.StageStorageQuery, pipeline.CategoryOther, meta.SessionID, func(ctx context.Context) error {
		updated, updateErr := s.index.UpdateMPPS(msg.AffectedSOPInstanceUID, target, reason)
		if updateErr != nil {
			return updateErr
		}
		record = updated
		if target == storage.MPPSCompleted && record.AccessionNumber != "" {
			if _, err := s.index.TransitionWorklistItem(record.AccessionNumber, storage.WorklistCompleted); err != nil {
				s.logger.WarnContext(ctx, "MPPS N-SET did not transition a worklist item", "accession_number", record.AccessionNumber, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to update MPPS record", "error", err, "sop_instance_uid", msg.AffectedSOPInstanceUID)
		s.audit(ctx, meta.SessionID, meta.CallingAETitle, "N-SET", msg.AffectedSOPInstanceUID, storage.AuditFailure, err.Error())
		return NewNSetResponse(msg, mppsFailureStatus(err)), nil, nil
	}

	s.logger.InfoContext(ctx, "updated MPPS record", "sop_instance_uid", msg.AffectedSOPInstanceUID, "state", target)
	s.audit(ctx, meta.SessionID, meta.CallingAETitle, "N-SET", msg.AffectedSOPInstanceUID, storage.AuditSuccess, string(target))
	return NewNSetResponse(msg, types.StatusSuccess), nil, nil
}

func (s *MPPSService) audit(ctx context.Context, sessionID, actorAET, operation, affectedUID string, outcome storage.AuditOutcome, detail string) {
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

// mppsFailureStatus maps a storage error to the closest DIMSE N-SET/N-CREATE
// failure status.
func mppsFailureStatus(err error) uint16 {
	storageErr, ok := err.(*errors.StorageError)
	if !ok {
		return types.StatusFailure
	}
	switch storageErr.Code {
	case errors.StorageFileNotFound:
		return types.StatusNoSuchObject
	default:
		return types.StatusProcessingFailure
	}
}
