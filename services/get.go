package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dicomnet/pacscore/blobstore"
	"github.com/dicomnet/pacscore/dicom"
	"github.com/dicomnet/pacscore/dimse"
	"github.com/dicomnet/pacscore/interfaces"
	"github.com/dicomnet/pacscore/metrics"
	"github.com/dicomnet/pacscore/pipeline"
	"github.com/dicomnet/pacscore/storage"
	"github.com/dicomnet/pacscore/types"
)

// GetService handles C-GET requests: unlike C-MOVE, the sub-operation
// C-STORE messages travel back over the same association that carried
// the C-GET-RQ, so a GetService needs a responder that also implements
// interfaces.CGetResponder rather than an outbound client connection.
type GetService struct {
	index       *storage.Index
	blobs       *blobstore.Store
	logger      *slog.Logger
	coordinator *pipeline.Coordinator
	metrics     *metrics.Metrics
}

// NewGetService builds a C-GET handler backed by the given index and blob store.
func NewGetService(index *storage.Index, blobs *blobstore.Store, logger *slog.Logger) *GetService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GetService{index: index, blobs: blobs, logger: logger}
}

// WithCoordinator routes the index lookup through the pipeline's
// storage_query_exec stage and enables C-CANCEL checks between
// sub-operations.
func (s *GetService) WithCoordinator(coordinator *pipeline.Coordinator) *GetService {
	s.coordinator = coordinator
	return s
}

// WithMetrics attaches the Prometheus instrumentation C-GET query and
// sub-operation outcome counts are reported to.
func (s *GetService) WithMetrics(m *metrics.Metrics) *GetService {
	s.metrics = m
	return s
}

func (s *GetService) cancelled(sessionID string, messageID uint16) bool {
	if s.coordinator == nil {
		return false
	}
	return s.coordinator.IsCancelled(sessionID, messageID)
}

// HandleDIMSEStreaming implements interfaces.StreamingServiceHandler for C-GET-RQ.
func (s *GetService) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	cGetResponder, ok := responder.(interfaces.CGetResponder)
	if !ok {
		s.logger.ErrorContext(ctx, "C-GET responder does not support C-STORE sub-operations")
		return responder.SendResponse(NewCGetErrorResponse(msg, dimse.StatusFailure), nil, meta.TransferSyntaxUID)
	}

	identifier := meta.Dataset
	if identifier == nil {
		var err error
		identifier, err = dicom.ParseDatasetWithTransferSyntax(data, meta.TransferSyntaxUID)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to parse C-GET identifier", "error", err)
			return responder.SendResponse(NewCGetErrorResponse(msg, dimse.StatusFailure), nil, meta.TransferSyntaxUID)
		}
	}

	var instances []*storage.Instance
	start := time.Now()
	err := pipeline.Run(s.coordinator, ctx, pipeline.StageStorageQuery, pipeline.CategoryGet, meta.SessionID, func(ctx context.Context) error {
		found, searchErr := s.resolveInstances(identifier)
		instances = found
		return searchErr
	})
	duration := time.Since(start).Seconds()
	if err != nil {
		s.metrics.RecordStorageOp("c_get", "error", duration)
		s.logger.ErrorContext(ctx, "C-GET query failed", "error", err)
		return responder.SendResponse(NewCGetErrorResponse(msg, dimse.StatusFailure), nil, meta.TransferSyntaxUID)
	}
	s.metrics.RecordStorageOp("c_get", "success", duration)

	total := len(instances)
	s.logger.InfoContext(ctx, "C-GET matched", "count", total)
	if total == 0 {
		return responder.SendResponse(NewCGetSuccessResponse(msg, 0, 0, 0), nil, meta.TransferSyntaxUID)
	}

	var completed, failed, warning uint16
	for i, inst := range instances {
		if s.cancelled(meta.SessionID, msg.MessageID) {
			s.logger.InfoContext(ctx, "C-GET cancelled", "message_id", msg.MessageID)
			s.coordinator.ClearCancelled(meta.SessionID, msg.MessageID)
			cancelResp := NewResponseBuilder(msg).CGetResponse(types.StatusCancel, &completed, &failed, &warning, nil)
			return responder.SendResponse(cancelResp, nil, meta.TransferSyntaxUID)
		}

		remaining := uint16(total - i)
		pending := NewCGetPendingResponse(msg, completed, failed, warning, remaining)
		if err := responder.SendResponse(pending, nil, meta.TransferSyntaxUID); err != nil {
			return err
		}

		opStart := time.Now()
		if err := s.performSubStore(cGetResponder, inst); err != nil {
			s.metrics.RecordStorageOp("c_get_suboperation", "error", time.Since(opStart).Seconds())
			s.logger.ErrorContext(ctx, "C-GET sub-operation failed", "error", err, "sop_instance_uid", inst.SOPUID)
			failed++
		} else {
			s.metrics.RecordStorageOp("c_get_suboperation", "success", time.Since(opStart).Seconds())
			s.logger.InfoContext(ctx, "C-GET sub-operation succeeded", "sop_instance_uid", inst.SOPUID)
			completed++
		}
	}

	outcome := storage.AuditSuccess
	if failed > 0 {
		outcome = storage.AuditFailure
	}
	s.audit(ctx, meta.SessionID, meta.CallingAETitle, outcome, fmt.Sprintf("completed=%d failed=%d", completed, failed))

	return responder.SendResponse(NewCGetSuccessResponse(msg, completed, failed, warning), nil, meta.TransferSyntaxUID)
}

func (s *GetService) audit(ctx context.Context, sessionID, actorAET string, outcome storage.AuditOutcome, detail string) {
	if actorAET == "" {
		actorAET = "UNKNOWN"
	}
	err := pipeline.Run(s.coordinator, ctx, pipeline.StageStorageQuery, pipeline.CategoryAudit, sessionID, func(context.Context) error {
		_, err := s.index.AppendAudit(actorAET, "C-GET", "", outcome, detail)
		return err
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to append audit record", "error", err, "operation", "C-GET")
	}
}

// resolveInstances mirrors MoveService.resolveInstances: prefer the most
// specific UID present in the identifier (instance, then series, then study).
func (s *GetService) resolveInstances(identifier *dicom.Dataset) ([]*storage.Instance, error) {
	if sopUID := identifier.GetString(tagSOPInstanceUID); sopUID != "" {
		inst, err := s.index.FindInstanceByUID(sopUID)
		if err != nil {
			return nil, err
		}
		return []*storage.Instance{inst}, nil
	}

	if seriesUID := identifier.GetString(tagSeriesInstanceUID); seriesUID != "" {
		instances, err := s.index.SearchInstances(seriesUID, storage.SearchQuery{})
		if err != nil {
			return nil, err
		}
		return instancePointers(instances), nil
	}

	if studyUID := identifier.GetString(tagStudyInstanceUID); studyUID != "" {
		seriesList, err := s.index.SearchSeries(studyUID, storage.SearchQuery{})
		if err != nil {
			return nil, err
		}
		var all []*storage.Instance
		for _, se := range seriesList {
			instances, err := s.index.SearchInstances(se.SeriesUID, storage.SearchQuery{})
			if err != nil {
				return nil, err
			}
			all = append(all, instancePointers(instances)...)
		}
		return all, nil
	}

	return nil, fmt.Errorf("C-GET identifier carried no study, series, or SOP instance UID")
}

// performSubStore reads an instance's stored bytes and sends them as a
// C-STORE sub-operation on the same association, per spec.md §4.3's
// note that C-GET (unlike C-MOVE) never opens a new association.
func (s *GetService) performSubStore(responder interfaces.CGetResponder, inst *storage.Instance) error {
	payload, err := s.blobs.Get(inst.FilePath)
	if err != nil {
		return fmt.Errorf("read stored instance: %w", err)
	}
	return responder.SendCStore(inst.SOPClassUID, inst.SOPUID, payload)
}
