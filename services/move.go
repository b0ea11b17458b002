package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dicomnet/pacscore/blobstore"
	"github.com/dicomnet/pacscore/client"
	"github.com/dicomnet/pacscore/dicom"
	"github.com/dicomnet/pacscore/dimse"
	"github.com/dicomnet/pacscore/errors"
	"github.com/dicomnet/pacscore/interfaces"
	"github.com/dicomnet/pacscore/metrics"
	"github.com/dicomnet/pacscore/pipeline"
	"github.com/dicomnet/pacscore/storage"
	"github.com/dicomnet/pacscore/types"
)

// DestinationResolver maps a C-MOVE destination AE title (the only
// thing the C-MOVE-RQ command carries, per spec.md §4.3) to a dialable
// network address. The move destination is never itself a network
// address in DICOM; a real deployment configures a static AE-title
// table (see config.MoveConfig), which NewDestinationMap wraps as a
// resolver.
type DestinationResolver func(aeTitle string) (address string, ok bool)

// NewDestinationMap builds a DestinationResolver over a static AE
// title -> address table, the deployment-time answer to C-MOVE's open
// destination-resolution question.
func NewDestinationMap(destinations map[string]string) DestinationResolver {
	return func(aeTitle string) (string, bool) {
		address, ok := destinations[aeTitle]
		return address, ok
	}
}

// MoveService handles C-MOVE requests: it enumerates matching
// instances from the storage index and, for each one, opens an
// outbound association to the resolved destination and performs a
// C-STORE sub-operation, per spec.md §4.3.
type MoveService struct {
	index              *storage.Index
	blobs              *blobstore.Store
	logger             *slog.Logger
	coordinator        *pipeline.Coordinator
	metrics            *metrics.Metrics
	callingAETitle     string
	resolveDestination DestinationResolver
}

// NewMoveService builds a C-MOVE handler. callingAETitle is presented
// as the Calling AE Title on every outbound sub-association; resolve
// maps a C-MOVE destination AE title to a dialable address.
func NewMoveService(index *storage.Index, blobs *blobstore.Store, logger *slog.Logger, callingAETitle string, resolve DestinationResolver) *MoveService {
	if logger == nil {
		logger = slog.Default()
	}
	if resolve == nil {
		resolve = func(string) (string, bool) { return "", false }
	}
	return &MoveService{
		index:              index,
		blobs:              blobs,
		logger:             logger,
		callingAETitle:     callingAETitle,
		resolveDestination: resolve,
	}
}

// WithCoordinator routes the index lookup through the pipeline's
// storage_query_exec stage and enables C-CANCEL checks between
// sub-operations.
func (s *MoveService) WithCoordinator(coordinator *pipeline.Coordinator) *MoveService {
	s.coordinator = coordinator
	return s
}

// WithMetrics attaches the Prometheus instrumentation C-MOVE query and
// sub-operation outcome counts are reported to.
func (s *MoveService) WithMetrics(m *metrics.Metrics) *MoveService {
	s.metrics = m
	return s
}

func (s *MoveService) cancelled(sessionID string, messageID uint16) bool {
	if s.coordinator == nil {
		return false
	}
	return s.coordinator.IsCancelled(sessionID, messageID)
}

// HandleDIMSEStreaming implements interfaces.StreamingServiceHandler for C-MOVE-RQ.
func (s *MoveService) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	identifier := meta.Dataset
	if identifier == nil {
		var err error
		identifier, err = dicom.ParseDatasetWithTransferSyntax(data, meta.TransferSyntaxUID)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to parse C-MOVE identifier", "error", err)
			return responder.SendResponse(NewCMoveErrorResponse(msg, dimse.StatusFailure), nil, meta.TransferSyntaxUID)
		}
	}

	var instances []*storage.Instance
	err := pipeline.Run(s.coordinator, ctx, pipeline.StageStorageQuery, pipeline.CategoryMove, meta.SessionID, func(ctx context.Context) error {
		found, searchErr := s.resolveInstances(identifier)
		instances = found
		return searchErr
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "C-MOVE query failed", "error", err)
		return responder.SendResponse(NewCMoveErrorResponse(msg, dimse.StatusFailure), nil, meta.TransferSyntaxUID)
	}

	total := len(instances)
	s.logger.InfoContext(ctx, "C-MOVE matched", "count", total, "destination", msg.MoveDestination)
	if total == 0 {
		return responder.SendResponse(NewCMoveSuccessResponse(msg, 0, 0, 0), nil, meta.TransferSyntaxUID)
	}

	address, ok := s.resolveDestination(msg.MoveDestination)
	if !ok {
		s.logger.ErrorContext(ctx, "C-MOVE destination unknown", "destination", msg.MoveDestination)
		return responder.SendResponse(NewCMoveErrorResponse(msg, types.StatusMoveDestinationUnknown), nil, meta.TransferSyntaxUID)
	}

	var completed, failed, warning uint16
	for i, inst := range instances {
		if s.cancelled(meta.SessionID, msg.MessageID) {
			s.logger.InfoContext(ctx, "C-MOVE cancelled", "message_id", msg.MessageID)
			s.coordinator.ClearCancelled(meta.SessionID, msg.MessageID)
			cancelResp := NewResponseBuilder(msg).CMoveResponse(types.StatusCancel, &completed, &failed, &warning, nil)
			return responder.SendResponse(cancelResp, nil, meta.TransferSyntaxUID)
		}

		remaining := uint16(total - i)
		pending := NewCMovePendingResponse(msg, completed, failed, warning, remaining)
		if err := responder.SendResponse(pending, nil, meta.TransferSyntaxUID); err != nil {
			return err
		}

		opStart := time.Now()
		if err := s.performCStore(ctx, msg.MoveDestination, address, inst); err != nil {
			s.metrics.RecordStorageOp("c_move_suboperation", "error", time.Since(opStart).Seconds())
			s.logger.ErrorContext(ctx, "C-MOVE sub-operation failed", "error", err, "sop_instance_uid", inst.SOPUID)
			failed++
		} else {
			s.metrics.RecordStorageOp("c_move_suboperation", "success", time.Since(opStart).Seconds())
			s.logger.InfoContext(ctx, "C-MOVE sub-operation succeeded", "sop_instance_uid", inst.SOPUID)
			completed++
		}
	}

	outcome := storage.AuditSuccess
	if failed > 0 {
		outcome = storage.AuditFailure
	}
	s.audit(ctx, meta.SessionID, meta.CallingAETitle, msg.MoveDestination, outcome, fmt.Sprintf("completed=%d failed=%d", completed, failed))

	return responder.SendResponse(NewCMoveSuccessResponse(msg, completed, failed, warning), nil, meta.TransferSyntaxUID)
}

func (s *MoveService) audit(ctx context.Context, sessionID, actorAET, affectedUID string, outcome storage.AuditOutcome, detail string) {
	if actorAET == "" {
		actorAET = "UNKNOWN"
	}
	err := pipeline.Run(s.coordinator, ctx, pipeline.StageStorageQuery, pipeline.CategoryAudit, sessionID, func(context.Context) error {
		_, err := s.index.AppendAudit(actorAET, "C-MOVE", affectedUID, outcome, detail)
		return err
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to append audit record", "error", err, "operation", "C-MOVE")
	}
}

// resolveInstances enumerates the instances an identifier matches,
// preferring the most specific UID present: instance, then series,
// then study, matching the retrieval scope a real SCU would populate.
func (s *MoveService) resolveInstances(identifier *dicom.Dataset) ([]*storage.Instance, error) {
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
			// An unknown study matches no instances; it is not a query failure.
			if storageErr, ok := err.(*errors.StorageError); ok && storageErr.Code == errors.StorageFileNotFound {
				return nil, nil
			}
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

	return nil, fmt.Errorf("C-MOVE identifier carried no study, series, or SOP instance UID")
}

func instancePointers(instances []storage.Instance) []*storage.Instance {
	out := make([]*storage.Instance, len(instances))
	for i := range instances {
		out[i] = &instances[i]
	}
	return out
}

// performCStore reads an instance's stored bytes and pushes them to
// destinationAddress over a fresh outbound association, per spec.md
// §5's "outbound C-MOVE sub-associations block for a connect and an
// association negotiation".
func (s *MoveService) performCStore(ctx context.Context, destinationAETitle, destinationAddress string, inst *storage.Instance) error {
	payload, err := s.blobs.Get(inst.FilePath)
	if err != nil {
		return fmt.Errorf("read stored instance: %w", err)
	}

	cfg := client.Config{
		CallingAETitle:            s.callingAETitle,
		CalledAETitle:             destinationAETitle,
		MaxPDULength:              16384,
		PreferredTransferSyntaxes: buildTransferSyntaxList(inst.TransferSyntax),
		Logger:                    s.logger,
	}

	assoc, err := client.Connect(destinationAddress, cfg)
	if err != nil {
		return fmt.Errorf("connect to move destination %s: %w", destinationAddress, err)
	}
	defer assoc.Close()

	resp, err := assoc.SendCStore(&client.CStoreRequest{
		SOPClassUID:    inst.SOPClassUID,
		SOPInstanceUID: inst.SOPUID,
		Data:           payload,
		MessageID:      1,
	})
	if err != nil {
		return fmt.Errorf("sub-operation C-STORE: %w", err)
	}
	if !types.IsSuccess(resp.Status) {
		return fmt.Errorf("sub-operation C-STORE returned status 0x%04x", resp.Status)
	}
	return nil
}

// buildTransferSyntaxList proposes the instance's native transfer
// syntax first, falling back to the common ones a destination SCP is
// likely to accept.
func buildTransferSyntaxList(nativeTS string) []string {
	syntaxes := []string{nativeTS}
	for _, ts := range []string{
		types.ExplicitVRLittleEndian,
		types.ImplicitVRLittleEndian,
		types.JPEG2000Lossless,
		types.JPEG2000,
	} {
		if ts != nativeTS {
			syntaxes = append(syntaxes, ts)
		}
	}
	return syntaxes
}
