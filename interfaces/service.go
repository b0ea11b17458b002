// Package interfaces contains all service and handler interfaces
package interfaces

import (
	"context"

	"github.com/dicomnet/pacscore/dicom"
	"github.com/dicomnet/pacscore/types"
)

// MessageContext carries the presentation-context metadata a DIMSE command
// arrived under, alongside its already-parsed dataset, so a ServiceHandler
// never needs a back-reference into the PDU layer to do its job.
type MessageContext struct {
	PresentationContextID byte
	TransferSyntaxUID     string
	Dataset               *dicom.Dataset

	// SessionID identifies the association this message arrived on, so a
	// handler backed by the pipeline coordinator can tag its storage_query_exec
	// job and C-CANCEL lookups without a back-reference to the connection.
	SessionID string

	// CallingAETitle is the AE title the remote peer presented when the
	// association was established, used to attribute audit_log entries.
	CallingAETitle string
}

// ServiceHandler interface for handling DIMSE operations
type ServiceHandler interface {
	HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta MessageContext) (*types.Message, *dicom.Dataset, error)
}

// StreamingServiceHandler interface for multi-response DIMSE operations
// (C-FIND, C-MOVE, C-GET) where the handler emits zero or more intermediate
// responses before a final one, all on the same association.
type StreamingServiceHandler interface {
	HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta MessageContext, responder ResponseSender) error
}

// ResponseSender interface for sending intermediate or final responses from
// a streaming handler. transferSyntaxUID, if empty, falls back to the
// presentation context's negotiated transfer syntax.
type ResponseSender interface {
	SendResponse(msg *types.Message, dataset *dicom.Dataset, transferSyntaxUID string) error
}

// CGetResponder interface for C-GET operations that need to send C-STORE sub-operations
type CGetResponder interface {
	ResponseSender
	// SendCStore sends a C-STORE sub-operation on the same association
	SendCStore(sopClassUID, sopInstanceUID string, data []byte) error
}

// DIMSEHandler interface for PDU layer to communicate with DIMSE layer
type DIMSEHandler interface {
	HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer PDULayer) error
}

// PDULayer interface for DIMSE layer to communicate with PDU layer
type PDULayer interface {
	SendDIMSEResponse(presContextID byte, commandData []byte) error
	SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, dataset []byte) error
	GetTransferSyntax(presContextID byte) (string, error)
	GetCallingAETitle() string
}
