package services

import (
	"context"
	"testing"

	"github.com/dicomnet/pacscore/dicom"
	"github.com/dicomnet/pacscore/dimse"
	"github.com/dicomnet/pacscore/interfaces"
	"github.com/dicomnet/pacscore/storage"
	"github.com/dicomnet/pacscore/types"
)

func newTestMoveService(t *testing.T, resolve DestinationResolver) *MoveService {
	t.Helper()
	idx, err := storage.Open(&storage.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	return NewMoveService(idx, nil, nil, "PACSCORE", resolve)
}

func TestMoveServiceNoMatchesReturnsSuccessWithZeroCounts(t *testing.T) {
	svc := newTestMoveService(t, nil)

	identifier := dicom.NewDataset()
	identifier.AddElement(tagStudyInstanceUID, dicom.VR_UI, "1.2.3.study")

	msg := &types.Message{CommandField: dimse.CMoveRQ, MessageID: 1, MoveDestination: "REMOTE_SCP"}
	responder := &mockResponder{}

	if err := svc.HandleDIMSEStreaming(context.Background(), msg, nil, interfaces.MessageContext{Dataset: identifier}, responder); err != nil {
		t.Fatalf("HandleDIMSEStreaming: %v", err)
	}

	if len(responder.responses) != 1 {
		t.Fatalf("expected a single success response, got %d", len(responder.responses))
	}
	if responder.responses[0].Status != types.StatusSuccess {
		t.Errorf("status = %#x, want success", responder.responses[0].Status)
	}
	if *responder.responses[0].NumberOfCompletedSuboperations != 0 {
		t.Errorf("completed = %d, want 0", *responder.responses[0].NumberOfCompletedSuboperations)
	}
}

func TestMoveServiceUnknownDestination(t *testing.T) {
	idx, err := storage.Open(&storage.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	if _, err := idx.UpsertPatient(&storage.Patient{PatientID: "PAT001"}); err != nil {
		t.Fatalf("UpsertPatient: %v", err)
	}
	if _, err := idx.UpsertStudy("PAT001", &storage.Study{StudyUID: "1.2.3.study"}); err != nil {
		t.Fatalf("UpsertStudy: %v", err)
	}
	if _, err := idx.UpsertSeries("1.2.3.study", &storage.Series{SeriesUID: "1.2.3.series"}); err != nil {
		t.Fatalf("UpsertSeries: %v", err)
	}
	if _, err := idx.UpsertInstance("1.2.3.series", &storage.Instance{SOPUID: "1.2.3.instance"}); err != nil {
		t.Fatalf("UpsertInstance: %v", err)
	}

	svc := NewMoveService(idx, nil, nil, "PACSCORE", NewDestinationMap(nil))

	identifier := dicom.NewDataset()
	identifier.AddElement(tagStudyInstanceUID, dicom.VR_UI, "1.2.3.study")

	msg := &types.Message{CommandField: dimse.CMoveRQ, MessageID: 1, MoveDestination: "NOWHERE"}
	responder := &mockResponder{}

	if err := svc.HandleDIMSEStreaming(context.Background(), msg, nil, interfaces.MessageContext{Dataset: identifier}, responder); err != nil {
		t.Fatalf("HandleDIMSEStreaming: %v", err)
	}

	if len(responder.responses) != 1 || responder.responses[0].Status != types.StatusMoveDestinationUnknown {
		t.Fatalf("expected a single move-destination-unknown response, got %+v", responder.responses)
	}
}

func TestNewDestinationMap(t *testing.T) {
	resolve := NewDestinationMap(map[string]string{"REMOTE": "10.0.0.1:104"})

	if addr, ok := resolve("REMOTE"); !ok || addr != "10.0.0.1:104" {
		t.Errorf("resolve(REMOTE) = (%q, %v), want (10.0.0.1:104, true)", addr, ok)
	}
	if _, ok := resolve("UNKNOWN"); ok {
		t.Error("resolve(UNKNOWN) should not be found")
	}
}
