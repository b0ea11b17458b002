package services

import (
	"context"
	"errors"
	"testing"

	"github.com/dicomnet/pacscore/blobstore"
	"github.com/dicomnet/pacscore/dicom"
	"github.com/dicomnet/pacscore/dimse"
	"github.com/dicomnet/pacscore/interfaces"
	"github.com/dicomnet/pacscore/storage"
	"github.com/dicomnet/pacscore/types"
)

// fakeCGetResponder implements interfaces.CGetResponder by recording
// C-STORE sub-operations instead of sending them over a real association.
type fakeCGetResponder struct {
	mockResponder
	stored []string
	failOn string
}

var errTestSubStoreFailed = errors.New("sub-store failed")

func (f *fakeCGetResponder) SendCStore(sopClassUID, sopInstanceUID string, data []byte) error {
	if sopInstanceUID == f.failOn {
		return errTestSubStoreFailed
	}
	f.stored = append(f.stored, sopInstanceUID)
	return nil
}

func newTestGetService(t *testing.T) (*GetService, *storage.Index, *blobstore.Store) {
	t.Helper()
	idx, err := storage.Open(&storage.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	blobs, err := blobstore.Open(blobstore.Config{RootDir: t.TempDir()})
	if err != nil {
		t.Fatalf("blobstore.Open: %v", err)
	}

	if _, err := idx.UpsertPatient(&storage.Patient{PatientID: "PAT001"}); err != nil {
		t.Fatalf("UpsertPatient: %v", err)
	}
	if _, err := idx.UpsertStudy("PAT001", &storage.Study{StudyUID: "1.2.3.study"}); err != nil {
		t.Fatalf("UpsertStudy: %v", err)
	}
	if _, err := idx.UpsertSeries("1.2.3.study", &storage.Series{SeriesUID: "1.2.3.series"}); err != nil {
		t.Fatalf("UpsertSeries: %v", err)
	}

	relPath, err := blobs.Put("1.2.3.instance", []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("blobs.Put: %v", err)
	}
	if _, err := idx.UpsertInstance("1.2.3.series", &storage.Instance{
		SOPUID:      "1.2.3.instance",
		SOPClassUID: "1.2.840.10008.5.1.4.1.1.2",
		FilePath:    relPath,
	}); err != nil {
		t.Fatalf("UpsertInstance: %v", err)
	}

	return NewGetService(idx, blobs, nil), idx, blobs
}

func TestGetServiceStreamsSubOperations(t *testing.T) {
	svc, _, _ := newTestGetService(t)

	identifier := dicom.NewDataset()
	identifier.AddElement(tagStudyInstanceUID, dicom.VR_UI, "1.2.3.study")

	msg := &types.Message{CommandField: dimse.CGetRQ, MessageID: 1}
	responder := &fakeCGetResponder{}

	if err := svc.HandleDIMSEStreaming(context.Background(), msg, nil, interfaces.MessageContext{Dataset: identifier}, responder); err != nil {
		t.Fatalf("HandleDIMSEStreaming: %v", err)
	}

	if len(responder.stored) != 1 || responder.stored[0] != "1.2.3.instance" {
		t.Fatalf("stored = %v, want [1.2.3.instance]", responder.stored)
	}

	final := responder.responses[len(responder.responses)-1]
	if final.Status != types.StatusSuccess {
		t.Errorf("final status = %#x, want success", final.Status)
	}
	if *final.NumberOfCompletedSuboperations != 1 {
		t.Errorf("completed = %d, want 1", *final.NumberOfCompletedSuboperations)
	}
}

func TestGetServiceRejectsNonCGetResponder(t *testing.T) {
	svc, _, _ := newTestGetService(t)

	identifier := dicom.NewDataset()
	identifier.AddElement(tagStudyInstanceUID, dicom.VR_UI, "1.2.3.study")

	msg := &types.Message{CommandField: dimse.CGetRQ, MessageID: 1}
	responder := &mockResponder{}

	if err := svc.HandleDIMSEStreaming(context.Background(), msg, nil, interfaces.MessageContext{Dataset: identifier}, responder); err != nil {
		t.Fatalf("HandleDIMSEStreaming: %v", err)
	}
	if len(responder.responses) != 1 || responder.responses[0].Status != dimse.StatusFailure {
		t.Fatalf("expected a single failure response, got %+v", responder.responses)
	}
}
