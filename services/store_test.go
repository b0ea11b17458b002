package services

import (
	"context"
	"testing"

	"github.com/dicomnet/pacscore/blobstore"
	"github.com/dicomnet/pacscore/dicom"
	"github.com/dicomnet/pacscore/dimse"
	"github.com/dicomnet/pacscore/interfaces"
	"github.com/dicomnet/pacscore/storage"
	"github.com/dicomnet/pacscore/types"
)

func newTestStoreService(t *testing.T) *StoreService {
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

	return NewStoreService(idx, blobs, nil)
}

func sampleStoreDataset() *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(tagPatientID, dicom.VR_LO, "PAT001")
	ds.AddElement(tagPatientName, dicom.VR_PN, "DOE^JANE")
	ds.AddElement(tagStudyInstanceUID, dicom.VR_UI, "1.2.3.study")
	ds.AddElement(tagStudyDate, dicom.VR_DA, "20260101")
	ds.AddElement(tagSeriesInstanceUID, dicom.VR_UI, "1.2.3.series")
	ds.AddElement(tagModality, dicom.VR_CS, "CT")
	ds.AddElement(tagInstanceNumber, dicom.VR_IS, "1")
	return ds
}

func TestStoreServiceStoresHierarchyAndBlob(t *testing.T) {
	svc := newTestStoreService(t)

	msg := &types.Message{
		MessageID:              1,
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		AffectedSOPInstanceUID: "1.2.3.instance",
	}
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	resp, _, err := svc.HandleDIMSE(context.Background(), msg, data, interfaces.MessageContext{
		TransferSyntaxUID: "1.2.840.10008.1.2.1",
		Dataset:           sampleStoreDataset(),
	})
	if err != nil {
		t.Fatalf("HandleDIMSE: %v", err)
	}
	if resp.Status != dimse.StatusSuccess {
		t.Fatalf("Status = %#x, want success", resp.Status)
	}

	inst, err := svc.index.FindInstanceByUID("1.2.3.instance")
	if err != nil {
		t.Fatalf("FindInstanceByUID: %v", err)
	}
	if inst.FileSize != int64(len(data)) {
		t.Errorf("FileSize = %d, want %d", inst.FileSize, len(data))
	}

	blob, err := svc.blobs.Get(inst.FilePath)
	if err != nil {
		t.Fatalf("blobs.Get: %v", err)
	}
	if string(blob) != string(data) {
		t.Errorf("stored blob = %v, want %v", blob, data)
	}

	series, err := svc.index.FindSeriesByUID("1.2.3.series")
	if err != nil {
		t.Fatalf("FindSeriesByUID: %v", err)
	}
	if series.Modality != "CT" {
		t.Errorf("Modality = %q, want CT", series.Modality)
	}

	study, err := svc.index.FindStudyByUID("1.2.3.study")
	if err != nil {
		t.Fatalf("FindStudyByUID: %v", err)
	}
	if study.ModalitiesInStudy != "CT" {
		t.Errorf("ModalitiesInStudy = %q, want CT", study.ModalitiesInStudy)
	}
}

func TestStoreServiceRejectsMissingDataset(t *testing.T) {
	svc := newTestStoreService(t)

	msg := &types.Message{
		MessageID:              2,
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		AffectedSOPInstanceUID: "1.2.3.instance2",
	}

	resp, _, err := svc.HandleDIMSE(context.Background(), msg, nil, interfaces.MessageContext{})
	if err != nil {
		t.Fatalf("HandleDIMSE: %v", err)
	}
	if resp.Status != dimse.StatusFailure {
		t.Errorf("Status = %#x, want failure", resp.Status)
	}
}
