package blobstore

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{RootDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)

	rel, err := store.Put("1.2.840.10008.5.1.4.1.1.7", []byte("payload"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	data, err := store.Get(rel)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("Get = %q, want payload", data)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(filepath.Join("abcd", "missing.dcm")); err == nil {
		t.Error("expected error for missing blob")
	}
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	store := newTestStore(t)
	if err := store.Delete(filepath.Join("abcd", "missing.dcm")); err != nil {
		t.Errorf("Delete on missing file returned error: %v", err)
	}
}

func TestPutOverwritesExisting(t *testing.T) {
	store := newTestStore(t)
	rel, err := store.Put("1.2.3", []byte("v1"))
	if err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	if _, err := store.Put("1.2.3", []byte("v2")); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	data, err := store.Get(rel)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "v2" {
		t.Errorf("Get = %q, want v2", data)
	}
}
