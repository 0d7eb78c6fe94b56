package file

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"framestore/internal/format"
	"framestore/internal/frame"
	"framestore/internal/source"
	"framestore/internal/storage"
)

func record(name string, written int) source.Record {
	return source.Record{
		Info: storage.SourceInfo{
			Name:  name,
			DType: frame.Uint16,
			Shape: frame.Shape{4, 4},
			Extra: map[string]any{"units": "counts"},
		},
		Path:        storage.PathInfo{StoreURI: "file:///data/scan000", ArrayKey: name, Capacity: 100},
		ResourceUID: "uid-" + name,
		Written:     written,
		Capacity:    100,
		State:       source.StatePrepared,
		UpdatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestLoadMissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "manifest.bin"))
	recs, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("got %d records, want 0", len(recs))
	}
}

func TestSaveAndLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "sub", "manifest.bin")
	s := NewStore(p)

	if err := s.Save(record("cam1", 3)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(record("cam0", 5)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Replaces the earlier cam1 record.
	if err := s.Save(record("cam1", 4)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	recs, err := NewStore(p).LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Info.Name != "cam0" || recs[1].Info.Name != "cam1" {
		t.Errorf("records not ordered by name: %q, %q", recs[0].Info.Name, recs[1].Info.Name)
	}
	if recs[1].Written != 4 {
		t.Errorf("cam1 written = %d, want 4", recs[1].Written)
	}
	if !recs[0].Info.Shape.Equal(frame.Shape{4, 4}) || recs[0].Info.DType != frame.Uint16 {
		t.Errorf("schema = %s %s", recs[0].Info.DType, recs[0].Info.Shape)
	}
	if recs[0].Info.Extra["units"] != "counts" {
		t.Errorf("extra = %v", recs[0].Info.Extra)
	}
	if !recs[0].UpdatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("UpdatedAt = %v", recs[0].UpdatedAt)
	}

	if _, err := os.Stat(p + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp file left behind: %v", err)
	}
}

func TestFileHeader(t *testing.T) {
	p := filepath.Join(t.TempDir(), "manifest.bin")
	if err := NewStore(p).Save(record("cam0", 1)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if _, err := format.DecodeAndValidate(data, format.TypeSourceManifest, currentVersion); err != nil {
		t.Errorf("header: %v", err)
	}
}

func TestLoadRejectsForeignFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "manifest.bin")
	h := format.Header{Type: format.TypeFrameLog, Version: 1}.Encode()
	if err := os.WriteFile(p, h[:], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(p).LoadAll(); !errors.Is(err, format.ErrTypeMismatch) {
		t.Errorf("got %v, want ErrTypeMismatch", err)
	}
}

func TestRegistryPersistsToFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "manifest.bin")
	store := NewStore(p)
	reg := source.NewRegistry(source.Config{Store: store})

	src, _, err := reg.Register(record("cam0", 0).Info, record("cam0", 0).Path)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	src.Advance()
	reg.Touch(src)
	reg.Close()

	recs, err := NewStore(p).LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(recs) != 1 || recs[0].Written != 1 {
		t.Errorf("records = %+v", recs)
	}
}
