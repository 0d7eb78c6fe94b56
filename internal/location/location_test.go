package location

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

func TestAutoIncrementSequence(t *testing.T) {
	p, err := NewAutoIncrement("scan", 3, 0)
	if err != nil {
		t.Fatalf("NewAutoIncrement: %v", err)
	}
	for _, want := range []string{"scan000", "scan001", "scan002"} {
		got, err := p.Filename("cam0")
		if err != nil {
			t.Fatalf("Filename: %v", err)
		}
		if got != want {
			t.Errorf("Filename = %q, want %q", got, want)
		}
	}
	if p.Next() != 3 {
		t.Errorf("Next = %d, want 3", p.Next())
	}
}

func TestAutoIncrementExhausted(t *testing.T) {
	p, err := NewAutoIncrement("run", 1, 8)
	if err != nil {
		t.Fatalf("NewAutoIncrement: %v", err)
	}
	for _, want := range []string{"run8", "run9"} {
		if got, err := p.Filename(""); err != nil || got != want {
			t.Fatalf("Filename = %q, %v; want %q", got, err, want)
		}
	}
	if _, err := p.Filename(""); !errors.Is(err, ErrCounterExhausted) {
		t.Errorf("got %v, want ErrCounterExhausted", err)
	}
	// Still exhausted; the counter does not wrap.
	if _, err := p.Filename(""); !errors.Is(err, ErrCounterExhausted) {
		t.Errorf("got %v, want ErrCounterExhausted", err)
	}
}

func TestAutoIncrementValidation(t *testing.T) {
	if _, err := NewAutoIncrement("x", 0, 0); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("zero digits: got %v", err)
	}
	if _, err := NewAutoIncrement("x", 3, -1); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("negative start: got %v", err)
	}
}

func TestAutoIncrementResumesFromSpec(t *testing.T) {
	p, _ := NewAutoIncrement("scan", 3, 0)
	p.Filename("")
	p.Filename("")

	data, err := json.Marshal(p.Spec())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	rebuilt, err := spec.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got, _ := rebuilt.Filename(""); got != "scan002" {
		t.Errorf("rebuilt provider returned %q, want scan002", got)
	}
}

func TestUUIDProvider(t *testing.T) {
	a, err := UUID{}.Filename("")
	if err != nil {
		t.Fatalf("Filename: %v", err)
	}
	b, _ := UUID{}.Filename("")
	if a == b {
		t.Error("UUID provider returned the same name twice")
	}
	id, err := uuid.Parse(a)
	if err != nil {
		t.Fatalf("not a uuid: %v", err)
	}
	if id.Version() != 7 {
		t.Errorf("uuid version = %d, want 7", id.Version())
	}
}

func TestStaticProvider(t *testing.T) {
	if got, _ := (Static{Name: "run"}).Filename("cam0"); got != "run" {
		t.Errorf("Filename = %q", got)
	}
	if _, err := (Static{}).Filename(""); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("empty static: got %v", err)
	}
}

func TestSpecBuildErrors(t *testing.T) {
	if _, err := (Spec{Kind: "random"}).Build(); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("got %v, want ErrUnknownKind", err)
	}
	if _, err := (Spec{Kind: KindStatic}).Build(); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("got %v, want ErrInvalidSpec", err)
	}
}

func TestStorePathProvider(t *testing.T) {
	names, _ := NewAutoIncrement("scan", 3, 0)
	p, err := NewStorePathProvider("s3://lab-bucket/raw", names, StoreOptions{Suffix: ".zarr", Capacity: 100})
	if err != nil {
		t.Fatalf("NewStorePathProvider: %v", err)
	}

	cam0, err := p.Path("cam0")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	cam1, _ := p.Path("cam1")

	if cam0.StoreURI != "s3://lab-bucket/raw/scan000.zarr" {
		t.Errorf("StoreURI = %q", cam0.StoreURI)
	}
	if cam0.StoreURI != cam1.StoreURI {
		t.Error("devices should share one store")
	}
	if cam0.ArrayKey != "cam0" || cam1.ArrayKey != "cam1" {
		t.Errorf("array keys = %q, %q", cam0.ArrayKey, cam1.ArrayKey)
	}
	if cam0.Capacity != 100 {
		t.Errorf("Capacity = %d", cam0.Capacity)
	}
	// The filename was drawn once.
	if names.Next() != 1 {
		t.Errorf("filename provider called %d times, want 1", names.Next())
	}

	store, _ := p.Path("")
	if store.ArrayKey != "" || store.StoreURI != cam0.StoreURI {
		t.Errorf("store-level path = %+v", store)
	}
}

func TestStorePathProviderBarePath(t *testing.T) {
	dir := t.TempDir()
	p, err := NewStorePathProvider(dir, Static{Name: "run"}, StoreOptions{})
	if err != nil {
		t.Fatalf("NewStorePathProvider: %v", err)
	}
	info, _ := p.Path("cam0")
	want := "file://" + filepath.ToSlash(filepath.Join(dir, "run"))
	if info.StoreURI != want {
		t.Errorf("StoreURI = %q, want %q", info.StoreURI, want)
	}
}

func TestStorePathProviderErrors(t *testing.T) {
	if _, err := NewStorePathProvider("", Static{Name: "x"}, StoreOptions{}); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("empty base: got %v", err)
	}
	if _, err := NewStorePathProvider("mem://lab", nil, StoreOptions{}); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("nil provider: got %v", err)
	}
	exhausted, _ := NewAutoIncrement("x", 1, 10)
	if _, err := NewStorePathProvider("mem://lab", exhausted, StoreOptions{}); !errors.Is(err, ErrCounterExhausted) {
		t.Errorf("exhausted provider: got %v", err)
	}
}

func TestStoreSpecCrossesProcessBoundary(t *testing.T) {
	p, err := NewStorePathProvider("gs://bucket/runs", UUID{}, StoreOptions{Suffix: ".zarr", MimetypeHint: "application/x-zarr"})
	if err != nil {
		t.Fatalf("NewStorePathProvider: %v", err)
	}
	want, _ := p.Path("cam0")

	for name, codec := range map[string]struct {
		marshal   func(any) ([]byte, error)
		unmarshal func([]byte, any) error
	}{
		"json":    {json.Marshal, json.Unmarshal},
		"yaml":    {yaml.Marshal, yaml.Unmarshal},
		"msgpack": {msgpack.Marshal, msgpack.Unmarshal},
	} {
		t.Run(name, func(t *testing.T) {
			data, err := codec.marshal(p.Spec())
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var spec StoreSpec
			if err := codec.unmarshal(data, &spec); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			rebuilt, err := spec.Build()
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			got, _ := rebuilt.Path("cam0")
			if got.StoreURI != want.StoreURI || got.ArrayKey != want.ArrayKey || got.MimetypeHint != want.MimetypeHint {
				t.Errorf("rebuilt path = %+v, want %+v", got, want)
			}
		})
	}
}

func TestNormalizeURI(t *testing.T) {
	got, err := NormalizeURI("azblob://container/prefix")
	if err != nil || got != "azblob://container/prefix" {
		t.Errorf("NormalizeURI = %q, %v", got, err)
	}
	got, err = NormalizeURI("relative/dir")
	if err != nil || !strings.HasPrefix(got, "file:///") {
		t.Errorf("relative path = %q, %v", got, err)
	}
}
