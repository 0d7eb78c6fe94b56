package memory

import (
	"context"
	"errors"
	"testing"

	"framestore/internal/frame"
	"framestore/internal/storage"
)

func allocate(t *testing.T, b *Backend, name string) {
	t.Helper()
	info := storage.SourceInfo{Name: name, DType: frame.Uint8, Shape: frame.Shape{2, 2}}
	path := storage.PathInfo{StoreURI: "mem://scan000", ArrayKey: name}
	if err := b.Allocate(context.Background(), info, path); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
}

func TestAppendRequiresOpen(t *testing.T) {
	ctx := context.Background()
	b := New(Config{})
	allocate(t, b, "cam0")

	f := frame.Zeros(frame.Uint8, frame.Shape{2, 2})
	if err := b.Append(ctx, "cam0", f); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("append before open: got %v, want ErrNotOpen", err)
	}
	if err := b.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Append(ctx, "cam0", f); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := b.Append(ctx, "ghost", f); !errors.Is(err, ErrUnknownArray) {
		t.Errorf("unknown array: got %v, want ErrUnknownArray", err)
	}
	if b.Len("cam0") != 1 {
		t.Errorf("Len = %d, want 1", b.Len("cam0"))
	}
}

func TestFramesAreCopied(t *testing.T) {
	ctx := context.Background()
	b := New(Config{})
	allocate(t, b, "cam0")
	b.Open(ctx)

	f, _ := frame.FromSlice(frame.Shape{2, 2}, []uint8{1, 2, 3, 4})
	if err := b.Append(ctx, "cam0", f); err != nil {
		t.Fatalf("Append: %v", err)
	}
	f.Data[0] = 99

	frames, err := b.Frames("cam0")
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	if frames[0].Data[0] != 1 {
		t.Errorf("stored frame aliases caller buffer: %v", frames[0].Data)
	}
}

func TestFinalizeAndResume(t *testing.T) {
	ctx := context.Background()
	b := New(Config{})
	allocate(t, b, "cam0")
	b.Open(ctx)
	f := frame.Zeros(frame.Uint8, frame.Shape{2, 2})

	if err := b.Finalize(ctx, "cam0"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !b.Finalized("cam0") {
		t.Error("expected finalized")
	}
	if err := b.Append(ctx, "cam0", f); !errors.Is(err, ErrFinalized) {
		t.Errorf("append after finalize: got %v, want ErrFinalized", err)
	}
	if err := b.Resume(ctx, "cam0"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := b.Append(ctx, "cam0", f); err != nil {
		t.Errorf("append after resume: %v", err)
	}
}

func TestMaxBytes(t *testing.T) {
	ctx := context.Background()
	b := New(Config{MaxBytes: 8})
	allocate(t, b, "cam0")
	b.Open(ctx)
	f := frame.Zeros(frame.Uint8, frame.Shape{2, 2})

	for range 2 {
		if err := b.Append(ctx, "cam0", f); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := b.Append(ctx, "cam0", f); !errors.Is(err, ErrMemoryLimit) {
		t.Errorf("got %v, want ErrMemoryLimit", err)
	}
	if err := b.Release(ctx, "cam0"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(b.Arrays()) != 0 {
		t.Errorf("Arrays = %v after release", b.Arrays())
	}
}

func TestStreamDocsFor(t *testing.T) {
	ctx := context.Background()
	b := New(Config{})
	allocate(t, b, "cam0")
	b.Open(ctx)
	b.Append(ctx, "cam0", frame.Zeros(frame.Uint8, frame.Shape{2, 2}))

	loc, err := b.StreamDocsFor("cam0", storage.Range{Start: 0, Stop: 1})
	if err != nil {
		t.Fatalf("StreamDocsFor: %v", err)
	}
	if loc.URI != "mem://scan000" || loc.Parameters["array_name"] != "cam0" {
		t.Errorf("location = %+v", loc)
	}
	if _, err := b.StreamDocsFor("cam0", storage.Range{Start: 0, Stop: 2}); err == nil {
		t.Error("expected error for range beyond written frames")
	}
}

func TestFactory(t *testing.T) {
	backend, err := NewFactory()(map[string]string{ParamMaxBytes: "1024"}, nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if backend.(*Backend).cfg.MaxBytes != 1024 {
		t.Errorf("MaxBytes not applied")
	}
	if _, err := NewFactory()(map[string]string{ParamMaxBytes: "lots"}, nil); err == nil {
		t.Error("expected error for invalid max_bytes")
	}
	if _, err := NewFactory()(map[string]string{ParamMaxBytes: "0"}, nil); err == nil {
		t.Error("expected error for zero max_bytes")
	}
}

func TestClosedRejectsWork(t *testing.T) {
	ctx := context.Background()
	b := New(Config{})
	b.Close(ctx)
	if err := b.Open(ctx); !errors.Is(err, ErrBackendClosed) {
		t.Errorf("open after close: got %v", err)
	}
	info := storage.SourceInfo{Name: "x", DType: frame.Uint8, Shape: frame.Shape{1}}
	if err := b.Allocate(ctx, info, storage.PathInfo{}); !errors.Is(err, ErrBackendClosed) {
		t.Errorf("allocate after close: got %v", err)
	}
}

func TestAllocateKeyConflict(t *testing.T) {
	ctx := context.Background()
	b := New(Config{})
	info := storage.SourceInfo{Name: "cam0", DType: frame.Uint8, Shape: frame.Shape{2, 2}}
	if err := b.Allocate(ctx, info, storage.PathInfo{StoreURI: "mem://scan000"}); err != nil {
		t.Fatalf("Allocate cam0: %v", err)
	}
	info.Name = "cam1"
	if err := b.Allocate(ctx, info, storage.PathInfo{StoreURI: "mem://scan000", ArrayKey: "cam0"}); !errors.Is(err, storage.ErrKeyConflict) {
		t.Errorf("got %v, want ErrKeyConflict", err)
	}
	if err := b.Allocate(ctx, info, storage.PathInfo{StoreURI: "mem://scan001", ArrayKey: "cam0"}); err != nil {
		t.Errorf("same key in another store: %v", err)
	}
}
