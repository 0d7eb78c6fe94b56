package source_test

import (
	"errors"
	"testing"

	"framestore/internal/source"
	"framestore/internal/storage"
)

func newSource(t *testing.T, capacity int) *source.Source {
	t.Helper()
	reg := source.NewRegistry(source.Config{})
	t.Cleanup(func() { reg.Close() })
	p := path("cam0")
	p.Capacity = capacity
	src, _, err := reg.Register(cam("cam0"), p)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return src
}

func TestAttachOneLiveSink(t *testing.T) {
	src := newSource(t, 0)

	if _, err := src.Attach(1, 10, false); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := src.Attach(2, 10, false); !errors.Is(err, storage.ErrAlreadyPrepared) {
		t.Errorf("second Attach: got %v, want ErrAlreadyPrepared", err)
	}
	if !src.Bound(1) || src.Bound(2) {
		t.Error("Bound mismatch")
	}

	// Completing releases the sink; only a resuming attach gets a new one.
	if !src.MarkComplete() {
		t.Fatal("MarkComplete reported already complete")
	}
	if src.Live() || src.State() != source.StateComplete {
		t.Errorf("after MarkComplete: live=%v state=%v", src.Live(), src.State())
	}
	if _, err := src.Attach(3, 10, false); !errors.Is(err, storage.ErrSourceComplete) {
		t.Errorf("Attach after complete: got %v, want ErrSourceComplete", err)
	}
	if resumed, err := src.Attach(3, 10, true); err != nil || !resumed {
		t.Errorf("resuming Attach = %v, %v", resumed, err)
	}
}

func TestAttachCapacityFallsBackToPath(t *testing.T) {
	src := newSource(t, 7)
	if _, err := src.Attach(1, 0, false); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if src.Capacity() != 7 {
		t.Errorf("Capacity = %d, want 7", src.Capacity())
	}
}

func TestCheckCapacity(t *testing.T) {
	src := newSource(t, 0)
	if _, err := src.Attach(1, 2, false); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	for range 2 {
		if err := src.CheckCapacity(); err != nil {
			t.Fatalf("CheckCapacity: %v", err)
		}
		src.Advance()
	}
	if err := src.CheckCapacity(); !errors.Is(err, storage.ErrCapacityExceeded) {
		t.Errorf("got %v, want ErrCapacityExceeded", err)
	}
}

func TestCompleteIsTerminalUnlessResumed(t *testing.T) {
	src := newSource(t, 0)
	if _, err := src.Attach(1, 0, false); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	src.Advance()

	if !src.MarkComplete() {
		t.Fatal("first MarkComplete should report true")
	}
	if src.MarkComplete() {
		t.Error("second MarkComplete should report false")
	}
	if src.Live() {
		t.Error("MarkComplete should release the sink")
	}

	_, err := src.Attach(2, 0, false)
	if !errors.Is(err, storage.ErrSourceComplete) || !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Attach on complete: got %v, want ErrSourceComplete", err)
	}

	resumed, err := src.Attach(3, 0, true)
	if err != nil {
		t.Fatalf("resume Attach: %v", err)
	}
	if !resumed {
		t.Error("expected resumed=true")
	}
	if src.Written() != 1 {
		t.Errorf("Written after resume = %d, want 1", src.Written())
	}
}

func TestResumeCapacityBoundsTotal(t *testing.T) {
	src := newSource(t, 0)
	src.Attach(1, 0, false)
	for range 3 {
		src.Advance()
	}
	src.MarkComplete()

	if _, err := src.Attach(2, 2, true); !errors.Is(err, storage.ErrCapacityExceeded) {
		t.Errorf("got %v, want ErrCapacityExceeded", err)
	}
	if _, err := src.Attach(3, 4, true); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := src.CheckCapacity(); err != nil {
		t.Fatalf("CheckCapacity: %v", err)
	}
	src.Advance()
	if err := src.CheckCapacity(); !errors.Is(err, storage.ErrCapacityExceeded) {
		t.Errorf("got %v, want ErrCapacityExceeded", err)
	}
}

// collect wraps Source.Collect and reports whether the resource flag was set.
func collect(src *source.Source, n int) (storage.Range, bool, error) {
	var first bool
	r, err := src.Collect(n, func(_ storage.Range, f bool) error {
		first = f
		return nil
	})
	return r, first, err
}

func TestCollectRanges(t *testing.T) {
	src := newSource(t, 0)
	for range 10 {
		src.Advance()
	}

	r, first, err := collect(src, 4)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if r != (storage.Range{Start: 0, Stop: 4}) || !first {
		t.Errorf("first collect = %v first=%v", r, first)
	}

	r, first, err = collect(src, 4)
	if err != nil || r.Len() != 0 || first {
		t.Errorf("repeat collect = %v first=%v err=%v", r, first, err)
	}

	// Requests beyond the write count are capped.
	r, first, err = collect(src, 50)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if r != (storage.Range{Start: 4, Stop: 10}) || first {
		t.Errorf("capped collect = %v first=%v", r, first)
	}
	if src.Reported() != 10 {
		t.Errorf("Reported = %d, want 10", src.Reported())
	}

	if _, _, err := collect(src, 9); !errors.Is(err, storage.ErrOutOfRange) {
		t.Errorf("regressing collect: got %v, want ErrOutOfRange", err)
	}
	if _, _, err := collect(src, -1); !errors.Is(err, storage.ErrOutOfRange) {
		t.Errorf("negative collect: got %v, want ErrOutOfRange", err)
	}
}

func TestCollectEmptyDoesNotSendResource(t *testing.T) {
	src := newSource(t, 0)
	if _, first, err := collect(src, 0); err != nil || first {
		t.Fatalf("empty collect: first=%v err=%v", first, err)
	}
	src.Advance()
	if _, first, _ := collect(src, 1); !first {
		t.Error("first non-empty collect should carry the resource")
	}
}

func TestCollectBuildFailureKeepsMarker(t *testing.T) {
	src := newSource(t, 0)
	src.Advance()
	src.Advance()

	boom := errors.New("boom")
	if _, err := src.Collect(2, func(storage.Range, bool) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if src.Reported() != 0 {
		t.Errorf("Reported = %d after failed build, want 0", src.Reported())
	}
	r, first, err := collect(src, 2)
	if err != nil || r != (storage.Range{Start: 0, Stop: 2}) || !first {
		t.Errorf("retry = %v first=%v err=%v", r, first, err)
	}
}

func TestRecordSnapshot(t *testing.T) {
	src := newSource(t, 100)
	src.Attach(1, 0, false)
	src.Advance()
	src.Collect(1, nil)

	rec := src.Record()
	if rec.Written != 1 || rec.Reported != 1 || !rec.ResourceSent {
		t.Errorf("record = %+v", rec)
	}
	if rec.Capacity != 100 || rec.State != source.StatePrepared {
		t.Errorf("capacity=%d state=%v", rec.Capacity, rec.State)
	}
	if rec.State.String() != "prepared" {
		t.Errorf("State.String = %q", rec.State.String())
	}
}
