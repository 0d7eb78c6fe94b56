package writer

import (
	"context"
	"fmt"
	"sync/atomic"

	"framestore/internal/frame"
	"framestore/internal/source"
	"framestore/internal/storage"
)

// sink is the frame handle returned by Prepare.
type sink struct {
	w      *Writer
	src    *source.Source
	id     uint64
	count  atomic.Int64
	closed atomic.Bool
}

var _ storage.Sink = (*sink)(nil)

func (s *sink) Name() string { return s.src.Name() }

func (s *sink) Count() int { return int(s.count.Load()) }

// Write appends f. The writer lock is held only for the backend append.
func (s *sink) Write(ctx context.Context, f frame.Frame) error {
	if s.closed.Load() {
		return fmt.Errorf("write %q: sink %w", s.src.Name(), storage.ErrClosed)
	}
	if err := s.w.append(ctx, s, f); err != nil {
		return err
	}
	s.count.Add(1)
	return nil
}

// Close completes the bound source. Safe to call more than once.
func (s *sink) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Superseded: the source was completed without this sink.
	if !s.src.Bound(s.id) {
		return nil
	}
	return s.w.Complete(ctx, s.src.Name())
}

func (w *Writer) append(ctx context.Context, s *sink, f frame.Frame) error {
	if w.closed.Load() {
		return fmt.Errorf("write %q: writer %w", s.src.Name(), storage.ErrClosed)
	}
	if err := checkFrame(s.src, f); err != nil {
		return err
	}

	w.ioMu.Lock()
	defer w.ioMu.Unlock()

	if !s.src.Bound(s.id) {
		return fmt.Errorf("write %q: sink %w", s.src.Name(), storage.ErrClosed)
	}
	if err := w.usableLocked(); err != nil {
		return err
	}
	if err := w.kickoffLocked(ctx); err != nil {
		return err
	}
	if err := s.src.CheckCapacity(); err != nil {
		return err
	}
	if err := w.call(ctx, "append", s.src.Name(), func(ctx context.Context) error {
		return w.backend.Append(ctx, s.src.Name(), f)
	}); err != nil {
		return err
	}
	s.src.Advance()
	return nil
}

func checkFrame(src *source.Source, f frame.Frame) error {
	dtype, shape := src.Schema()
	if f.DType != dtype {
		return fmt.Errorf("%w: %q expects %s, got %s", storage.ErrDTypeMismatch, src.Name(), dtype, f.DType)
	}
	if !f.Shape.Equal(shape) {
		return fmt.Errorf("%w: %q expects %s, got %s", storage.ErrShapeMismatch, src.Name(), shape, f.Shape)
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %q: %w", storage.ErrShapeMismatch, src.Name(), err)
	}
	return nil
}
