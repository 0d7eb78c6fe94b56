// Package writer implements the local storage proxy: one Writer owns one
// physical store, registers sources, hands out frame sinks and reports
// stream documents for what was written.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"framestore/internal/logging"
	"framestore/internal/source"
	"framestore/internal/storage"
)

// DefaultOpTimeout bounds every backend call unless Config.OpTimeout is set.
const DefaultOpTimeout = 30 * time.Second

var (
	// ErrKickedOff is returned by RemoveSource once the store is writing.
	ErrKickedOff = errors.New("store already kicked off")

	ErrNoBackend = errors.New("writer: backend is required")
	ErrNoPaths   = errors.New("writer: path provider is required")
)

// PathProvider resolves the location of a source's array. The writer calls
// it once per source, at registration.
type PathProvider interface {
	Path(device string) (storage.PathInfo, error)
}

// Config configures a Writer.
type Config struct {
	// Backend encodes frames. Required.
	Backend storage.Backend

	// Paths resolves per-source locations. Required.
	Paths PathProvider

	// AllowReprepare lets Prepare reopen a completed source; new frames are
	// appended after the existing ones. Off by default: completion is terminal.
	AllowReprepare bool

	// OpTimeout bounds each backend call. Defaults to DefaultOpTimeout.
	OpTimeout time.Duration

	// Manifest, if set, receives best-effort snapshots of every source.
	Manifest source.Store

	// Logger for structured logging. If nil, logging is disabled.
	// The writer scopes this logger with component="writer".
	Logger *slog.Logger
}

// Writer is the local storage.Proxy.
//
// Every call that reaches the backend holds ioMu for its duration, so
// physical I/O is serialised across all sources. Progress queries read the
// sources' atomic counters and never take ioMu.
//
// Logging:
//   - Logger is dependency-injected via Config.Logger
//   - Writer owns its scoped logger (component="writer")
//   - Lifecycle events only; nothing is logged per frame
type Writer struct {
	cfg     Config
	backend storage.Backend
	sources *source.Registry

	ioMu    sync.Mutex
	kicked  bool
	failure error

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	nextSink  atomic.Uint64

	logger *slog.Logger
}

var (
	_ storage.Proxy     = (*Writer)(nil)
	_ storage.Describer = (*Writer)(nil)
	_ storage.Locator   = (*Writer)(nil)
)

// New creates a Writer. The backend is not opened until Kickoff or the
// first frame write.
func New(cfg Config) (*Writer, error) {
	if cfg.Backend == nil {
		return nil, ErrNoBackend
	}
	if cfg.Paths == nil {
		return nil, ErrNoPaths
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}

	logger := logging.Default(cfg.Logger).With("component", "writer")
	return &Writer{
		cfg:     cfg,
		backend: cfg.Backend,
		sources: source.NewRegistry(source.Config{
			Store:  cfg.Manifest,
			Logger: cfg.Logger,
		}),
		logger: logger,
	}, nil
}

// UpdateSource registers a source schema and allocates its array.
func (w *Writer) UpdateSource(ctx context.Context, info storage.SourceInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}
	if w.closed.Load() {
		return fmt.Errorf("update source %q: writer %w", info.Name, storage.ErrClosed)
	}

	w.ioMu.Lock()
	defer w.ioMu.Unlock()

	if err := w.usableLocked(); err != nil {
		return err
	}

	// Already registered: identical schema is a no-op, anything else conflicts.
	if src, err := w.sources.Lookup(info.Name); err == nil {
		_, _, err := w.sources.Register(info, src.Path())
		return err
	}

	path, err := w.cfg.Paths.Path(info.Name)
	if err != nil {
		return fmt.Errorf("resolve path for %q: %w", info.Name, err)
	}
	src, _, err := w.sources.Register(info, path)
	if err != nil {
		return err
	}

	if err := w.call(ctx, "allocate", info.Name, func(ctx context.Context) error {
		return w.backend.Allocate(ctx, src.Info(), src.Path())
	}); err != nil {
		_ = w.sources.Remove(info.Name)
		return err
	}

	w.logger.Info("source registered",
		"source", info.Name, "dtype", info.DType, "shape", info.Shape.String(),
		"store", path.StoreURI, "array", path.ArrayKey)
	return nil
}

// Prepare returns a sink bound to name.
func (w *Writer) Prepare(ctx context.Context, name string, capacity int) (storage.Sink, error) {
	if capacity < 0 {
		return nil, fmt.Errorf("prepare %q: negative capacity %d", name, capacity)
	}
	if w.closed.Load() {
		return nil, fmt.Errorf("prepare %q: writer %w", name, storage.ErrClosed)
	}
	src, err := w.sources.Lookup(name)
	if err != nil {
		return nil, err
	}

	w.ioMu.Lock()
	defer w.ioMu.Unlock()

	if err := w.usableLocked(); err != nil {
		return nil, err
	}

	resumer, canResume := w.backend.(storage.Resumer)
	id := w.nextSink.Add(1)
	resumed, err := src.Attach(id, capacity, w.cfg.AllowReprepare && canResume)
	if err != nil {
		return nil, err
	}
	if resumed {
		if err := w.call(ctx, "resume", name, func(ctx context.Context) error {
			return resumer.Resume(ctx, name)
		}); err != nil {
			src.MarkComplete()
			return nil, err
		}
		w.logger.Info("source resumed", "source", name, "written", src.Written())
	}
	w.sources.Touch(src)

	return &sink{w: w, src: src, id: id}, nil
}

// Kickoff opens the backend. Idempotent.
func (w *Writer) Kickoff(ctx context.Context) error {
	if w.closed.Load() {
		return fmt.Errorf("kickoff: writer %w", storage.ErrClosed)
	}
	w.ioMu.Lock()
	defer w.ioMu.Unlock()
	return w.kickoffLocked(ctx)
}

func (w *Writer) kickoffLocked(ctx context.Context) error {
	if w.kicked {
		return nil
	}
	if err := w.usableLocked(); err != nil {
		return err
	}
	if err := w.call(ctx, "open", "", w.backend.Open); err != nil {
		return err
	}
	w.kicked = true
	w.logger.Info("store opened", "sources", w.sources.Count(), "mimetype", w.backend.Mimetype())
	return nil
}

// Complete finalizes name. Completing an already complete source is a no-op.
func (w *Writer) Complete(ctx context.Context, name string) error {
	if w.closed.Load() {
		return fmt.Errorf("complete %q: writer %w", name, storage.ErrClosed)
	}
	src, err := w.sources.Lookup(name)
	if err != nil {
		return err
	}

	w.ioMu.Lock()
	defer w.ioMu.Unlock()
	return w.completeLocked(ctx, src)
}

func (w *Writer) completeLocked(ctx context.Context, src *source.Source) error {
	if src.State() == source.StateComplete {
		return nil
	}
	if err := w.usableLocked(); err != nil {
		return err
	}
	if err := w.kickoffLocked(ctx); err != nil {
		return err
	}
	if err := w.call(ctx, "finalize", src.Name(), func(ctx context.Context) error {
		return w.backend.Finalize(ctx, src.Name())
	}); err != nil {
		return err
	}
	src.MarkComplete()
	w.sources.Touch(src)
	w.logger.Info("source complete", "source", src.Name(), "written", src.Written())
	return nil
}

// IndicesWritten returns the write count of name, or the minimum over all
// sources when name is empty. It never blocks on backend I/O.
func (w *Writer) IndicesWritten(_ context.Context, name string) (int, error) {
	if name == "" {
		return w.sources.MinWritten(), nil
	}
	src, err := w.sources.Lookup(name)
	if err != nil {
		return 0, err
	}
	return src.Written(), nil
}

// RemoveSource forgets a registered source. Only allowed before kickoff and
// while the source has no live sink.
func (w *Writer) RemoveSource(ctx context.Context, name string) error {
	if w.closed.Load() {
		return fmt.Errorf("remove %q: writer %w", name, storage.ErrClosed)
	}

	w.ioMu.Lock()
	defer w.ioMu.Unlock()

	if err := w.usableLocked(); err != nil {
		return err
	}
	if w.kicked {
		return fmt.Errorf("remove %q: %w", name, ErrKickedOff)
	}
	if err := w.sources.Remove(name); err != nil {
		return err
	}
	if r, ok := w.backend.(storage.Releaser); ok {
		if err := w.call(ctx, "release", name, func(ctx context.Context) error {
			return r.Release(ctx, name)
		}); err != nil {
			return err
		}
	}
	w.logger.Info("source removed", "source", name)
	return nil
}

// Describe returns a descriptor per registered source, keyed by data key.
func (w *Writer) Describe(context.Context) (map[string]storage.Descriptor, error) {
	out := make(map[string]storage.Descriptor)
	for _, src := range w.sources.Sources() {
		info := src.Info()
		out[info.DataKey()] = storage.Describe(info)
	}
	return out, nil
}

// Location returns the store-level location: the path provider's answer for
// an empty device name.
func (w *Writer) Location(context.Context) (storage.PathInfo, error) {
	return w.cfg.Paths.Path("")
}

// Sources returns a snapshot of every registered source.
func (w *Writer) Sources() []source.Record {
	srcs := w.sources.Sources()
	out := make([]source.Record, len(srcs))
	for i, src := range srcs {
		out[i] = src.Record()
	}
	return out
}

// Close finalizes every incomplete source and closes the backend. It runs
// once; later calls return the first result.
func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.closed.Store(true)

		w.ioMu.Lock()
		defer w.ioMu.Unlock()

		var errs []error
		if w.kicked && w.failure == nil {
			for _, src := range w.sources.Sources() {
				if err := w.completeLocked(ctx, src); err != nil {
					errs = append(errs, err)
					break
				}
			}
		}
		if err := w.backend.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%w: close: %w", storage.ErrBackendIO, err))
		}
		if err := w.sources.Close(); err != nil {
			errs = append(errs, err)
		}
		w.closeErr = errors.Join(errs...)
		w.logger.Info("writer closed", "sources", w.sources.Count())
	})
	return w.closeErr
}

// usableLocked reports the failure that made the store unusable, if any.
func (w *Writer) usableLocked() error {
	if w.failure != nil {
		return fmt.Errorf("%w: store unusable after earlier failure: %v", storage.ErrBackendIO, w.failure)
	}
	return nil
}

// call runs fn under the configured timeout. Any failure, including a
// timeout or a cancelled context, is wrapped with ErrBackendIO and marks the
// store failed. Must be called with ioMu held.
func (w *Writer) call(ctx context.Context, op, name string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	var err error
	select {
	case err = <-done:
		if err == nil {
			return nil
		}
		// Rejected before touching the store.
		if errors.Is(err, storage.ErrKeyConflict) {
			return fmt.Errorf("%s %q: %w", op, name, err)
		}
	case <-ctx.Done():
		err = ctx.Err()
	}

	w.failure = fmt.Errorf("%s %q: %w", op, name, err)
	w.logger.Error("backend failure, store unusable", "op", op, "source", name, "error", err)
	return fmt.Errorf("%w: %w", storage.ErrBackendIO, w.failure)
}
