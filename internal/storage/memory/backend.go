// Package memory provides an in-process storage backend. Frames are kept in
// memory and can be read back, which makes it the backend of choice for
// tests and dry runs.
package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"framestore/internal/frame"
	"framestore/internal/logging"
	"framestore/internal/storage"
)

// Mimetype of stores produced by this backend.
const Mimetype = "application/x-framestore-memory"

var (
	ErrNotOpen       = errors.New("memory backend: not open")
	ErrBackendClosed = errors.New("memory backend: closed")
	ErrUnknownArray  = errors.New("memory backend: unknown array")
	ErrFinalized     = errors.New("memory backend: array finalized")
	ErrMemoryLimit   = errors.New("memory backend: byte limit reached")
)

// Config configures a Backend.
type Config struct {
	// MaxBytes caps the total frame bytes held. 0 means no limit.
	MaxBytes int64

	// Logger for structured logging. If nil, logging is disabled.
	// The backend scopes this logger with component="storage-backend", type="memory".
	Logger *slog.Logger
}

// Backend keeps every array in memory.
type Backend struct {
	mu     sync.Mutex
	cfg    Config
	open   bool
	closed bool
	size   int64
	arrays map[string]*array

	logger *slog.Logger
}

type array struct {
	info      storage.SourceInfo
	path      storage.PathInfo
	frames    [][]byte
	finalized bool
}

var (
	_ storage.Backend  = (*Backend)(nil)
	_ storage.Resumer  = (*Backend)(nil)
	_ storage.Releaser = (*Backend)(nil)
)

// New creates an in-memory backend.
func New(cfg Config) *Backend {
	return &Backend{
		cfg:    cfg,
		arrays: make(map[string]*array),
		logger: logging.Default(cfg.Logger).With("component", "storage-backend", "type", "memory"),
	}
}

func (b *Backend) Mimetype() string { return Mimetype }

func (b *Backend) Allocate(_ context.Context, info storage.SourceInfo, path storage.PathInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	if _, ok := b.arrays[info.Name]; ok {
		return fmt.Errorf("memory backend: array %q already allocated", info.Name)
	}
	key := cmp.Or(path.ArrayKey, info.Name)
	for name, other := range b.arrays {
		if other.path.StoreURI == path.StoreURI && cmp.Or(other.path.ArrayKey, name) == key {
			return fmt.Errorf("memory backend: %s key %q of %q: %w", path.StoreURI, key, info.Name, storage.ErrKeyConflict)
		}
	}
	b.arrays[info.Name] = &array{info: info.Clone(), path: path.Clone()}
	return nil
}

func (b *Backend) Open(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	b.open = true
	b.logger.Debug("store opened", "arrays", len(b.arrays))
	return nil
}

func (b *Backend) Append(_ context.Context, name string, f frame.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, err := b.writableLocked(name)
	if err != nil {
		return err
	}
	if b.cfg.MaxBytes > 0 && b.size+int64(len(f.Data)) > b.cfg.MaxBytes {
		return fmt.Errorf("%w: %d of %d bytes used", ErrMemoryLimit, b.size, b.cfg.MaxBytes)
	}
	a.frames = append(a.frames, slices.Clone(f.Data))
	b.size += int64(len(f.Data))
	return nil
}

func (b *Backend) Finalize(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.arrayLocked(name)
	if err != nil {
		return err
	}
	a.finalized = true
	return nil
}

// Resume reopens a finalized array for appending.
func (b *Backend) Resume(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.arrayLocked(name)
	if err != nil {
		return err
	}
	a.finalized = false
	return nil
}

// Release forgets an allocated array.
func (b *Backend) Release(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.arrays[name]
	if !ok {
		return nil
	}
	for _, f := range a.frames {
		b.size -= int64(len(f))
	}
	delete(b.arrays, name)
	return nil
}

func (b *Backend) StreamDocsFor(name string, r storage.Range) (storage.StreamLocation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.arrayLocked(name)
	if err != nil {
		return storage.StreamLocation{}, err
	}
	if r.Stop > len(a.frames) {
		return storage.StreamLocation{}, fmt.Errorf("memory backend: range %s beyond %d frames of %q", r, len(a.frames), name)
	}
	return storage.StreamLocation{
		URI:        a.path.StoreURI,
		Parameters: map[string]any{"array_name": a.path.ArrayKey},
	}, nil
}

func (b *Backend) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.open = false
	return nil
}

// Frames returns copies of every frame appended to name.
func (b *Backend) Frames(name string) ([]frame.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.arrayLocked(name)
	if err != nil {
		return nil, err
	}
	out := make([]frame.Frame, len(a.frames))
	for i, data := range a.frames {
		out[i] = frame.Frame{DType: a.info.DType, Shape: slices.Clone(a.info.Shape), Data: slices.Clone(data)}
	}
	return out, nil
}

// Len returns the number of frames appended to name.
func (b *Backend) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.arrays[name]; ok {
		return len(a.frames)
	}
	return 0
}

// Finalized reports whether name has been finalized.
func (b *Backend) Finalized(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.arrays[name]
	return ok && a.finalized
}

// Arrays returns the allocated array names in sorted order.
func (b *Backend) Arrays() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.arrays))
}

// Opened reports whether Open has been called and Close has not.
func (b *Backend) Opened() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *Backend) arrayLocked(name string) (*array, error) {
	a, ok := b.arrays[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArray, name)
	}
	return a, nil
}

func (b *Backend) writableLocked(name string) (*array, error) {
	if b.closed {
		return nil, ErrBackendClosed
	}
	if !b.open {
		return nil, ErrNotOpen
	}
	a, err := b.arrayLocked(name)
	if err != nil {
		return nil, err
	}
	if a.finalized {
		return nil, fmt.Errorf("%w: %q", ErrFinalized, name)
	}
	return a, nil
}
