// Package zarr provides a chunked-array storage backend that writes Zarr v3
// stores into blob buckets. Every source becomes one array under its array
// key: frames are stacked along a leading "t" axis with one frame per chunk,
// and each frame axis is tiled into max(1, dim/divisor) wide chunks.
package zarr

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/klauspost/compress/zstd"

	"framestore/internal/blob"
	"framestore/internal/frame"
	"framestore/internal/logging"
	"framestore/internal/storage"
)

// Mimetype of stores produced by this backend.
const Mimetype = "application/x-zarr"

// DefaultChunkDivisor splits each frame axis into four chunks.
const DefaultChunkDivisor = 4

const metadataKey = "zarr.json"

var (
	ErrNotOpen       = errors.New("zarr backend: not open")
	ErrBackendClosed = errors.New("zarr backend: closed")
	ErrUnknownArray  = errors.New("zarr backend: unknown array")
	ErrFinalized     = errors.New("zarr backend: array finalized")
)

// Config configures a Backend.
type Config struct {
	// Opener resolves store URIs to buckets. If nil, a fresh Opener is used.
	Opener *blob.Opener

	// ChunkDivisor sets the chunk width along each frame axis to
	// max(1, dim/ChunkDivisor). 0 means DefaultChunkDivisor.
	ChunkDivisor int

	// ZstdLevel enables the zstd codec at the given level. 0 stores raw bytes.
	ZstdLevel int

	// Logger for structured logging. If nil, logging is disabled.
	// The backend scopes this logger with component="storage-backend", type="zarr".
	Logger *slog.Logger
}

// Backend writes one Zarr v3 group per store URI and one array per source.
type Backend struct {
	mu     sync.Mutex
	cfg    Config
	opener *blob.Opener
	enc    *zstd.Encoder
	open   bool
	closed bool

	stores map[string]blob.Bucket
	groups map[string]bool
	arrays map[string]*array

	logger *slog.Logger
}

type array struct {
	info      storage.SourceInfo
	path      storage.PathInfo
	key       string
	bucket    blob.Bucket
	grid      grid
	length    int
	finalized bool
}

var (
	_ storage.Backend  = (*Backend)(nil)
	_ storage.Resumer  = (*Backend)(nil)
	_ storage.Releaser = (*Backend)(nil)
)

// New creates a zarr backend.
func New(cfg Config) (*Backend, error) {
	if cfg.ChunkDivisor == 0 {
		cfg.ChunkDivisor = DefaultChunkDivisor
	}
	if cfg.ChunkDivisor < 0 {
		return nil, fmt.Errorf("zarr backend: chunk divisor must be positive, got %d", cfg.ChunkDivisor)
	}
	opener := cfg.Opener
	if opener == nil {
		opener = &blob.Opener{}
	}
	b := &Backend{
		cfg:    cfg,
		opener: opener,
		stores: make(map[string]blob.Bucket),
		groups: make(map[string]bool),
		arrays: make(map[string]*array),
		logger: logging.Default(cfg.Logger).With("component", "storage-backend", "type", "zarr"),
	}
	if cfg.ZstdLevel > 0 {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(cfg.ZstdLevel)))
		if err != nil {
			return nil, fmt.Errorf("zarr backend: create zstd encoder: %w", err)
		}
		b.enc = enc
	}
	return b, nil
}

func (b *Backend) Mimetype() string { return Mimetype }

// Allocate records the array. Metadata is written at Open, or immediately
// when the store is already open.
func (b *Backend) Allocate(ctx context.Context, info storage.SourceInfo, path storage.PathInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	if _, ok := b.arrays[info.Name]; ok {
		return fmt.Errorf("zarr backend: array %q already allocated", info.Name)
	}
	key := cmp.Or(path.ArrayKey, info.Name)
	for _, other := range b.arrays {
		if other.key == key && other.path.StoreURI == path.StoreURI {
			return fmt.Errorf("zarr backend: %s key %q of %q: %w", path.StoreURI, key, info.Name, storage.ErrKeyConflict)
		}
	}
	bucket, err := b.bucketLocked(ctx, path.StoreURI)
	if err != nil {
		return err
	}
	a := &array{
		info:   info.Clone(),
		path:   path.Clone(),
		key:    key,
		bucket: bucket,
		grid:   newGrid(info.Shape, b.cfg.ChunkDivisor),
	}
	if b.open {
		if err := b.writeGroupLocked(ctx, path.StoreURI, bucket); err != nil {
			return err
		}
		if err := b.writeArrayLocked(ctx, a, path.Capacity); err != nil {
			return err
		}
	}
	b.arrays[info.Name] = a
	return nil
}

// Open writes the group and array metadata of every allocated array.
func (b *Backend) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	for _, name := range slices.Sorted(maps.Keys(b.arrays)) {
		a := b.arrays[name]
		if err := b.writeGroupLocked(ctx, a.path.StoreURI, a.bucket); err != nil {
			return err
		}
		if err := b.writeArrayLocked(ctx, a, a.path.Capacity); err != nil {
			return err
		}
	}
	b.open = true
	b.logger.Debug("store opened", "arrays", len(b.arrays), "stores", len(b.stores))
	return nil
}

// Append writes every chunk of f at the next index along t.
func (b *Backend) Append(ctx context.Context, name string, f frame.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, err := b.writableLocked(name)
	if err != nil {
		return err
	}
	item := a.info.DType.ItemSize()
	for n := range a.grid.chunks() {
		idx := a.grid.index(n)
		chunk := a.grid.extract(f.Data, item, idx)
		if b.enc != nil {
			chunk = b.enc.EncodeAll(chunk, nil)
		}
		if err := a.bucket.Put(ctx, a.grid.key(a.key, a.length, idx), chunk); err != nil {
			return fmt.Errorf("zarr backend: write chunk of %q: %w", name, err)
		}
	}
	a.length++
	return nil
}

// Finalize rewrites the array metadata with the number of frames written.
func (b *Backend) Finalize(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.arrayLocked(name)
	if err != nil {
		return err
	}
	if err := b.writeArrayLocked(ctx, a, a.length); err != nil {
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

// Release deletes the array's chunks and metadata and forgets it.
func (b *Backend) Release(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.arrays[name]
	if !ok {
		return nil
	}
	var errs []error
	for t := range a.length {
		for n := range a.grid.chunks() {
			errs = append(errs, a.bucket.Delete(ctx, a.grid.key(a.key, t, a.grid.index(n))))
		}
	}
	errs = append(errs, a.bucket.Delete(ctx, a.key+"/"+metadataKey))
	delete(b.arrays, name)
	return errors.Join(errs...)
}

func (b *Backend) StreamDocsFor(name string, r storage.Range) (storage.StreamLocation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.arrayLocked(name)
	if err != nil {
		return storage.StreamLocation{}, err
	}
	if r.Stop > a.length {
		return storage.StreamLocation{}, fmt.Errorf("zarr backend: range %s beyond %d frames of %q", r, a.length, name)
	}
	return storage.StreamLocation{
		URI:        a.path.StoreURI,
		Parameters: map[string]any{"array_name": a.key},
	}, nil
}

// Close releases every bucket.
func (b *Backend) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.open = false

	var errs []error
	for uri, bucket := range b.stores {
		if err := bucket.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", uri, err))
		}
	}
	if b.enc != nil {
		errs = append(errs, b.enc.Close())
	}
	return errors.Join(errs...)
}

// Len returns the number of frames appended to name.
func (b *Backend) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.arrays[name]; ok {
		return a.length
	}
	return 0
}

func (b *Backend) bucketLocked(ctx context.Context, uri string) (blob.Bucket, error) {
	if bucket, ok := b.stores[uri]; ok {
		return bucket, nil
	}
	bucket, err := b.opener.Open(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("zarr backend: open store: %w", err)
	}
	b.stores[uri] = bucket
	return bucket, nil
}

func (b *Backend) writeGroupLocked(ctx context.Context, uri string, bucket blob.Bucket) error {
	if b.groups[uri] {
		return nil
	}
	data, err := json.Marshal(groupMetadata())
	if err != nil {
		return err
	}
	if err := bucket.Put(ctx, metadataKey, data); err != nil {
		return fmt.Errorf("zarr backend: write group metadata: %w", err)
	}
	b.groups[uri] = true
	return nil
}

func (b *Backend) writeArrayLocked(ctx context.Context, a *array, length int) error {
	data, err := json.MarshalIndent(arrayMetadata(a, length, b.cfg.ZstdLevel), "", "  ")
	if err != nil {
		return fmt.Errorf("zarr backend: encode metadata of %q: %w", a.info.Name, err)
	}
	if err := a.bucket.Put(ctx, a.key+"/"+metadataKey, data); err != nil {
		return fmt.Errorf("zarr backend: write metadata of %q: %w", a.info.Name, err)
	}
	return nil
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
