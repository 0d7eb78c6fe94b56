// Package flat provides a flat-file storage backend. Each source becomes a
// headered, append-only <key>.raw file holding its frames back to back, and a
// <key>.json sidecar describing dtype, shape and length. The store directory
// is locked for the backend's lifetime.
package flat

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"syscall"

	"github.com/klauspost/compress/zstd"

	"framestore/internal/format"
	"framestore/internal/frame"
	"framestore/internal/logging"
	"framestore/internal/storage"
)

// Mimetype of stores produced by this backend.
const Mimetype = "application/x-framestore-raw"

// Compression modes.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

const (
	frameLogVersion = 1
	lockFileName    = ".lock"
	rawExt          = ".raw"
	sidecarExt      = ".json"
)

var (
	ErrMissingDir      = errors.New("flat backend: directory is required")
	ErrDirectoryLocked = errors.New("flat backend: directory locked by another process")
	ErrNotOpen         = errors.New("flat backend: not open")
	ErrBackendClosed   = errors.New("flat backend: closed")
	ErrUnknownArray    = errors.New("flat backend: unknown array")
	ErrFinalized       = errors.New("flat backend: array finalized")
)

// Config configures a Backend.
type Config struct {
	// Dir is the store directory. Created if missing. Required.
	Dir string

	// Compression is applied to sealed files when the backend closes.
	// CompressionNone (default) or CompressionZstd.
	Compression string

	// FileMode for created files. Defaults to 0o644.
	FileMode os.FileMode

	// Logger for structured logging. If nil, logging is disabled.
	// The backend scopes this logger with component="storage-backend", type="flat".
	Logger *slog.Logger
}

// Backend writes one raw file per source into a locked directory.
type Backend struct {
	mu       sync.Mutex
	cfg      Config
	lockFile *os.File
	zstdEnc  *zstd.Encoder
	open     bool
	closed   bool
	arrays   map[string]*array

	logger *slog.Logger
}

type array struct {
	info      storage.SourceInfo
	path      storage.PathInfo
	key       string
	file      *os.File
	length    int
	finalized bool
}

var (
	_ storage.Backend  = (*Backend)(nil)
	_ storage.Resumer  = (*Backend)(nil)
	_ storage.Releaser = (*Backend)(nil)
)

// New creates the directory if needed and takes an exclusive lock on it.
func New(cfg Config) (*Backend, error) {
	if cfg.Dir == "" {
		return nil, ErrMissingDir
	}
	cfg.FileMode = cmp.Or(cfg.FileMode, 0o644)
	cfg.Compression = cmp.Or(cfg.Compression, CompressionNone)
	if cfg.Compression != CompressionNone && cfg.Compression != CompressionZstd {
		return nil, fmt.Errorf("flat backend: unknown compression %q", cfg.Compression)
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("flat backend: create dir: %w", err)
	}

	lockPath := filepath.Join(cfg.Dir, lockFileName)
	lockFile, err := os.OpenFile(filepath.Clean(lockPath), os.O_CREATE|os.O_RDWR, cfg.FileMode)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil { //nolint:gosec // G115: uintptr->int is safe on 64-bit
		_ = lockFile.Close()
		return nil, fmt.Errorf("%w: %s", ErrDirectoryLocked, cfg.Dir)
	}

	var zstdEnc *zstd.Encoder
	if cfg.Compression == CompressionZstd {
		zstdEnc, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			_ = lockFile.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
	}

	return &Backend{
		cfg:      cfg,
		lockFile: lockFile,
		zstdEnc:  zstdEnc,
		arrays:   make(map[string]*array),
		logger:   logging.Default(cfg.Logger).With("component", "storage-backend", "type", "flat"),
	}, nil
}

func (b *Backend) Mimetype() string { return Mimetype }

// Dir returns the store directory.
func (b *Backend) Dir() string { return b.cfg.Dir }

// RawPath returns the raw file path of an array key.
func (b *Backend) RawPath(key string) string {
	return filepath.Join(b.cfg.Dir, key+rawExt)
}

func (b *Backend) sidecarPath(key string) string {
	return filepath.Join(b.cfg.Dir, key+sidecarExt)
}

func (b *Backend) Allocate(_ context.Context, info storage.SourceInfo, path storage.PathInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	if _, ok := b.arrays[info.Name]; ok {
		return fmt.Errorf("flat backend: array %q already allocated", info.Name)
	}
	a := &array{
		info: info.Clone(),
		path: path.Clone(),
		key:  cmp.Or(path.ArrayKey, info.Name),
	}
	if !filepath.IsLocal(a.key) {
		return fmt.Errorf("flat backend: array key %q escapes the store directory", a.key)
	}
	// Every array shares the one directory, whatever its store URI.
	for _, other := range b.arrays {
		if other.key == a.key {
			return fmt.Errorf("flat backend: key %q of %q: %w", a.key, info.Name, storage.ErrKeyConflict)
		}
	}
	if b.open {
		if err := b.createLocked(a); err != nil {
			return err
		}
	}
	b.arrays[info.Name] = a
	return nil
}

// Open creates the raw file and sidecar of every allocated array.
func (b *Backend) Open(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	if b.open {
		return nil
	}
	for _, name := range slices.Sorted(maps.Keys(b.arrays)) {
		if err := b.createLocked(b.arrays[name]); err != nil {
			return err
		}
	}
	b.open = true
	b.logger.Debug("store opened", "dir", b.cfg.Dir, "arrays", len(b.arrays))
	return nil
}

func (b *Backend) createLocked(a *array) error {
	f, err := os.OpenFile(b.RawPath(a.key), os.O_CREATE|os.O_EXCL|os.O_RDWR, b.cfg.FileMode)
	if err != nil {
		return fmt.Errorf("flat backend: create %s: %w", a.key, err)
	}
	hdr := format.Header{Type: format.TypeFrameLog, Version: frameLogVersion}.Encode()
	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("flat backend: write header of %s: %w", a.key, err)
	}
	a.file = f
	return b.writeSidecarLocked(a)
}

func (b *Backend) Append(_ context.Context, name string, f frame.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.writableLocked(name)
	if err != nil {
		return err
	}
	if _, err := a.file.Write(f.Data); err != nil {
		return fmt.Errorf("flat backend: append to %s: %w", a.key, err)
	}
	a.length++
	return nil
}

// Finalize seals the raw file and records the final length in the sidecar.
func (b *Backend) Finalize(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.arrayLocked(name)
	if err != nil {
		return err
	}
	if a.finalized {
		return nil
	}
	a.finalized = true
	if a.file != nil {
		if err := setSealed(a.file, true); err != nil {
			return fmt.Errorf("flat backend: seal %s: %w", a.key, err)
		}
		if err := a.file.Close(); err != nil {
			return fmt.Errorf("flat backend: close %s: %w", a.key, err)
		}
		a.file = nil
	}
	return b.writeSidecarLocked(a)
}

// Resume unseals a finalized raw file and reopens it for appending.
func (b *Backend) Resume(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.arrayLocked(name)
	if err != nil {
		return err
	}
	if !a.finalized {
		return nil
	}
	f, err := os.OpenFile(b.RawPath(a.key), os.O_RDWR, b.cfg.FileMode)
	if err != nil {
		return fmt.Errorf("flat backend: reopen %s: %w", a.key, err)
	}
	if err := setSealed(f, false); err != nil {
		_ = f.Close()
		return fmt.Errorf("flat backend: unseal %s: %w", a.key, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return err
	}
	a.file = f
	a.finalized = false
	return b.writeSidecarLocked(a)
}

// Release removes the array's files and forgets it.
func (b *Backend) Release(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.arrays[name]
	if !ok {
		return nil
	}
	var errs []error
	if a.file != nil {
		errs = append(errs, a.file.Close())
	}
	for _, p := range []string{b.RawPath(a.key), b.sidecarPath(a.key)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
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
		return storage.StreamLocation{}, fmt.Errorf("flat backend: range %s beyond %d frames of %q", r, a.length, name)
	}
	abs, err := filepath.Abs(b.RawPath(a.key))
	if err != nil {
		return storage.StreamLocation{}, err
	}
	return storage.StreamLocation{
		URI: "file://" + filepath.ToSlash(abs),
		Parameters: map[string]any{
			"array_name":  a.key,
			"dtype":       string(a.info.DType),
			"shape":       []int(a.info.Shape),
			"header_size": format.HeaderSize,
			"frame_bytes": a.info.FrameBytes(),
		},
	}, nil
}

// Close compresses sealed files when compression is enabled, closes every
// file and releases the directory lock.
func (b *Backend) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.open = false

	var errs []error
	for _, name := range slices.Sorted(maps.Keys(b.arrays)) {
		a := b.arrays[name]
		if a.file != nil {
			errs = append(errs, a.file.Close())
			a.file = nil
			continue
		}
		if a.finalized && b.zstdEnc != nil {
			if err := compressFile(b.RawPath(a.key), b.zstdEnc, b.cfg.FileMode); err != nil {
				errs = append(errs, fmt.Errorf("compress %s: %w", a.key, err))
			}
		}
	}
	if b.zstdEnc != nil {
		errs = append(errs, b.zstdEnc.Close())
	}
	if b.lockFile != nil {
		errs = append(errs, b.lockFile.Close())
		b.lockFile = nil
	}
	b.logger.Debug("store closed", "dir", b.cfg.Dir)
	return errors.Join(errs...)
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

func setSealed(f *os.File, sealed bool) error {
	var hdr [format.HeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return err
	}
	h, err := format.DecodeAndValidate(hdr[:], format.TypeFrameLog, frameLogVersion)
	if err != nil {
		return err
	}
	if sealed {
		h.Flags |= format.FlagSealed
	} else {
		h.Flags &^= format.FlagSealed
	}
	out := h.Encode()
	if _, err := f.WriteAt(out[:], 0); err != nil {
		return err
	}
	return f.Sync()
}
