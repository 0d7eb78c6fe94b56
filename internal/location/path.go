package location

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"framestore/internal/storage"
)

// PathProvider resolves a device name to a location. An empty device yields
// the store-level location with an empty ArrayKey.
type PathProvider interface {
	Path(device string) (storage.PathInfo, error)
}

// StoreOptions tune a StorePathProvider.
type StoreOptions struct {
	// Suffix is appended to the filename, e.g. ".zarr".
	Suffix string
	// Capacity is the default frame capacity of every source. 0 is unbounded.
	Capacity int
	// MimetypeHint is copied into every PathInfo.
	MimetypeHint string
}

// StorePathProvider places every device in one store: base URI plus a
// filename drawn once at construction, with the device name as array key.
// After construction it holds no mutable state.
type StorePathProvider struct {
	baseURI  string
	filename string
	opts     StoreOptions
}

// NewStorePathProvider draws one filename from names and fixes the store URI.
// A base without a scheme is treated as a local directory and becomes a
// file:// URI.
func NewStorePathProvider(base string, names FilenameProvider, opts StoreOptions) (*StorePathProvider, error) {
	baseURI, err := NormalizeURI(base)
	if err != nil {
		return nil, err
	}
	if names == nil {
		return nil, fmt.Errorf("%w: filename provider is required", ErrInvalidSpec)
	}
	if opts.Capacity < 0 {
		return nil, fmt.Errorf("%w: negative capacity %d", ErrInvalidSpec, opts.Capacity)
	}
	filename, err := names.Filename("")
	if err != nil {
		return nil, err
	}
	return &StorePathProvider{baseURI: baseURI, filename: filename, opts: opts}, nil
}

// Path returns the location of device's array.
func (p *StorePathProvider) Path(device string) (storage.PathInfo, error) {
	uri, err := url.JoinPath(p.baseURI, p.filename+p.opts.Suffix)
	if err != nil {
		return storage.PathInfo{}, fmt.Errorf("join %s: %w", p.baseURI, err)
	}
	return storage.PathInfo{
		StoreURI:     uri,
		ArrayKey:     device,
		Capacity:     p.opts.Capacity,
		MimetypeHint: p.opts.MimetypeHint,
	}, nil
}

// Filename returns the store filename drawn at construction.
func (p *StorePathProvider) Filename() string { return p.filename }

// Spec returns a spec that rebuilds this provider with the same store. The
// drawn filename is frozen into a static filename spec.
func (p *StorePathProvider) Spec() StoreSpec {
	return StoreSpec{
		BaseURI:      p.baseURI,
		Filename:     Static{Name: p.filename}.Spec(),
		Suffix:       p.opts.Suffix,
		Capacity:     p.opts.Capacity,
		MimetypeHint: p.opts.MimetypeHint,
	}
}

// NormalizeURI returns base as a URI. Bare paths become absolute file:// URIs.
func NormalizeURI(base string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("%w: empty base uri", ErrInvalidSpec)
	}
	if strings.Contains(base, "://") {
		if _, err := url.Parse(base); err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidSpec, err)
		}
		return base, nil
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}
