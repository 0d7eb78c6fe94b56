package storage

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"framestore/internal/frame"
)

// StreamLocation is what a backend reports for a range of written indices:
// the URI a reader opens and the parameters it needs to find the array.
type StreamLocation struct {
	URI        string
	Parameters map[string]any
}

// Backend translates writer operations into a concrete storage engine.
//
// Backends are built only by the writer's provisioning step, from a name
// resolved in configuration. The writer serialises every mutating call, so
// implementations need no locking of their own for Allocate, Append,
// Finalize, Open and Close.
type Backend interface {
	// Mimetype identifies the format of stores the backend produces.
	Mimetype() string

	// Allocate records a source and its location. It may be called before
	// or after Open; expensive work is deferred to Open.
	Allocate(ctx context.Context, info SourceInfo, path PathInfo) error

	// Open performs deferred initialisation. Called once, at kickoff.
	Open(ctx context.Context) error

	// Append writes frame f at the next index of source name.
	Append(ctx context.Context, name string, f frame.Frame) error

	// Finalize flushes a source and records its final length.
	Finalize(ctx context.Context, name string) error

	// StreamDocsFor returns the location of indices r of source name.
	StreamDocsFor(name string, r Range) (StreamLocation, error)

	// Close releases the store.
	Close(ctx context.Context) error
}

// Resumer is implemented by backends that can append to a finalized source.
type Resumer interface {
	Resume(ctx context.Context, name string) error
}

// Releaser is implemented by backends that can forget an allocated source
// before the store is opened.
type Releaser interface {
	Release(ctx context.Context, name string) error
}

// ParamStoreURI is injected into backend params by provisioning: the URI of
// the store the session writes to. Backends that address storage by
// directory may derive it from this when not configured explicitly.
const ParamStoreURI = "_store_uri"

// BackendFactory builds a backend from string parameters. Unknown keys are
// ignored so that one configuration section can carry options for several
// backends.
type BackendFactory func(params map[string]string, logger *slog.Logger) (Backend, error)

// Backends maps backend names to factories.
type Backends map[string]BackendFactory

// Open builds the named backend. An unknown name fails with
// ErrBackendUnavailable.
func (b Backends) Open(name string, params map[string]string, logger *slog.Logger) (Backend, error) {
	factory, ok := b[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrBackendUnavailable, name, b.Names())
	}
	backend, err := factory(params, logger)
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", name, err)
	}
	return backend, nil
}

// Names returns the registered backend names in sorted order.
func (b Backends) Names() []string {
	return slices.Sorted(maps.Keys(b))
}
