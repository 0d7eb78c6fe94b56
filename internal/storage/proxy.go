package storage

import (
	"context"
	"iter"

	"framestore/internal/frame"
)

// Proxy is the capability set devices use to store frames. A local Writer and
// a networked client implement it identically; callers never distinguish them.
//
// A device that requires storage holds a Proxy that is nil when no storage is
// configured for the session, and must refuse to stage in that case.
type Proxy interface {
	// UpdateSource registers the schema for info.Name. Registering the same
	// schema again is a no-op; a different dtype or shape fails with
	// ErrSchemaConflict.
	UpdateSource(ctx context.Context, info SourceInfo) error

	// Prepare returns a fresh sink bound to name. At most one sink per
	// source may be live. A capacity of 0 means the location's capacity,
	// or unbounded if that is 0 too.
	Prepare(ctx context.Context, name string, capacity int) (Sink, error)

	// Kickoff moves the store into the writing state. Idempotent.
	Kickoff(ctx context.Context) error

	// Complete finalizes a source. Idempotent.
	Complete(ctx context.Context, name string) error

	// IndicesWritten returns the write count for name, or the minimum over
	// all registered sources when name is empty.
	IndicesWritten(ctx context.Context, name string) (int, error)

	// CollectStreamDocs returns documents covering indices from the last
	// reported index up to n. The sequence yields its documents once.
	CollectStreamDocs(ctx context.Context, name string, n int) (iter.Seq[StreamAsset], error)
}

// Sink is a write handle bound to one source. It is owned by the producer
// that prepared it and is not safe for concurrent Write calls from several
// goroutines.
type Sink interface {
	// Name returns the bound source name.
	Name() string

	// Write appends one frame along the growing axis.
	Write(ctx context.Context, f frame.Frame) error

	// Count returns the number of frames appended through this sink.
	Count() int

	// Close completes the source. Safe to call more than once.
	Close(ctx context.Context) error
}

// Describer is implemented by proxies that can report descriptors for every
// registered source, keyed by data key.
type Describer interface {
	Describe(ctx context.Context) (map[string]Descriptor, error)
}

// Locator is implemented by proxies that know the location of their store.
type Locator interface {
	Location(ctx context.Context) (PathInfo, error)
}
