// Package storage defines the contract between frame producers and the
// process that owns a store: source schemas, resolved locations, stream
// documents, and the Proxy, Sink and Backend interfaces.
package storage

import (
	"fmt"
	"maps"
	"slices"

	"framestore/internal/frame"
)

// DataKeySuffix is appended to a source name to form its data key.
const DataKeySuffix = ":buffer:stream"

// SourceInfo describes one named write target within a store.
//
// Extra carries backend-specific metadata (units, axis names, transforms).
// The writer never inspects it.
type SourceInfo struct {
	Name  string         `json:"name" yaml:"name" msgpack:"name"`
	DType frame.DType    `json:"dtype" yaml:"dtype" msgpack:"dtype"`
	Shape frame.Shape    `json:"shape" yaml:"shape" msgpack:"shape"`
	Extra map[string]any `json:"extra,omitempty" yaml:"extra,omitempty" msgpack:"extra,omitempty"`
}

// Validate checks that the info names a source with a known dtype and a
// non-negative shape.
func (s SourceInfo) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSource)
	}
	if !s.DType.Valid() {
		return fmt.Errorf("%w: %q: unknown dtype %q", ErrInvalidSource, s.Name, s.DType)
	}
	if err := s.Shape.Validate(); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidSource, s.Name, err)
	}
	return nil
}

// SameSchema reports whether two infos share dtype and shape.
func (s SourceInfo) SameSchema(o SourceInfo) bool {
	return s.DType == o.DType && s.Shape.Equal(o.Shape)
}

// DataKey returns the key stream documents and descriptors use for this source.
func (s SourceInfo) DataKey() string {
	return DataKey(s.Name)
}

// FrameBytes returns the size of one frame of this source.
func (s SourceInfo) FrameBytes() int {
	return frame.ByteLen(s.DType, s.Shape)
}

// Clone returns a deep copy of the schema. Extra is copied one level deep.
func (s SourceInfo) Clone() SourceInfo {
	s.Shape = slices.Clone(s.Shape)
	s.Extra = maps.Clone(s.Extra)
	return s
}

// DataKey returns the data key for a source name.
func DataKey(name string) string {
	return name + DataKeySuffix
}

// PathInfo is a resolved location for one source.
//
// Several PathInfo values may share a StoreURI and differ in ArrayKey; that
// is how sources co-locate in one store.
type PathInfo struct {
	StoreURI     string            `json:"store_uri" yaml:"store_uri" msgpack:"store_uri"`
	ArrayKey     string            `json:"array_key" yaml:"array_key" msgpack:"array_key"`
	Capacity     int               `json:"capacity" yaml:"capacity" msgpack:"capacity"`
	MimetypeHint string            `json:"mimetype_hint,omitempty" yaml:"mimetype_hint,omitempty" msgpack:"mimetype_hint,omitempty"`
	Extra        map[string]string `json:"extra,omitempty" yaml:"extra,omitempty" msgpack:"extra,omitempty"`
}

// Clone returns a copy with its own Extra map.
func (p PathInfo) Clone() PathInfo {
	p.Extra = maps.Clone(p.Extra)
	return p
}

// Descriptor describes how a source appears in an acquisition event stream.
// Shape has a leading -1 for the unbounded growing axis.
type Descriptor struct {
	Source   string      `json:"source" msgpack:"source"`
	DType    string      `json:"dtype" msgpack:"dtype"`
	DTypeStr frame.DType `json:"dtype_str" msgpack:"dtype_str"`
	Shape    []int       `json:"shape" msgpack:"shape"`
	External string      `json:"external" msgpack:"external"`
}

// Describe builds the descriptor for a registered source.
func Describe(s SourceInfo) Descriptor {
	shape := make([]int, 0, len(s.Shape)+1)
	shape = append(shape, -1)
	shape = append(shape, s.Shape...)
	return Descriptor{
		Source:   "data",
		DType:    "array",
		DTypeStr: s.DType,
		Shape:    shape,
		External: "STREAM:",
	}
}
