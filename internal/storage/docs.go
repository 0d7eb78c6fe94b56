package storage

import (
	"fmt"
	"maps"
)

// DocKind names the type of a stream document.
type DocKind string

const (
	KindResource DocKind = "stream_resource"
	KindDatum    DocKind = "stream_datum"
)

// Range is a half-open index range [Start, Stop).
type Range struct {
	Start int `json:"start" msgpack:"start"`
	Stop  int `json:"stop" msgpack:"stop"`
}

// Len returns the number of indices in the range.
func (r Range) Len() int {
	return max(0, r.Stop-r.Start)
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.Stop)
}

// StreamResource announces where a source's frames live. It is emitted once
// per source, before the first datum.
type StreamResource struct {
	DataKey    string         `json:"data_key" msgpack:"data_key"`
	Mimetype   string         `json:"mimetype" msgpack:"mimetype"`
	Parameters map[string]any `json:"parameters" msgpack:"parameters"`
	UID        string         `json:"uid" msgpack:"uid"`
	URI        string         `json:"uri" msgpack:"uri"`
}

// StreamDatum reports a contiguous range of newly written indices.
type StreamDatum struct {
	Descriptor     string `json:"descriptor" msgpack:"descriptor"`
	Indices        Range  `json:"indices" msgpack:"indices"`
	SeqNums        Range  `json:"seq_nums" msgpack:"seq_nums"`
	StreamResource string `json:"stream_resource" msgpack:"stream_resource"`
	UID            string `json:"uid" msgpack:"uid"`
}

// StreamAsset is one emitted stream document. Exactly one of Resource and
// Datum is set, matching Kind.
type StreamAsset struct {
	Kind     DocKind         `json:"kind" msgpack:"kind"`
	Resource *StreamResource `json:"resource,omitempty" msgpack:"resource,omitempty"`
	Datum    *StreamDatum    `json:"datum,omitempty" msgpack:"datum,omitempty"`
}

// ResourceAsset wraps a resource document.
func ResourceAsset(r StreamResource) StreamAsset {
	r.Parameters = maps.Clone(r.Parameters)
	return StreamAsset{Kind: KindResource, Resource: &r}
}

// DatumAsset wraps a datum document.
func DatumAsset(d StreamDatum) StreamAsset {
	return StreamAsset{Kind: KindDatum, Datum: &d}
}

// NewDatum builds the datum for indices r of the resource with uid resourceUID.
// The datum uid is "<resourceUID>/<start>".
func NewDatum(resourceUID string, r Range) StreamDatum {
	return StreamDatum{
		Indices:        r,
		StreamResource: resourceUID,
		UID:            fmt.Sprintf("%s/%d", resourceUID, r.Start),
	}
}

// UID returns the uid of whichever document the asset carries.
func (a StreamAsset) UID() string {
	switch {
	case a.Resource != nil:
		return a.Resource.UID
	case a.Datum != nil:
		return a.Datum.UID
	}
	return ""
}

// Validate checks that Kind matches the populated document.
func (a StreamAsset) Validate() error {
	switch a.Kind {
	case KindResource:
		if a.Resource == nil || a.Datum != nil {
			return fmt.Errorf("stream asset %q: expected only a resource document", a.Kind)
		}
	case KindDatum:
		if a.Datum == nil || a.Resource != nil {
			return fmt.Errorf("stream asset %q: expected only a datum document", a.Kind)
		}
	default:
		return fmt.Errorf("stream asset: unknown kind %q", a.Kind)
	}
	return nil
}
