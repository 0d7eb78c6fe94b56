package writer

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"

	"framestore/internal/storage"
)

// CollectStreamDocs reports the indices of name written since the last call,
// up to n. The first non-empty report of a source starts with its
// stream_resource document. The marker advances before the sequence is
// returned; the sequence yields its documents once.
func (w *Writer) CollectStreamDocs(_ context.Context, name string, n int) (iter.Seq[storage.StreamAsset], error) {
	src, err := w.sources.Lookup(name)
	if err != nil {
		return nil, err
	}

	var docs []storage.StreamAsset
	_, err = src.Collect(n, func(r storage.Range, first bool) error {
		loc, err := w.backend.StreamDocsFor(name, r)
		if err != nil {
			return fmt.Errorf("%w: stream docs for %q %s: %w", storage.ErrBackendIO, name, r, err)
		}
		uid := src.ResourceUID()
		if first {
			docs = append(docs, storage.ResourceAsset(storage.StreamResource{
				DataKey:    storage.DataKey(name),
				Mimetype:   w.mimetype(src.Path()),
				Parameters: loc.Parameters,
				UID:        uid,
				URI:        loc.URI,
			}))
		}
		docs = append(docs, storage.DatumAsset(storage.NewDatum(uid, r)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(docs) > 0 {
		w.sources.Touch(src)
	}
	return once(docs), nil
}

func (w *Writer) mimetype(path storage.PathInfo) string {
	if mt := w.backend.Mimetype(); mt != "" {
		return mt
	}
	return path.MimetypeHint
}

// once returns a sequence over docs that yields nothing after its first
// iteration.
func once(docs []storage.StreamAsset) iter.Seq[storage.StreamAsset] {
	var used atomic.Bool
	return func(yield func(storage.StreamAsset) bool) {
		if used.Swap(true) {
			return
		}
		for _, d := range docs {
			if !yield(d) {
				return
			}
		}
	}
}
