package provenance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"framestore/internal/storage"
)

// ParamPath is the file the jsonl sink appends to.
const ParamPath = "path"

// JSONLSink writes one JSON envelope per line.
type JSONLSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewJSONLSink writes to w. If w is an io.Closer, Close closes it.
func NewJSONLSink(w io.Writer) *JSONLSink {
	s := &JSONLSink{w: w}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// NewJSONLFactory returns a factory for jsonl sinks appending to the file
// named by the path parameter.
func NewJSONLFactory() DocSinkFactory {
	return func(params map[string]string, _ *slog.Logger) (DocSink, error) {
		path := params[ParamPath]
		if path == "" {
			return nil, fmt.Errorf("invalid %s: required", ParamPath)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", ParamPath, err)
		}
		f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", ParamPath, err)
		}
		return NewJSONLSink(f), nil
	}
}

func (s *JSONLSink) Publish(_ context.Context, source string, docs []storage.StreamAsset) error {
	var buf []byte
	for _, doc := range docs {
		line, err := encode(source, doc)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(buf)
	return err
}

func (s *JSONLSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
