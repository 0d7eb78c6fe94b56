// Package file provides file-based persistence for source records.
package file

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"framestore/internal/format"
	"framestore/internal/source"
)

const currentVersion = 1

// Store persists the session manifest using atomic rewrites.
//
// File format:
//
//	Header (4 bytes):
//	  signature (1 byte, 'F')
//	  type (1 byte, 'm')
//	  version (1 byte)
//	  flags (1 byte, reserved)
//
//	Body: msgpack array of source.Record, ordered by source name.
type Store struct {
	mu   sync.Mutex
	path string

	// In-memory cache of all records for atomic writes.
	records map[string]source.Record
}

// NewStore creates a Store that persists to the given path.
func NewStore(path string) *Store {
	return &Store{
		path:    path,
		records: make(map[string]source.Record),
	}
}

// Path returns the manifest file path.
func (s *Store) Path() string { return s.path }

// Save replaces the record for rec's source. The whole file is rewritten.
func (s *Store) Save(rec source.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.Info.Name] = rec
	return s.writeFile()
}

// LoadAll reads all records from disk. A missing file yields no records.
func (s *Store) LoadAll() ([]source.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	records, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", s.path, err)
	}

	s.records = make(map[string]source.Record, len(records))
	for _, rec := range records {
		s.records[rec.Info.Name] = rec
	}
	return records, nil
}

func (s *Store) writeFile() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	records := make([]source.Record, 0, len(s.records))
	for _, name := range slices.Sorted(maps.Keys(s.records)) {
		records = append(records, s.records[name])
	}

	var buf bytes.Buffer
	h := format.Header{Type: format.TypeSourceManifest, Version: currentVersion}
	header := h.Encode()
	buf.Write(header[:])
	if err := msgpack.NewEncoder(&buf).Encode(records); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	tmpPath := s.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func decode(data []byte) ([]source.Record, error) {
	if _, err := format.DecodeAndValidate(data, format.TypeSourceManifest, currentVersion); err != nil {
		return nil, err
	}
	var records []source.Record
	dec := msgpack.NewDecoder(bytes.NewReader(data[format.HeaderSize:]))
	if err := dec.Decode(&records); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return records, nil
}
