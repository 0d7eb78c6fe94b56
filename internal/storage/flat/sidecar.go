package flat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"framestore/internal/format"
	"framestore/internal/frame"
)

// Sidecar is the <key>.json written next to each raw file.
type Sidecar struct {
	Name       string         `json:"name"`
	DType      frame.DType    `json:"dtype"`
	Shape      frame.Shape    `json:"shape"`
	FrameBytes int            `json:"frame_bytes"`
	HeaderSize int            `json:"header_size"`
	Frames     int            `json:"frames"`
	Sealed     bool           `json:"sealed"`
	StoreURI   string         `json:"store_uri,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// ReadSidecar loads the sidecar of key from dir.
func ReadSidecar(dir, key string) (Sidecar, error) {
	data, err := os.ReadFile(filepath.Join(dir, key+sidecarExt))
	if err != nil {
		return Sidecar{}, err
	}
	var s Sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return Sidecar{}, fmt.Errorf("decode sidecar %s: %w", key, err)
	}
	return s, nil
}

func (b *Backend) writeSidecarLocked(a *array) error {
	s := Sidecar{
		Name:       a.info.Name,
		DType:      a.info.DType,
		Shape:      a.info.Shape,
		FrameBytes: a.info.FrameBytes(),
		HeaderSize: format.HeaderSize,
		Frames:     a.length,
		Sealed:     a.finalized,
		StoreURI:   a.path.StoreURI,
		Extra:      a.info.Extra,
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("flat backend: encode sidecar of %s: %w", a.key, err)
	}

	path := b.sidecarPath(a.key)
	tmp, err := os.CreateTemp(b.cfg.Dir, ".sidecar-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(b.cfg.FileMode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
