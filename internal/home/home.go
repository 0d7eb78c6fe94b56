// Package home manages the framestore home directory layout.
//
// The home directory holds the session configuration and everything a
// session persists locally when the configuration does not say otherwise.
//
// Layout:
//
//	<root>/
//	  framestore.yaml                  (session configuration)
//	  secret                           (remote token signing key)
//	  instance_id                      (persistent instance identity)
//	  data/                            (default base for local stores)
//	  manifests/
//	    <store filename>.manifest      (source manifest per store)
package home

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const manifestExt = ".manifest"

// Dir represents a framestore home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/framestore
//   - macOS:   ~/Library/Application Support/framestore
//   - Windows: %APPDATA%/framestore
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "framestore")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path of the session configuration file.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "framestore.yaml")
}

// DataDir is the base directory for stores configured without a base URI.
func (d Dir) DataDir() string {
	return filepath.Join(d.root, "data")
}

// ManifestDir holds one source manifest per store.
func (d Dir) ManifestDir() string {
	return filepath.Join(d.root, "manifests")
}

// ManifestPath returns the source manifest file for the named store.
func (d Dir) ManifestPath(store string) string {
	return filepath.Join(d.ManifestDir(), store+manifestExt)
}

// Manifests returns the names of stores with a manifest, sorted. A missing
// manifest directory yields none.
func (d Dir) Manifests() ([]string, error) {
	entries, err := os.ReadDir(d.ManifestDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	var stores []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), manifestExt); ok && !e.IsDir() {
			stores = append(stores, name)
		}
	}
	return stores, nil
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}

// InstanceID reads the persistent instance identity from <root>/instance_id.
// If the file doesn't exist, a new UUIDv7 is generated and written.
func (d Dir) InstanceID() (string, error) {
	return d.readOrCreate("instance_id", 0o640, func() (string, error) {
		id, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		return id.String(), nil
	})
}

// Secret reads the token signing key from <root>/secret, generating a
// random 256-bit key on first use.
func (d Dir) Secret() (string, error) {
	return d.readOrCreate("secret", 0o600, func() (string, error) {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return "", err
		}
		return hex.EncodeToString(key), nil
	})
}

// readOrCreate reads a single-line value from <root>/<filename>.
// If the file doesn't exist, generate() provides the default which is persisted.
func (d Dir) readOrCreate(filename string, perm os.FileMode, generate func() (string, error)) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is constructed from trusted home dir + constant filename
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v, err := generate()
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", filename, err)
	}
	if err := d.EnsureExists(); err != nil {
		return "", err
	}
	if err := os.WriteFile(p, []byte(v+"\n"), perm); err != nil {
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}
