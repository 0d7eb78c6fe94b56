package flat

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"framestore/internal/storage"
)

// Factory parameter keys.
const (
	ParamDir         = "dir"
	ParamCompression = "compression"
	ParamFileMode    = "file_mode"
)

// NewFactory returns a factory function that creates flat backends.
func NewFactory() storage.BackendFactory {
	return func(params map[string]string, logger *slog.Logger) (storage.Backend, error) {
		cfg := Config{
			Dir:         params[ParamDir],
			Compression: params[ParamCompression],
			Logger:      logger,
		}
		if cfg.Dir == "" {
			dir, err := dirFromURI(params[storage.ParamStoreURI])
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", ParamDir, err)
			}
			cfg.Dir = dir
		}
		switch cfg.Compression {
		case "", CompressionNone, CompressionZstd:
		default:
			return nil, fmt.Errorf("invalid %s: %q (want %s or %s)", ParamCompression, cfg.Compression, CompressionNone, CompressionZstd)
		}
		if v, ok := params[ParamFileMode]; ok {
			mode, err := strconv.ParseUint(v, 8, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", ParamFileMode, err)
			}
			cfg.FileMode = os.FileMode(mode)
		}

		b, err := New(cfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// dirFromURI maps a file:// store URI to a local directory.
func dirFromURI(uri string) (string, error) {
	if uri == "" {
		return "", errors.New("required")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("required for %s:// stores", u.Scheme)
	}
	return filepath.FromSlash(u.Path), nil
}
