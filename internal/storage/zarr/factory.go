package zarr

import (
	"fmt"
	"log/slog"
	"strconv"

	"framestore/internal/blob"
	"framestore/internal/storage"
)

// Factory parameter keys. Bucket parameters (region, endpoint,
// credentials_file, connection_string) are passed through to the opener.
const (
	ParamChunkDivisor = "chunk_divisor"
	ParamCompression  = "compression"
	ParamZstdLevel    = "zstd_level"
)

const defaultZstdLevel = 3

// NewFactory returns a factory function that creates zarr backends. When
// opener is nil, each backend gets its own opener built from the params.
func NewFactory(opener *blob.Opener) storage.BackendFactory {
	return func(params map[string]string, logger *slog.Logger) (storage.Backend, error) {
		cfg := Config{Opener: opener, Logger: logger}
		if cfg.Opener == nil {
			cfg.Opener = &blob.Opener{Params: params}
		}

		if v, ok := params[ParamChunkDivisor]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", ParamChunkDivisor, err)
			}
			if n <= 0 {
				return nil, fmt.Errorf("invalid %s: must be positive", ParamChunkDivisor)
			}
			cfg.ChunkDivisor = n
		}

		switch c := params[ParamCompression]; c {
		case "", "none":
		case "zstd":
			cfg.ZstdLevel = defaultZstdLevel
			if v, ok := params[ParamZstdLevel]; ok {
				n, err := strconv.Atoi(v)
				if err != nil {
					return nil, fmt.Errorf("invalid %s: %w", ParamZstdLevel, err)
				}
				if n < 1 || n > 22 {
					return nil, fmt.Errorf("invalid %s: must be in 1..22", ParamZstdLevel)
				}
				cfg.ZstdLevel = n
			}
		default:
			return nil, fmt.Errorf("invalid %s: %q (want none or zstd)", ParamCompression, c)
		}

		b, err := New(cfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}
