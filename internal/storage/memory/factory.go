package memory

import (
	"fmt"
	"log/slog"
	"strconv"

	"framestore/internal/storage"
)

// Factory parameter keys.
const (
	ParamMaxBytes = "max_bytes"
)

// NewFactory returns a factory function that creates in-memory backends.
func NewFactory() storage.BackendFactory {
	return func(params map[string]string, logger *slog.Logger) (storage.Backend, error) {
		cfg := Config{Logger: logger}

		if v, ok := params[ParamMaxBytes]; ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", ParamMaxBytes, err)
			}
			if n <= 0 {
				return nil, fmt.Errorf("invalid %s: must be positive", ParamMaxBytes)
			}
			cfg.MaxBytes = n
		}

		return New(cfg), nil
	}
}
