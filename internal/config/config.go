// Package config loads the YAML session configuration.
//
// A session file describes where frames go and who produces them:
//
//	version: 1
//	storage:                 # optional; without it devices refuse to stage
//	  backend: zarr          # remaining keys are backend parameters
//	  compression: zstd
//	location:
//	  base_uri: s3://lab-bucket/raw
//	  filename: {kind: auto_increment, base: scan, max_digits: 3}
//	  suffix: .zarr
//	writer:
//	  op_timeout: 30s
//	provenance:
//	  sink: kafka
//	  interval: 1s
//	  brokers: localhost:9092
//	remote:
//	  addr: 127.0.0.1:7100
//	detectors:
//	  - {name: cam0, dtype: uint16, shape: [512, 512], frames: 100, rate: 10}
//
// Load only checks what can be checked without building anything. Unknown
// backend or sink names are reported by the component that builds them.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"framestore/internal/frame"
	"framestore/internal/location"
)

// CurrentVersion is the session file format this package reads.
const CurrentVersion = 1

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is a parsed session file.
type Config struct {
	Version    int                `yaml:"version"`
	Storage    *StorageConfig     `yaml:"storage,omitempty"`
	Location   location.StoreSpec `yaml:"location"`
	Writer     WriterConfig       `yaml:"writer,omitempty"`
	Provenance *ProvenanceConfig  `yaml:"provenance,omitempty"`
	Remote     *RemoteConfig      `yaml:"remote,omitempty"`
	Detectors  []DetectorConfig   `yaml:"detectors,omitempty"`
}

// StorageConfig selects a backend. Every key other than backend is passed to
// the backend factory as a string parameter.
type StorageConfig struct {
	Backend string         `yaml:"backend"`
	Params  map[string]any `yaml:",inline"`
}

// WriterConfig tunes the local writer.
type WriterConfig struct {
	AllowReprepare bool          `yaml:"allow_reprepare,omitempty"`
	OpTimeout      time.Duration `yaml:"op_timeout,omitempty"`
	// Manifest enables the source manifest. "home" places it in the home
	// directory; any other value is a file path.
	Manifest string `yaml:"manifest,omitempty"`
}

// ProvenanceConfig selects a document sink. Every key other than sink and
// interval is passed to the sink factory.
type ProvenanceConfig struct {
	Sink     string         `yaml:"sink"`
	Interval time.Duration  `yaml:"interval,omitempty"`
	Params   map[string]any `yaml:",inline"`
}

// RemoteConfig is the address a storage server listens on, or an acquiring
// process dials. With a secret, clients must present a token signed with it.
//
// A server with tls_cert and tls_key serves TLS and reloads the pair when
// the files change. A client enables TLS with tls_ca or tls_insecure.
type RemoteConfig struct {
	Addr          string `yaml:"addr"`
	Secret        string `yaml:"secret,omitempty"`
	TLSCert       string `yaml:"tls_cert,omitempty"`
	TLSKey        string `yaml:"tls_key,omitempty"`
	TLSCA         string `yaml:"tls_ca,omitempty"`
	TLSServerName string `yaml:"tls_server_name,omitempty"`
	TLSInsecure   bool   `yaml:"tls_insecure,omitempty"`
	// GRPC makes clients speak the gRPC protocol; servers accept both.
	GRPC bool `yaml:"grpc,omitempty"`
	// Compression of client requests: gzip or br.
	Compression string `yaml:"compression,omitempty"`
}

// ClientTLS reports whether a client dialing this remote uses TLS.
func (r *RemoteConfig) ClientTLS() bool {
	return r.TLSCA != "" || r.TLSInsecure
}

// DetectorConfig describes one simulated detector.
type DetectorConfig struct {
	Name     string         `yaml:"name"`
	DType    string         `yaml:"dtype"`
	Shape    []int          `yaml:"shape"`
	Frames   int            `yaml:"frames"`
	Rate     float64        `yaml:"rate,omitempty"`
	Capacity int            `yaml:"capacity,omitempty"`
	Extra    map[string]any `yaml:"extra,omitempty"`
}

// Default returns the configuration used when no session file exists: a
// zarr store under dataDir named by a UUID, one small detector, provenance
// to the log.
func Default(dataDir string) *Config {
	return &Config{
		Version: CurrentVersion,
		Storage: &StorageConfig{Backend: "zarr"},
		Location: location.StoreSpec{
			BaseURI:  dataDir,
			Filename: location.UUID{}.Spec(),
			Suffix:   ".zarr",
		},
		Provenance: &ProvenanceConfig{Sink: "log", Interval: time.Second},
		Detectors: []DetectorConfig{
			{Name: "cam0", DType: string(frame.Uint16), Shape: []int{64, 64}, Frames: 10},
		},
	}
}

// Load reads and validates the session file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is an operator-supplied config file
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a session file.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []error
	if c.Version != CurrentVersion {
		errs = append(errs, fmt.Errorf("unsupported version %d (want %d)", c.Version, CurrentVersion))
	}
	if c.Storage != nil && c.Storage.Backend == "" {
		errs = append(errs, errors.New("storage: backend is required"))
	}
	if c.Location.Capacity < 0 {
		errs = append(errs, fmt.Errorf("location: negative capacity %d", c.Location.Capacity))
	}
	if c.Writer.OpTimeout < 0 {
		errs = append(errs, fmt.Errorf("writer: negative op_timeout %s", c.Writer.OpTimeout))
	}
	if p := c.Provenance; p != nil {
		if p.Sink == "" {
			errs = append(errs, errors.New("provenance: sink is required"))
		}
		if p.Interval < 0 {
			errs = append(errs, fmt.Errorf("provenance: negative interval %s", p.Interval))
		}
	}
	if r := c.Remote; r != nil {
		if r.Addr == "" {
			errs = append(errs, errors.New("remote: addr is required"))
		}
		if (r.TLSCert == "") != (r.TLSKey == "") {
			errs = append(errs, errors.New("remote: tls_cert and tls_key go together"))
		}
		switch r.Compression {
		case "", "gzip", "br":
		default:
			errs = append(errs, fmt.Errorf("remote: unknown compression %q", r.Compression))
		}
	}

	seen := make(map[string]bool, len(c.Detectors))
	for i, d := range c.Detectors {
		if err := d.validate(); err != nil {
			errs = append(errs, fmt.Errorf("detectors[%d]: %w", i, err))
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("detectors[%d]: duplicate name %q", i, d.Name))
		}
		seen[d.Name] = true
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (d DetectorConfig) validate() error {
	if d.Name == "" {
		return errors.New("name is required")
	}
	if _, err := frame.ParseDType(d.DType); err != nil {
		return fmt.Errorf("%s: %w", d.Name, err)
	}
	for _, n := range d.Shape {
		if n < 0 {
			return fmt.Errorf("%s: negative dimension in %v", d.Name, d.Shape)
		}
	}
	if d.Frames < 0 || d.Rate < 0 || d.Capacity < 0 {
		return fmt.Errorf("%s: frames, rate and capacity must not be negative", d.Name)
	}
	return nil
}

// StringParams converts decoded YAML values to the string parameters
// factories take. Scalars keep their YAML spelling; nested values are
// rejected.
func StringParams(params map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(params))
	for _, k := range slices.Sorted(maps.Keys(params)) {
		switch v := params[k].(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = v
		case bool:
			out[k] = strconv.FormatBool(v)
		case int:
			out[k] = strconv.Itoa(v)
		case float64:
			out[k] = strconv.FormatFloat(v, 'g', -1, 64)
		default:
			return nil, fmt.Errorf("%w: parameter %q: unsupported value %v", ErrInvalidConfig, k, v)
		}
	}
	return out, nil
}
