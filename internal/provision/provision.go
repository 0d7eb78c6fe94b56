// Package provision turns a session configuration into running components:
// the path provider, the backend, the storage proxy (a local Writer or a
// client of a remote one), the provenance collector and the detectors.
//
// Storage is optional. A session without a storage section gets a nil
// proxy, and its detectors refuse to stage.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"framestore/internal/auth"
	"framestore/internal/blob"
	"framestore/internal/cert"
	"framestore/internal/config"
	"framestore/internal/device"
	"framestore/internal/frame"
	"framestore/internal/home"
	"framestore/internal/location"
	"framestore/internal/logging"
	"framestore/internal/provenance"
	"framestore/internal/remote"
	"framestore/internal/source"
	sourcefile "framestore/internal/source/file"
	"framestore/internal/storage"
	"framestore/internal/storage/flat"
	"framestore/internal/storage/memory"
	"framestore/internal/storage/zarr"
	"framestore/internal/writer"
)

// ManifestHome places the source manifest in the home directory.
const ManifestHome = "home"

// tokenLifetime is how long a token issued for dialing a remote server is
// valid. It only needs to outlive the hello exchange.
const tokenLifetime = time.Hour

// Factories holds the factory maps used to build components by name.
type Factories struct {
	Backends storage.Backends
	DocSinks provenance.DocSinks

	// Home supplies the default store base and the manifest location.
	// It may be zero when the configuration names both explicitly.
	Home home.Dir

	// Logger is the base logger passed to component factories.
	// If nil, components use discard loggers.
	Logger *slog.Logger
}

// DefaultFactories registers every built-in backend and document sink.
// Zarr backends share one blob opener so that mem:// buckets are visible
// across backends of one process.
func DefaultFactories(dir home.Dir, logger *slog.Logger) Factories {
	return Factories{
		Backends: storage.Backends{
			"memory": memory.NewFactory(),
			"zarr":   zarr.NewFactory(nil),
			"flat":   flat.NewFactory(),
		},
		DocSinks: provenance.Defaults(),
		Home:     dir,
		Logger:   logger,
	}
}

// SharedBlobs returns a copy of f whose zarr backend uses opener.
func (f Factories) SharedBlobs(opener *blob.Opener) Factories {
	backends := make(storage.Backends, len(f.Backends)+1)
	for name, factory := range f.Backends {
		backends[name] = factory
	}
	backends["zarr"] = zarr.NewFactory(opener)
	f.Backends = backends
	return f
}

// PathProvider builds the store path provider the configuration describes.
// Without a base URI the store goes under the home data directory; without
// a filename spec it is named by a UUID.
func PathProvider(cfg *config.Config, f Factories) (*location.StorePathProvider, error) {
	spec := cfg.Location
	if spec.BaseURI == "" {
		if f.Home.Root() == "" {
			return nil, fmt.Errorf("%w: location: base_uri is required without a home directory", config.ErrInvalidConfig)
		}
		spec.BaseURI = f.Home.DataDir()
	}
	if spec.Filename.Kind == "" {
		spec.Filename = location.UUID{}.Spec()
	}
	paths, err := spec.Build()
	if err != nil {
		return nil, fmt.Errorf("location: %w", err)
	}
	return paths, nil
}

// NewWriter builds the local writer for cfg. The backend is selected and
// constructed here, so an unknown backend name fails with
// storage.ErrBackendUnavailable before any device is touched. Without a
// storage section it fails with storage.ErrNoStorage.
func NewWriter(cfg *config.Config, f Factories) (*writer.Writer, *location.StorePathProvider, error) {
	if cfg.Storage == nil {
		return nil, nil, storage.ErrNoStorage
	}
	logger := logging.Default(f.Logger).With("component", "provision")

	paths, err := PathProvider(cfg, f)
	if err != nil {
		return nil, nil, err
	}
	store, err := paths.Path("")
	if err != nil {
		return nil, nil, err
	}

	params, err := config.StringParams(cfg.Storage.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: %w", err)
	}
	params[storage.ParamStoreURI] = store.StoreURI

	backend, err := f.Backends.Open(cfg.Storage.Backend, params, f.Logger)
	if err != nil {
		return nil, nil, err
	}

	manifest, err := manifestStore(cfg.Writer.Manifest, f.Home, filepath.Base(store.StoreURI))
	if err != nil {
		_ = backend.Close(context.Background())
		return nil, nil, err
	}

	w, err := writer.New(writer.Config{
		Backend:        backend,
		Paths:          paths,
		AllowReprepare: cfg.Writer.AllowReprepare,
		OpTimeout:      cfg.Writer.OpTimeout,
		Manifest:       manifest,
		Logger:         f.Logger,
	})
	if err != nil {
		_ = backend.Close(context.Background())
		return nil, nil, err
	}
	logger.Info("writer ready", "backend", cfg.Storage.Backend, "store", store.StoreURI)
	return w, paths, nil
}

func manifestStore(setting string, dir home.Dir, store string) (source.Store, error) {
	switch setting {
	case "":
		return nil, nil
	case ManifestHome:
		if dir.Root() == "" {
			return nil, fmt.Errorf("%w: writer: manifest %q needs a home directory", config.ErrInvalidConfig, ManifestHome)
		}
		return sourcefile.NewStore(dir.ManifestPath(store)), nil
	default:
		return sourcefile.NewStore(setting), nil
	}
}

// Session is a provisioned acquisition: a proxy, optional provenance and
// the detectors attached to the proxy.
type Session struct {
	// Proxy is nil when the session has no storage.
	Proxy storage.Proxy

	Writer    *writer.Writer
	Client    *remote.Client
	Paths     *location.StorePathProvider
	Collector *provenance.Collector
	Detectors []*device.Detector

	logger *slog.Logger
}

// Open provisions a session. With a remote section it dials the server
// there; otherwise a storage section yields a local writer. Detectors are
// attached to whichever proxy results, or to none.
func Open(ctx context.Context, cfg *config.Config, f Factories) (*Session, error) {
	s := &Session{logger: logging.Default(f.Logger).With("component", "session")}

	switch {
	case cfg.Remote != nil:
		client, err := dialRemote(ctx, cfg.Remote, f.Logger)
		if err != nil {
			return nil, err
		}
		s.Client, s.Proxy = client, client
	case cfg.Storage != nil:
		w, paths, err := NewWriter(cfg, f)
		if err != nil {
			return nil, err
		}
		s.Writer, s.Paths, s.Proxy = w, paths, w
	default:
		s.logger.Warn("no storage configured; detectors will not stage")
	}

	for _, dc := range cfg.Detectors {
		dtype, err := frame.ParseDType(dc.DType)
		if err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("detector %s: %w", dc.Name, err)
		}
		d, err := device.New(device.Config{
			Name:     dc.Name,
			DType:    dtype,
			Shape:    frame.Shape(dc.Shape),
			Frames:   dc.Frames,
			Rate:     dc.Rate,
			Capacity: dc.Capacity,
			Extra:    dc.Extra,
			Logger:   f.Logger,
		}, s.Proxy)
		if err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
		s.Detectors = append(s.Detectors, d)
	}

	if cfg.Provenance != nil && s.Proxy != nil {
		if err := s.openCollector(cfg.Provenance, f); err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
	}
	return s, nil
}

func dialRemote(ctx context.Context, rc *config.RemoteConfig, logger *slog.Logger) (*remote.Client, error) {
	var token string
	if rc.Secret != "" {
		var err error
		token, _, err = auth.NewTokenService([]byte(rc.Secret), tokenLifetime).Issue("framestore-acquire", auth.ScopeWrite)
		if err != nil {
			return nil, err
		}
	}
	cfg := remote.ClientConfig{Addr: rc.Addr, Token: token, GRPC: rc.GRPC, Compression: rc.Compression, Logger: logger}
	if rc.ClientTLS() {
		tlsCfg, err := cert.ClientTLS(rc.TLSCA, rc.TLSServerName, rc.TLSInsecure)
		if err != nil {
			return nil, err
		}
		cfg.TLS = tlsCfg
	}
	return remote.Dial(ctx, cfg)
}

func (s *Session) openCollector(pc *config.ProvenanceConfig, f Factories) error {
	params, err := config.StringParams(pc.Params)
	if err != nil {
		return fmt.Errorf("provenance: %w", err)
	}
	sink, err := f.DocSinks.Open(pc.Sink, params, f.Logger)
	if err != nil {
		return err
	}
	c, err := provenance.NewCollector(provenance.CollectorConfig{
		Proxy:    s.Proxy,
		Sink:     sink,
		Interval: pc.Interval,
		Logger:   f.Logger,
	})
	if err != nil {
		_ = sink.Close()
		return err
	}
	for _, d := range s.Detectors {
		c.Track(d.Name())
	}
	s.Collector = c
	return nil
}

// Run stages every detector, kicks the store off, acquires from all
// detectors concurrently and unstages them. It returns the number of frames
// each detector wrote.
func (s *Session) Run(ctx context.Context) (map[string]int, error) {
	if s.Proxy == nil {
		return nil, fmt.Errorf("run: %w", storage.ErrNoStorage)
	}

	for _, d := range s.Detectors {
		if err := d.Stage(ctx); err != nil {
			s.unstageAll(ctx)
			return nil, err
		}
	}
	if err := s.Proxy.Kickoff(ctx); err != nil {
		s.unstageAll(ctx)
		return nil, err
	}
	if s.Collector != nil {
		if err := s.Collector.Start(); err != nil {
			s.unstageAll(ctx)
			return nil, err
		}
	}

	counts := make([]int, len(s.Detectors))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range s.Detectors {
		g.Go(func() error {
			n, err := d.Acquire(gctx)
			counts[i] = n
			return err
		})
	}
	err := g.Wait()
	if uerr := s.unstageAll(ctx); uerr != nil {
		err = errors.Join(err, uerr)
	}

	written := make(map[string]int, len(s.Detectors))
	for i, d := range s.Detectors {
		written[d.Name()] = counts[i]
	}
	s.logger.Info("acquisition finished", "detectors", len(s.Detectors), "error", err)
	return written, err
}

func (s *Session) unstageAll(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, d := range s.Detectors {
		errs = append(errs, d.Unstage(ctx))
	}
	return errors.Join(errs...)
}

// Close stops provenance, publishing what is still outstanding, and closes
// the proxy. Documents are collected before the writer closes, so the final
// datums are included.
func (s *Session) Close(ctx context.Context) error {
	var errs []error
	if s.Collector != nil {
		errs = append(errs, s.Collector.Stop(ctx))
	}
	if s.Writer != nil {
		errs = append(errs, s.Writer.Close(ctx))
	}
	if s.Client != nil {
		errs = append(errs, s.Client.Close())
	}
	return errors.Join(errs...)
}

// Location returns the store location of the session's proxy, when it can
// report one.
func (s *Session) Location(ctx context.Context) (storage.PathInfo, bool) {
	loc, ok := s.Proxy.(storage.Locator)
	if !ok {
		return storage.PathInfo{}, false
	}
	info, err := loc.Location(ctx)
	if err != nil {
		s.logger.Warn("location unavailable", "error", err)
		return storage.PathInfo{}, false
	}
	return info, true
}
