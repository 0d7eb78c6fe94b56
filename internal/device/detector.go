// Package device provides a simulated area detector. It talks to storage only
// through a storage.Proxy and never learns whether that proxy is local or
// networked.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"framestore/internal/frame"
	"framestore/internal/logging"
	"framestore/internal/storage"
)

var (
	ErrNotStaged     = errors.New("detector not staged")
	ErrAlreadyStaged = errors.New("detector already staged")
	ErrInvalidConfig = errors.New("invalid detector config")
)

// Config describes one simulated detector.
type Config struct {
	Name  string
	DType frame.DType
	Shape frame.Shape

	// Frames is the number of frames one acquisition produces.
	Frames int

	// Rate is the frame rate in frames per second. 0 means unpaced.
	Rate float64

	// Capacity is passed to Prepare. 0 defers to the location.
	Capacity int

	// Extra is attached to the source as descriptor metadata.
	Extra map[string]any

	Logger *slog.Logger
}

// Detector produces a deterministic ramp pattern: pixel i of frame n holds
// the low byte of n+i in every byte of its element (0 or 1 for bool).
//
// Logging:
//   - Logger is dependency-injected via Config
//   - Scoped with component="device", device=<name>
//   - Only lifecycle events are logged, never per frame
type Detector struct {
	cfg     Config
	proxy   storage.Proxy
	limiter *rate.Limiter
	logger  *slog.Logger

	sink storage.Sink
}

// New creates a detector writing through proxy. A nil proxy is accepted;
// Stage then fails with storage.ErrNoStorage.
func New(cfg Config, proxy storage.Proxy) (*Detector, error) {
	info := storage.SourceInfo{Name: cfg.Name, DType: cfg.DType, Shape: cfg.Shape}
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if cfg.Frames < 0 {
		return nil, fmt.Errorf("%w: %s: negative frame count %d", ErrInvalidConfig, cfg.Name, cfg.Frames)
	}
	if cfg.Rate < 0 {
		return nil, fmt.Errorf("%w: %s: negative rate %v", ErrInvalidConfig, cfg.Name, cfg.Rate)
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	return &Detector{
		cfg:     cfg,
		proxy:   proxy,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logging.Default(cfg.Logger).With("component", "device", "device", cfg.Name),
	}, nil
}

func (d *Detector) Name() string { return d.cfg.Name }

// Info returns the source the detector registers.
func (d *Detector) Info() storage.SourceInfo {
	return storage.SourceInfo{Name: d.cfg.Name, DType: d.cfg.DType, Shape: d.cfg.Shape, Extra: d.cfg.Extra}
}

// Stage registers the source and prepares a sink. Without storage it fails
// before touching anything.
func (d *Detector) Stage(ctx context.Context) error {
	if d.proxy == nil {
		return fmt.Errorf("stage %s: %w", d.cfg.Name, storage.ErrNoStorage)
	}
	if d.sink != nil {
		return fmt.Errorf("stage %s: %w", d.cfg.Name, ErrAlreadyStaged)
	}
	if err := d.proxy.UpdateSource(ctx, d.Info()); err != nil {
		return fmt.Errorf("stage %s: %w", d.cfg.Name, err)
	}
	sink, err := d.proxy.Prepare(ctx, d.cfg.Name, d.cfg.Capacity)
	if err != nil {
		return fmt.Errorf("stage %s: %w", d.cfg.Name, err)
	}
	d.sink = sink
	d.logger.Info("staged", "dtype", d.cfg.DType, "shape", d.cfg.Shape.String())
	return nil
}

// Acquire writes the configured number of frames, paced by the rate limit.
// It returns the number written; on error frames already written stay
// written.
func (d *Detector) Acquire(ctx context.Context) (int, error) {
	if d.sink == nil {
		return 0, fmt.Errorf("acquire %s: %w", d.cfg.Name, ErrNotStaged)
	}
	start := d.sink.Count()
	for n := range d.cfg.Frames {
		if err := d.limiter.Wait(ctx); err != nil {
			return n, fmt.Errorf("acquire %s: %w", d.cfg.Name, err)
		}
		// Cancellation is observed between frames only.
		if err := d.sink.Write(context.WithoutCancel(ctx), d.Frame(start+n)); err != nil {
			return n, fmt.Errorf("acquire %s frame %d: %w", d.cfg.Name, start+n, err)
		}
	}
	return d.cfg.Frames, nil
}

// Unstage closes the sink, completing the source. Safe to call when not
// staged.
func (d *Detector) Unstage(ctx context.Context) error {
	if d.sink == nil {
		return nil
	}
	sink := d.sink
	d.sink = nil
	if err := sink.Close(ctx); err != nil {
		return fmt.Errorf("unstage %s: %w", d.cfg.Name, err)
	}
	d.logger.Info("unstaged", "frames", sink.Count())
	return nil
}

// Run stages, acquires and unstages. The sink is closed even when
// acquisition fails.
func (d *Detector) Run(ctx context.Context) (int, error) {
	if err := d.Stage(ctx); err != nil {
		return 0, err
	}
	n, err := d.Acquire(ctx)
	// Completion must not be skipped because the acquisition was cancelled.
	if uerr := d.Unstage(context.WithoutCancel(ctx)); uerr != nil {
		err = errors.Join(err, uerr)
	}
	return n, err
}

// Frame returns frame n of the ramp pattern.
func (d *Detector) Frame(n int) frame.Frame {
	f := frame.Zeros(d.cfg.DType, d.cfg.Shape)
	size := d.cfg.DType.ItemSize()
	for i := range len(f.Data) / size {
		v := byte(n + i)
		if d.cfg.DType == frame.Bool {
			v &= 1
		}
		for b := range size {
			f.Data[i*size+b] = v
		}
	}
	return f
}
