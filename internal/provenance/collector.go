package provenance

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"framestore/internal/logging"
	"framestore/internal/storage"
)

// DefaultInterval is the flush period when CollectorConfig.Interval is 0.
const DefaultInterval = time.Second

var ErrCollectorStopped = errors.New("collector stopped")

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	Proxy    storage.Proxy
	Sink     DocSink
	Interval time.Duration
	Logger   *slog.Logger
}

// Collector periodically gathers stream documents for tracked sources and
// publishes them. Documents a sink rejected are kept and published ahead of
// newer ones on the next flush, so every source's sequence reaches the sink
// complete and in order.
type Collector struct {
	proxy    storage.Proxy
	sink     DocSink
	interval time.Duration
	logger   *slog.Logger

	// flushMu serialises flushes; the scheduled job and Stop both flush.
	flushMu sync.Mutex

	mu        sync.Mutex
	tracked   map[string]struct{}
	pending   map[string][]storage.StreamAsset
	published int
	scheduler gocron.Scheduler
	stopped   bool
}

func NewCollector(cfg CollectorConfig) (*Collector, error) {
	if cfg.Proxy == nil {
		return nil, fmt.Errorf("collector: %w", storage.ErrNoStorage)
	}
	if cfg.Sink == nil {
		return nil, errors.New("collector: document sink is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Collector{
		proxy:    cfg.Proxy,
		sink:     cfg.Sink,
		interval: cfg.Interval,
		logger:   logging.Default(cfg.Logger).With("component", "provenance"),
		tracked:  make(map[string]struct{}),
		pending:  make(map[string][]storage.StreamAsset),
	}, nil
}

// Track adds a source to every following flush.
func (c *Collector) Track(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked[name] = struct{}{}
}

// Untrack stops collecting for name. Documents still pending for it are
// dropped.
func (c *Collector) Untrack(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracked, name)
	if n := len(c.pending[name]); n > 0 {
		c.logger.Warn("dropping unpublished documents", "source", name, "count", n)
	}
	delete(c.pending, name)
}

// Start schedules periodic flushes. A flush still running when the next one
// is due delays it rather than overlapping.
func (c *Collector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrCollectorStopped
	}
	if c.scheduler != nil {
		return nil
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(c.interval),
		gocron.NewTask(c.scheduledFlush),
		gocron.WithName("provenance-flush"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("create flush job: %w", err)
	}
	s.Start()
	c.scheduler = s
	c.logger.Info("collector started", "interval", c.interval)
	return nil
}

func (c *Collector) scheduledFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval*10)
	defer cancel()
	if _, err := c.Flush(ctx); err != nil {
		c.logger.Warn("flush failed", "error", err)
	}
}

// Flush collects and publishes documents for every tracked source up to its
// current write count. It returns the number of documents published.
// Failures for one source do not stop the others; they are joined.
func (c *Collector) Flush(ctx context.Context) (int, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	names := slices.Sorted(maps.Keys(c.tracked))
	c.mu.Unlock()

	var (
		total int
		errs  []error
	)
	for _, name := range names {
		n, err := c.flushSource(ctx, name)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("source %q: %w", name, err))
		}
	}
	return total, errors.Join(errs...)
}

func (c *Collector) flushSource(ctx context.Context, name string) (int, error) {
	c.mu.Lock()
	docs := c.pending[name]
	c.mu.Unlock()

	written, err := c.proxy.IndicesWritten(ctx, name)
	if err == nil {
		var seq iter.Seq[storage.StreamAsset]
		seq, err = c.proxy.CollectStreamDocs(ctx, name, written)
		if err == nil {
			for doc := range seq {
				docs = append(docs, doc)
			}
		}
	}
	// Documents gathered so far are kept even when collection failed.
	c.setPending(name, docs)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	if err := c.sink.Publish(ctx, name, docs); err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}
	c.setPending(name, nil)

	c.mu.Lock()
	c.published += len(docs)
	c.mu.Unlock()
	c.logger.Debug("documents published", "source", name, "count", len(docs))
	return len(docs), nil
}

func (c *Collector) setPending(name string, docs []storage.StreamAsset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tracked[name]; !ok {
		return
	}
	if len(docs) == 0 {
		delete(c.pending, name)
		return
	}
	c.pending[name] = docs
}

// Pending returns the number of documents awaiting publication for name.
func (c *Collector) Pending(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[name])
}

// Published returns the number of documents published since creation.
func (c *Collector) Published() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published
}

// Stop halts scheduled flushes, runs a final flush and closes the sink.
// Safe to call more than once; later calls do nothing.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	s := c.scheduler
	c.scheduler = nil
	c.mu.Unlock()

	var errs []error
	if s != nil {
		if err := s.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown scheduler: %w", err))
		}
	}
	if _, err := c.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final flush: %w", err))
	}
	if err := c.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sink: %w", err))
	}
	c.logger.Info("collector stopped", "published", c.Published())
	return errors.Join(errs...)
}
