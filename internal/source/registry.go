package source

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"framestore/internal/logging"
	"framestore/internal/storage"
)

// Registry maps source names to their bookkeeping for one store.
//
// Concurrency model:
//   - Lookup/Names/MinWritten are in-memory and take only a read lock
//   - Changed sources are queued for async persistence with Touch
//   - Persistence failures never fail a write; they are logged and dropped
//
// Logging:
//   - Logger is dependency-injected via Config.Logger
//   - Registry owns its scoped logger (component="source-registry")
//   - Only lifecycle events are logged
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Source

	// Persistence
	store     Store
	persistCh chan Record
	stopCh    chan struct{}
	stopOnce  sync.Once
	persistWg sync.WaitGroup

	now    func() time.Time
	newUID func() string

	logger *slog.Logger
}

// Config configures a Registry.
type Config struct {
	// Store for the session manifest. If nil, records are not persisted.
	Store Store

	// PersistQueueSize is the buffer size for the async persist queue.
	// Defaults to 256 if not set.
	PersistQueueSize int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// NewUID generates stream resource uids. Defaults to UUIDv7 strings.
	NewUID func() string

	// Logger for structured logging. If nil, logging is disabled.
	// The registry scopes this logger with component="source-registry".
	Logger *slog.Logger
}

// NewRegistry creates a Registry with the given configuration.
func NewRegistry(cfg Config) *Registry {
	if cfg.PersistQueueSize <= 0 {
		cfg.PersistQueueSize = 256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewUID == nil {
		cfg.NewUID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}

	r := &Registry{
		byName:    make(map[string]*Source),
		store:     cfg.Store,
		persistCh: make(chan Record, cfg.PersistQueueSize),
		stopCh:    make(chan struct{}),
		now:       cfg.Now,
		newUID:    cfg.NewUID,
		logger:    logging.Default(cfg.Logger).With("component", "source-registry"),
	}
	if r.store != nil {
		r.persistWg.Go(r.persistLoop)
	}
	return r
}

// Register adds a source. If name is already registered with the same
// schema, the existing source is returned with created false. A different
// dtype or shape fails with ErrSchemaConflict.
func (r *Registry) Register(info storage.SourceInfo, path storage.PathInfo) (src *Source, created bool, err error) {
	if err := info.Validate(); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[info.Name]; ok {
		if !existing.info.SameSchema(info) {
			return nil, false, fmt.Errorf("%w: %q registered as %s %s, got %s %s",
				storage.ErrSchemaConflict, info.Name,
				existing.info.DType, existing.info.Shape, info.DType, info.Shape)
		}
		return existing, false, nil
	}

	src = &Source{
		info:        info.Clone(),
		path:        path.Clone(),
		resourceUID: r.newUID(),
		updatedAt:   r.now(),
	}
	r.byName[info.Name] = src
	r.queuePersist(src.Record())
	r.logger.Debug("source registered", "source", info.Name, "dtype", info.DType, "shape", info.Shape.String())
	return src, true, nil
}

// Lookup returns the source for name, or ErrNotRegistered.
func (r *Registry) Lookup(name string) (*Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", storage.ErrNotRegistered, name)
	}
	return src, nil
}

// Remove drops a source that has no live sink.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", storage.ErrNotRegistered, name)
	}
	if src.Live() {
		return fmt.Errorf("%w: %q", storage.ErrAlreadyPrepared, name)
	}
	delete(r.byName, name)
	r.logger.Debug("source removed", "source", name)
	return nil
}

// Names returns all registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.byName))
}

// Sources returns all registered sources ordered by name.
func (r *Registry) Sources() []*Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Source, 0, len(r.byName))
	for _, name := range slices.Sorted(maps.Keys(r.byName)) {
		out = append(out, r.byName[name])
	}
	return out
}

// Count returns the number of registered sources.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// MinWritten returns the smallest write count over all sources, or 0 when
// none are registered.
func (r *Registry) MinWritten() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lowest := -1
	for _, src := range r.byName {
		if n := src.Written(); lowest < 0 || n < lowest {
			lowest = n
		}
	}
	return max(lowest, 0)
}

// Touch queues a snapshot of src for persistence.
func (r *Registry) Touch(src *Source) {
	if r.store == nil {
		return
	}
	rec := src.Record()
	rec.UpdatedAt = r.now()
	r.queuePersist(rec)
}

// Close stops the persistence goroutine and waits for it to finish.
// Any pending records are drained before Close returns.
func (r *Registry) Close() error {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.persistWg.Wait()
	return nil
}

// queuePersist sends a record to the persistence queue.
// Non-blocking: if the queue is full, the record is dropped. A later
// Touch of the same source supersedes it.
func (r *Registry) queuePersist(rec Record) {
	if r.store == nil {
		return
	}
	select {
	case r.persistCh <- rec:
	default:
		r.logger.Debug("persist queue full, dropping record", "source", rec.Info.Name)
	}
}

func (r *Registry) persistLoop() {
	for {
		select {
		case <-r.stopCh:
			for {
				select {
				case rec := <-r.persistCh:
					r.save(rec)
				default:
					return
				}
			}
		case rec := <-r.persistCh:
			r.save(rec)
		}
	}
}

func (r *Registry) save(rec Record) {
	if err := r.store.Save(rec); err != nil {
		r.logger.Warn("persist source record", "source", rec.Info.Name, "error", err)
	}
}
