package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/eventcore/internal/model"
)

// StreamProcessors is the per-tenant registry of running stream processors.
//
// It guarantees at most one processor per StreamProcessorID. Entries are
// inserted by Register and removed only by the processor's own termination,
// so the map never holds a dead processor for long and never two live ones.
//
// Thread-safety: all methods are safe for concurrent use.
type StreamProcessors struct {
	tenant  model.TenantID
	fetcher EventFetcher
	states  StateRepository
	waiter  EventWaiter
	opts    []Option
	logger  *slog.Logger
	metrics *Metrics

	mu sync.Mutex
	// A nil value reserves the id while the processor is being created.
	processors map[model.StreamProcessorID]*StreamProcessor
	wg         sync.WaitGroup
}

// NewStreamProcessors creates an empty registry for a tenant. The options are
// applied to every processor it creates.
func NewStreamProcessors(tenant model.TenantID, fetcher EventFetcher, states StateRepository, waiter EventWaiter, opts ...Option) *StreamProcessors {
	o := buildOptions(opts)
	return &StreamProcessors{
		tenant:     tenant,
		fetcher:    fetcher,
		states:     states,
		waiter:     waiter,
		opts:       opts,
		logger:     o.logger.With("tenant", tenant),
		metrics:    o.metrics,
		processors: make(map[model.StreamProcessorID]*StreamProcessor),
	}
}

// Tenant returns the tenant the registry serves.
func (r *StreamProcessors) Tenant() model.TenantID {
	return r.tenant
}

// Register creates, registers and starts a stream processor.
//
// If id is already registered, Register fails with ALREADY_REGISTERED and
// has no other effect. Otherwise the event processor is created with
// factory, its persisted state is loaded or created, and its loop is started
// under ctx. The registry entry is removed when the loop terminates.
func (r *StreamProcessors) Register(ctx context.Context, definition model.StreamDefinition, id model.StreamProcessorID, factory EventProcessorFactory) (*StreamProcessor, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.processors[id]; exists {
		r.mu.Unlock()
		return nil, newProcessorError(ErrCodeAlreadyRegistered, r.tenant, id,
			"stream processor is already registered", nil)
	}
	r.processors[id] = nil
	r.mu.Unlock()

	sp, err := r.create(definition, id, factory)
	if err != nil {
		r.release(id, nil)
		return nil, err
	}

	r.mu.Lock()
	r.processors[id] = sp
	r.metrics.setRegistered(r.tenant, len(r.processors))
	r.mu.Unlock()

	r.wg.Add(1)
	sp.OnTerminated(func(sp *StreamProcessor) {
		r.release(id, sp)
		r.logger.Info("stream processor unregistered", "processor", id.String())
		r.wg.Done()
	})

	if err := sp.Start(ctx); err != nil {
		return nil, err
	}

	r.logger.Info("stream processor registered",
		"processor", id.String(),
		"processor_key", sp.Key(),
		"partitioned", definition.Partitioned)
	return sp, nil
}

func (r *StreamProcessors) create(definition model.StreamDefinition, id model.StreamProcessorID, factory EventProcessorFactory) (*StreamProcessor, error) {
	if factory == nil {
		return nil, fmt.Errorf("register %s: event processor factory is required", id)
	}
	processor, err := factory(r.tenant)
	if err != nil {
		return nil, fmt.Errorf("register %s: create event processor: %w", id, err)
	}
	return NewStreamProcessor(r.tenant, definition, id, processor, r.fetcher, r.states, r.waiter, r.opts...)
}

// release removes the entry for id if it still holds sp.
func (r *StreamProcessors) release(id model.StreamProcessorID, sp *StreamProcessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.processors[id]; ok && current == sp {
		delete(r.processors, id)
		r.metrics.setRegistered(r.tenant, len(r.processors))
	}
}

// Unregister removes a stopped processor.
//
// Fails with NOT_REGISTERED if id is unknown and with
// CANNOT_UNREGISTER_RUNNING while the processor is starting or running.
// Running processors leave the registry when they terminate.
func (r *StreamProcessors) Unregister(id model.StreamProcessorID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sp, ok := r.processors[id]
	if !ok {
		return newProcessorError(ErrCodeNotRegistered, r.tenant, id,
			"stream processor is not registered", nil)
	}
	if sp == nil || sp.Status() != StatusStopped {
		return newProcessorError(ErrCodeCannotUnregisterRunning, r.tenant, id,
			"stream processor is running", nil)
	}
	delete(r.processors, id)
	r.metrics.setRegistered(r.tenant, len(r.processors))
	return nil
}

// Stop cancels the processor registered under id.
func (r *StreamProcessors) Stop(id model.StreamProcessorID) error {
	sp, ok := r.Get(id)
	if !ok {
		return newProcessorError(ErrCodeNotRegistered, r.tenant, id,
			"stream processor is not registered", nil)
	}
	sp.Stop()
	return nil
}

// Get returns the processor registered under id.
func (r *StreamProcessors) Get(id model.StreamProcessorID) (*StreamProcessor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sp, ok := r.processors[id]
	return sp, ok && sp != nil
}

// IDs returns the registered ids in a stable order.
func (r *StreamProcessors) IDs() []model.StreamProcessorID {
	r.mu.Lock()
	ids := make([]model.StreamProcessorID, 0, len(r.processors))
	for id, sp := range r.processors {
		if sp != nil {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	slices.SortFunc(ids, func(a, b model.StreamProcessorID) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		}
		return 0
	})
	return ids
}

// Len returns the number of registered processors.
func (r *StreamProcessors) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.processors)
}

// StopAll cancels every registered processor.
func (r *StreamProcessors) StopAll() {
	r.mu.Lock()
	running := make([]*StreamProcessor, 0, len(r.processors))
	for _, sp := range r.processors {
		if sp != nil {
			running = append(running, sp)
		}
	}
	r.mu.Unlock()

	for _, sp := range running {
		sp.Stop()
	}
}

// Wait blocks until every processor started by this registry has stopped.
func (r *StreamProcessors) Wait() {
	r.wg.Wait()
}
