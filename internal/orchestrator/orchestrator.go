package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/nativesync/internal/infrastructure/config"
	"github.com/nerrad567/nativesync/internal/infrastructure/logging"
	"github.com/nerrad567/nativesync/internal/infrastructure/telemetry"
	"github.com/nerrad567/nativesync/internal/mapping"
	"github.com/nerrad567/nativesync/internal/platform"
	"github.com/nerrad567/nativesync/internal/protocol"
)

// Native scene id allocation range. Ids wrap back to the start past the
// maximum; handlers tolerate overwriting a previously stored id.
const (
	sceneIDStart = 100
	sceneIDMax   = 255
)

// Scene store retry policy: linear backoff, 0.5s times the attempt number.
const (
	sceneStoreAttempts = 3
	sceneStoreBackoff  = 500 * time.Millisecond
)

// Orchestrator coordinates classification, provisioning, dispatch,
// reconciliation, and persistence across the active protocol handlers.
//
// Thread Safety: all exported methods are safe for concurrent use. The
// mapping table and managed-resources index are guarded by one mutex;
// handler and platform calls happen outside it.
type Orchestrator struct {
	client   platform.Client
	registry *protocol.Registry
	store    platform.StateStore
	cfg      *config.Config
	metrics  *telemetry.Client
	logger   *logging.Logger

	mu             sync.Mutex
	handlers       map[mapping.Protocol]protocol.Handler
	mappings       map[string]*mapping.GroupMapping
	managed        map[string]map[string]bool
	sceneIDCounter int
	started        bool
	runCtx         context.Context
	cancel         context.CancelFunc
	unsubs         []func()

	wg      sync.WaitGroup
	pending atomic.Int64

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// New creates an orchestrator over the given collaborators. The metrics
// client may be nil; telemetry writes become no-ops.
func New(
	client platform.Client,
	registry *protocol.Registry,
	store platform.StateStore,
	cfg *config.Config,
	metrics *telemetry.Client,
	logger *logging.Logger,
) *Orchestrator {
	return &Orchestrator{
		client:         client,
		registry:       registry,
		store:          store,
		cfg:            cfg,
		metrics:        metrics,
		logger:         logger.With("component", "orchestrator"),
		handlers:       make(map[mapping.Protocol]protocol.Handler),
		mappings:       make(map[string]*mapping.GroupMapping),
		managed:        make(map[string]map[string]bool),
		sceneIDCounter: sceneIDStart,
	}
}

// Start discovers the usable handlers, loads persisted state, attaches
// event listeners, arms the reconciliation timer, and runs a full sync.
// Starting an already started orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	o.logger.Info("starting orchestrator")

	snap, err := o.client.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: initial snapshot: %w", err)
	}

	handlers := make(map[mapping.Protocol]protocol.Handler)
	for _, h := range o.registry.Available(ctx, snap) {
		handlers[h.Protocol()] = h
		o.logger.Debug("handler active", "protocol", h.Protocol())
	}

	if err := o.loadState(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.handlers = handlers
	o.runCtx = runCtx
	o.cancel = cancel
	o.mu.Unlock()

	if err := o.subscribe(); err != nil {
		cancel()
		return err
	}

	o.wg.Add(1)
	go o.reconcileLoop(runCtx)

	o.syncAll(ctx, "startup")

	o.mu.Lock()
	o.started = true
	o.mu.Unlock()

	o.logger.Info("orchestrator started", "handlers", len(handlers))
	return nil
}

// Stop detaches listeners, joins outstanding background work, persists
// state, and cleans up the handlers. Stopping an orchestrator that is
// not started is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	cancel := o.cancel
	unsubs := o.unsubs
	o.unsubs = nil
	o.mu.Unlock()

	o.logger.Info("stopping orchestrator")

	// Detach event sources before cancelling so nothing schedules new
	// work while the join is in progress.
	for _, unsub := range unsubs {
		unsub()
	}
	o.stopDebounce()

	cancel()
	o.wg.Wait()

	if err := o.saveState(ctx); err != nil {
		o.logger.Error("saving state on shutdown failed", "error", err)
	}

	o.registry.Cleanup(ctx)

	o.logger.Info("orchestrator stopped")
	return nil
}

// spawn runs fn as a tracked background task joined on Stop. Tasks are
// not created once the run context is cancelled.
func (o *Orchestrator) spawn(name string, fn func(ctx context.Context)) {
	o.mu.Lock()
	ctx := o.runCtx
	o.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		return
	}

	o.wg.Add(1)
	o.pending.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.pending.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("background task panic", "task", name, "panic", r)
			}
		}()
		fn(ctx)
	}()
}

// handlerFor returns the active handler for a protocol, or nil.
func (o *Orchestrator) handlerFor(p mapping.Protocol) protocol.Handler {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handlers[p]
}

// allocateSceneID hands out the next native scene id, wrapping within
// the reserved range.
func (o *Orchestrator) allocateSceneID() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.sceneIDCounter
	o.sceneIDCounter++
	if o.sceneIDCounter > sceneIDMax {
		o.sceneIDCounter = sceneIDStart
	}
	return id
}

// track records a provisioned native resource under a grouping key.
func (o *Orchestrator) track(key string, ref mapping.ResourceRef) {
	o.mu.Lock()
	defer o.mu.Unlock()

	set, ok := o.managed[key]
	if !ok {
		set = make(map[string]bool)
		o.managed[key] = set
	}
	set[ref.String()] = true
}

// storeMapping replaces the mapping for a key wholesale.
func (o *Orchestrator) storeMapping(m *mapping.GroupMapping) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mappings[m.Key] = m
}

// dropMapping removes a key's mapping without touching native resources.
func (o *Orchestrator) dropMapping(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.mappings, key)
}

// GetMapping returns a copy of the mapping for a grouping key, or nil.
func (o *Orchestrator) GetMapping(key string) *mapping.GroupMapping {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mappings[key].DeepCopy()
}

// GetAllMappings returns copies of every tracked mapping.
func (o *Orchestrator) GetAllMappings() map[string]*mapping.GroupMapping {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]*mapping.GroupMapping, len(o.mappings))
	for key, m := range o.mappings {
		out[key] = m.DeepCopy()
	}
	return out
}

// ManagedResources returns a copy of the managed-resources index.
func (o *Orchestrator) ManagedResources() map[string][]string {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string][]string, len(o.managed))
	for key, refs := range o.managed {
		list := make([]string, 0, len(refs))
		for ref := range refs {
			list = append(list, ref)
		}
		out[key] = list
	}
	return out
}

// IsStarted reports whether the orchestrator is running.
func (o *Orchestrator) IsStarted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started
}

// SceneIDCounter returns the next scene id to be allocated.
func (o *Orchestrator) SceneIDCounter() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sceneIDCounter
}

// PendingTaskCount returns the number of in-flight background tasks.
func (o *Orchestrator) PendingTaskCount() int {
	return int(o.pending.Load())
}
