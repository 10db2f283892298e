// Package engine is the sync orchestrator and the API surface the
// surrounding app talks to. It drains the mutation queue against the
// backend when online, reconciles version conflicts, keeps the cache and
// per-resource snapshots authoritative, and fans outcomes out to the
// app and to sibling processes.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/backend"
	"github.com/driftsync/driftsync/internal/cache"
	"github.com/driftsync/driftsync/internal/connectivity"
	"github.com/driftsync/driftsync/internal/queue"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/internal/tabs"
)

// State is the orchestrator's cycle phase.
type State int

const (
	StateIdle State = iota
	StateDraining
	StateReconciling
)

func (s State) String() string {
	switch s {
	case StateDraining:
		return "draining"
	case StateReconciling:
		return "reconciling"
	default:
		return "idle"
	}
}

// SyncEventType classifies an outcome reported to the app.
type SyncEventType string

const (
	// SyncApplied fires when a queued mutation is confirmed by the backend.
	SyncApplied SyncEventType = "applied"
	// SyncConflictResolved fires when a version conflict was merged. The
	// user normally never needs to see these.
	SyncConflictResolved SyncEventType = "conflict_resolved"
	// SyncFailed fires when a mutation is dead-lettered, either from a
	// validation rejection or an exhausted retry budget.
	SyncFailed SyncEventType = "failed"
	// SyncCycleComplete fires when a full drain+reconcile cycle finishes.
	SyncCycleComplete SyncEventType = "cycle_complete"
)

// SyncEvent is delivered to OnSyncEvent handlers.
type SyncEvent struct {
	Type         SyncEventType
	ResourceType string
	ResourceID   string
	ItemID       string
	Version      int64
	Err          error
}

// Backend is the remote boundary the orchestrator drains against.
// *backend.Client satisfies it.
type Backend interface {
	Push(ctx context.Context, req backend.PushRequest) (backend.PushResult, error)
	Pull(ctx context.Context, resourceType, resourceID string) (backend.Resource, error)
	PullSince(ctx context.Context, resourceType string, sinceVersion int64) ([]backend.Resource, error)
}

// Deps are the engine's collaborators, passed in explicitly so independent
// instances never share hidden state.
type Deps struct {
	Store   store.Store
	Cache   *cache.Cache
	Queue   *queue.Queue
	Backend Backend
	Monitor *connectivity.Monitor
	// Coordinator and Elector are optional; without them the engine
	// behaves as the only process on the data dir.
	Coordinator *tabs.Coordinator
	Elector     *tabs.Elector
	DeviceID    string
	Logger      *log.Logger
}

// Config tunes the orchestrator.
type Config struct {
	// BatchSize bounds one drain pass (default 25).
	BatchSize int
	// SyncInterval is the periodic cycle while online (default 30s).
	SyncInterval time.Duration
	// CacheTTL is applied to bodies written through the cache
	// (default 5m).
	CacheTTL time.Duration
	// DefaultMerger overrides last-write-wins for unregistered resource
	// types.
	DefaultMerger Merger
}

// Engine is the sync orchestrator.
type Engine struct {
	store       store.Store
	cache       *cache.Cache
	queue       *queue.Queue
	backend     Backend
	monitor     *connectivity.Monitor
	coordinator *tabs.Coordinator
	elector     *tabs.Elector
	deviceID    string
	logger      *log.Logger

	batchSize    int
	syncInterval time.Duration
	cacheTTL     time.Duration
	defaultMerge Merger

	mu       sync.Mutex
	state    State
	mergers  map[string]Merger
	handlers []func(SyncEvent)

	syncMu sync.Mutex // serializes cycles

	kick chan struct{}
	now  func() time.Time
}

// New wires an Engine from its dependencies. Call Run to start the
// control loop, or drive SyncNow directly.
func New(deps Deps, config Config) *Engine {
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 25
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = 30 * time.Second
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if config.DefaultMerger == nil {
		config.DefaultMerger = lastWriteWins
	}
	return &Engine{
		store:        deps.Store,
		cache:        deps.Cache,
		queue:        deps.Queue,
		backend:      deps.Backend,
		monitor:      deps.Monitor,
		coordinator:  deps.Coordinator,
		elector:      deps.Elector,
		deviceID:     deps.DeviceID,
		logger:       deps.Logger,
		batchSize:    config.BatchSize,
		syncInterval: config.SyncInterval,
		cacheTTL:     config.CacheTTL,
		defaultMerge: config.DefaultMerger,
		mergers:      make(map[string]Merger),
		kick:         make(chan struct{}, 1),
		now:          time.Now,
	}
}

// RegisterMerger installs a custom conflict merger for one resource type.
func (e *Engine) RegisterMerger(resourceType string, m Merger) {
	e.mu.Lock()
	e.mergers[resourceType] = m
	e.mu.Unlock()
}

// OnSyncEvent registers a handler for sync outcomes. Handlers run on the
// orchestrator's goroutine and must not block.
func (e *Engine) OnSyncEvent(handler func(SyncEvent)) {
	e.mu.Lock()
	e.handlers = append(e.handlers, handler)
	e.mu.Unlock()
}

// QueueDepth reports pending plus in-flight mutations, for "N changes
// not yet saved" indicators.
func (e *Engine) QueueDepth() int { return e.queue.Depth() }

// ConnectivityStatus reports the monitor's current status.
func (e *Engine) ConnectivityStatus() connectivity.Status { return e.monitor.Status() }

// State reports the orchestrator's current phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func cacheKey(resourceType, resourceID string) string {
	return resourceType + "/" + resourceID
}

// ReadThroughCache returns the local value for a resource. On a cache
// miss while online it pulls from the backend, refreshes the cache and
// snapshot, and returns the pulled body. An offline miss falls back to
// the last confirmed snapshot, so previously synced state stays readable
// however long the device is disconnected.
func (e *Engine) ReadThroughCache(ctx context.Context, resourceType, resourceID string) (json.RawMessage, bool, error) {
	key := cacheKey(resourceType, resourceID)
	value, ok, err := e.cache.Read(ctx, key)
	if err != nil || ok {
		return value, ok, err
	}

	if !e.monitor.Online() {
		snap, hasSnap, err := loadSnapshot(ctx, e.store, resourceType, resourceID)
		if err != nil || !hasSnap {
			return nil, false, err
		}
		if writeErr := e.cache.Write(ctx, key, snap.Body, e.cacheTTL); writeErr != nil {
			e.logger.Printf("cache rehydrate failed for %s: %v", key, writeErr)
		}
		return snap.Body, true, nil
	}
	resource, err := e.backend.Pull(ctx, resourceType, resourceID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if err := e.applyServerState(ctx, resourceType, resource); err != nil {
		return nil, false, err
	}
	return resource.Body, true, nil
}

// Mutate records a local mutation. It always succeeds locally: the cache
// is updated optimistically and the mutation is queued for the next sync
// cycle. The returned item's ID doubles as the idempotency key the
// backend will eventually see.
func (e *Engine) Mutate(ctx context.Context, resourceType, resourceID string, op queue.Operation, patch json.RawMessage) (queue.Item, error) {
	key := cacheKey(resourceType, resourceID)

	switch op {
	case queue.OpDelete:
		if err := e.cache.Invalidate(ctx, key); err != nil {
			e.logger.Printf("optimistic invalidate failed for %s: %v", key, err)
		}
	default:
		current, _, err := e.cache.Read(ctx, key)
		if err != nil {
			e.logger.Printf("optimistic read failed for %s: %v", key, err)
		}
		optimistic, err := mergePatch(current, patch)
		if err != nil {
			return queue.Item{}, fmt.Errorf("invalid patch for %s: %w", key, err)
		}
		// No TTL: the optimistic entry must stay readable for as long
		// as the mutation is pending, which offline can be days. The
		// authoritative write after sync restores the normal TTL.
		if err := e.cache.Write(ctx, key, optimistic, 0); err != nil {
			e.logger.Printf("optimistic write failed for %s: %v", key, err)
		}
	}

	item, err := e.queue.Enqueue(ctx, resourceType, resourceID, op, patch)
	if err != nil {
		return queue.Item{}, err
	}
	e.broadcast(tabs.EventQueueChanged, item.ID)

	if e.monitor.Online() {
		e.requestSync()
	}
	return item, nil
}

// SyncNow runs one drain+reconcile cycle. It is a no-op when offline or
// when another process holds the leader lease.
func (e *Engine) SyncNow(ctx context.Context) error {
	if !e.monitor.Online() {
		return nil
	}
	if e.elector != nil && !e.elector.IsLeader() {
		return nil
	}

	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	e.setState(StateDraining)
	drainErr := e.drain(ctx)

	e.setState(StateReconciling)
	reconcileErr := e.reconcilePull(ctx)

	e.setState(StateIdle)
	e.broadcast(tabs.EventSyncCompleted, "")
	e.emit(SyncEvent{Type: SyncCycleComplete, Err: errors.Join(drainErr, reconcileErr)})
	return errors.Join(drainErr, reconcileErr)
}

// drain pushes pending mutations in order until the queue has no due
// items, connectivity drops, or a transient failure tells us to back off.
func (e *Engine) drain(ctx context.Context) error {
	for {
		batch := e.queue.PeekBatch(e.batchSize)
		if len(batch) == 0 {
			return nil
		}
		for _, item := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !e.monitor.Online() {
				return nil
			}
			if err := e.sendItem(ctx, item); err != nil {
				if errors.Is(err, backend.ErrTransient) {
					// Back off; the next cycle retries per the queue's
					// schedule.
					return nil
				}
				return err
			}
		}
	}
}

// sendItem pushes one queue item and settles its outcome.
func (e *Engine) sendItem(ctx context.Context, item queue.Item) error {
	if err := e.queue.MarkInFlight(ctx, []string{item.ID}); err != nil {
		return err
	}

	snap, hasSnap, err := loadSnapshot(ctx, e.store, item.ResourceType, item.ResourceID)
	if err != nil {
		return err
	}
	var baseVersion int64
	if hasSnap {
		baseVersion = snap.Version
	}

	result, err := e.backend.Push(ctx, backend.PushRequest{
		ResourceType:   item.ResourceType,
		ResourceID:     item.ResourceID,
		Operation:      string(item.Operation),
		Payload:        item.Payload,
		BaseVersion:    baseVersion,
		IdempotencyKey: item.ID,
	})

	switch {
	case err == nil && result.Applied:
		return e.settleApplied(ctx, item, result)
	case err == nil:
		var base *Snapshot
		if hasSnap {
			base = &snap
		}
		return e.reconcileConflict(ctx, item, base, result)
	case errors.Is(err, backend.ErrValidation), errors.Is(err, backend.ErrNotFound):
		if failErr := e.queue.MarkFailed(ctx, item.ID, err.Error()); failErr != nil {
			return failErr
		}
		e.broadcast(tabs.EventQueueChanged, item.ID)
		e.emit(SyncEvent{
			Type: SyncFailed, ResourceType: item.ResourceType,
			ResourceID: item.ResourceID, ItemID: item.ID, Err: err,
		})
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Outcome unknown; the idempotency key makes the re-send safe.
		if requeueErr := e.queue.Requeue(context.WithoutCancel(ctx), item.ID); requeueErr != nil {
			return requeueErr
		}
		return err
	default:
		if recordErr := e.queue.RecordTransientFailure(ctx, item.ID, err.Error()); recordErr != nil {
			if errors.Is(recordErr, queue.ErrQueueExhausted) {
				e.broadcast(tabs.EventQueueChanged, item.ID)
				e.emit(SyncEvent{
					Type: SyncFailed, ResourceType: item.ResourceType,
					ResourceID: item.ResourceID, ItemID: item.ID, Err: recordErr,
				})
				return fmt.Errorf("%w: %s", backend.ErrTransient, item.ID)
			}
			return recordErr
		}
		return fmt.Errorf("%w: %s", backend.ErrTransient, item.ID)
	}
}

// settleApplied records a confirmed mutation: queue entry retired, cache
// and snapshot refreshed with the authoritative body, peers notified.
func (e *Engine) settleApplied(ctx context.Context, item queue.Item, result backend.PushResult) error {
	if err := e.queue.MarkApplied(ctx, []string{item.ID}); err != nil {
		return err
	}
	key := cacheKey(item.ResourceType, item.ResourceID)

	if item.Operation == queue.OpDelete {
		if err := e.cache.Invalidate(ctx, key); err != nil {
			return err
		}
		if err := deleteSnapshot(ctx, e.store, item.ResourceType, item.ResourceID); err != nil {
			return err
		}
	} else {
		if err := saveSnapshot(ctx, e.store, Snapshot{
			ResourceType: item.ResourceType,
			ResourceID:   item.ResourceID,
			Version:      result.Version,
			Body:         result.Body,
			UpdatedAt:    e.now().UTC(),
		}); err != nil {
			return err
		}
		if len(result.Body) > 0 {
			if err := e.cache.Write(ctx, key, result.Body, e.cacheTTL); err != nil {
				return err
			}
		}
	}

	e.broadcast(tabs.EventQueueChanged, item.ID)
	e.broadcast(tabs.EventCacheInvalidate, key)
	e.emit(SyncEvent{
		Type: SyncApplied, ResourceType: item.ResourceType,
		ResourceID: item.ResourceID, ItemID: item.ID, Version: result.Version,
	})
	return nil
}

// reconcileConflict folds a version conflict: the merge policy decides
// what patch is still needed on top of the server state, that delta is
// re-enqueued, and the original item retires as applied since its intent
// now lives in the reconciled state. Delete conflicts never reach a
// merger, since a patch cannot express removal; they settle on the
// timestamps directly.
func (e *Engine) reconcileConflict(ctx context.Context, item queue.Item, base *Snapshot, result backend.PushResult) error {
	if item.Operation == queue.OpDelete {
		return e.reconcileDeleteConflict(ctx, item, result)
	}

	e.mu.Lock()
	merger, ok := e.mergers[item.ResourceType]
	e.mu.Unlock()
	if !ok {
		merger = e.defaultMerge
	}

	delta, err := merger(Conflict{
		ResourceType:  item.ResourceType,
		ResourceID:    item.ResourceID,
		Base:          base,
		LocalPatch:    item.Payload,
		LocalAt:       item.CreatedAt,
		ServerBody:    result.ServerBody,
		ServerVersion: result.ServerVersion,
		ServerAt:      result.ServerUpdatedAt,
	})
	if err != nil {
		if failErr := e.queue.MarkFailed(ctx, item.ID, fmt.Sprintf("merge failed: %v", err)); failErr != nil {
			return failErr
		}
		e.emit(SyncEvent{
			Type: SyncFailed, ResourceType: item.ResourceType,
			ResourceID: item.ResourceID, ItemID: item.ID, Err: err,
		})
		return nil
	}

	if err := e.queue.MarkApplied(ctx, []string{item.ID}); err != nil {
		return err
	}
	if err := e.applyServerState(ctx, item.ResourceType, backend.Resource{
		ResourceID: item.ResourceID,
		Body:       result.ServerBody,
		Version:    result.ServerVersion,
		UpdatedAt:  result.ServerUpdatedAt,
	}); err != nil {
		return err
	}

	if len(delta) > 0 {
		// The delta derives from a mutation older than anything already
		// queued for this resource, so it must not coalesce: replacing a
		// newer pending update's payload would roll that update back.
		followUp, err := e.queue.EnqueueNoCoalesce(ctx, item.ResourceType, item.ResourceID, queue.OpUpdate, delta)
		if err != nil {
			return err
		}
		e.broadcast(tabs.EventQueueChanged, followUp.ID)
		// Keep the local view optimistic about the replayed patch.
		key := cacheKey(item.ResourceType, item.ResourceID)
		if merged, mergeErr := mergePatch(result.ServerBody, delta); mergeErr == nil {
			if writeErr := e.cache.Write(ctx, key, merged, 0); writeErr != nil {
				return writeErr
			}
		}
	}

	e.broadcast(tabs.EventQueueChanged, item.ID)
	e.emit(SyncEvent{
		Type: SyncConflictResolved, ResourceType: item.ResourceType,
		ResourceID: item.ResourceID, ItemID: item.ID, Version: result.ServerVersion,
	})
	return nil
}

// reconcileDeleteConflict applies last write wins to a delete that lost
// a version race. A delete newer than the server's write keeps its
// intent: the server version becomes the new base and the delete is
// replayed against it. An older delete yields to the server state.
func (e *Engine) reconcileDeleteConflict(ctx context.Context, item queue.Item, result backend.PushResult) error {
	if err := e.queue.MarkApplied(ctx, []string{item.ID}); err != nil {
		return err
	}
	key := cacheKey(item.ResourceType, item.ResourceID)

	if item.CreatedAt.After(result.ServerUpdatedAt) {
		if err := saveSnapshot(ctx, e.store, Snapshot{
			ResourceType: item.ResourceType,
			ResourceID:   item.ResourceID,
			Version:      result.ServerVersion,
			Body:         result.ServerBody,
			UpdatedAt:    e.now().UTC(),
		}); err != nil {
			return err
		}
		followUp, err := e.queue.EnqueueNoCoalesce(ctx, item.ResourceType, item.ResourceID, queue.OpDelete, nil)
		if err != nil {
			return err
		}
		if err := e.cache.Invalidate(ctx, key); err != nil {
			return err
		}
		e.broadcast(tabs.EventQueueChanged, followUp.ID)
	} else {
		if err := e.applyServerState(ctx, item.ResourceType, backend.Resource{
			ResourceID: item.ResourceID,
			Body:       result.ServerBody,
			Version:    result.ServerVersion,
			UpdatedAt:  result.ServerUpdatedAt,
		}); err != nil {
			return err
		}
	}

	e.broadcast(tabs.EventQueueChanged, item.ID)
	e.emit(SyncEvent{
		Type: SyncConflictResolved, ResourceType: item.ResourceType,
		ResourceID: item.ResourceID, ItemID: item.ID, Version: result.ServerVersion,
	})
	return nil
}

// reconcilePull fetches server-side changes made while offline for every
// known resource type, skipping resources that still have pending local
// mutations (their state settles when those drain).
func (e *Engine) reconcilePull(ctx context.Context) error {
	types, err := knownResourceTypes(ctx, e.store)
	if err != nil {
		return err
	}

	pendingByResource := make(map[string]struct{})
	for _, item := range e.queue.Items() {
		pendingByResource[cacheKey(item.ResourceType, item.ResourceID)] = struct{}{}
	}

	var errs []error
	for _, resourceType := range types {
		cursor, err := pullCursor(ctx, e.store, resourceType)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		resources, err := e.backend.PullSince(ctx, resourceType, cursor)
		if err != nil {
			if errors.Is(err, backend.ErrTransient) {
				e.logger.Printf("delta pull for %s deferred: %v", resourceType, err)
				continue
			}
			errs = append(errs, err)
			continue
		}

		maxVersion := cursor
		for _, resource := range resources {
			if resource.Version > maxVersion {
				maxVersion = resource.Version
			}
			if _, pending := pendingByResource[cacheKey(resourceType, resource.ResourceID)]; pending {
				continue
			}
			if resource.Deleted {
				if err := e.cache.Invalidate(ctx, cacheKey(resourceType, resource.ResourceID)); err != nil {
					errs = append(errs, err)
				}
				if err := deleteSnapshot(ctx, e.store, resourceType, resource.ResourceID); err != nil {
					errs = append(errs, err)
				}
				e.broadcast(tabs.EventCacheInvalidate, cacheKey(resourceType, resource.ResourceID))
				continue
			}
			if err := e.applyServerState(ctx, resourceType, resource); err != nil {
				errs = append(errs, err)
			}
		}
		if maxVersion > cursor {
			if err := savePullCursor(ctx, e.store, resourceType, maxVersion); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// applyServerState installs an authoritative server body into the
// snapshot and cache, and tells peers their hot maps are stale.
func (e *Engine) applyServerState(ctx context.Context, resourceType string, resource backend.Resource) error {
	if err := saveSnapshot(ctx, e.store, Snapshot{
		ResourceType: resourceType,
		ResourceID:   resource.ResourceID,
		Version:      resource.Version,
		Body:         resource.Body,
		UpdatedAt:    resource.UpdatedAt,
	}); err != nil {
		return err
	}
	key := cacheKey(resourceType, resource.ResourceID)
	if err := e.cache.Write(ctx, key, resource.Body, e.cacheTTL); err != nil {
		return err
	}
	e.broadcast(tabs.EventCacheInvalidate, key)
	return nil
}

// Run is the control loop: recover interrupted work, then sync on
// reconnect, on demand, and on a timer while online. Blocks until ctx
// ends.
func (e *Engine) Run(ctx context.Context) {
	if recovered, err := e.queue.RecoverInFlight(ctx); err != nil {
		e.logger.Printf("in-flight recovery failed: %v", err)
	} else if recovered > 0 {
		e.logger.Printf("recovered %d interrupted mutation(s)", recovered)
	}

	statusCh := e.monitor.Subscribe()
	defer e.monitor.Unsubscribe(statusCh)

	var peerCh chan tabs.Event
	if e.coordinator != nil {
		peerCh = e.coordinator.Subscribe()
		defer e.coordinator.Unsubscribe(peerCh)
	}

	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()

	if e.monitor.Online() {
		e.runCycle(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case status := <-statusCh:
			if status == connectivity.StatusOnline {
				e.runCycle(ctx)
			}
		case <-e.kick:
			e.runCycle(ctx)
		case <-ticker.C:
			if e.monitor.Online() {
				e.runCycle(ctx)
			}
		case event, ok := <-peerCh:
			if !ok {
				peerCh = nil
				continue
			}
			e.handlePeerEvent(ctx, event)
		}
	}
}

// handlePeerEvent applies a sibling process's coordination event locally.
func (e *Engine) handlePeerEvent(ctx context.Context, event tabs.Event) {
	switch event.Type {
	case tabs.EventCacheInvalidate:
		// The peer already updated the store copy; only the hot map is
		// stale here.
		e.cache.Drop(event.Key)
	case tabs.EventQueueChanged:
		if err := e.queue.Refresh(ctx); err != nil {
			e.logger.Printf("queue refresh after peer change failed: %v", err)
		}
		// A follower enqueued work it cannot drain itself; if this
		// process leads and is online, pick it up now.
		if e.monitor.Online() {
			e.requestSync()
		}
	case tabs.EventSyncCompleted:
		if err := e.queue.Refresh(ctx); err != nil {
			e.logger.Printf("queue refresh after peer sync failed: %v", err)
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) {
	if err := e.SyncNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Printf("sync cycle: %v", err)
	}
}

// requestSync nudges the control loop without blocking the caller.
func (e *Engine) requestSync() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

func (e *Engine) emit(event SyncEvent) {
	e.mu.Lock()
	handlers := make([]func(SyncEvent), len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()
	for _, handler := range handlers {
		handler(event)
	}
}

func (e *Engine) broadcast(eventType tabs.EventType, key string) {
	if e.coordinator == nil {
		return
	}
	if err := e.coordinator.Broadcast(eventType, key); err != nil {
		e.logger.Printf("broadcast %s failed: %v", eventType, err)
	}
}
