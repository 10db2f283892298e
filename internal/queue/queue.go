// Package queue implements the durable mutation queue: an ordered log of
// pending write operations against named remote resources that have not yet
// been confirmed by the backend.
//
// Items live in the store's sync_queue partition and are mirrored in memory
// for ordering queries; every state transition goes through a store
// transaction first, so a crash at any point leaves each mutation either
// Pending or already Applied, never silently lost.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftsync/driftsync/internal/store"
)

// Operation is the kind of mutation queued against a resource.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	// StatusPending means the item is waiting to be sent.
	StatusPending Status = "pending"
	// StatusInFlight means the item has been picked up by a sync cycle and
	// must not be concurrently re-sent.
	StatusInFlight Status = "in_flight"
	// StatusFailed means the item exhausted its retry budget and was moved
	// to the dead-letter set.
	StatusFailed Status = "failed"
)

// ErrQueueExhausted indicates an item hit its maximum attempt count.
var ErrQueueExhausted = errors.New("mutation exhausted retry budget")

// ErrNotFound indicates the referenced item is not in the active queue.
var ErrNotFound = errors.New("queue item not found")

// Item is one queued mutation. The ID doubles as the idempotency key sent
// to the backend, so a retried send that already succeeded server-side is
// not double-applied. IDs carry the minting process's instance ID, not the
// persisted device ID, so two processes sharing a data dir never mint the
// same ID even when their in-memory mirrors are stale. DeviceID records
// authorship and stays stable across restarts.
type Item struct {
	ID           string          `json:"id"`
	Seq          uint64          `json:"seq"`
	DeviceID     string          `json:"device_id"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Operation    Operation       `json:"operation"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Attempts     int             `json:"attempts"`
	Status       Status          `json:"status"`
	NextAttempt  time.Time       `json:"next_attempt,omitempty"`
	FailReason   string          `json:"fail_reason,omitempty"`
}

// deadPrefix namespaces dead-letter records inside the sync_queue partition.
const deadPrefix = "dead/"

// seqKey is the app_state record holding the enqueue sequence counter.
const seqKey = "queue_seq"

// Config holds queue policy.
type Config struct {
	// InstanceID identifies this process for item ID minting. Each process
	// on a shared data dir needs its own value; defaults to a random UUID.
	InstanceID string
	// MaxAttempts before an item is moved to the dead-letter set (default 5).
	MaxAttempts int
	// BackoffBase is the first retry delay (default 1s).
	BackoffBase time.Duration
	// BackoffCap bounds the retry delay (default 60s).
	BackoffCap time.Duration
	// Coalesce merges consecutive pending updates for one resource
	// into a single item carrying the latest payload (default true; set
	// DisableCoalesce to turn off).
	DisableCoalesce bool
	// OnFailed is invoked when an item moves to the dead-letter set.
	OnFailed func(Item)
	// Logger defaults to a stderr logger.
	Logger *log.Logger
}

// Queue is the durable mutation queue for one device.
type Queue struct {
	store    store.Store
	deviceID string
	config   Config

	mu      sync.Mutex
	items   map[string]*Item // active queue, by ID
	dead    map[string]*Item // dead-letter set, by ID
	nextSeq uint64

	now    func() time.Time
	jitter func() float64
}

// New loads the queue state from the store. InFlight items surviving a
// restart are not recovered automatically; call RecoverInFlight at startup.
func New(ctx context.Context, st store.Store, deviceID string, config Config) (*Queue, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device ID is required")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = time.Second
	}
	if config.BackoffCap <= 0 {
		config.BackoffCap = 60 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}

	q := &Queue{
		store:    st,
		deviceID: deviceID,
		config:   config,
		items:    make(map[string]*Item),
		dead:     make(map[string]*Item),
		now:      time.Now,
		jitter:   rand.Float64,
	}
	if err := q.load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// load rebuilds the in-memory mirror from the sync_queue partition.
func (q *Queue) load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = make(map[string]*Item)
	q.dead = make(map[string]*Item)

	keys, err := q.store.ListKeys(ctx, store.PartitionSyncQueue)
	if err != nil {
		return fmt.Errorf("failed to list queue items: %w", err)
	}
	for _, key := range keys {
		raw, ok, err := q.store.Get(ctx, store.PartitionSyncQueue, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		var item Item
		if err := json.Unmarshal(raw, &item); err != nil {
			q.config.Logger.Printf("Skipping unreadable queue record %s: %v", key, err)
			continue
		}
		if strings.HasPrefix(key, deadPrefix) {
			q.dead[item.ID] = &item
		} else {
			q.items[item.ID] = &item
		}
	}

	raw, ok, err := q.store.Get(ctx, store.PartitionAppState, seqKey)
	if err != nil {
		return err
	}
	if ok {
		if seq, err := strconv.ParseUint(string(raw), 10, 64); err == nil {
			q.nextSeq = seq
		}
	}
	return nil
}

// Refresh reloads the mirror from the store. Called when another process
// broadcasts that it enqueued or resolved items in the shared queue.
func (q *Queue) Refresh(ctx context.Context) error {
	return q.load(ctx)
}

// Enqueue appends a mutation and persists it before returning. Consecutive
// pending updates for the same resource are coalesced into the newest
// payload unless coalescing is disabled.
func (q *Queue) Enqueue(ctx context.Context, resourceType, resourceID string, op Operation, payload []byte) (Item, error) {
	return q.enqueue(ctx, resourceType, resourceID, op, payload, !q.config.DisableCoalesce)
}

// EnqueueNoCoalesce appends a mutation as a fresh item even when a pending
// update for the same resource could absorb it. Reconcile follow-ups use
// this: folding a merge delta into an unrelated, newer pending update would
// replace that update's payload with older state.
func (q *Queue) EnqueueNoCoalesce(ctx context.Context, resourceType, resourceID string, op Operation, payload []byte) (Item, error) {
	return q.enqueue(ctx, resourceType, resourceID, op, payload, false)
}

func (q *Queue) enqueue(ctx context.Context, resourceType, resourceID string, op Operation, payload []byte, coalesce bool) (Item, error) {
	if resourceType == "" || resourceID == "" {
		return Item{}, fmt.Errorf("resource type and id are required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if op == OpUpdate && coalesce {
		if target := q.coalesceTargetLocked(resourceType, resourceID); target != nil {
			updated := *target
			updated.Payload = append(json.RawMessage(nil), payload...)
			if err := q.persistItems(ctx, &updated); err != nil {
				return Item{}, err
			}
			*target = updated
			return updated, nil
		}
	}

	seq := q.nextSeq + 1
	item := Item{
		ID:           fmt.Sprintf("%012d-%s", seq, q.config.InstanceID),
		Seq:          seq,
		DeviceID:     q.deviceID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Operation:    op,
		Payload:      append(json.RawMessage(nil), payload...),
		CreatedAt:    q.now().UTC(),
		Status:       StatusPending,
	}

	raw, err := json.Marshal(item)
	if err != nil {
		return Item{}, fmt.Errorf("failed to marshal queue item: %w", err)
	}
	err = q.store.ScopedTransaction(ctx, func(tx store.Tx) error {
		if err := tx.Set(store.PartitionSyncQueue, item.ID, raw); err != nil {
			return err
		}
		return tx.Set(store.PartitionAppState, seqKey, []byte(strconv.FormatUint(seq, 10)))
	})
	if err != nil {
		return Item{}, fmt.Errorf("failed to persist queue item: %w", err)
	}

	q.nextSeq = seq
	q.items[item.ID] = &item
	return item, nil
}

// coalesceTargetLocked returns the pending update that a new update for the
// resource may merge into: it must be the most recent item queued for that
// resource and must not have seen a sync attempt yet.
func (q *Queue) coalesceTargetLocked(resourceType, resourceID string) *Item {
	var newest *Item
	for _, item := range q.items {
		if item.ResourceType != resourceType || item.ResourceID != resourceID {
			continue
		}
		if newest == nil || item.Seq > newest.Seq {
			newest = item
		}
	}
	if newest == nil {
		return nil
	}
	if newest.Operation != OpUpdate || newest.Status != StatusPending || newest.Attempts != 0 {
		return nil
	}
	return newest
}

// PeekBatch returns up to max Pending items that are due, in creation order
// (createdAt, then deviceID, then seq). At most one item per resourceId is
// returned, and resources with an item already InFlight are skipped, so
// per-resource delivery order is preserved while distinct resources drain
// concurrently.
func (q *Queue) PeekBatch(max int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	busy := make(map[string]bool)
	for _, item := range q.items {
		if item.Status == StatusInFlight {
			busy[item.ResourceType+"/"+item.ResourceID] = true
		}
	}

	candidates := make([]*Item, 0, len(q.items))
	for _, item := range q.items {
		if item.Status != StatusPending {
			continue
		}
		if !item.NextAttempt.IsZero() && item.NextAttempt.After(now) {
			continue
		}
		candidates = append(candidates, item)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.DeviceID != b.DeviceID {
			return a.DeviceID < b.DeviceID
		}
		return a.Seq < b.Seq
	})

	batch := make([]Item, 0, max)
	for _, item := range candidates {
		if len(batch) >= max {
			break
		}
		resource := item.ResourceType + "/" + item.ResourceID
		if busy[resource] {
			continue
		}
		busy[resource] = true
		batch = append(batch, *item)
	}
	return batch
}

// MarkInFlight transitions items to InFlight before they are sent.
func (q *Queue) MarkInFlight(ctx context.Context, ids []string) error {
	return q.transition(ctx, ids, func(item *Item) {
		item.Status = StatusInFlight
	})
}

// MarkApplied removes confirmed items from the queue.
func (q *Queue) MarkApplied(ctx context.Context, ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.store.ScopedTransaction(ctx, func(tx store.Tx) error {
		for _, id := range ids {
			if err := tx.Delete(store.PartitionSyncQueue, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove applied items: %w", err)
	}
	for _, id := range ids {
		delete(q.items, id)
	}
	return nil
}

// MarkFailed moves an item straight to the dead-letter set, regardless of
// its remaining retry budget. Used for hard failures (validation,
// not-found) that retrying cannot fix.
func (q *Queue) MarkFailed(ctx context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failLocked(ctx, id, reason)
}

// Requeue resets an InFlight item to Pending without counting an attempt.
// Used on crash recovery and when a connectivity drop leaves an outcome
// unknown: the idempotency key makes the re-send safe.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	return q.transition(ctx, []string{id}, func(item *Item) {
		item.Status = StatusPending
	})
}

// RecoverInFlight resets every InFlight item to Pending. Called once at
// startup: an InFlight item surviving a restart means its outcome is
// unknown.
func (q *Queue) RecoverInFlight(ctx context.Context) (int, error) {
	q.mu.Lock()
	var ids []string
	for id, item := range q.items {
		if item.Status == StatusInFlight {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	if len(ids) == 0 {
		return 0, nil
	}
	if err := q.transition(ctx, ids, func(item *Item) {
		item.Status = StatusPending
	}); err != nil {
		return 0, err
	}
	q.config.Logger.Printf("Recovered %d in-flight items to pending", len(ids))
	return len(ids), nil
}

// RecordTransientFailure counts a failed send attempt and schedules the
// retry. When the budget is exhausted the item moves to the dead-letter set
// and ErrQueueExhausted is returned.
func (q *Queue) RecordTransientFailure(ctx context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	updated := *item
	updated.Attempts++
	if updated.Attempts >= q.config.MaxAttempts {
		if err := q.failLocked(ctx, id, reason); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s after %d attempts", ErrQueueExhausted, id, updated.Attempts)
	}

	updated.Status = StatusPending
	updated.NextAttempt = q.now().Add(q.backoff(updated.Attempts))
	if err := q.persistItems(ctx, &updated); err != nil {
		return err
	}
	*item = updated
	return nil
}

// backoff computes the exponential retry delay with ±20% jitter.
func (q *Queue) backoff(attempts int) time.Duration {
	delay := q.config.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= q.config.BackoffCap {
			delay = q.config.BackoffCap
			break
		}
	}
	if delay > q.config.BackoffCap {
		delay = q.config.BackoffCap
	}
	factor := 0.8 + 0.4*q.jitter()
	return time.Duration(float64(delay) * factor)
}

// failLocked moves an item to the dead-letter set and notifies the caller.
func (q *Queue) failLocked(ctx context.Context, id, reason string) error {
	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	failed := *item
	failed.Status = StatusFailed
	failed.FailReason = reason
	raw, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter item: %w", err)
	}

	err = q.store.ScopedTransaction(ctx, func(tx store.Tx) error {
		if err := tx.Delete(store.PartitionSyncQueue, id); err != nil {
			return err
		}
		return tx.Set(store.PartitionSyncQueue, deadPrefix+id, raw)
	})
	if err != nil {
		return fmt.Errorf("failed to move item to dead-letter set: %w", err)
	}

	delete(q.items, id)
	q.dead[id] = &failed
	q.config.Logger.Printf("Dead-lettered %s (%s %s/%s): %s",
		id, failed.Operation, failed.ResourceType, failed.ResourceID, reason)
	if q.config.OnFailed != nil {
		q.config.OnFailed(failed)
	}
	return nil
}

// RetryDead moves a dead-letter item back into the active queue with a
// fresh retry budget. Manual-retry hook for the surrounding app.
func (q *Queue) RetryDead(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.dead[id]
	if !ok {
		return fmt.Errorf("%w: dead-letter %s", ErrNotFound, id)
	}

	revived := *item
	revived.Status = StatusPending
	revived.Attempts = 0
	revived.NextAttempt = time.Time{}
	revived.FailReason = ""
	raw, err := json.Marshal(revived)
	if err != nil {
		return fmt.Errorf("failed to marshal revived item: %w", err)
	}

	err = q.store.ScopedTransaction(ctx, func(tx store.Tx) error {
		if err := tx.Delete(store.PartitionSyncQueue, deadPrefix+id); err != nil {
			return err
		}
		return tx.Set(store.PartitionSyncQueue, id, raw)
	})
	if err != nil {
		return fmt.Errorf("failed to revive dead-letter item: %w", err)
	}

	delete(q.dead, id)
	q.items[id] = &revived
	return nil
}

// DropDead permanently discards a dead-letter item.
func (q *Queue) DropDead(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.dead[id]; !ok {
		return fmt.Errorf("%w: dead-letter %s", ErrNotFound, id)
	}
	if err := q.store.Delete(ctx, store.PartitionSyncQueue, deadPrefix+id); err != nil {
		return err
	}
	delete(q.dead, id)
	return nil
}

// Depth returns the number of active (Pending or InFlight) items.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a snapshot of the active queue in creation order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, *item)
	}
	sortItems(out)
	return out
}

// DeadLetters returns a snapshot of the dead-letter set in creation order.
func (q *Queue) DeadLetters() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, 0, len(q.dead))
	for _, item := range q.dead {
		out = append(out, *item)
	}
	sortItems(out)
	return out
}

// Get returns the active item with the given ID.
func (q *Queue) Get(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

// transition persists then applies mutate for each referenced item.
func (q *Queue) transition(ctx context.Context, ids []string, mutate func(*Item)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	updated := make([]*Item, 0, len(ids))
	payloads := make(map[string][]byte, len(ids))
	for _, id := range ids {
		item, ok := q.items[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		next := *item
		mutate(&next)
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal queue item: %w", err)
		}
		copied := next
		updated = append(updated, &copied)
		payloads[id] = raw
	}

	err := q.store.ScopedTransaction(ctx, func(tx store.Tx) error {
		for id, raw := range payloads {
			if err := tx.Set(store.PartitionSyncQueue, id, raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist queue transition: %w", err)
	}

	for _, next := range updated {
		*q.items[next.ID] = *next
	}
	return nil
}

// persistItems writes the given items, then the caller applies them in
// memory on success.
func (q *Queue) persistItems(ctx context.Context, items ...*Item) error {
	err := q.store.ScopedTransaction(ctx, func(tx store.Tx) error {
		for _, item := range items {
			raw, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("failed to marshal queue item: %w", err)
			}
			if err := tx.Set(store.PartitionSyncQueue, item.ID, raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist queue items: %w", err)
	}
	return nil
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		if items[i].DeviceID != items[j].DeviceID {
			return items[i].DeviceID < items[j].DeviceID
		}
		return items[i].Seq < items[j].Seq
	})
}
