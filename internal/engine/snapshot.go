package engine

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/driftsync/driftsync/internal/store"
)

const (
	snapshotPrefix = "snapshot/"
	cursorPrefix   = "pull_cursor/"
)

// Snapshot is the last known-authoritative server state of one resource.
// It is the merge base for conflict resolution and the watermark for
// incremental pulls. Only the orchestrator writes snapshots.
type Snapshot struct {
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId"`
	Version      int64           `json:"version"`
	Body         json.RawMessage `json:"body,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func snapshotKey(resourceType, resourceID string) string {
	return snapshotPrefix + resourceType + "/" + resourceID
}

func loadSnapshot(ctx context.Context, s store.Store, resourceType, resourceID string) (Snapshot, bool, error) {
	raw, ok, err := s.Get(ctx, store.PartitionAppState, snapshotKey(resourceType, resourceID))
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, nil
	}
	return snap, true, nil
}

func saveSnapshot(ctx context.Context, s store.Store, snap Snapshot) error {
	encoded, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.Set(ctx, store.PartitionAppState, snapshotKey(snap.ResourceType, snap.ResourceID), encoded)
}

func deleteSnapshot(ctx context.Context, s store.Store, resourceType, resourceID string) error {
	return s.Delete(ctx, store.PartitionAppState, snapshotKey(resourceType, resourceID))
}

// pullCursor is the highest server version already pulled for a resource
// type. PullSince requests start from here.
func pullCursor(ctx context.Context, s store.Store, resourceType string) (int64, error) {
	raw, ok, err := s.Get(ctx, store.PartitionAppState, cursorPrefix+resourceType)
	if err != nil || !ok {
		return 0, err
	}
	cursor, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, nil
	}
	return cursor, nil
}

func savePullCursor(ctx context.Context, s store.Store, resourceType string, version int64) error {
	return s.Set(ctx, store.PartitionAppState, cursorPrefix+resourceType,
		[]byte(strconv.FormatInt(version, 10)))
}

// knownResourceTypes lists every resource type the engine has pulled or
// snapshotted, so reconnect pulls cover all of them.
func knownResourceTypes(ctx context.Context, s store.Store) ([]string, error) {
	keys, err := s.ListKeys(ctx, store.PartitionAppState)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, key := range keys {
		switch {
		case strings.HasPrefix(key, cursorPrefix):
			seen[strings.TrimPrefix(key, cursorPrefix)] = struct{}{}
		case strings.HasPrefix(key, snapshotPrefix):
			rest := strings.TrimPrefix(key, snapshotPrefix)
			if idx := strings.IndexByte(rest, '/'); idx > 0 {
				seen[rest[:idx]] = struct{}{}
			}
		}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, nil
}
