package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Conflict describes a version mismatch between a queued local mutation
// and the backend's current state. Base is the snapshot both sides
// diverged from, when one exists.
type Conflict struct {
	ResourceType  string
	ResourceID    string
	Base          *Snapshot
	LocalPatch    json.RawMessage
	LocalAt       time.Time
	ServerBody    json.RawMessage
	ServerVersion int64
	ServerAt      time.Time
}

// Merger resolves a Conflict. It returns the patch still needed on top
// of the server's state, or nil when the server state already subsumes
// the local intent. Resource types with additive fields (counters,
// tallies) register their own; everything else gets last-write-wins.
// Mergers only see create and update conflicts: a returned patch cannot
// express removal, so a conflicted delete settles on timestamps before
// any merger runs.
type Merger func(c Conflict) (json.RawMessage, error)

// lastWriteWins is the default merge policy. The side with the later
// timestamp keeps its write: a newer local mutation is replayed on top
// of the server state, an older one is folded away.
func lastWriteWins(c Conflict) (json.RawMessage, error) {
	if c.LocalAt.After(c.ServerAt) {
		return c.LocalPatch, nil
	}
	return nil, nil
}

// mergePatch overlays the top-level fields of patch onto base. Both must
// be JSON objects; an empty base is treated as {}.
func mergePatch(base, patch json.RawMessage) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("merge base is not an object: %w", err)
		}
	}
	var overlay map[string]json.RawMessage
	if len(patch) > 0 {
		if err := json.Unmarshal(patch, &overlay); err != nil {
			return nil, fmt.Errorf("merge patch is not an object: %w", err)
		}
	}
	for field, value := range overlay {
		merged[field] = value
	}
	return json.Marshal(merged)
}
