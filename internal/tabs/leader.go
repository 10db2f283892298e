package tabs

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/store"
)

const leaseKey = "leader_lease"

// Lease is the persisted leadership claim. It lives in the app_state
// partition so every process sharing the store sees the same holder.
// InstanceID names the holding process, never the persisted device ID:
// sibling processes share the device and a device-keyed lease would let
// every one of them pass the "already ours" renewal check.
type Lease struct {
	InstanceID string    `json:"instanceId"`
	CreatedAt  time.Time `json:"createdAt"`
	ClaimedAt  time.Time `json:"claimedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Candidate identifies one process bidding for leadership. CreatedAt is
// the device identity's creation time, so the longest-lived device wins
// contested elections and the instance ID breaks exact ties between
// processes sharing a device.
type Candidate struct {
	InstanceID string
	CreatedAt  time.Time
}

// ordersBefore reports whether a outranks b in an election.
func (a Candidate) ordersBefore(b Candidate) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.InstanceID < b.InstanceID
}

// ElectorConfig tunes the lease lifecycle.
type ElectorConfig struct {
	// TTL is how long a claim holds without renewal. Default 15s.
	TTL time.Duration
	// SettleWindow is how long after a claim a better-ranked candidate
	// may still preempt it. Keeps elections deterministic when several
	// processes race an expired lease. Default 2s.
	SettleWindow time.Duration
	// OnChange is called with the new leadership state after each
	// transition. Optional.
	OnChange func(leader bool)
	Logger   *log.Logger
}

// Elector acquires and renews the leadership lease. Exactly one process
// per data dir holds the lease at a time; only the holder runs sync
// cycles.
type Elector struct {
	store     store.Store
	candidate Candidate
	ttl       time.Duration
	settle    time.Duration
	onChange  func(leader bool)
	logger    *log.Logger

	mu     sync.Mutex
	leader bool

	now func() time.Time
}

// NewElector creates an Elector. Call Run to participate in elections.
func NewElector(s store.Store, candidate Candidate, config ElectorConfig) *Elector {
	if config.TTL <= 0 {
		config.TTL = 15 * time.Second
	}
	if config.SettleWindow <= 0 {
		config.SettleWindow = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[tabs] ", log.LstdFlags)
	}
	return &Elector{
		store:     s,
		candidate: candidate,
		ttl:       config.TTL,
		settle:    config.SettleWindow,
		onChange:  config.OnChange,
		logger:    config.Logger,
		now:       time.Now,
	}
}

// IsLeader reports whether this process held the lease at the last
// acquire or renewal.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// TryAcquire attempts to take or renew the lease. It claims when the
// lease is absent, expired, or already ours. A fresh claim by another
// process can still be preempted inside the settle window if this
// candidate outranks the claimant; after the window settles the holder
// keeps the lease until it expires.
func (e *Elector) TryAcquire(ctx context.Context) (bool, error) {
	now := e.now()
	won := false

	err := e.store.ScopedTransaction(ctx, func(tx store.Tx) error {
		raw, ok, err := tx.Get(store.PartitionAppState, leaseKey)
		if err != nil {
			return err
		}

		var lease Lease
		hasLease := ok && json.Unmarshal(raw, &lease) == nil

		if hasLease && lease.InstanceID != e.candidate.InstanceID && now.Before(lease.ExpiresAt) {
			holder := Candidate{InstanceID: lease.InstanceID, CreatedAt: lease.CreatedAt}
			settling := now.Before(lease.ClaimedAt.Add(e.settle))
			if !settling || !e.candidate.ordersBefore(holder) {
				return nil
			}
		}

		claimedAt := now
		if hasLease && lease.InstanceID == e.candidate.InstanceID {
			claimedAt = lease.ClaimedAt
		}
		next := Lease{
			InstanceID: e.candidate.InstanceID,
			CreatedAt:  e.candidate.CreatedAt,
			ClaimedAt:  claimedAt,
			ExpiresAt:  now.Add(e.ttl),
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if err := tx.Set(store.PartitionAppState, leaseKey, encoded); err != nil {
			return err
		}
		won = true
		return nil
	})
	if err != nil {
		return false, err
	}

	e.setLeader(won)
	return won, nil
}

// Resign drops the lease if this process holds it, letting a peer take
// over immediately instead of waiting out the TTL.
func (e *Elector) Resign(ctx context.Context) error {
	err := e.store.ScopedTransaction(ctx, func(tx store.Tx) error {
		raw, ok, err := tx.Get(store.PartitionAppState, leaseKey)
		if err != nil || !ok {
			return err
		}
		var lease Lease
		if json.Unmarshal(raw, &lease) != nil || lease.InstanceID != e.candidate.InstanceID {
			return nil
		}
		return tx.Delete(store.PartitionAppState, leaseKey)
	})
	if err != nil {
		return err
	}
	e.setLeader(false)
	return nil
}

// Run acquires immediately, then renews at half the TTL until ctx ends.
// On shutdown it resigns so a sibling can take over without waiting.
func (e *Elector) Run(ctx context.Context) {
	if _, err := e.TryAcquire(ctx); err != nil {
		e.logger.Printf("leader election failed: %v", err)
	}

	ticker := time.NewTicker(e.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			resignCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := e.Resign(resignCtx); err != nil {
				e.logger.Printf("failed to resign leadership: %v", err)
			}
			cancel()
			return
		case <-ticker.C:
			if _, err := e.TryAcquire(ctx); err != nil {
				e.logger.Printf("leader election failed: %v", err)
			}
		}
	}
}

func (e *Elector) setLeader(leader bool) {
	e.mu.Lock()
	changed := e.leader != leader
	e.leader = leader
	e.mu.Unlock()

	if changed {
		if leader {
			e.logger.Printf("acquired leadership lease (instance %s)", e.candidate.InstanceID)
		} else {
			e.logger.Printf("lost leadership lease (instance %s)", e.candidate.InstanceID)
		}
		if e.onChange != nil {
			e.onChange(leader)
		}
	}
}
