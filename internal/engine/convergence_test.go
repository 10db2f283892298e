package engine

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftsync/driftsync/internal/backend"
	"github.com/driftsync/driftsync/internal/cache"
	"github.com/driftsync/driftsync/internal/connectivity"
	"github.com/driftsync/driftsync/internal/queue"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/internal/tabs"
)

func (f *fakeBackend) resource(key string) (backend.Resource, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resource, ok := f.resources[key]
	return resource, ok
}

// process is one app instance over a shared data dir, wired exactly the
// way the CLI wires it: a sqlite store handle, the persisted device
// identity, and a per-process instance ID for coordination.
type process struct {
	store       store.Store
	device      store.DeviceState
	queue       *queue.Queue
	cache       *cache.Cache
	monitor     *connectivity.Monitor
	coordinator *tabs.Coordinator
	elector     *tabs.Elector
	engine      *Engine
}

func startProcess(t *testing.T, ctx context.Context, dataDir, instanceID string, fake *fakeBackend) *process {
	t.Helper()
	logger := log.New(os.Stderr, "["+instanceID+"] ", 0)

	s, err := store.Open(filepath.Join(dataDir, "driftsync.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	device, err := store.LoadDeviceState(ctx, s)
	if err != nil {
		t.Fatalf("LoadDeviceState: %v", err)
	}

	coordinator, err := tabs.NewCoordinator(dataDir, instanceID, logger)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	t.Cleanup(func() { coordinator.Close() })

	elector := tabs.NewElector(s, tabs.Candidate{
		InstanceID: instanceID,
		CreatedAt:  device.CreatedAt,
	}, tabs.ElectorConfig{Logger: logger})

	q, err := queue.New(ctx, s, device.DeviceID, queue.Config{
		InstanceID: instanceID,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}

	monitor := connectivity.New(connectivity.ProbeFunc(func(context.Context) error { return nil }),
		connectivity.Config{Logger: logger})
	monitor.SetOnline(false)

	c := cache.New(s, cache.Config{Logger: logger})
	e := New(Deps{
		Store:       s,
		Cache:       c,
		Queue:       q,
		Backend:     fake,
		Monitor:     monitor,
		Coordinator: coordinator,
		Elector:     elector,
		DeviceID:    device.DeviceID,
		Logger:      logger,
	}, Config{SyncInterval: 200 * time.Millisecond})

	return &process{
		store: s, device: device, queue: q, cache: c, monitor: monitor,
		coordinator: coordinator, elector: elector, engine: e,
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestTwoProcesses_SharedDataDirConverge runs two fully wired app
// instances over one data dir: both load the same persisted device
// identity, exactly one wins the leader lease, offline mutations from
// either process reach the backend once connectivity returns, and both
// local views converge on the merged state.
func TestTwoProcesses_SharedDataDirConverge(t *testing.T) {
	dataDir := t.TempDir()
	fake := newFakeBackend()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := startProcess(t, ctx, dataDir, "instance-1", fake)
	second := startProcess(t, ctx, dataDir, "instance-2", fake)

	if first.device.DeviceID != second.device.DeviceID {
		t.Fatalf("processes on one data dir load different devices: %q vs %q",
			first.device.DeviceID, second.device.DeviceID)
	}

	wonFirst, err := first.elector.TryAcquire(ctx)
	if err != nil || !wonFirst {
		t.Fatalf("first process should take the lease: won=%v err=%v", wonFirst, err)
	}
	wonSecond, err := second.elector.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if wonSecond {
		t.Fatal("both processes hold the leader lease")
	}

	go first.engine.Run(ctx)
	go second.engine.Run(ctx)

	if _, err := first.engine.Mutate(ctx, "pet", "p1", queue.OpUpdate, json.RawMessage(`{"hunger":10}`)); err != nil {
		t.Fatalf("Mutate on leader: %v", err)
	}
	if _, err := second.engine.Mutate(ctx, "pet", "p1", queue.OpUpdate, json.RawMessage(`{"thirst":5}`)); err != nil {
		t.Fatalf("Mutate on follower: %v", err)
	}

	first.monitor.SetOnline(true)
	second.monitor.SetOnline(true)

	waitFor(t, 10*time.Second, "both mutations to reach the backend", func() bool {
		resource, ok := fake.resource("pet/p1")
		if !ok {
			return false
		}
		var body map[string]any
		if json.Unmarshal(resource.Body, &body) != nil {
			return false
		}
		return body["hunger"] == float64(10) && body["thirst"] == float64(5)
	})
	waitFor(t, 10*time.Second, "both queues to drain", func() bool {
		return first.engine.QueueDepth() == 0 && second.engine.QueueDepth() == 0
	})

	for _, p := range []*process{first, second} {
		waitFor(t, 10*time.Second, "local view to converge", func() bool {
			value, ok, err := p.engine.ReadThroughCache(ctx, "pet", "p1")
			if err != nil || !ok {
				return false
			}
			var body map[string]any
			if json.Unmarshal(value, &body) != nil {
				return false
			}
			return body["hunger"] == float64(10) && body["thirst"] == float64(5)
		})
	}
}
