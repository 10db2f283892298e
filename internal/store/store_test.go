package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "driftsync.db")
}

// TestOpen_Success tests database creation and schema initialization
func TestOpen_Success(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if !db.Durable() {
		t.Error("SQLite store should report Durable() = true")
	}

	var count int
	err = db.conn.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='kv'`).Scan(&count)
	if err != nil {
		t.Fatalf("Failed to query schema: %v", err)
	}
	if count != 1 {
		t.Error("kv table does not exist")
	}
}

// TestOpen_Unavailable tests that an unusable path surfaces ErrStorageUnavailable
func TestOpen_Unavailable(t *testing.T) {
	// A path whose parent is a regular file cannot be created.
	base := testDBPath(t)
	db, err := Open(base)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	db.Close()

	_, err = Open(filepath.Join(base, "nested.db"))
	if err == nil {
		t.Fatal("Open() with invalid path should fail")
	}
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("error = %v, want ErrStorageUnavailable", err)
	}
}

// TestOpenOrFallback_DegradesToMemory tests the memory-only degradation path
func TestOpenOrFallback_DegradesToMemory(t *testing.T) {
	base := testDBPath(t)
	db, err := Open(base)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	db.Close()

	s, err := OpenOrFallback(filepath.Join(base, "nested.db"))
	if err == nil {
		t.Fatal("expected open error alongside fallback store")
	}
	if s == nil {
		t.Fatal("fallback store is nil")
	}
	if s.Durable() {
		t.Error("fallback store should not be durable")
	}

	ctx := context.Background()
	if err := s.Set(ctx, PartitionCache, "k", []byte("v")); err != nil {
		t.Fatalf("fallback Set() failed: %v", err)
	}
	value, ok, err := s.Get(ctx, PartitionCache, "k")
	if err != nil || !ok {
		t.Fatalf("fallback Get() = %v, %v, %v", value, ok, err)
	}
}

// storeImpls runs a subtest against both store implementations
func storeImpls(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		db, err := Open(testDBPath(t))
		if err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		defer db.Close()
		fn(t, db)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
}

// TestStore_SetGetDelete tests the basic KV contract
func TestStore_SetGetDelete(t *testing.T) {
	storeImpls(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, ok, err := s.Get(ctx, PartitionAppState, "missing")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if ok {
			t.Error("Get() on absent key reported present")
		}

		if err := s.Set(ctx, PartitionAppState, "pet:1", []byte(`{"name":"Rex"}`)); err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
		value, ok, err := s.Get(ctx, PartitionAppState, "pet:1")
		if err != nil || !ok {
			t.Fatalf("Get() = %v, %v, %v", value, ok, err)
		}
		if string(value) != `{"name":"Rex"}` {
			t.Errorf("value = %q", value)
		}

		// Overwrite.
		if err := s.Set(ctx, PartitionAppState, "pet:1", []byte(`{"name":"Fido"}`)); err != nil {
			t.Fatalf("Set() overwrite failed: %v", err)
		}
		value, _, _ = s.Get(ctx, PartitionAppState, "pet:1")
		if string(value) != `{"name":"Fido"}` {
			t.Errorf("value after overwrite = %q", value)
		}

		if err := s.Delete(ctx, PartitionAppState, "pet:1"); err != nil {
			t.Fatalf("Delete() failed: %v", err)
		}
		_, ok, _ = s.Get(ctx, PartitionAppState, "pet:1")
		if ok {
			t.Error("key still present after Delete()")
		}

		// Deleting an absent key is idempotent.
		if err := s.Delete(ctx, PartitionAppState, "pet:1"); err != nil {
			t.Errorf("Delete() of absent key failed: %v", err)
		}
	})
}

// TestStore_PartitionIsolation tests that partitions do not leak into each other
func TestStore_PartitionIsolation(t *testing.T) {
	storeImpls(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.Set(ctx, PartitionCache, "shared", []byte("cache")); err != nil {
			t.Fatal(err)
		}
		if err := s.Set(ctx, PartitionSyncQueue, "shared", []byte("queue")); err != nil {
			t.Fatal(err)
		}

		value, _, _ := s.Get(ctx, PartitionCache, "shared")
		if string(value) != "cache" {
			t.Errorf("cache partition value = %q", value)
		}

		keys, err := s.ListKeys(ctx, PartitionSyncQueue)
		if err != nil {
			t.Fatalf("ListKeys() failed: %v", err)
		}
		if len(keys) != 1 || keys[0] != "shared" {
			t.Errorf("sync_queue keys = %v", keys)
		}

		if err := s.Delete(ctx, PartitionCache, "shared"); err != nil {
			t.Fatal(err)
		}
		if _, ok, _ := s.Get(ctx, PartitionSyncQueue, "shared"); !ok {
			t.Error("delete in cache partition removed sync_queue key")
		}
	})
}

// TestStore_ListKeysOrdered tests lexicographic key listing
func TestStore_ListKeysOrdered(t *testing.T) {
	storeImpls(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, key := range []string{"c", "a", "b"} {
			if err := s.Set(ctx, PartitionCache, key, []byte("x")); err != nil {
				t.Fatal(err)
			}
		}
		keys, err := s.ListKeys(ctx, PartitionCache)
		if err != nil {
			t.Fatalf("ListKeys() failed: %v", err)
		}
		want := []string{"a", "b", "c"}
		if len(keys) != len(want) {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
			}
		}
	})
}

// TestScopedTransaction_Commit tests that a successful fn applies all writes
func TestScopedTransaction_Commit(t *testing.T) {
	storeImpls(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		err := s.ScopedTransaction(ctx, func(tx Tx) error {
			if err := tx.Set(PartitionSyncQueue, "item1", []byte("a")); err != nil {
				return err
			}
			return tx.Set(PartitionAppState, "seq", []byte("1"))
		})
		if err != nil {
			t.Fatalf("ScopedTransaction() failed: %v", err)
		}

		if _, ok, _ := s.Get(ctx, PartitionSyncQueue, "item1"); !ok {
			t.Error("sync_queue write not applied")
		}
		if _, ok, _ := s.Get(ctx, PartitionAppState, "seq"); !ok {
			t.Error("app_state write not applied")
		}
	})
}

// TestScopedTransaction_Rollback tests all-or-nothing semantics on failure
func TestScopedTransaction_Rollback(t *testing.T) {
	storeImpls(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.Set(ctx, PartitionAppState, "keep", []byte("before")); err != nil {
			t.Fatal(err)
		}

		wantErr := errors.New("boom")
		err := s.ScopedTransaction(ctx, func(tx Tx) error {
			if err := tx.Set(PartitionAppState, "keep", []byte("after")); err != nil {
				return err
			}
			if err := tx.Set(PartitionSyncQueue, "new", []byte("x")); err != nil {
				return err
			}
			return wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Fatalf("ScopedTransaction() error = %v, want %v", err, wantErr)
		}

		value, _, _ := s.Get(ctx, PartitionAppState, "keep")
		if string(value) != "before" {
			t.Errorf("rolled-back value = %q, want %q", value, "before")
		}
		if _, ok, _ := s.Get(ctx, PartitionSyncQueue, "new"); ok {
			t.Error("rolled-back insert is visible")
		}
	})
}

// TestStore_DurabilityAcrossReopen tests that values survive close/reopen
func TestStore_DurabilityAcrossReopen(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Set(ctx, PartitionSyncQueue, "pending", []byte("mutation")); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db2.Close()

	value, ok, err := db2.Get(ctx, PartitionSyncQueue, "pending")
	if err != nil || !ok {
		t.Fatalf("Get() after reopen = %v, %v, %v", value, ok, err)
	}
	if string(value) != "mutation" {
		t.Errorf("value after reopen = %q", value)
	}
}

// TestLoadDeviceState_StableAcrossCalls tests device identity persistence
func TestLoadDeviceState_StableAcrossCalls(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	first, err := LoadDeviceState(ctx, db)
	if err != nil {
		t.Fatalf("LoadDeviceState() failed: %v", err)
	}
	if first.DeviceID == "" {
		t.Fatal("device ID is empty")
	}

	second, err := LoadDeviceState(ctx, db)
	if err != nil {
		t.Fatalf("second LoadDeviceState() failed: %v", err)
	}
	if second.DeviceID != first.DeviceID {
		t.Errorf("device ID changed: %q -> %q", first.DeviceID, second.DeviceID)
	}
	db.Close()

	// Survives restart.
	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db2.Close()
	third, err := LoadDeviceState(ctx, db2)
	if err != nil {
		t.Fatalf("LoadDeviceState() after reopen failed: %v", err)
	}
	if third.DeviceID != first.DeviceID {
		t.Errorf("device ID changed across restart: %q -> %q", first.DeviceID, third.DeviceID)
	}
}
