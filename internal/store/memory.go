package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is the in-memory fallback store used when local storage is
// unavailable. It implements the same contract as the SQLite store but
// nothing survives a restart.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte // partition -> key -> value
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

// Durable implements Store.
func (m *Memory) Durable() bool { return false }

// Close implements Store.
func (m *Memory) Close() error { return nil }

// Get implements Store.
func (m *Memory) Get(_ context.Context, partition, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[partition][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, partition, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(partition, key, value)
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, partition, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[partition], key)
	return nil
}

// ListKeys implements Store.
func (m *Memory) ListKeys(_ context.Context, partition string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data[partition]))
	for key := range m.data[partition] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// ScopedTransaction implements Store. fn runs against a deep copy of the
// data; the copy replaces the live state only when fn returns nil.
func (m *Memory) ScopedTransaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := &Memory{data: make(map[string]map[string][]byte, len(m.data))}
	for partition, entries := range m.data {
		cloned := make(map[string][]byte, len(entries))
		for key, value := range entries {
			cloned[key] = append([]byte(nil), value...)
		}
		clone.data[partition] = cloned
	}

	if err := fn(&memoryTx{m: clone}); err != nil {
		return err
	}
	m.data = clone.data
	return nil
}

func (m *Memory) setLocked(partition, key string, value []byte) {
	entries, ok := m.data[partition]
	if !ok {
		entries = make(map[string][]byte)
		m.data[partition] = entries
	}
	entries[key] = append([]byte(nil), value...)
}

// memoryTx applies operations directly to the transaction's private clone.
// The clone is already guarded by the parent store's lock.
type memoryTx struct {
	m *Memory
}

func (t *memoryTx) Get(partition, key string) ([]byte, bool, error) {
	value, ok := t.m.data[partition][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (t *memoryTx) Set(partition, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}
	t.m.setLocked(partition, key, value)
	return nil
}

func (t *memoryTx) Delete(partition, key string) error {
	delete(t.m.data[partition], key)
	return nil
}

func (t *memoryTx) ListKeys(partition string) ([]string, error) {
	keys := make([]string, 0, len(t.m.data[partition]))
	for key := range t.m.data[partition] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
