// Package kvstore is the non-volatile key/value store behind persisted
// device state.
package kvstore

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by Get for keys that were never committed or set.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a get/set-blob store with explicit commit. Writes made with Set
// become durable only after Commit.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Commit() error
	Close() error
}

// Memory is a volatile Store. Pending writes are visible to Get before
// Commit, matching the SQLite store.
type Memory struct {
	mu        sync.Mutex
	committed map[string][]byte
	pending   map[string][]byte
	commits   int
}

func NewMemory() *Memory {
	return &Memory{
		committed: make(map[string][]byte),
		pending:   make(map[string][]byte),
	}
}

func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.pending[key]; ok {
		return append([]byte(nil), v...), nil
	}
	if v, ok := m.committed[key]; ok {
		return append([]byte(nil), v...), nil
	}
	return nil, ErrNotFound
}

func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	m.pending[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Commit() error {
	m.mu.Lock()
	for k, v := range m.pending {
		m.committed[k] = v
	}
	clear(m.pending)
	m.commits++
	m.mu.Unlock()
	return nil
}

// Commits returns how many times Commit was called.
func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

func (m *Memory) Close() error { return nil }

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLite)(nil)
)
