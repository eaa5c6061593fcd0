package habitkit

import (
	"strings"
	"sync"
)

// LocalStore is on-device durable key-value storage used as the offline
// cache and fallback. Values are JSON strings serialized by the caller.
// Implementations must be safe for concurrent use.
type LocalStore interface {
	// Get returns the stored value or ErrKeyNotFound.
	Get(key string) (string, error)

	// Set stores a value under key.
	Set(key, value string) error

	// Remove deletes a key. Removing a missing key is not an error.
	Remove(key string) error

	// MultiRemove deletes several keys in one call.
	MultiRemove(keys []string) error

	// GetAllKeys returns every stored key.
	GetAllKeys() ([]string, error)

	// Close releases any resources.
	Close() error
}

// Ensure interfaces are implemented.
var (
	_ LocalStore = (*MemoryLocalStore)(nil)
	_ LocalStore = (*SQLiteLocalStore)(nil)
)

// MemoryLocalStore implements LocalStore using process memory. Useful for
// tests and ephemeral sessions.
type MemoryLocalStore struct {
	data map[string]string
	mu   sync.RWMutex
}

// NewMemoryLocalStore creates a new in-memory local store.
func NewMemoryLocalStore() *MemoryLocalStore {
	return &MemoryLocalStore{
		data: make(map[string]string),
	}
}

func (m *MemoryLocalStore) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return value, nil
}

func (m *MemoryLocalStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = value
	return nil
}

func (m *MemoryLocalStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *MemoryLocalStore) MultiRemove(keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

func (m *MemoryLocalStore) GetAllKeys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *MemoryLocalStore) Close() error {
	return nil
}

// Size returns the number of stored keys.
func (m *MemoryLocalStore) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// KeysWithPrefix filters stored keys by prefix, a convenience for clearing
// one user's cache namespace with MultiRemove.
func KeysWithPrefix(store LocalStore, prefix string) ([]string, error) {
	all, err := store.GetAllKeys()
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
