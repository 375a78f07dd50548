// Package cache provides the key-value token store used by the credential
// layer. All values are strings; callers encode structured values themselves.
//
// GetOrSet guarantees the generator runs at most once per key under
// concurrent callers, which is what keeps token generation from stampeding.
package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Store is the token cache contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key. An empty value is stored as-is; use Delete
	// to remove a key.
	Set(ctx context.Context, key, value string) error
	// Delete removes key.
	Delete(ctx context.Context, key string) error
	// GetOrSet returns the cached value for key, or runs gen exactly once
	// (per key, across concurrent callers) and stores its result.
	GetOrSet(ctx context.Context, key string, gen func(ctx context.Context) (string, error)) (string, error)
	// All returns a snapshot of every key-value pair. Expensive; not for hot
	// paths.
	All(ctx context.Context) (map[string]string, error)
}

// Memory is an in-process Store. Useful for validation flows and tests.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
	group  singleflight.Group
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) GetOrSet(ctx context.Context, key string, gen func(ctx context.Context) (string, error)) (string, error) {
	if v, ok, _ := m.Get(ctx, key); ok {
		return v, nil
	}
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		// Re-check under the flight: another caller may have stored the
		// value between our Get and Do.
		if v, ok, _ := m.Get(ctx, key); ok {
			return v, nil
		}
		value, err := gen(ctx)
		if err != nil {
			return "", err
		}
		if err := m.Set(ctx, key, value); err != nil {
			return "", err
		}
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Memory) All(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}
