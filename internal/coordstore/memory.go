package coordstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for single-process deployments and
// tests. Expired entries are dropped lazily on read and swept by a janitor
// goroutine.
type MemoryStore struct {
	mu     sync.RWMutex
	kv     map[string]memEntry
	hashes map[string]map[string]string
	lists  map[string][]string
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStore creates a memory store and starts its expiry janitor.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		kv:     make(map[string]memEntry),
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
		stopCh: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.janitor()
	return m
}

func (m *MemoryStore) janitor() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, e := range m.kv {
				if e.expired(now) {
					delete(m.kv, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Get returns the live value for key.
func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	e, ok := m.kv[key]
	m.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores value with no expiry.
func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = memEntry{value: value}
	return nil
}

// SetIfAbsent stores value with a TTL when no live value exists.
func (m *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.kv[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.kv[key] = memEntry{value: value, expiresAt: exp}
	return true, nil
}

// Delete removes key from every namespace.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	delete(m.hashes, key)
	delete(m.lists, key)
	return nil
}

// HashGetAll returns a copy of the hash stored at key.
func (m *MemoryStore) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

// HashSet writes one field of the hash stored at key.
func (m *MemoryStore) HashSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

// HashDelete removes one field of the hash stored at key.
func (m *MemoryStore) HashDelete(_ context.Context, key, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hashes[key]; ok {
		delete(h, field)
	}
	return nil
}

// ListPush appends value to the list stored at key.
func (m *MemoryStore) ListPush(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], value)
	return nil
}

// ListTrim keeps only the elements inside the window.
func (m *MemoryStore) ListTrim(_ context.Context, key string, start, end int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	s, e, ok := clampRange(start, end, int64(len(l)))
	if !ok {
		delete(m.lists, key)
		return nil
	}
	m.lists[key] = append([]string(nil), l[s:e+1]...)
	return nil
}

// ListRange returns the elements inside the window.
func (m *MemoryStore) ListRange(_ context.Context, key string, start, end int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l := m.lists[key]
	s, e, ok := clampRange(start, end, int64(len(l)))
	if !ok {
		return nil, nil
	}
	return append([]string(nil), l[s:e+1]...), nil
}

// Expire sets a TTL on an existing key.
func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok || e.expired(time.Now()) {
		return false, nil
	}
	e.expiresAt = time.Now().Add(ttl)
	m.kv[key] = e
	return true, nil
}

// Ping always succeeds for the in-process store.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the janitor.
func (m *MemoryStore) Close() error {
	close(m.stopCh)
	m.wg.Wait()
	return nil
}
