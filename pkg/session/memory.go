package session

import (
	"context"
	"sync"
)

// MemoryBackend keeps records in process memory. Nothing survives a restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryBackend creates an empty MemoryBackend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]*Record)}
}

func (m *MemoryBackend) Load(ctx context.Context, username string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[username]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryBackend) Put(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Username] = rec.Clone()
	return nil
}

func (m *MemoryBackend) ProxyLoad(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return countProxies(m.records), nil
}

func (m *MemoryBackend) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	return names, nil
}

func (m *MemoryBackend) Ping(ctx context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }

func countProxies(records map[string]*Record) map[string]int {
	load := make(map[string]int)
	for _, rec := range records {
		if rec.Proxy != "" {
			load[rec.Proxy]++
		}
	}
	return load
}
