package mtls

import (
	"context"
	"sync"
	"time"
)

// Backend is the persistence interface for mTLS configurations. Implementations
// must be safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, serverID string) (*Config, error)
	Set(ctx context.Context, cfg *Config) error
	Delete(ctx context.Context, serverID string) (bool, error)
	List(ctx context.Context) ([]Config, error)
	ListExpiring(ctx context.Context, within time.Duration, now time.Time) ([]Config, error)
}

// MemoryBackend is a thread-safe in-memory Backend for development and tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	configs map[string]Config
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{configs: make(map[string]Config)}
}

func (m *MemoryBackend) Get(_ context.Context, serverID string) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[serverID]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (m *MemoryBackend) Set(_ context.Context, cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.ServerID] = *cfg
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, serverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.configs[serverID]
	delete(m.configs, serverID)
	return ok, nil
}

func (m *MemoryBackend) List(_ context.Context) ([]Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Config, 0, len(m.configs))
	for _, cfg := range m.configs {
		out = append(out, cfg)
	}
	return out, nil
}

func (m *MemoryBackend) ListExpiring(_ context.Context, within time.Duration, now time.Time) ([]Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	threshold := now.Add(within)
	var out []Config
	for _, cfg := range m.configs {
		if cfg.CertDetails != nil && !cfg.CertDetails.ValidTo.IsZero() && !cfg.CertDetails.ValidTo.After(threshold) {
			out = append(out, cfg)
		}
	}
	return out, nil
}
