package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/codefionn/umleitung/umleitung-srv/config"
	"github.com/codefionn/umleitung/umleitung-srv/rules"
)

// Persister stores rules durably. The Store serializes all calls.
type Persister interface {
	// Load returns every stored rule in any order.
	Load(ctx context.Context) ([]*rules.Rule, error)
	// Save inserts or replaces the given rules atomically.
	Save(ctx context.Context, list ...*rules.Rule) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// NewPersister creates the backend selected by the storage configuration.
func NewPersister(ctx context.Context, cfg config.StorageConfig) (Persister, error) {
	switch cfg.Type {
	case config.StorageTypeMemory, "":
		return NewMemoryPersister(), nil
	case config.StorageTypeFile:
		return NewFilePersister(cfg.Path)
	case config.StorageTypeSQLite:
		return NewSQLitePersister(ctx, cfg.Path)
	case config.StorageTypePostgres:
		return NewPostgresPersister(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// MemoryPersister keeps rules for the lifetime of the process only.
type MemoryPersister struct {
	mu    sync.Mutex
	rules map[string]*rules.Rule
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{rules: make(map[string]*rules.Rule)}
}

func (m *MemoryPersister) Load(context.Context) ([]*rules.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*rules.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *MemoryPersister) Save(_ context.Context, list ...*rules.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range list {
		m.rules[r.ID] = r.Clone()
	}
	return nil
}

func (m *MemoryPersister) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, id)
	return nil
}

func (m *MemoryPersister) Close() error { return nil }
