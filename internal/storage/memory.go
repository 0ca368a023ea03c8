package storage

import (
	"context"
	"sync"
	"time"

	"fieldops/internal/model"
)

type memoryStore struct {
	mu    sync.RWMutex
	items map[string]model.Snapshot
}

func NewMemory() CacheStore {
	return &memoryStore{items: make(map[string]model.Snapshot)}
}

func (m *memoryStore) Init(context.Context) error { return nil }

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) Get(_ context.Context, buildingID string) (model.Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.items[buildingID]
	if !ok {
		return model.Snapshot{}, false, nil
	}
	return clone(snap), true, nil
}

func (m *memoryStore) Put(_ context.Context, buildingID string, snap model.Snapshot) error {
	snap.BuildingID = buildingID
	snap = clone(snap)
	m.mu.Lock()
	m.items[buildingID] = snap
	m.mu.Unlock()
	return nil
}

func clone(snap model.Snapshot) model.Snapshot {
	out := snap
	out.Violations = append([]model.Violation(nil), snap.Violations...)
	if snap.SourceFetchedAt != nil {
		out.SourceFetchedAt = make(map[model.SourceAuthority]time.Time, len(snap.SourceFetchedAt))
		for k, v := range snap.SourceFetchedAt {
			out.SourceFetchedAt[k] = v
		}
	}
	return out
}
