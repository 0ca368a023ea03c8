package ingest

import (
	"context"
	"sort"
	"sync"

	"fieldops/internal/model"
)

// Backlog is the open routine backlog fed by the task-management subsystem.
type Backlog struct {
	mu       sync.RWMutex
	routines map[string]model.Routine
}

func NewBacklog() *Backlog {
	return &Backlog{routines: make(map[string]model.Routine)}
}

func (b *Backlog) Upsert(routines ...model.Routine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range routines {
		if r.ID == "" {
			continue
		}
		b.routines[r.ID] = r
	}
}

func (b *Backlog) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.routines[id]
	delete(b.routines, id)
	return ok
}

// Replace swaps the whole backlog, e.g. after a full export.
func (b *Backlog) Replace(routines []model.Routine) {
	next := make(map[string]model.Routine, len(routines))
	for _, r := range routines {
		if r.ID != "" {
			next[r.ID] = r
		}
	}
	b.mu.Lock()
	b.routines = next
	b.mu.Unlock()
}

func (b *Backlog) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.routines)
}

// Routines returns the backlog ordered by id.
func (b *Backlog) Routines(context.Context) ([]model.Routine, error) {
	b.mu.RLock()
	out := make([]model.Routine, 0, len(b.routines))
	for _, r := range b.routines {
		out = append(out, r)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Apply folds one inbound routine message into the backlog. Completed or
// deleted routines are removed.
func (b *Backlog) Apply(obj map[string]any) error {
	r, err := ParseRoutine(obj)
	if err != nil {
		return err
	}
	if closedRoutine(obj) {
		b.Remove(r.ID)
		return nil
	}
	b.Upsert(r)
	return nil
}
