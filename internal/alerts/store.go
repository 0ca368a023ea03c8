package alerts

import (
	"context"
	"sync"
	"time"

	"fieldops/internal/model"
)

// Store keeps the most recent escalation events in memory for the API.
type Store struct {
	mu    sync.RWMutex
	buf   []model.EscalationEvent
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(evt model.EscalationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, evt)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = evt
}

// Notify lets the store subscribe to the escalation machine directly.
func (s *Store) Notify(_ context.Context, evt model.EscalationEvent) error {
	s.Add(evt)
	return nil
}

// List returns up to limit of the newest events, oldest first. A building id
// narrows the result to that building.
func (s *Store) List(buildingID string, limit int) []model.EscalationEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []model.EscalationEvent
	for _, evt := range s.buf {
		if buildingID == "" || evt.BuildingID == buildingID {
			matched = append(matched, evt)
		}
	}
	if limit > 0 && limit < len(matched) {
		matched = matched[len(matched)-limit:]
	}
	return append([]model.EscalationEvent{}, matched...)
}

func (s *Store) Since(ts time.Time) []model.EscalationEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.EscalationEvent, 0)
	for _, evt := range s.buf {
		if !evt.At.Before(ts) {
			out = append(out, evt)
		}
	}
	return out
}
