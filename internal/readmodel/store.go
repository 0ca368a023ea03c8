package readmodel

import (
	"sort"
	"sync"
	"time"

	"fieldops/internal/model"
)

// Store holds the latest refresh result per building for the UI layer. Once
// the limit is exceeded the least recently updated building is evicted.
type Store struct {
	mu        sync.RWMutex
	results   map[string]model.BuildingResult
	updatedAt map[string]time.Time
	limit     int
	now       func() time.Time
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		results:   make(map[string]model.BuildingResult),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
		now:       time.Now,
	}
}

// Record keeps the result as the building's latest view. An unknown or stale
// result never hides a score that is still the best known.
func (s *Store) Record(res model.BuildingResult) {
	if res.BuildingID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.results[res.BuildingID]; ok && res.Score == nil && prev.Score != nil {
		prev.Availability = model.AvailabilityStale
		prev.Stale = true
		prev.FailedSources = res.FailedSources
		prev.Error = res.Error
		res = prev
	}
	s.results[res.BuildingID] = res
	s.updatedAt[res.BuildingID] = s.now().UTC()
	if len(s.results) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(buildingID string) (model.BuildingResult, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[buildingID]
	if !ok {
		return model.BuildingResult{}, time.Time{}, false
	}
	return res, s.updatedAt[buildingID], true
}

// All returns every building's latest result ordered by building id.
func (s *Store) All() []model.BuildingResult {
	s.mu.RLock()
	out := make([]model.BuildingResult, 0, len(s.results))
	for _, res := range s.results {
		out = append(out, res)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BuildingID < out[j].BuildingID })
	return out
}

func (s *Store) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, ts := range s.updatedAt {
		if oldestID == "" || ts.Before(oldest) {
			oldestID = id
			oldest = ts
		}
	}
	if oldestID != "" {
		delete(s.results, oldestID)
		delete(s.updatedAt, oldestID)
	}
}
