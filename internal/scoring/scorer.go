package scoring

import (
	"math"
	"sync"
	"time"

	"fieldops/internal/config"
	"fieldops/internal/model"
)

const maxScore = 100

// Table is the deduction table the scorer applies. It is copied out of the
// config so a reload never changes a computation halfway through.
type Table struct {
	Weights map[model.Severity]config.SeverityWeight
	Decay   float64
}

func TableFromConfig(cfg config.ScoringConfig) Table {
	weights := make(map[model.Severity]config.SeverityWeight, len(cfg.Weights))
	for k, v := range cfg.Weights {
		weights[k] = v
	}
	return Table{Weights: weights, Decay: cfg.Decay}
}

// Compute returns the 0-100 score for a violation set and the number of open
// violations that contributed. Only open and in-progress violations count.
//
// The k-th open violation of a class (0-based) deducts weight*decay^k, and the
// class total never exceeds its cap. Classes are applied in a fixed order and
// the running score is clamped after every step, so the result depends only on
// per-class counts.
func Compute(violations []model.Violation, table Table) (int, int) {
	counts := make(map[model.Severity]int, len(model.Severities))
	open := 0
	for _, v := range violations {
		if !v.IsOpen() {
			continue
		}
		counts[v.Severity]++
		open++
	}
	score := float64(maxScore)
	for _, sev := range model.Severities {
		n := counts[sev]
		if n == 0 {
			continue
		}
		score = clamp(score - classDeduction(n, table.Weights[sev], table.Decay))
	}
	// Severities outside the table (should not happen after normalization) are
	// weighed like hazardous ones rather than ignored.
	for sev, n := range counts {
		if _, known := table.Weights[sev]; known || n == 0 {
			continue
		}
		score = clamp(score - classDeduction(n, table.Weights[model.SeverityHazardous], table.Decay))
	}
	return int(math.Floor(score + 0.5)), open
}

func classDeduction(n int, w config.SeverityWeight, decay float64) float64 {
	total := 0.0
	step := w.Weight
	for i := 0; i < n; i++ {
		total += step
		if total >= w.Cap {
			return w.Cap
		}
		step *= decay
		if step < 1e-9 {
			break
		}
	}
	return total
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > maxScore {
		return maxScore
	}
	return score
}

func GradeFor(score int) model.Grade {
	switch {
	case score >= 90:
		return model.GradeA
	case score >= 80:
		return model.GradeB
	case score >= 70:
		return model.GradeC
	case score >= 60:
		return model.GradeD
	}
	return model.GradeF
}

func TierFor(score int) model.RiskTier {
	switch {
	case score >= 85:
		return model.RiskLow
	case score >= 70:
		return model.RiskMedium
	case score >= 50:
		return model.RiskHigh
	}
	return model.RiskCritical
}

func TrendFor(previous, current int, hasPrevious bool) model.Trend {
	switch {
	case !hasPrevious || previous == current:
		return model.TrendStable
	case current > previous:
		return model.TrendImproving
	}
	return model.TrendDeclining
}

// Scorer wraps Compute with the one-step score history needed for trends.
type Scorer struct {
	table   Table
	mu      sync.Mutex
	history map[string]int
}

func NewScorer(table Table) *Scorer {
	return &Scorer{table: table, history: make(map[string]int)}
}

func (s *Scorer) UpdateTable(table Table) {
	s.mu.Lock()
	s.table = table
	s.mu.Unlock()
}

// Score computes the building's score and records it as the reference for the
// next trend.
func (s *Scorer) Score(buildingID string, violations []model.Violation, at time.Time) model.ComplianceScore {
	s.mu.Lock()
	defer s.mu.Unlock()
	score, open := Compute(violations, s.table)
	prev, ok := s.history[buildingID]
	s.history[buildingID] = score
	return model.ComplianceScore{
		BuildingID: buildingID,
		Score:      score,
		Grade:      GradeFor(score),
		RiskTier:   TierFor(score),
		Trend:      TrendFor(prev, score, ok),
		OpenCount:  open,
		ComputedAt: at.UTC(),
	}
}

// Seed restores the previous score for a building, typically from the cache at
// startup, without overwriting a score computed in this process.
func (s *Scorer) Seed(buildingID string, score int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.history[buildingID]; !ok {
		s.history[buildingID] = score
	}
}

func (s *Scorer) Previous(buildingID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.history[buildingID]
	return v, ok
}
