package predict

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"fieldops/internal/config"
	"fieldops/internal/model"
)

const (
	baseLikelihood   = 0.4
	backlogWeight    = 0.5
	maxLikelihood    = 0.95
	minutesPerDay    = 45.0
	minEstimatedDays = 2
	routinesPerCrew  = 3
)

// Factor names surfaced alongside a prediction for explainability.
const (
	factorBacklogRatio  = "backlog_ratio"
	factorAvgHours      = "avg_duration_hours"
	factorPhotoRequired = "photo_required_ratio"
)

type Predictor struct {
	topN     int
	category string
	now      func() time.Time
}

func New(cfg config.PredictionConfig) *Predictor {
	topN := cfg.TopN
	if topN <= 0 {
		topN = 3
	}
	category := strings.TrimSpace(cfg.Category)
	if category == "" {
		category = "maintenance"
	}
	return &Predictor{topN: topN, category: category, now: time.Now}
}

type group struct {
	buildingID   string
	buildingName string
	count        int
	minutes      int
	photo        int
}

// Predict ranks buildings by open maintenance backlog and returns forecasts for
// the top N.
func (p *Predictor) Predict(routines []model.Routine) []model.MaintenancePrediction {
	groups, maxCount := p.group(routines)
	if len(groups) == 0 {
		return nil
	}
	at := p.now().UTC()
	out := make([]model.MaintenancePrediction, 0, len(groups))
	for _, g := range groups {
		out = append(out, forecast(g, maxCount, at))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RoutineCount != out[j].RoutineCount {
			return out[i].RoutineCount > out[j].RoutineCount
		}
		if out[i].Likelihood != out[j].Likelihood {
			return out[i].Likelihood > out[j].Likelihood
		}
		return out[i].BuildingID < out[j].BuildingID
	})
	if len(out) > p.topN {
		out = out[:p.topN]
	}
	return out
}

// PredictBuilding forecasts a single building, normalized against the busiest
// building in the same backlog.
func (p *Predictor) PredictBuilding(buildingID string, routines []model.Routine) (model.MaintenancePrediction, bool) {
	groups, maxCount := p.group(routines)
	for _, g := range groups {
		if g.buildingID == buildingID {
			return forecast(g, maxCount, p.now().UTC()), true
		}
	}
	return model.MaintenancePrediction{}, false
}

func (p *Predictor) group(routines []model.Routine) ([]*group, int) {
	byBuilding := make(map[string]*group)
	var order []string
	for _, r := range routines {
		if r.BuildingID == "" || !strings.EqualFold(strings.TrimSpace(r.Category), p.category) {
			continue
		}
		g, ok := byBuilding[r.BuildingID]
		if !ok {
			g = &group{buildingID: r.BuildingID}
			byBuilding[r.BuildingID] = g
			order = append(order, r.BuildingID)
		}
		if g.buildingName == "" {
			g.buildingName = r.BuildingName
		}
		g.count++
		if r.EstimatedDurationMinutes > 0 {
			g.minutes += r.EstimatedDurationMinutes
		}
		if r.RequiresPhoto {
			g.photo++
		}
	}
	maxCount := 0
	out := make([]*group, 0, len(order))
	for _, id := range order {
		g := byBuilding[id]
		if g.count > maxCount {
			maxCount = g.count
		}
		out = append(out, g)
	}
	return out, maxCount
}

func forecast(g *group, maxCount int, at time.Time) model.MaintenancePrediction {
	backlogRatio := float64(g.count) / float64(maxCount)
	likelihood := math.Min(maxLikelihood, baseLikelihood+backlogRatio*backlogWeight)
	avgMinutes := float64(g.minutes) / float64(g.count)
	days := int(math.Max(minEstimatedDays, math.Round(avgMinutes/minutesPerDay)))
	crew := int(math.Max(1, math.Ceil(float64(g.count)/routinesPerCrew)))
	photoRatio := float64(g.photo) / float64(g.count)

	name := g.buildingName
	if name == "" {
		name = g.buildingID
	}
	actions := []string{
		fmt.Sprintf("Schedule %d pending maintenance routines at %s within %d days", g.count, name, days),
		fmt.Sprintf("Assign a crew of %d", crew),
	}
	if g.photo > 0 {
		actions = append(actions, fmt.Sprintf("Capture photo evidence for %d routines to stay compliant", g.photo))
	}
	return model.MaintenancePrediction{
		BuildingID:         g.buildingID,
		BuildingName:       g.buildingName,
		PredictedIssue:     predictedIssue(g.count, avgMinutes),
		Likelihood:         likelihood,
		EstimatedDays:      days,
		RoutineCount:       g.count,
		RecommendedActions: actions,
		ContributingFactors: []model.Factor{
			{Name: factorBacklogRatio, Value: backlogRatio, Weight: backlogWeight},
			{Name: factorAvgHours, Value: avgMinutes / 60, Weight: 0.3},
			{Name: factorPhotoRequired, Value: photoRatio, Weight: 0.2},
		},
		GeneratedAt: at,
	}
}

func predictedIssue(count int, avgMinutes float64) string {
	switch {
	case avgMinutes >= 120:
		return fmt.Sprintf("Deferred major system work (%d routines) risks equipment failure", count)
	case count >= 5:
		return fmt.Sprintf("Maintenance backlog of %d routines risks compliance violations", count)
	}
	return fmt.Sprintf("%d pending maintenance routines may escalate if not scheduled", count)
}
