package model

import (
	"math"
	"time"
)

type SourceAuthority string

const (
	SourceHousing        SourceAuthority = "housing"
	SourceSanitation     SourceAuthority = "sanitation"
	SourceFire           SourceAuthority = "fire"
	SourceServiceRequest SourceAuthority = "service-request"
)

// Authorities lists every registry in a stable order.
var Authorities = []SourceAuthority{SourceHousing, SourceSanitation, SourceFire, SourceServiceRequest}

func (a SourceAuthority) Valid() bool {
	switch a {
	case SourceHousing, SourceSanitation, SourceFire, SourceServiceRequest:
		return true
	}
	return false
}

type Severity string

const (
	SeverityCritical  Severity = "critical"
	SeverityHazardous Severity = "hazardous"
	SeverityMinor     Severity = "minor"
	SeverityAdvisory  Severity = "advisory"
)

var Severities = []Severity{SeverityCritical, SeverityHazardous, SeverityMinor, SeverityAdvisory}

type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in-progress"
	StatusResolved   Status = "resolved"
)

type Building struct {
	ID       string  `json:"id" yaml:"id"`
	Name     string  `json:"name" yaml:"name"`
	Address  string  `json:"address" yaml:"address"`
	Lat      float64 `json:"lat" yaml:"lat"`
	Lon      float64 `json:"lon" yaml:"lon"`
	ClientID string  `json:"client_id" yaml:"client_id"`
}

type Violation struct {
	ID             string          `json:"id" validate:"required"`
	BuildingID     string          `json:"building_id" validate:"required"`
	Source         SourceAuthority `json:"source" validate:"required,oneof=housing sanitation fire service-request"`
	SourceRecordID string          `json:"source_record_id" validate:"required"`
	Severity       Severity        `json:"severity" validate:"required,oneof=critical hazardous minor advisory"`
	Description    string          `json:"description,omitempty"`
	PenaltyCents   *int64          `json:"penalty_cents,omitempty" validate:"omitempty,gte=0"`
	Status         Status          `json:"status" validate:"required,oneof=open in-progress resolved"`
	IssuedAt       time.Time       `json:"issued_at" validate:"required"`
}

// IsOpen reports whether the violation still counts against the building.
func (v Violation) IsOpen() bool {
	return v.Status != StatusResolved
}

type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

type ComplianceScore struct {
	BuildingID string    `json:"building_id"`
	Score      int       `json:"score"`
	Grade      Grade     `json:"grade"`
	RiskTier   RiskTier  `json:"risk_tier"`
	Trend      Trend     `json:"trend"`
	OpenCount  int       `json:"open_count"`
	ComputedAt time.Time `json:"computed_at"`
}

type FinancialExposure struct {
	OutstandingFinesCents int64     `json:"outstanding_fines_cents"`
	DailyPenaltyCents     int64     `json:"daily_penalty_cents"`
	AccruingCount         int       `json:"accruing_count"`
	AccruedToDateCents    int64     `json:"accrued_to_date_cents"`
	AsOf                  time.Time `json:"as_of"`
}

// ProjectedTotal returns outstanding fines plus daily accrual over horizonDays.
func (f FinancialExposure) ProjectedTotal(horizonDays int) int64 {
	if horizonDays < 0 {
		horizonDays = 0
	}
	return AddCents(f.OutstandingFinesCents, MulCents(f.DailyPenaltyCents, int64(horizonDays)))
}

// AddCents adds two non-negative amounts, saturating at math.MaxInt64.
func AddCents(a, b int64) int64 {
	if a < 0 {
		a = 0
	}
	if b < 0 {
		b = 0
	}
	if b > math.MaxInt64-a {
		return math.MaxInt64
	}
	return a + b
}

// MulCents multiplies a non-negative amount by n, saturating at math.MaxInt64.
func MulCents(a, n int64) int64 {
	if a <= 0 || n <= 0 {
		return 0
	}
	if a > math.MaxInt64/n {
		return math.MaxInt64
	}
	return a * n
}

type Routine struct {
	ID                       string `json:"id"`
	BuildingID               string `json:"building_id"`
	BuildingName             string `json:"building_name,omitempty"`
	Category                 string `json:"category"`
	Title                    string `json:"title,omitempty"`
	EstimatedDurationMinutes int    `json:"estimated_duration_minutes"`
	RequiresPhoto            bool   `json:"requires_photo"`
}

type Factor struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

type MaintenancePrediction struct {
	BuildingID          string    `json:"building_id"`
	BuildingName        string    `json:"building_name,omitempty"`
	PredictedIssue      string    `json:"predicted_issue"`
	Likelihood          float64   `json:"likelihood"`
	EstimatedDays       int       `json:"estimated_days"`
	RoutineCount        int       `json:"routine_count"`
	RecommendedActions  []string  `json:"recommended_actions"`
	ContributingFactors []Factor  `json:"contributing_factors"`
	GeneratedAt         time.Time `json:"generated_at"`
}

type EmergencyState string

const (
	StateNormal          EmergencyState = "normal"
	StateElevated        EmergencyState = "elevated"
	StateCritical        EmergencyState = "critical"
	StateEmergencyActive EmergencyState = "emergency_active"
)

type Action string

const (
	ActionPayFines   Action = "pay_fines"
	ActionContactHPD Action = "contact_hpd"
)

type EscalationEvent struct {
	ID         string         `json:"id"`
	BuildingID string         `json:"building_id"`
	From       EmergencyState `json:"from_state"`
	To         EmergencyState `json:"to_state"`
	Reason     string         `json:"reason,omitempty"`
	Operator   string         `json:"operator,omitempty"`
	At         time.Time      `json:"at"`
}

type ReassignmentRequest struct {
	BuildingID  string    `json:"building_id"`
	Urgency     string    `json:"urgency"`
	RequestedAt time.Time `json:"requested_at"`
}

// Snapshot is the unit written to the last-known-good cache. Score, exposure and
// violations are always stored together.
type Snapshot struct {
	BuildingID      string                        `json:"building_id"`
	Violations      []Violation                   `json:"violations"`
	Score           ComplianceScore               `json:"score"`
	Exposure        FinancialExposure             `json:"exposure"`
	ComputedAt      time.Time                     `json:"computed_at"`
	SourceFetchedAt map[SourceAuthority]time.Time `json:"source_fetched_at,omitempty"`
}

// ViolationsFrom returns the cached violations reported by one authority.
func (s Snapshot) ViolationsFrom(src SourceAuthority) []Violation {
	var out []Violation
	for _, v := range s.Violations {
		if v.Source == src {
			out = append(out, v)
		}
	}
	return out
}

type Availability string

const (
	AvailabilityFresh   Availability = "fresh"
	AvailabilityStale   Availability = "stale"
	AvailabilityUnknown Availability = "unknown"
)

type BuildingResult struct {
	BuildingID     string             `json:"building_id"`
	Availability   Availability       `json:"availability"`
	Stale          bool               `json:"stale"`
	Score          *ComplianceScore   `json:"score,omitempty"`
	Exposure       *FinancialExposure `json:"exposure,omitempty"`
	FailedSources  []SourceAuthority  `json:"failed_sources,omitempty"`
	Malformed      int                `json:"malformed_records"`
	LastSuccessAt  time.Time          `json:"last_success_at,omitempty"`
	EmergencyState EmergencyState     `json:"emergency_state,omitempty"`
	Error          string             `json:"error,omitempty"`
}

type RefreshResult struct {
	StartedAt   time.Time                 `json:"started_at"`
	FinishedAt  time.Time                 `json:"finished_at"`
	Buildings   map[string]BuildingResult `json:"buildings"`
	Predictions []MaintenancePrediction   `json:"predictions,omitempty"`
}

// Succeeded counts buildings that produced a score, fresh or stale.
func (r RefreshResult) Succeeded() int {
	n := 0
	for _, b := range r.Buildings {
		if b.Availability != AvailabilityUnknown {
			n++
		}
	}
	return n
}
