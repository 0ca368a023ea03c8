package normalize

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"fieldops/internal/model"
)

// MalformedRecordError describes one record the normalizer skipped.
type MalformedRecordError struct {
	Authority model.SourceAuthority
	RecordID  string
	Index     int
	Err       error
}

func (e *MalformedRecordError) Error() string {
	id := e.RecordID
	if id == "" {
		id = "#" + strconv.Itoa(e.Index)
	}
	return fmt.Sprintf("malformed %s record %s: %v", e.Authority, id, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

type Result struct {
	Violations []model.Violation
	Malformed  int
	Duplicates int
	Errors     []error
}

type Normalizer struct {
	validate *validator.Validate
	logger   *slog.Logger
	loc      *time.Location
}

func New(logger *slog.Logger, loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		loc:      loc,
	}
}

// Normalize maps a batch from one registry onto canonical violations for
// buildingID. It never fails as a whole: records that cannot be mapped are
// skipped and reported in Result.Errors.
func (n *Normalizer) Normalize(authority model.SourceAuthority, buildingID string, raws []RawRecord) Result {
	var res Result
	seen := make(map[string]struct{}, len(raws))
	for i, raw := range raws {
		v, err := n.mapRecord(authority, buildingID, raw)
		if err == nil {
			err = n.validate.Struct(v)
		}
		if err != nil {
			rec := &MalformedRecordError{Authority: authority, Index: i, Err: err}
			if raw != nil {
				rec.RecordID = raw.RecordID()
			}
			res.Malformed++
			res.Errors = append(res.Errors, rec)
			if n.logger != nil {
				n.logger.Warn("skipping malformed record",
					"source", authority,
					"building_id", buildingID,
					"record_id", rec.RecordID,
					"err", err,
				)
			}
			continue
		}
		key := dedupeKey(v.Source, v.SourceRecordID)
		if _, dup := seen[key]; dup {
			res.Duplicates++
			continue
		}
		seen[key] = struct{}{}
		res.Violations = append(res.Violations, v)
	}
	return res
}

func (n *Normalizer) mapRecord(authority model.SourceAuthority, buildingID string, raw RawRecord) (model.Violation, error) {
	if raw == nil {
		return model.Violation{}, errors.New("nil record")
	}
	if raw.Authority() != authority {
		return model.Violation{}, fmt.Errorf("record from %s delivered as %s", raw.Authority(), authority)
	}
	switch r := raw.(type) {
	case HousingRecord:
		return n.mapHousing(buildingID, r)
	case SanitationRecord:
		return n.mapSanitation(buildingID, r)
	case FireRecord:
		return n.mapFire(buildingID, r)
	case ServiceRequestRecord:
		return n.mapServiceRequest(buildingID, r)
	case UndecodableRecord:
		return model.Violation{}, fmt.Errorf("undecodable row: %w", r.Err)
	}
	return model.Violation{}, fmt.Errorf("unsupported record type %T", raw)
}

func (n *Normalizer) mapHousing(buildingID string, r HousingRecord) (model.Violation, error) {
	issued, err := ParseTimestamp(r.IssuedDate, n.loc)
	if err != nil {
		return model.Violation{}, fmt.Errorf("parse issued date: %w", err)
	}
	penalty, err := ParsePenalty(r.Penalty)
	if err != nil {
		return model.Violation{}, err
	}
	return newViolation(model.SourceHousing, buildingID, r.RecordID(),
		MapSeverity(model.SourceHousing, r.Class),
		MapStatus(model.SourceHousing, r.Status),
		r.Description, penalty, issued), nil
}

func (n *Normalizer) mapSanitation(buildingID string, r SanitationRecord) (model.Violation, error) {
	issued, err := ParseTimestamp(r.IssueDate, n.loc)
	if err != nil {
		return model.Violation{}, fmt.Errorf("parse issue date: %w", err)
	}
	penalty, err := ParsePenalty(r.BalanceDue)
	if err != nil {
		return model.Violation{}, err
	}
	return newViolation(model.SourceSanitation, buildingID, r.RecordID(),
		MapSeverity(model.SourceSanitation, r.InfractionClass),
		MapStatus(model.SourceSanitation, r.HearingStatus),
		r.Description, penalty, issued), nil
}

func (n *Normalizer) mapFire(buildingID string, r FireRecord) (model.Violation, error) {
	issued, err := ParseTimestamp(r.InspectionDate, n.loc)
	if err != nil {
		return model.Violation{}, fmt.Errorf("parse inspection date: %w", err)
	}
	penalty, err := ParsePenalty(r.Penalty)
	if err != nil {
		return model.Violation{}, err
	}
	return newViolation(model.SourceFire, buildingID, r.RecordID(),
		MapSeverity(model.SourceFire, r.Priority),
		MapStatus(model.SourceFire, r.Status),
		r.Description, penalty, issued), nil
}

func (n *Normalizer) mapServiceRequest(buildingID string, r ServiceRequestRecord) (model.Violation, error) {
	issued, err := ParseTimestamp(r.CreatedDate, n.loc)
	if err != nil {
		return model.Violation{}, fmt.Errorf("parse created date: %w", err)
	}
	desc := strings.TrimSpace(r.ComplaintType)
	if d := strings.TrimSpace(r.Descriptor); d != "" {
		if desc != "" {
			desc += ": "
		}
		desc += d
	}
	return newViolation(model.SourceServiceRequest, buildingID, r.RecordID(),
		MapSeverity(model.SourceServiceRequest, r.ComplaintType),
		MapStatus(model.SourceServiceRequest, r.Status),
		desc, nil, issued), nil
}

func newViolation(src model.SourceAuthority, buildingID, recordID string, sev model.Severity, st model.Status, desc string, penalty *int64, issued time.Time) model.Violation {
	return model.Violation{
		ID:             dedupeKey(src, recordID),
		BuildingID:     buildingID,
		Source:         src,
		SourceRecordID: recordID,
		Severity:       sev,
		Description:    strings.TrimSpace(desc),
		PenaltyCents:   penalty,
		Status:         st,
		IssuedAt:       issued.UTC(),
	}
}

func dedupeKey(src model.SourceAuthority, recordID string) string {
	return string(src) + ":" + recordID
}

// MaxPenaltyDollars bounds a single penalty; larger amounts are data errors.
const MaxPenaltyDollars = 1e10

// ParsePenalty converts a registry amount such as "$1,250.00" to cents. An
// empty amount is unknown and yields nil.
func ParsePenalty(value string) (*int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	clean := strings.NewReplacer("$", "", ",", "", " ", "").Replace(value)
	amount, err := strconv.ParseFloat(clean, 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, fmt.Errorf("parse penalty %q", value)
	}
	if amount < 0 {
		return nil, fmt.Errorf("negative penalty %q", value)
	}
	if amount > MaxPenaltyDollars {
		return nil, fmt.Errorf("penalty %q exceeds %.0f", value, MaxPenaltyDollars)
	}
	cents := int64(math.Round(amount * 100))
	return &cents, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006 03:04:05 PM",
	"01/02/2006",
	"20060102",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) && len(value) != 8 {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
