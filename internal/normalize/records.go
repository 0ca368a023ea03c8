package normalize

import (
	"fmt"
	"strconv"
	"strings"

	"fieldops/internal/model"
)

// RawRecord is one payload row exactly as a registry returned it. The concrete
// type identifies the registry; fields stay strings until normalization.
type RawRecord interface {
	Authority() model.SourceAuthority
	RecordID() string
	raw()
}

type HousingRecord struct {
	ViolationID string `json:"violation_id"`
	Class       string `json:"class"`
	Status      string `json:"status"`
	Description string `json:"description"`
	IssuedDate  string `json:"issued_date"`
	Penalty     string `json:"penalty"`
}

type SanitationRecord struct {
	TicketNumber    string `json:"ticket_number"`
	InfractionClass string `json:"infraction_class"`
	HearingStatus   string `json:"hearing_status"`
	Description     string `json:"description"`
	IssueDate       string `json:"issue_date"`
	BalanceDue      string `json:"balance_due"`
}

type FireRecord struct {
	ViolationNumber string `json:"violation_number"`
	Priority        string `json:"priority"`
	Status          string `json:"status"`
	Description     string `json:"description"`
	InspectionDate  string `json:"inspection_date"`
	Penalty         string `json:"penalty"`
}

type ServiceRequestRecord struct {
	UniqueKey     string `json:"unique_key"`
	ComplaintType string `json:"complaint_type"`
	Descriptor    string `json:"descriptor"`
	Status        string `json:"status"`
	CreatedDate   string `json:"created_date"`
}

// UndecodableRecord stands in for a feed row that was not a JSON object. It
// always normalizes as malformed, so the row is counted instead of failing
// the whole feed.
type UndecodableRecord struct {
	Source model.SourceAuthority
	Err    error
}

func (HousingRecord) Authority() model.SourceAuthority        { return model.SourceHousing }
func (SanitationRecord) Authority() model.SourceAuthority     { return model.SourceSanitation }
func (FireRecord) Authority() model.SourceAuthority           { return model.SourceFire }
func (ServiceRequestRecord) Authority() model.SourceAuthority { return model.SourceServiceRequest }

func (r HousingRecord) RecordID() string        { return strings.TrimSpace(r.ViolationID) }
func (r SanitationRecord) RecordID() string     { return strings.TrimSpace(r.TicketNumber) }
func (r FireRecord) RecordID() string           { return strings.TrimSpace(r.ViolationNumber) }
func (r ServiceRequestRecord) RecordID() string { return strings.TrimSpace(r.UniqueKey) }

func (HousingRecord) raw()        {}
func (SanitationRecord) raw()     {}
func (FireRecord) raw()           {}
func (ServiceRequestRecord) raw() {}

func (r UndecodableRecord) Authority() model.SourceAuthority { return r.Source }
func (UndecodableRecord) RecordID() string                   { return "" }
func (UndecodableRecord) raw()                               {}

// DecodeRecord builds the variant for authority from a loosely keyed JSON
// object. Registries rename columns between dataset versions, so each field
// accepts a few aliases.
func DecodeRecord(authority model.SourceAuthority, obj map[string]any) (RawRecord, error) {
	fields := make(map[string]string, len(obj))
	for key, val := range obj {
		fields[strings.ToLower(strings.TrimSpace(key))] = stringify(val)
	}
	switch authority {
	case model.SourceHousing:
		return HousingRecord{
			ViolationID: firstNonEmpty(fields, "violation_id", "violationid", "id"),
			Class:       firstNonEmpty(fields, "class", "violation_class"),
			Status:      firstNonEmpty(fields, "current_status", "status", "violationstatus"),
			Description: firstNonEmpty(fields, "nov_description", "novdescription", "description"),
			IssuedDate:  firstNonEmpty(fields, "nov_issued_date", "novissueddate", "issued_date", "inspection_date"),
			Penalty:     firstNonEmpty(fields, "penalty", "penalty_amount", "penalty_imposed"),
		}, nil
	case model.SourceSanitation:
		return SanitationRecord{
			TicketNumber:    firstNonEmpty(fields, "ticket_number", "ticketnumber", "id"),
			InfractionClass: firstNonEmpty(fields, "infraction_class", "violation_class", "severity"),
			HearingStatus:   firstNonEmpty(fields, "hearing_status", "hearingstatus", "status"),
			Description:     firstNonEmpty(fields, "charge_1_code_description", "violation_description", "description"),
			IssueDate:       firstNonEmpty(fields, "violation_date", "issue_date", "issued_date"),
			BalanceDue:      firstNonEmpty(fields, "balance_due", "penalty_imposed", "penalty"),
		}, nil
	case model.SourceFire:
		return FireRecord{
			ViolationNumber: firstNonEmpty(fields, "violation_number", "vio_num", "id"),
			Priority:        firstNonEmpty(fields, "priority", "severity", "hazard_level"),
			Status:          firstNonEmpty(fields, "status", "violation_status", "action"),
			Description:     firstNonEmpty(fields, "description", "violation_description", "vio_desc"),
			InspectionDate:  firstNonEmpty(fields, "inspection_date", "issued_date", "date"),
			Penalty:         firstNonEmpty(fields, "penalty", "penalty_amount"),
		}, nil
	case model.SourceServiceRequest:
		return ServiceRequestRecord{
			UniqueKey:     firstNonEmpty(fields, "unique_key", "uniquekey", "id"),
			ComplaintType: firstNonEmpty(fields, "complaint_type", "complainttype", "type"),
			Descriptor:    firstNonEmpty(fields, "descriptor", "description"),
			Status:        firstNonEmpty(fields, "status"),
			CreatedDate:   firstNonEmpty(fields, "created_date", "createddate", "created_at"),
		}, nil
	}
	return nil, fmt.Errorf("unknown source authority %q", authority)
}

func firstNonEmpty(fields map[string]string, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(fields[key]); v != "" {
			return v
		}
	}
	return ""
}

func stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
