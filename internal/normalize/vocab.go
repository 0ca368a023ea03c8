package normalize

import (
	"strings"

	"fieldops/internal/model"
)

var statusVocab = map[model.SourceAuthority]map[string]model.Status{
	model.SourceHousing: {
		"open":                                  model.StatusOpen,
		"active":                                model.StatusOpen,
		"nov sent out":                          model.StatusOpen,
		"nov issued":                            model.StatusOpen,
		"first no access to re-inspect":         model.StatusOpen,
		"second no access to re-inspect":        model.StatusOpen,
		"correction pending":                    model.StatusInProgress,
		"certification postponement granted":    model.StatusInProgress,
		"notice of certification received":      model.StatusInProgress,
		"in progress":                           model.StatusInProgress,
		"close":                                 model.StatusResolved,
		"closed":                                model.StatusResolved,
		"violation closed":                      model.StatusResolved,
		"violation dismissed":                   model.StatusResolved,
		"nov certified on time":                 model.StatusResolved,
		"nov certified late":                    model.StatusResolved,
		"info nov sent out - violation closed":  model.StatusResolved,
		"violation reopened":                    model.StatusOpen,
	},
	model.SourceSanitation: {
		"open":             model.StatusOpen,
		"in violation":     model.StatusOpen,
		"default":          model.StatusOpen,
		"docketed":         model.StatusOpen,
		"hearing pending":  model.StatusInProgress,
		"rescheduled":      model.StatusInProgress,
		"stayed":           model.StatusInProgress,
		"paid in full":     model.StatusResolved,
		"paid":             model.StatusResolved,
		"dismissed":        model.StatusResolved,
		"written off":      model.StatusResolved,
		"closed":           model.StatusResolved,
		"cured":            model.StatusResolved,
	},
	model.SourceFire: {
		"active":         model.StatusOpen,
		"open":           model.StatusOpen,
		"re-inspect":     model.StatusOpen,
		"pending":        model.StatusInProgress,
		"cure pending":   model.StatusInProgress,
		"in progress":    model.StatusInProgress,
		"resolved":       model.StatusResolved,
		"certified":      model.StatusResolved,
		"complied":       model.StatusResolved,
		"closed":         model.StatusResolved,
		"dismissed":      model.StatusResolved,
	},
	model.SourceServiceRequest: {
		"open":        model.StatusOpen,
		"new":         model.StatusOpen,
		"unspecified": model.StatusOpen,
		"assigned":    model.StatusInProgress,
		"started":     model.StatusInProgress,
		"in progress": model.StatusInProgress,
		"pending":     model.StatusInProgress,
		"closed":      model.StatusResolved,
		"cancel":      model.StatusResolved,
		"cancelled":   model.StatusResolved,
	},
}

var severityVocab = map[model.SourceAuthority]map[string]model.Severity{
	model.SourceHousing: {
		"c": model.SeverityCritical,
		"b": model.SeverityHazardous,
		"a": model.SeverityMinor,
		"i": model.SeverityAdvisory,
	},
	model.SourceSanitation: {
		"imminent":      model.SeverityCritical,
		"critical":      model.SeverityCritical,
		"hazardous":     model.SeverityHazardous,
		"non-hazardous": model.SeverityMinor,
		"lower":         model.SeverityMinor,
		"warning":       model.SeverityAdvisory,
		"info":          model.SeverityAdvisory,
	},
	model.SourceFire: {
		"1":                     model.SeverityCritical,
		"immediately hazardous": model.SeverityCritical,
		"high":                  model.SeverityCritical,
		"2":                     model.SeverityHazardous,
		"hazardous":             model.SeverityHazardous,
		"medium":                model.SeverityHazardous,
		"3":                     model.SeverityMinor,
		"low":                   model.SeverityMinor,
		"info":                  model.SeverityAdvisory,
	},
}

// complaintSeverity ranks 311 complaint types by keyword; first match wins.
var complaintSeverity = []struct {
	keyword  string
	severity model.Severity
}{
	{"gas leak", model.SeverityCritical},
	{"structural", model.SeverityCritical},
	{"fire", model.SeverityCritical},
	{"heat", model.SeverityHazardous},
	{"hot water", model.SeverityHazardous},
	{"elevator", model.SeverityHazardous},
	{"plumbing", model.SeverityHazardous},
	{"mold", model.SeverityHazardous},
	{"pest", model.SeverityMinor},
	{"rodent", model.SeverityMinor},
	{"paint", model.SeverityMinor},
	{"noise", model.SeverityAdvisory},
}

// MapStatus maps a registry status onto the canonical three states. Values the
// table does not know are kept open so nothing outstanding is dropped.
func MapStatus(authority model.SourceAuthority, status string) model.Status {
	if st, ok := statusVocab[authority][canonical(status)]; ok {
		return st
	}
	return model.StatusOpen
}

// MapSeverity maps a registry class onto a severity. Unknown classes count as
// hazardous: serious enough to weigh, never critical on a guess.
func MapSeverity(authority model.SourceAuthority, class string) model.Severity {
	if authority == model.SourceServiceRequest {
		return complaintClass(class)
	}
	if sev, ok := severityVocab[authority][canonical(class)]; ok {
		return sev
	}
	return model.SeverityHazardous
}

func complaintClass(complaint string) model.Severity {
	c := canonical(complaint)
	for _, entry := range complaintSeverity {
		if strings.Contains(c, entry.keyword) {
			return entry.severity
		}
	}
	return model.SeverityAdvisory
}

func canonical(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", " ")
	s = strings.ReplaceAll(s, "class ", "")
	return strings.Join(strings.Fields(s), " ")
}
