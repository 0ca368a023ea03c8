package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fieldops/internal/model"
)

var ErrEmptyBody = errors.New("empty body")

// ParseRoutines accepts a single routine object or an array of them. Entries
// that cannot be parsed are returned as errors alongside the good ones.
func ParseRoutines(data []byte) ([]model.Routine, []error, error) {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 {
		return nil, nil, ErrEmptyBody
	}
	var list []map[string]any
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &list); err != nil {
			return nil, nil, err
		}
	} else {
		var obj map[string]any
		if err := json.Unmarshal(trim, &obj); err != nil {
			return nil, nil, err
		}
		list = append(list, obj)
	}
	out := make([]model.Routine, 0, len(list))
	var errs []error
	for i, obj := range list {
		r, err := ParseRoutine(obj)
		if err != nil {
			errs = append(errs, fmt.Errorf("routine %d: %w", i, err))
			continue
		}
		out = append(out, r)
	}
	return out, errs, nil
}

func ParseRoutine(obj map[string]any) (model.Routine, error) {
	fields := make(map[string]string, len(obj))
	for key, val := range obj {
		if val == nil {
			continue
		}
		fields[strings.ToLower(key)] = fmt.Sprint(val)
	}
	r := model.Routine{
		ID:           firstNonEmpty(fields, "id", "routine_id", "task_id"),
		BuildingID:   firstNonEmpty(fields, "building_id", "buildingid", "building"),
		BuildingName: firstNonEmpty(fields, "building_name", "buildingname"),
		Category:     strings.ToLower(firstNonEmpty(fields, "category", "type")),
		Title:        firstNonEmpty(fields, "title", "name", "description"),
	}
	if r.ID == "" {
		return model.Routine{}, errors.New("missing id")
	}
	if r.BuildingID == "" {
		return model.Routine{}, errors.New("missing building id")
	}
	if v := firstNonEmpty(fields, "estimated_duration_minutes", "estimated_duration", "duration_minutes", "duration"); v != "" {
		minutes, err := strconv.ParseFloat(v, 64)
		if err != nil || minutes < 0 {
			return model.Routine{}, fmt.Errorf("invalid duration %q", v)
		}
		r.EstimatedDurationMinutes = int(minutes + 0.5)
	}
	if v := firstNonEmpty(fields, "requires_photo", "requiresphoto", "photo_required"); v != "" {
		photo, err := strconv.ParseBool(v)
		if err != nil {
			return model.Routine{}, fmt.Errorf("invalid requires_photo %q", v)
		}
		r.RequiresPhoto = photo
	}
	return r, nil
}

// closedRoutine reports whether an inbound record removes the routine from the
// open backlog.
func closedRoutine(obj map[string]any) bool {
	for _, key := range []string{"deleted", "removed"} {
		if v, ok := obj[key].(bool); ok && v {
			return true
		}
	}
	status, _ := obj["status"].(string)
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "done", "completed", "complete", "closed", "cancelled", "canceled":
		return true
	}
	return false
}

func firstNonEmpty(fields map[string]string, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(fields[key]); v != "" {
			return v
		}
	}
	return ""
}
