package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"fieldops/internal/escalation"
	"fieldops/internal/ingest"
	"fieldops/internal/model"
)

type statusResponse struct {
	Status          string `json:"status"`
	Time            string `json:"time"`
	Version         string `json:"version"`
	ConfigPath      string `json:"config_path"`
	UptimeSec       int64  `json:"uptime_sec"`
	Buildings       int    `json:"buildings"`
	StorageDriver   string `json:"storage_driver"`
	Kafka           bool   `json:"kafka"`
	RefreshInterval string `json:"refresh_interval"`
	BacklogSize     int    `json:"backlog_size"`
}

// buildingView combines everything the UI shows for one building.
type buildingView struct {
	Building   model.Building               `json:"building"`
	Result     model.BuildingResult         `json:"result"`
	UpdatedAt  *time.Time                   `json:"updated_at,omitempty"`
	Emergency  escalation.BuildingState     `json:"emergency"`
	Prediction *model.MaintenancePrediction `json:"prediction,omitempty"`
}

type operatorRequest struct {
	Operator string `json:"operator"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:          "ok",
		Time:            time.Now().UTC().Format(time.RFC3339Nano),
		Version:         s.version,
		ConfigPath:      s.cfg.Path(),
		UptimeSec:       int64(time.Since(s.started).Seconds()),
		StorageDriver:   cfg.Storage.Driver,
		Kafka:           cfg.Kafka.Enabled,
		RefreshInterval: cfg.Refresh.Interval.String(),
	}
	if s.directory != nil {
		resp.Buildings = len(s.directory.BuildingIDs())
	}
	if s.backlog != nil {
		resp.BacklogSize = s.backlog.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBuildings(w http.ResponseWriter, r *http.Request) {
	ids := s.directory.BuildingIDs()
	out := make([]buildingView, 0, len(ids))
	for _, id := range ids {
		view, _ := s.view(r, id, false)
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"buildings": out,
		"count":     len(out),
	})
}

func (s *Server) handleBuilding(w http.ResponseWriter, r *http.Request) {
	view, ok := s.view(r, chi.URLParam(r, "id"), true)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown building")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) view(r *http.Request, id string, withPrediction bool) (buildingView, bool) {
	b, ok := s.directory.Building(id)
	if !ok {
		return buildingView{}, false
	}
	view := buildingView{
		Building:  b,
		Result:    model.BuildingResult{BuildingID: id, Availability: model.AvailabilityUnknown},
		Emergency: s.escalation.Snapshot(id),
	}
	if s.results != nil {
		if res, updated, ok := s.results.Get(id); ok {
			view.Result = res
			view.UpdatedAt = &updated
		}
	}
	if withPrediction && s.backlog != nil && s.predictor != nil {
		routines, err := s.backlog.Routines(r.Context())
		if err == nil {
			if p, ok := s.predictor.PredictBuilding(id, routines); ok {
				view.Prediction = &p
			}
		}
	}
	return view, true
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.directory.Building(id); !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown building")
		return
	}
	res := s.refresher.RefreshBuilding(r.Context(), id)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, operator, ok := s.operatorCommand(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.escalation.Acknowledge(id, operator))
}

func (s *Server) handleEmergencyStart(w http.ResponseWriter, r *http.Request) {
	id, operator, ok := s.operatorCommand(w, r)
	if !ok {
		return
	}
	state, err := s.escalation.StartEmergencyProtocol(r.Context(), id, operator)
	s.writeTransition(w, state, err)
}

func (s *Server) handleEmergencyResolve(w http.ResponseWriter, r *http.Request) {
	id, operator, ok := s.operatorCommand(w, r)
	if !ok {
		return
	}
	state, err := s.escalation.Resolve(r.Context(), id, operator)
	s.writeTransition(w, state, err)
}

func (s *Server) writeTransition(w http.ResponseWriter, state escalation.BuildingState, err error) {
	var invalid *escalation.InvalidTransitionError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, state)
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": invalid.Reason,
			"code":  "INVALID_TRANSITION",
			"state": state,
		})
	default:
		if s.logger != nil {
			s.logger.Error("escalation command failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// operatorCommand resolves the building and the acting operator, taken from
// the X-Actor header or the JSON body.
func (s *Server) operatorCommand(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	id := chi.URLParam(r, "id")
	if _, ok := s.directory.Building(id); !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown building")
		return "", "", false
	}
	operator := strings.TrimSpace(r.Header.Get("X-Actor"))
	if operator == "" {
		var req operatorRequest
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return "", "", false
		}
		operator = strings.TrimSpace(req.Operator)
	}
	if operator == "" {
		writeError(w, http.StatusBadRequest, "MISSING_OPERATOR", "operator is required")
		return "", "", false
	}
	return id, operator, true
}

// handleEmergencyStates lists every building the escalation machine has seen.
func (s *Server) handleEmergencyStates(w http.ResponseWriter, r *http.Request) {
	states := s.escalation.Snapshots()
	writeJSON(w, http.StatusOK, map[string]any{
		"buildings": states,
		"count":     len(states),
	})
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	preds := s.refresher.Predictions()
	writeJSON(w, http.StatusOK, map[string]any{
		"predictions": preds,
		"count":       len(preds),
	})
}

func (s *Server) handleRoutines(w http.ResponseWriter, r *http.Request) {
	if s.backlog == nil {
		writeError(w, http.StatusServiceUnavailable, "BACKLOG_DISABLED", "routine backlog not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	routines, failures, err := ingest.ParseRoutines(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	s.backlog.Upsert(routines...)
	for _, f := range failures {
		if s.logger != nil {
			s.logger.Warn("routine rejected", "err", f)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": len(routines),
		"failed":   len(failures),
	})
}

func (s *Server) handleRoutineDelete(w http.ResponseWriter, r *http.Request) {
	if s.backlog == nil || !s.backlog.Remove(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown routine")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.EscalationEvent
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_SINCE", "since must be RFC3339")
			return
		}
		list = s.alerts.Since(ts)
	} else {
		list = s.alerts.List(r.URL.Query().Get("building"), limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": list,
		"count":  len(list),
	})
}
