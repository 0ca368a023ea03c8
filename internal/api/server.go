package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fieldops/internal/alerts"
	"fieldops/internal/config"
	"fieldops/internal/escalation"
	"fieldops/internal/ingest"
	"fieldops/internal/model"
	"fieldops/internal/predict"
	"fieldops/internal/readmodel"
)

type Refresher interface {
	RefreshBuilding(ctx context.Context, buildingID string) model.BuildingResult
	Predictions() []model.MaintenancePrediction
}

type Escalation interface {
	Snapshot(buildingID string) escalation.BuildingState
	Snapshots() []escalation.BuildingState
	Acknowledge(buildingID, operator string) escalation.BuildingState
	StartEmergencyProtocol(ctx context.Context, buildingID, operator string) (escalation.BuildingState, error)
	Resolve(ctx context.Context, buildingID, operator string) (escalation.BuildingState, error)
}

type Directory interface {
	BuildingIDs() []string
	Building(buildingID string) (model.Building, bool)
}

type Deps struct {
	Config     *config.Manager
	Results    *readmodel.Store
	Alerts     *alerts.Store
	Refresher  Refresher
	Escalation Escalation
	Directory  Directory
	Backlog    *ingest.Backlog
	Predictor  *predict.Predictor
	Logger     *slog.Logger
	Version    string
}

type Server struct {
	cfg        *config.Manager
	results    *readmodel.Store
	alerts     *alerts.Store
	refresher  Refresher
	escalation Escalation
	directory  Directory
	backlog    *ingest.Backlog
	predictor  *predict.Predictor
	logger     *slog.Logger
	version    string
	started    time.Time
}

func NewServer(deps Deps) *Server {
	return &Server{
		cfg:        deps.Config,
		results:    deps.Results,
		alerts:     deps.Alerts,
		refresher:  deps.Refresher,
		escalation: deps.Escalation,
		directory:  deps.Directory,
		backlog:    deps.Backlog,
		predictor:  deps.Predictor,
		logger:     deps.Logger,
		version:    deps.Version,
		started:    time.Now().UTC(),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", s.handleStatus)
	r.Get("/buildings", s.handleBuildings)
	r.Route("/buildings/{id}", func(r chi.Router) {
		r.Get("/", s.handleBuilding)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/acknowledge", s.handleAcknowledge)
		r.Post("/emergency/start", s.handleEmergencyStart)
		r.Post("/emergency/resolve", s.handleEmergencyResolve)
	})
	r.Get("/emergency", s.handleEmergencyStates)
	r.Get("/predictions", s.handlePredictions)
	r.Post("/routines", s.handleRoutines)
	r.Delete("/routines/{id}", s.handleRoutineDelete)
	r.Get("/events", s.handleEvents)
	return r
}

// Start serves the API until ctx is cancelled. It returns nil when the API is
// disabled.
func Start(ctx context.Context, server *Server, logger *slog.Logger) *http.Server {
	if server == nil || server.cfg == nil {
		return nil
	}
	current := server.cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}
