package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/sentriapp/camera-control-plane/internal/auth"
	"github.com/sentriapp/camera-control-plane/internal/config"
	"github.com/sentriapp/camera-control-plane/internal/events"
	"github.com/sentriapp/camera-control-plane/internal/metrics"
	"github.com/sentriapp/camera-control-plane/internal/model"
	"github.com/sentriapp/camera-control-plane/internal/publisher"
)

// Publisher is the manager surface the handlers consume.
type Publisher interface {
	Start(ctx context.Context, cameraID string, serverID int64, forceRestart bool) (*model.Publication, error)
	Stop(ctx context.Context, cameraID string) (publisher.StopResult, error)
	Status(ctx context.Context, cameraID string) (*publisher.Status, error)
	ListActive(ctx context.Context) ([]publisher.Status, error)
}

// Catalog is the camera/server CRUD surface.
type Catalog interface {
	GetCamera(ctx context.Context, cameraID string) (*model.Camera, error)
	ListCameras(ctx context.Context) ([]model.Camera, error)
	CreateCamera(ctx context.Context, in model.Camera) (*model.Camera, error)
	UpdateCamera(ctx context.Context, in model.Camera) (*model.Camera, error)
	DeleteCamera(ctx context.Context, cameraID string) error
	ListRelayServers(ctx context.Context) ([]model.RelayServer, error)
	CreateRelayServer(ctx context.Context, in model.RelayServer) (*model.RelayServer, error)
}

type Server struct {
	cfg     config.Config
	pub     Publisher
	catalog Catalog
	hub     *events.Hub
	log     zerolog.Logger
}

func NewRouter(cfg config.Config, pub Publisher, catalog Catalog, hub *events.Hub, log zerolog.Logger) http.Handler {
	s := &Server{cfg: cfg, pub: pub, catalog: catalog, hub: hub, log: log}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(auth.Middleware(cfg.JWTSecret))

		requestTimeout := cfg.RequestTimeout
		if requestTimeout <= 0 {
			requestTimeout = 60 * time.Second
		}
		v1.Group(func(timed chi.Router) {
			// Remote relay registration plus process spawn fits comfortably here.
			timed.Use(middleware.Timeout(requestTimeout))

			timed.Post("/publications/start", s.handlePublicationStart)
			timed.Post("/publications/stop", s.handlePublicationStop)
			timed.Get("/publications/active", s.handlePublicationsActive)
			timed.Get("/publications/{cameraID}", s.handlePublicationStatus)

			timed.Get("/cameras", s.handleCamerasList)
			timed.Post("/cameras", s.handleCameraCreate)
			timed.Get("/cameras/{cameraID}", s.handleCameraGet)
			timed.Put("/cameras/{cameraID}", s.handleCameraUpdate)
			timed.Delete("/cameras/{cameraID}", s.handleCameraDelete)

			timed.Get("/servers", s.handleServersList)
			timed.Post("/servers", s.handleServerCreate)
		})

		// Long-lived event stream; the request timeout would sever every
		// subscriber after a minute.
		v1.Get("/events/ws", s.handleEventsWS)
	})

	return r
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
