// Package api is the thin HTTP transport over the operations substrate.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"ktrdr/internal/dataload"
	"ktrdr/internal/ops"
	"ktrdr/internal/training"
)

// Config tunes the HTTP server wiring.
type Config struct {
	// StrategiesDir holds the manifest files referenced by training starts.
	StrategiesDir string

	// AllowedOrigins for CORS; empty disables the CORS layer.
	AllowedOrigins []string

	// RequestsPerMinute rate-limits each client IP. Zero disables.
	RequestsPerMinute int
}

// Server bundles the handlers and their dependencies.
type Server struct {
	orchestrator *ops.Orchestrator
	trainingSvc  *training.Service
	dataloadSvc  *dataload.Service
	cfg          Config
}

// NewServer creates the transport over the domain services.
func NewServer(orchestrator *ops.Orchestrator, trainingSvc *training.Service, dataloadSvc *dataload.Service, cfg Config) *Server {
	return &Server{
		orchestrator: orchestrator,
		trainingSvc:  trainingSvc,
		dataloadSvc:  dataloadSvc,
		cfg:          cfg,
	}
}

// Router assembles the chi router with the operations surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if s.cfg.RequestsPerMinute > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RequestsPerMinute, time.Minute))
	}
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Post("/data/load", s.handleDataLoad)
	r.Post("/trainings/start", s.handleTrainingStart)
	r.Route("/operations", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Get("/{id}/results", s.handleResults)
	})

	return r
}
