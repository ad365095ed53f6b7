package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fleetpulse/pdm-engine/internal/config"
)

// Server wraps the HTTP server and its lifecycle helpers.
type Server struct {
	logger *slog.Logger
	cfg    config.ServerConfig
	srv    *http.Server
}

// NewServer builds the router and binds handlers to the configured address.
func NewServer(logger *slog.Logger, cfg config.ServerConfig, h *Handlers) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/healthz", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apiKeyAuth(cfg.APIKeys))

		r.Post("/telemetry", h.IngestTelemetry)

		r.Get("/alerts", h.ListAlerts)
		r.Get("/alerts/{alertID}", h.GetAlert)
		r.Post("/alerts/{alertID}/transition", h.TransitionAlert)

		r.Post("/feedback", h.SubmitFeedback)

		r.Get("/vehicles", h.ListVehicles)
		r.Get("/vehicles/{vehicleID}/baselines", h.VehicleBaselines)
		r.Post("/vehicles/{vehicleID}/decommission", h.DecommissionVehicle)

		r.Get("/patterns", h.ListPatterns)
	})

	return &Server{
		logger: logger,
		cfg:    cfg,
		srv: &http.Server{
			Addr:              cfg.Address,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves requests until Shutdown is invoked.
func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("address", s.cfg.Address))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the graceful timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.GracefulTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
