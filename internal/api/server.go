package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/vigilstack/gchealth/internal/config"
	"github.com/vigilstack/gchealth/internal/services"
)

// Server is the HTTP query and admin surface. Every handler delegates to
// the monitor service; the server owns only routing and encoding.
type Server struct {
	cfg     config.ServerConfig
	service *services.MonitorService
	logger  *slog.Logger
	mux     *http.ServeMux
	server  *http.Server
}

// NewServer constructs the API server bound to the configured address.
func NewServer(cfg config.ServerConfig, service *services.MonitorService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		service: service,
		logger:  logger,
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/readyz", s.handleReady)

	s.mux.HandleFunc("/api/v1/samples", s.handleSamples)
	s.mux.HandleFunc("/api/v1/alarms", s.handleAlarmList)
	s.mux.HandleFunc("/api/v1/alarms/", s.handleAlarm)
	s.mux.HandleFunc("/api/v1/windows", s.handleWindow)
	s.mux.HandleFunc("/api/v1/episodes", s.handleEpisodes)
	s.mux.HandleFunc("/api/v1/events", s.handleEvents)
	s.mux.HandleFunc("/api/v1/transitions", s.handleTransitions)
	s.mux.HandleFunc("/api/v1/patterns", s.handlePatterns)
	s.mux.HandleFunc("/api/v1/dispatch/failures", s.handleDispatchFailures)
	s.mux.HandleFunc("/api/v1/config/reload", s.handleReload)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves requests until Shutdown is invoked.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("api server shutting down")
	return s.server.Shutdown(ctx)
}

// GracefulTimeout returns the configured graceful shutdown window.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}
