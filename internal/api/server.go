// Package api provides the HTTP surface of the video quality-control service.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/video-qc/internal/auth"
	"github.com/amillerrr/video-qc/internal/config"
	"github.com/amillerrr/video-qc/internal/health"
)

// Server configuration constants
const (
	ReadTimeout       = 30 * time.Second
	ReadHeaderTimeout = 10 * time.Second
	WriteTimeout      = 60 * time.Second
	IdleTimeout       = 120 * time.Second
	MaxHeaderBytes    = 1 << 20 // 1 MB
)

// Server represents the HTTP server for the API.
type Server struct {
	httpServer  *http.Server
	cfg         *config.Config
	log         *slog.Logger
	rateLimiter *auth.RateLimiter
}

// ServerConfig holds dependencies for the server.
type ServerConfig struct {
	Config        *config.Config
	Logger        *slog.Logger
	JWTService    *auth.JWTService
	RateLimiter   *auth.RateLimiter
	HealthChecker *health.Checker
	Assessments   AssessmentService
	Batches       BatchService
	Videos        VideoService
}

// NewServer creates a new API server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.JWTService == nil {
		return nil, errors.New("api: JWT service is required")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Config.API.Port,
		Handler:           NewRouter(cfg),
		ReadTimeout:       ReadTimeout,
		ReadHeaderTimeout: ReadHeaderTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
		MaxHeaderBytes:    MaxHeaderBytes,
	}

	return &Server{
		httpServer:  httpServer,
		cfg:         cfg.Config,
		log:         cfg.Logger,
		rateLimiter: cfg.RateLimiter,
	}, nil
}

// NewRouter wires every route behind the CORS and metrics middleware.
func NewRouter(cfg *ServerConfig) http.Handler {
	h := NewHandlers(&HandlersConfig{
		Config:      cfg.Config,
		Logger:      cfg.Logger,
		JWTService:  cfg.JWTService,
		RateLimiter: cfg.RateLimiter,
		Assessments: cfg.Assessments,
		Batches:     cfg.Batches,
		Videos:      cfg.Videos,
	})

	mux := http.NewServeMux()
	authed := cfg.JWTService.Middleware(cfg.RateLimiter)

	// Public endpoints
	if cfg.HealthChecker != nil {
		mux.HandleFunc("GET /health", cfg.HealthChecker.Handler())
		mux.HandleFunc("GET /health/deep", cfg.HealthChecker.DeepHandler())
	}
	mux.HandleFunc("POST /login", h.LoginHandler)

	// Videos
	mux.HandleFunc("GET /api/videos", h.ListVideosHandler)
	mux.HandleFunc("POST /api/videos", authed(h.RegisterVideoHandler))
	mux.HandleFunc("GET /api/videos/{id}", h.GetVideoHandler)
	mux.HandleFunc("PATCH /api/videos/{id}", authed(h.UpdateVideoHandler))
	mux.HandleFunc("DELETE /api/videos/{id}", authed(h.DeleteVideoHandler))

	// Assessments
	mux.HandleFunc("POST /api/assessments", authed(h.CreateAssessmentHandler))
	mux.HandleFunc("GET /api/assessments", h.ListAssessmentsHandler)
	mux.HandleFunc("POST /api/assessments/compare", h.CompareHandler)
	mux.HandleFunc("GET /api/assessments/{id}", h.GetAssessmentHandler)
	mux.HandleFunc("DELETE /api/assessments/{id}", authed(h.DeleteAssessmentHandler))
	mux.HandleFunc("POST /api/assessments/{id}/start", authed(h.StartAssessmentHandler))
	mux.HandleFunc("POST /api/assessments/{id}/cancel", authed(h.CancelAssessmentHandler))
	mux.HandleFunc("GET /api/assessments/{id}/frames", h.FramesHandler)
	mux.HandleFunc("GET /api/assessments/{id}/statistics", h.StatisticsHandler)
	mux.HandleFunc("GET /api/assessments/{id}/problem-frames", h.ProblemFramesHandler)

	// Batches
	mux.HandleFunc("POST /api/batches", authed(h.CreateBatchHandler))
	mux.HandleFunc("POST /api/batches/{id}/start", authed(h.StartBatchHandler))
	mux.HandleFunc("GET /api/batches/{id}", h.BatchStatusHandler)

	// Metrics endpoint (internal only)
	mux.Handle("GET /metrics", internalOnlyMiddleware(promhttp.Handler()))

	return CORSMiddleware(cfg.Config.CORS.AllowedOrigins)(MetricsMiddleware(mux))
}

// Start serves until Shutdown is called. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.log.Info("Starting API server", "addr", s.httpServer.Addr, "environment", s.cfg.Environment)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. It does not
// stop running assessments.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.InfoContext(ctx, "Shutting down API server")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// internalOnlyMiddleware restricts access to clients on loopback or private
// networks that did not come through a proxy.
func internalOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-For") != "" || !isInternalRequest(r.RemoteAddr) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isInternalRequest(remoteAddr string) bool {
	ap, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		return false
	}
	addr := ap.Addr().Unmap()
	return addr.IsLoopback() || addr.IsPrivate()
}
