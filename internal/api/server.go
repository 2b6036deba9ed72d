// Package api provides the HTTP API used by executor agents and operators.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/payment-scheduler/internal/logging"
	"github.com/payment-scheduler/internal/models"
	"github.com/payment-scheduler/internal/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ScheduleServiceInterface defines the schedule operations the API exposes
type ScheduleServiceInterface interface {
	Create(ctx context.Context, req service.CreateRequest) (*models.ScheduledPayment, error)
	Get(ctx context.Context, scheduleID string) (*models.ScheduledPayment, error)
	ListByOwner(ctx context.Context, username string) ([]*models.ScheduledPayment, error)
	ListDue(ctx context.Context, limit int) ([]*models.ScheduledPayment, error)
	ListExecutions(ctx context.Context, scheduleID string) ([]*models.ExecutionRecord, error)
	Claim(ctx context.Context, scheduleID, executorID string) (*service.LeaseResult, error)
	StartProcessing(ctx context.Context, scheduleID, executorID string) (*service.LeaseResult, error)
	CompleteExecution(ctx context.Context, req service.CompleteRequest) (*service.CompletionResult, error)
	MarkFailed(ctx context.Context, scheduleID, message string) (*service.FailureResult, error)
	ForceUpdate(ctx context.Context, req service.ForceUpdateRequest) (*service.ForceUpdateResult, error)
	Cancel(ctx context.Context, scheduleID, owner string) (*models.ScheduledPayment, error)
	SweepStuck(ctx context.Context, username string) (*service.SweepResult, error)
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	schedules  ScheduleServiceInterface
	health     map[string]HealthCheck
	config     *ServerConfig
	logger     *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	ExecutorToken  string  // bearer token required on /api
	AdminToken     string  // X-Admin-Token required for force updates; empty disables them
	RateLimitRPS   float64 // per caller
	RateLimitBurst int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, schedules ScheduleServiceInterface, logger *logging.Logger, health map[string]HealthCheck) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:    mux.NewRouter(),
		schedules: schedules,
		health:    health,
		config:    config,
		logger:    logger,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)

	s.router.Use(s.LoggingMiddleware)
	s.router.Use(s.RecoveryMiddleware)
	s.router.Use(MetricsMiddleware)
	s.router.Use(CORSMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	// Authentication runs before rate limiting so the limiter keys on a verified caller.
	api.Use(AuthMiddleware(s.config.ExecutorToken))
	api.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes(api)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(api *mux.Router) {
	api.HandleFunc("/schedules", s.handleCreateSchedule).Methods("POST")
	api.HandleFunc("/schedules", s.handleListSchedules).Methods("GET")
	api.HandleFunc("/schedules/due", s.handleListDue).Methods("GET")
	api.HandleFunc("/schedules/sweep", s.handleSweep).Methods("POST")
	api.HandleFunc("/schedules/{id}", s.handleGetSchedule).Methods("GET")
	api.HandleFunc("/schedules/{id}/executions", s.handleListExecutions).Methods("GET")

	// Executor lifecycle
	api.HandleFunc("/schedules/{id}/claim", s.handleClaim).Methods("POST")
	api.HandleFunc("/schedules/{id}/process", s.handleStartProcessing).Methods("POST")
	api.HandleFunc("/schedules/{id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/schedules/{id}/fail", s.handleFail).Methods("POST")
	api.HandleFunc("/schedules/{id}/cancel", s.handleCancel).Methods("POST")

	// Break glass
	api.HandleFunc("/schedules/{id}/force-update", s.handleForceUpdate).Methods("POST")
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.health))
	status, code := "healthy", http.StatusOK
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status, code = "unhealthy", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	respondJSON(w, code, map[string]interface{}{
		"status":  status,
		"service": "payment-scheduler",
		"checks":  checks,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
