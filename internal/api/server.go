// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/lifecycle-mailer/internal/logging"
	"github.com/lifecycle-mailer/internal/models"
	"github.com/lifecycle-mailer/internal/service"
	"github.com/lifecycle-mailer/internal/types"
)

// Service interfaces for dependency injection and testing

// UserServiceInterface defines the interface for user service operations
type UserServiceInterface interface {
	CreateUser(ctx context.Context, in service.CreateUserInput) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
	UpdateSubscriptionStatus(ctx context.Context, id string, status types.SubscriptionStatus) (*models.User, error)
	UpdatePlan(ctx context.Context, id string, plan types.Plan) (*models.User, error)
	RecordActivity(ctx context.Context, id string) (*models.User, error)
	CompleteOnboarding(ctx context.Context, id string) (*models.User, error)
}

// DashboardServiceInterface defines the interface for dashboard queries
type DashboardServiceInterface interface {
	Summary(ctx context.Context) (*service.Summary, error)
	DailySeries(ctx context.Context, days int) ([]service.DailyPoint, error)
	EventStats(ctx context.Context, days int) ([]service.EventStat, error)
	Funnel(ctx context.Context) (*service.Funnel, error)
	RecentLogs(ctx context.Context, filter models.EmailLogFilter) ([]*models.EmailLog, error)
	EventNames(ctx context.Context) ([]string, error)
}

// WebhookServiceInterface defines the interface for provider callbacks
type WebhookServiceInterface interface {
	HandleEvent(ctx context.Context, payload service.WebhookPayload, raw []byte) (service.WebhookOutcome, error)
}

// EmailServiceInterface defines the interface for direct email sends
type EmailServiceInterface interface {
	SendTransactional(ctx context.Context, in service.SendTransactionalInput) *service.SendResult
}

// Server represents the HTTP API server.
type Server struct {
	router           *mux.Router
	httpServer       *http.Server
	userService      UserServiceInterface
	dashboardService DashboardServiceInterface
	webhookService   WebhookServiceInterface
	emailService     EmailServiceInterface
	config           *ServerConfig
	now              func() time.Time
	logger           *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    int // Requests per second per client on /api
	RateLimitBurst  int
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	userService UserServiceInterface,
	dashboardService DashboardServiceInterface,
	webhookService WebhookServiceInterface,
	emailService EmailServiceInterface,
) *Server {
	s := &Server{
		router:           mux.NewRouter(),
		userService:      userService,
		dashboardService: dashboardService,
		webhookService:   webhookService,
		emailService:     emailService,
		config:           config,
		now:              time.Now,
		logger:           logging.GetGlobalLogger().WithComponent("api"),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Set up middleware (order matters!)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(CompressionMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	// Set up routes
	s.setupRoutes()

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Provider webhook (no rate limiting, the provider retries on failure)
	s.router.HandleFunc("/loops-webhook", s.handleLoopsWebhook).Methods("POST")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)))

	// Dashboard endpoints
	api.HandleFunc("/dashboard/summary", s.handleDashboardSummary).Methods("GET")
	api.HandleFunc("/dashboard/daily", s.handleDashboardDaily).Methods("GET")
	api.HandleFunc("/dashboard/events", s.handleDashboardEvents).Methods("GET")
	api.HandleFunc("/dashboard/funnel", s.handleDashboardFunnel).Methods("GET")
	api.HandleFunc("/dashboard/logs", s.handleDashboardLogs).Methods("GET")
	api.HandleFunc("/dashboard/event-names", s.handleDashboardEventNames).Methods("GET")

	// User endpoints
	api.HandleFunc("/users", s.handleCreateUser).Methods("POST")
	api.HandleFunc("/users", s.handleListUsers).Methods("GET")
	api.HandleFunc("/users/{id}", s.handleGetUser).Methods("GET")
	api.HandleFunc("/users/{id}/subscription", s.handleUpdateSubscription).Methods("PUT")
	api.HandleFunc("/users/{id}/plan", s.handleUpdatePlan).Methods("PUT")
	api.HandleFunc("/users/{id}/activity", s.handleRecordActivity).Methods("POST")
	api.HandleFunc("/users/{id}/onboarding/complete", s.handleCompleteOnboarding).Methods("POST")

	// Email endpoints
	api.HandleFunc("/emails/transactional", s.handleSendTransactional).Methods("POST")

	// CORS preflight for every path; CORSMiddleware answers it
	s.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": s.now().UnixMilli(),
	})
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
