package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dny1020/outdial-orchestrator/internal/health"
	"github.com/dny1020/outdial-orchestrator/internal/models"
	"github.com/dny1020/outdial-orchestrator/pkg/errors"
	"github.com/dny1020/outdial-orchestrator/pkg/logger"
)

// Dialer is the origination pipeline surface used by the handlers
type Dialer interface {
	Originate(ctx context.Context, phoneNumber string, req *models.CallRequest) (*models.CallResponse, error)
	GetStatus(ctx context.Context, callID string) (*models.CallStatusResponse, error)
	Hangup(ctx context.Context, callID string) error
}

// TokenService is the auth surface used by the handlers
type TokenService interface {
	IssuePair(subject string) (*models.TokenPair, error)
	Verify(ctx context.Context, token, tokenType string) (string, error)
	Revoke(ctx context.Context, token string) error
	Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error)
}

// UserStore is the account lookup surface used by the token endpoint
type UserStore interface {
	GetByUsername(ctx context.Context, username string) (*models.User, error)
}

// Gate is the KV surface used by the rate limiter and brute-force guard
type Gate interface {
	SlidingWindowAdmit(ctx context.Context, key string, limit int, window time.Duration) (bool, int)
	TrackFailedLogin(ctx context.Context, username, ip string, ttl time.Duration) (int64, error)
	ResetFailedLogins(ctx context.Context, username, ip string) error
	SetLockout(ctx context.Context, ip string, ttl time.Duration) error
	LockoutTTL(ctx context.Context, ip string) (time.Duration, error)
}

// MetricsInterface defines metrics operations
type MetricsInterface interface {
	IncrementCounter(name string, labels map[string]string)
}

// RateLimits holds the per-endpoint admission settings
type RateLimits struct {
	TokenRequests       int
	OriginationRequests int
	Window              time.Duration
	MaxFailedLogins     int
	LockoutDuration     time.Duration
	FailedLoginTTL      time.Duration
}

// Config holds the HTTP server settings
type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	MetricsEnabled  bool
	Version         string
	DBDisabled      bool
}

// Server is the HTTP surface of the orchestrator
type Server struct {
	cfg    Config
	limits RateLimits

	dialer Dialer
	tokens TokenService
	users  UserStore
	gate   Gate
	health *health.Service
	metrics MetricsInterface

	httpServer *http.Server
}

func NewServer(cfg Config, limits RateLimits, dialer Dialer, tokens TokenService,
	users UserStore, gate Gate, healthSvc *health.Service, metrics MetricsInterface) *Server {

	s := &Server{
		cfg:     cfg,
		limits:  limits,
		dialer:  dialer,
		tokens:  tokens,
		users:   users,
		gate:    gate,
		health:  healthSvc,
		metrics: metrics,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Router builds the full route table
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	router.Use(s.requestIDMiddleware)
	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	router.HandleFunc("/", s.handleRoot).Methods("GET")
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/readiness", s.handleReadiness).Methods("GET")
	if s.cfg.MetricsEnabled {
		router.Handle("/metrics", noStore(promhttp.Handler())).Methods("GET")
	}

	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.Handle("/token", s.tokenRateLimited(http.HandlerFunc(s.handleToken))).Methods("POST")
	v1.HandleFunc("/token/refresh", s.handleTokenRefresh).Methods("POST")
	v1.Handle("/token/revoke", s.authenticated(http.HandlerFunc(s.handleTokenRevoke))).Methods("POST")

	v1.Handle("/interaction/{number}",
		s.originationRateLimited(s.authenticated(http.HandlerFunc(s.handleInteraction)))).Methods("POST")
	v1.Handle("/calls",
		s.originationRateLimited(s.authenticated(http.HandlerFunc(s.handleCreateCall)))).Methods("POST")
	v1.Handle("/calls/{call_id}", s.authenticated(http.HandlerFunc(s.handleGetCall))).Methods("GET")
	v1.Handle("/calls/{call_id}", s.authenticated(http.HandlerFunc(s.handleHangupCall))).Methods("DELETE")
	v1.Handle("/status/{call_id}", s.authenticated(http.HandlerFunc(s.handleGetCall))).Methods("GET")

	return router
}

// Start serves until the listener fails or Stop is called
func (s *Server) Start() error {
	logger.WithField("addr", s.cfg.ListenAddr).Info("API server started")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains in-flight requests within the shutdown grace period
func (s *Server) Stop() error {
	timeout := s.cfg.ShutdownTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, err error) {
	detail := "Internal server error"
	if appErr, ok := err.(*errors.AppError); ok {
		detail = appErr.Message
	}
	writeJSON(w, errors.StatusOf(err), errorBody{Detail: detail})
}
