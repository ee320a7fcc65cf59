// Package server exposes the grading pipeline over HTTP and WebSocket.
package server

import (
	"context"
	"image"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tandanlab/tandan/internal/auth"
	"github.com/tandanlab/tandan/internal/history"
	"github.com/tandanlab/tandan/internal/pipeline"
)

// gradingPipeline is the slice of the pipeline the server needs; tests
// substitute a fake.
type gradingPipeline interface {
	GradeImage(ctx context.Context, img image.Image) (*pipeline.Result, error)
	GradeImages(ctx context.Context, imgs []image.Image) []pipeline.ImageResult
	Close() error
}

// authService is the account surface the server needs.
type authService interface {
	Register(ctx context.Context, username, password, fullName string) (int64, error)
	Verify(ctx context.Context, username, password string) (*auth.User, error)
}

// modelStatus reports whether both models are loaded.
type modelStatus interface {
	DetectorReady() bool
	ClassifierReady() bool
}

// Config holds server dependencies and settings.
type Config struct {
	Pipeline       gradingPipeline
	History        history.Store
	Auth           authService // nil disables the auth endpoints
	Status         modelStatus // nil reports models as loaded
	Logger         *slog.Logger
	MaxUploadMB    int64
	AllowedOrigins []string
	RateLimit      int // requests per client per minute; 0 disables
}

// Server holds the HTTP handler state.
type Server struct {
	pipeline    gradingPipeline
	history     history.Store
	auth        authService
	status      modelStatus
	log         *slog.Logger
	maxUploadMB int64
	corsOrigin  string
	rateLimiter *RateLimiter
}

// Response envelope types.

type HealthResponse struct {
	Status                    string `json:"status"`
	Version                   string `json:"version,omitempty"`
	Time                      string `json:"time"`
	DetectionModelLoaded      bool   `json:"detection_model_loaded"`
	ClassificationModelLoaded bool   `json:"classification_model_loaded"`
}

type ModelStatusResponse struct {
	Loaded bool   `json:"loaded"`
	Error  string `json:"error,omitempty"`
}

type RunRequest struct {
	Image  string `json:"image"`
	UserID *int64 `json:"user_id,omitempty"`
}

type RunResponse struct {
	Success   bool             `json:"success"`
	Output    *pipeline.Result `json:"output,omitempty"`
	Saved     bool             `json:"saved"`
	HistoryID *int64           `json:"history_id,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type BatchRequest struct {
	Images []string `json:"images"`
	UserID *int64   `json:"user_id,omitempty"`
}

type BatchItem struct {
	Index  int              `json:"index"`
	Output *pipeline.Result `json:"output,omitempty"`
	Error  string           `json:"error,omitempty"`
}

type BatchResponse struct {
	Success bool        `json:"success"`
	Results []BatchItem `json:"results"`
	Count   int         `json:"count"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	FullName string `json:"full_name,omitempty"`
}

type HistoryResponse struct {
	Success bool             `json:"success"`
	Records []history.Record `json:"records"`
	Count   int              `json:"count"`
	Error   string           `json:"error,omitempty"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewServer wires a server from its dependencies.
func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 20
	}

	corsOrigin := "*"
	if len(cfg.AllowedOrigins) > 0 {
		corsOrigin = strings.Join(cfg.AllowedOrigins, ", ")
	}

	s := &Server{
		pipeline:    cfg.Pipeline,
		history:     cfg.History,
		auth:        cfg.Auth,
		status:      cfg.Status,
		log:         logger,
		maxUploadMB: cfg.MaxUploadMB,
		corsOrigin:  corsOrigin,
	}
	if cfg.RateLimit > 0 {
		s.rateLimiter = NewRateLimiter(cfg.RateLimit)
	}
	return s, nil
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.corsMiddleware(s.healthHandler))
	mux.HandleFunc("/api/model/status", s.corsMiddleware(s.modelStatusHandler))
	mux.HandleFunc("/api/model/run", s.corsMiddleware(s.rateLimitMiddleware(s.runHandler)))
	mux.HandleFunc("/api/model/batch", s.corsMiddleware(s.rateLimitMiddleware(s.batchHandler)))
	mux.HandleFunc("/api/history", s.corsMiddleware(s.historyHandler))
	mux.HandleFunc("/api/history/", s.corsMiddleware(s.historyItemHandler))
	mux.HandleFunc("/api/auth/login", s.corsMiddleware(s.loginHandler))
	mux.HandleFunc("/api/auth/register", s.corsMiddleware(s.registerHandler))
	mux.HandleFunc("/ws/grade", s.gradeStreamHandler)
	mux.Handle("/metrics", promhttp.Handler())
}

// Close releases server resources.
func (s *Server) Close() error {
	var firstErr error
	if s.pipeline != nil {
		firstErr = s.pipeline.Close()
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) modelsLoaded() (bool, bool) {
	if s.status == nil {
		return true, true
	}
	return s.status.DetectorReady(), s.status.ClassifierReady()
}
