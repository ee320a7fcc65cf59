package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tandanlab/tandan/internal/auth"
	"github.com/tandanlab/tandan/internal/history"
	"github.com/tandanlab/tandan/internal/preprocess"
	"github.com/tandanlab/tandan/internal/version"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, status int) {
	s.writeJSON(w, status, ErrorResponse{Success: false, Error: message, Message: message})
}

// healthHandler reports server and model health.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	detReady, clsReady := s.modelsLoaded()
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:                    "healthy",
		Version:                   version.Version,
		Time:                      time.Now().UTC().Format(time.RFC3339),
		DetectionModelLoaded:      detReady,
		ClassificationModelLoaded: clsReady,
	})
}

// modelStatusHandler reports whether both models are loaded. 503 until then.
func (s *Server) modelStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	detReady, clsReady := s.modelsLoaded()
	if !detReady || !clsReady {
		s.writeJSON(w, http.StatusServiceUnavailable, ModelStatusResponse{
			Loaded: false,
			Error:  "Models not loaded",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, ModelStatusResponse{Loaded: true})
}

// runHandler grades one base64-encoded frame and saves the outcome
// best-effort; a failed save never fails the grading response.
func (s *Server) runHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	detReady, clsReady := s.modelsLoaded()
	if !detReady || !clsReady {
		s.writeError(w, "Models not loaded", http.StatusServiceUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadMB*1024*1024)
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Image == "" {
		s.writeError(w, "Missing image field", http.StatusBadRequest)
		return
	}

	start := time.Now()
	raw, err := preprocess.DecodeDataURL(req.Image)
	if err != nil {
		s.writeError(w, "Invalid image encoding", http.StatusBadRequest)
		return
	}
	img, err := preprocess.Decode(raw)
	if err != nil {
		s.writeError(w, "Invalid image format", http.StatusBadRequest)
		return
	}

	result, err := s.pipeline.GradeImage(r.Context(), img)
	if err != nil {
		gradeRequestsTotal.WithLabelValues("single", "error").Inc()
		s.writeError(w, "Grading failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	gradeRequestsTotal.WithLabelValues("single", "success").Inc()
	gradeDuration.WithLabelValues("single").Observe(time.Since(start).Seconds())
	bunchesDetected.Observe(float64(result.TotalBunches))

	resp := RunResponse{Success: true, Output: result}
	if s.history != nil {
		rec := &history.Record{
			UserID:        req.UserID,
			ImageRef:      req.Image,
			Predictions:   result.Predictions,
			TopClass:      result.TopClass,
			Confidence:    result.Confidence,
			Label:         result.Label,
			InferenceTime: result.InferenceTime,
		}
		if id, err := s.history.Save(r.Context(), rec); err != nil {
			s.log.Warn("history save failed", "error", err)
		} else {
			resp.Saved = true
			resp.HistoryID = &id
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// historyHandler serves GET (list) and DELETE (clear) on the collection.
func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, "History not configured", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodGet:
		q := history.Query{}
		if v := r.URL.Query().Get("user_id"); v != "" {
			uid, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				s.writeError(w, "Invalid user_id", http.StatusBadRequest)
				return
			}
			q.UserID = &uid
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 0 {
				s.writeError(w, "Invalid limit", http.StatusBadRequest)
				return
			}
			q.Limit = limit
		}

		records, err := s.history.List(r.Context(), q)
		if err != nil {
			s.writeError(w, "Failed to fetch history", http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []history.Record{}
		}
		s.writeJSON(w, http.StatusOK, HistoryResponse{
			Success: true,
			Records: records,
			Count:   len(records),
		})

	case http.MethodDelete:
		if err := s.history.Clear(r.Context()); err != nil {
			s.writeError(w, "Failed to clear history", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"success": true})

	default:
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// historyItemHandler serves DELETE /api/history/{id}.
func (s *Server) historyItemHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, "History not configured", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodDelete {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/api/history/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		s.writeError(w, "Invalid history id", http.StatusBadRequest)
		return
	}

	if err := s.history.Delete(r.Context(), id); err != nil {
		if errors.Is(err, history.ErrNotFound) {
			s.writeError(w, "Record not found", http.StatusNotFound)
			return
		}
		s.writeError(w, "Failed to delete record", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// loginHandler verifies credentials.
func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.auth == nil {
		s.writeError(w, "Accounts not configured", http.StatusServiceUnavailable)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		s.writeError(w, "Username and password required", http.StatusBadRequest)
		return
	}

	user, err := s.auth.Verify(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.writeError(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		s.log.Error("login failed", "error", err)
		s.writeError(w, "Login failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    user,
		"message": "Login successful",
	})
}

// registerHandler creates an account.
func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.auth == nil {
		s.writeError(w, "Accounts not configured", http.StatusServiceUnavailable)
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		s.writeError(w, "Username and password required", http.StatusBadRequest)
		return
	}

	id, err := s.auth.Register(r.Context(), req.Username, req.Password, req.FullName)
	if err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			s.writeError(w, "Username exists", http.StatusConflict)
			return
		}
		s.log.Error("registration failed", "error", err)
		s.writeError(w, "Registration failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"user_id": id,
		"message": "Registration successful",
	})
}
