package server

import (
	"encoding/json"
	"image"
	"net/http"
	"time"

	"github.com/tandanlab/tandan/internal/preprocess"
)

// maxBatchSize bounds how many frames one batch request may carry.
const maxBatchSize = 16

// batchHandler grades several base64-encoded frames in one request. Each
// frame succeeds or fails on its own; the response always carries one entry
// per input at the same index.
func (s *Server) batchHandler(w http.ResponseWriter, r *http.Request) {
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
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(req.Images) == 0 {
		s.writeError(w, "Missing images field", http.StatusBadRequest)
		return
	}
	if len(req.Images) > maxBatchSize {
		s.writeError(w, "Too many images in batch", http.StatusRequestEntityTooLarge)
		return
	}

	start := time.Now()
	items := make([]BatchItem, len(req.Images))
	imgs := make([]image.Image, len(req.Images))
	for i, encoded := range req.Images {
		items[i] = BatchItem{Index: i}
		raw, err := preprocess.DecodeDataURL(encoded)
		if err != nil {
			items[i].Error = "Invalid image encoding"
			continue
		}
		img, err := preprocess.Decode(raw)
		if err != nil {
			items[i].Error = "Invalid image format"
			continue
		}
		imgs[i] = img
	}

	results := s.pipeline.GradeImages(r.Context(), imgs)
	for _, res := range results {
		if items[res.Index].Error != "" {
			continue
		}
		if res.Err != nil {
			items[res.Index].Error = res.Err.Error()
			gradeRequestsTotal.WithLabelValues("batch", "error").Inc()
			continue
		}
		items[res.Index].Output = res.Result
		gradeRequestsTotal.WithLabelValues("batch", "success").Inc()
	}
	gradeDuration.WithLabelValues("batch").Observe(time.Since(start).Seconds())

	s.writeJSON(w, http.StatusOK, BatchResponse{
		Success: true,
		Results: items,
		Count:   len(items),
	})
}
