package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tandanlab/tandan/internal/pipeline"
	"github.com/tandanlab/tandan/internal/preprocess"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// GradeStreamRequest is one camera frame submitted over the stream. The
// client may attach its own request id; the response echoes it so frames can
// complete out of order.
type GradeStreamRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Image     string `json:"image"`
	UserID    *int64 `json:"user_id,omitempty"`
}

// GradeStreamResponse is the outcome for one streamed frame.
type GradeStreamResponse struct {
	Type      string           `json:"type"`
	Status    string           `json:"status"` // "processing", "completed", "error"
	RequestID string           `json:"request_id"`
	Result    *pipeline.Result `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorType string           `json:"error_type,omitempty"`
}

// wsWriter serializes writes to one connection; frame grading runs
// concurrently and completions arrive from several goroutines.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	websocketMessagesTotal.WithLabelValues("sent").Inc()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// gradeStreamHandler serves the camera capture stream: each text message is
// one frame, each frame gets a completion or error message tagged with its
// request id.
func (s *Server) gradeStreamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("failed to upgrade connection", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	websocketConnections.Inc()
	defer websocketConnections.Dec()

	s.log.Info("grading stream connected", "remote_addr", r.RemoteAddr)
	s.handleGradeStream(r.Context(), conn)
}

func (s *Server) handleGradeStream(ctx context.Context, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	writer := &wsWriter{conn: conn}
	var frames sync.WaitGroup
	defer frames.Wait()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Error("grading stream error", "error", err)
			}
			return
		}
		websocketMessagesTotal.WithLabelValues("received").Inc()

		if messageType != websocket.TextMessage {
			continue
		}

		var req GradeStreamRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = writer.writeJSON(GradeStreamResponse{
				Type:      "grade_response",
				Status:    "error",
				ErrorType: "invalid_request",
				Error:     "Failed to parse request: " + err.Error(),
			})
			continue
		}
		if req.RequestID == "" {
			req.RequestID = uuid.NewString()
		}

		// Frames grade concurrently; the request id ties each completion
		// back to its frame.
		frames.Add(1)
		go func(req GradeStreamRequest) {
			defer frames.Done()
			s.processStreamFrame(ctx, writer, req)
		}(req)
	}
}

func (s *Server) processStreamFrame(ctx context.Context, writer *wsWriter, req GradeStreamRequest) {
	fail := func(errType, msg string) {
		_ = writer.writeJSON(GradeStreamResponse{
			Type:      "grade_response",
			Status:    "error",
			RequestID: req.RequestID,
			ErrorType: errType,
			Error:     msg,
		})
	}

	if req.Image == "" {
		fail("invalid_request", "No image data provided")
		return
	}

	_ = writer.writeJSON(GradeStreamResponse{
		Type:      "grade_response",
		Status:    "processing",
		RequestID: req.RequestID,
	})

	raw, err := preprocess.DecodeDataURL(req.Image)
	if err != nil {
		fail("invalid_request", "Invalid image encoding")
		return
	}
	img, err := preprocess.Decode(raw)
	if err != nil {
		fail("invalid_request", "Invalid image format")
		return
	}

	start := time.Now()
	result, err := s.pipeline.GradeImage(ctx, img)
	if err != nil {
		gradeRequestsTotal.WithLabelValues("stream", "error").Inc()
		fail("processing_error", "Grading failed: "+err.Error())
		return
	}
	gradeRequestsTotal.WithLabelValues("stream", "success").Inc()
	gradeDuration.WithLabelValues("stream").Observe(time.Since(start).Seconds())

	_ = writer.writeJSON(GradeStreamResponse{
		Type:      "grade_response",
		Status:    "completed",
		RequestID: req.RequestID,
		Result:    result,
	})
}
