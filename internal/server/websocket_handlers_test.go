package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialGradeStream(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/grade"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readStreamResponse(t *testing.T, conn *websocket.Conn) GradeStreamResponse {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp GradeStreamResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, "grade_response", resp.Type)
	return resp
}

func TestGradeStreamCompletesFrame(t *testing.T) {
	s := newTestServer(t, Config{})
	conn := dialGradeStream(t, s)

	req := GradeStreamRequest{RequestID: "frame-1", Image: pngDataURL(t)}
	require.NoError(t, conn.WriteJSON(req))

	processing := readStreamResponse(t, conn)
	assert.Equal(t, "processing", processing.Status)
	assert.Equal(t, "frame-1", processing.RequestID)

	completed := readStreamResponse(t, conn)
	assert.Equal(t, "completed", completed.Status)
	assert.Equal(t, "frame-1", completed.RequestID)
	require.NotNil(t, completed.Result)
	assert.Equal(t, "ripe", completed.Result.Label)
}

func TestGradeStreamAssignsRequestID(t *testing.T) {
	s := newTestServer(t, Config{})
	conn := dialGradeStream(t, s)

	require.NoError(t, conn.WriteJSON(GradeStreamRequest{Image: pngDataURL(t)}))

	processing := readStreamResponse(t, conn)
	assert.Equal(t, "processing", processing.Status)
	assert.NotEmpty(t, processing.RequestID)

	completed := readStreamResponse(t, conn)
	assert.Equal(t, "completed", completed.Status)
	assert.Equal(t, processing.RequestID, completed.RequestID)
}

func TestGradeStreamErrors(t *testing.T) {
	s := newTestServer(t, Config{})
	conn := dialGradeStream(t, s)

	t.Run("missing image", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(GradeStreamRequest{RequestID: "empty"}))

		resp := readStreamResponse(t, conn)
		assert.Equal(t, "error", resp.Status)
		assert.Equal(t, "empty", resp.RequestID)
		assert.Equal(t, "invalid_request", resp.ErrorType)
	})

	t.Run("bad encoding", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(GradeStreamRequest{RequestID: "bad", Image: "!!!"}))

		resp := readStreamResponse(t, conn)
		assert.Equal(t, "error", resp.Status)
		assert.Equal(t, "bad", resp.RequestID)
		assert.Equal(t, "invalid_request", resp.ErrorType)
	})

	t.Run("unparseable message", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not-json")))

		resp := readStreamResponse(t, conn)
		assert.Equal(t, "error", resp.Status)
		assert.Equal(t, "invalid_request", resp.ErrorType)
	})
}

func TestGradeStreamGradingFailure(t *testing.T) {
	s := newTestServer(t, Config{Pipeline: &fakePipeline{err: errors.New("model offline")}})
	conn := dialGradeStream(t, s)

	require.NoError(t, conn.WriteJSON(GradeStreamRequest{RequestID: "f", Image: pngDataURL(t)}))

	processing := readStreamResponse(t, conn)
	assert.Equal(t, "processing", processing.Status)

	failed := readStreamResponse(t, conn)
	assert.Equal(t, "error", failed.Status)
	assert.Equal(t, "processing_error", failed.ErrorType)
	assert.Contains(t, failed.Error, "model offline")
}
