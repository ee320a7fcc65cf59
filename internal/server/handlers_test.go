package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandanlab/tandan/internal/auth"
	"github.com/tandanlab/tandan/internal/history"
	"github.com/tandanlab/tandan/internal/pipeline"
)

type fakePipeline struct {
	result *pipeline.Result
	err    error
}

func (f *fakePipeline) GradeImage(_ context.Context, img image.Image) (*pipeline.Result, error) {
	if img == nil {
		return nil, errors.New("input image is nil")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakePipeline) GradeImages(ctx context.Context, imgs []image.Image) []pipeline.ImageResult {
	out := make([]pipeline.ImageResult, len(imgs))
	for i, img := range imgs {
		res, err := f.GradeImage(ctx, img)
		out[i] = pipeline.ImageResult{Index: i, Result: res, Err: err}
	}
	return out
}

func (f *fakePipeline) Close() error { return nil }

type fakeStatus struct{ det, cls bool }

func (f fakeStatus) DetectorReady() bool   { return f.det }
func (f fakeStatus) ClassifierReady() bool { return f.cls }

type fakeAuth struct {
	users map[string]string // username -> password
}

func (f *fakeAuth) Register(_ context.Context, username, password, _ string) (int64, error) {
	if _, ok := f.users[username]; ok {
		return 0, auth.ErrUsernameTaken
	}
	f.users[username] = password
	return int64(len(f.users)), nil
}

func (f *fakeAuth) Verify(_ context.Context, username, password string) (*auth.User, error) {
	if pw, ok := f.users[username]; ok && pw == password {
		return &auth.User{ID: 1, Username: username, Role: auth.RoleUser}, nil
	}
	return nil, auth.ErrInvalidCredentials
}

func gradedResult() *pipeline.Result {
	return &pipeline.Result{
		Bunches: []pipeline.Bunch{{
			Confidence:               0.9,
			Classification:           "ripe",
			ClassificationConfidence: 0.95,
		}},
		TotalBunches:           1,
		ClassificationSummary:  map[string]int{"ripe": 1},
		DominantClassification: "ripe",
		HasBunches:             true,
		Label:                  "ripe",
		InferenceTime:          12,
		Predictions:            []float64{0, 1, 0},
		TopClass:               1,
		Confidence:             1.0,
	}
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Pipeline == nil {
		cfg.Pipeline = &fakePipeline{result: gradedResult()}
	}
	if cfg.Status == nil {
		cfg.Status = fakeStatus{det: true, cls: true}
	}
	s, err := NewServer(cfg)
	require.NoError(t, err)
	return s
}

func serveRequest(s *Server, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func pngDataURL(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 120, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t, Config{})

	rec := serveRequest(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.True(t, resp.DetectionModelLoaded)
	assert.True(t, resp.ClassificationModelLoaded)
}

func TestModelStatusHandler(t *testing.T) {
	t.Run("loaded", func(t *testing.T) {
		s := newTestServer(t, Config{})
		rec := serveRequest(s, httptest.NewRequest(http.MethodGet, "/api/model/status", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ModelStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Loaded)
	})

	t.Run("not loaded", func(t *testing.T) {
		s := newTestServer(t, Config{Status: fakeStatus{det: true, cls: false}})
		rec := serveRequest(s, httptest.NewRequest(http.MethodGet, "/api/model/status", nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp ModelStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Loaded)
	})
}

func TestRunHandler(t *testing.T) {
	store := history.NewMemoryStore()
	s := newTestServer(t, Config{History: store})

	body, err := json.Marshal(RunRequest{Image: pngDataURL(t)})
	require.NoError(t, err)

	rec := serveRequest(s, httptest.NewRequest(http.MethodPost, "/api/model/run", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Output)
	assert.Equal(t, 1, resp.Output.TotalBunches)
	assert.Equal(t, "ripe", resp.Output.Label)
	assert.True(t, resp.Saved)
	require.NotNil(t, resp.HistoryID)

	// The grading outcome landed in history.
	records, err := store.List(context.Background(), history.Query{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ripe", records[0].Label)
}

func TestRunHandlerValidation(t *testing.T) {
	s := newTestServer(t, Config{})

	t.Run("missing image", func(t *testing.T) {
		rec := serveRequest(s, httptest.NewRequest(http.MethodPost, "/api/model/run",
			strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad json", func(t *testing.T) {
		rec := serveRequest(s, httptest.NewRequest(http.MethodPost, "/api/model/run",
			strings.NewReader(`not-json`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad base64", func(t *testing.T) {
		rec := serveRequest(s, httptest.NewRequest(http.MethodPost, "/api/model/run",
			strings.NewReader(`{"image":"!!!"}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("undecodable image", func(t *testing.T) {
		payload := base64.StdEncoding.EncodeToString([]byte("not an image"))
		rec := serveRequest(s, httptest.NewRequest(http.MethodPost, "/api/model/run",
			strings.NewReader(`{"image":"`+payload+`"}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := serveRequest(s, httptest.NewRequest(http.MethodGet, "/api/model/run", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestRunHandlerModelsNotLoaded(t *testing.T) {
	s := newTestServer(t, Config{Status: fakeStatus{det: false, cls: false}})

	body, _ := json.Marshal(RunRequest{Image: pngDataURL(t)})
	rec := serveRequest(s, httptest.NewRequest(http.MethodPost, "/api/model/run", bytes.NewReader(body)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRunHandlerSaveFailureStillSucceeds(t *testing.T) {
	// No history store configured: grading still works, saved stays false.
	s := newTestServer(t, Config{})

	body, _ := json.Marshal(RunRequest{Image: pngDataURL(t)})
	rec := serveRequest(s, httptest.NewRequest(http.MethodPost, "/api/model/run", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.False(t, resp.Saved)
	assert.Nil(t, resp.HistoryID)
}

func TestBatchHandler(t *testing.T) {
	s := newTestServer(t, Config{})

	good := pngDataURL(t)
	body, err := json.Marshal(BatchRequest{Images: []string{good, "!!!", good}})
	require.NoError(t, err)

	rec := serveRequest(s, httptest.NewRequest(http.MethodPost, "/api/model/batch", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.Len(t, resp.Results, 3)
	assert.NotNil(t, resp.Results[0].Output)
	assert.NotEmpty(t, resp.Results[1].Error)
	assert.Nil(t, resp.Results[1].Output)
	assert.NotNil(t, resp.Results[2].Output)
}

func TestBatchHandlerLimits(t *testing.T) {
	s := newTestServer(t, Config{})

	t.Run("empty", func(t *testing.T) {
		rec := serveRequest(s, httptest.NewRequest(http.MethodPost, "/api/model/batch",
			strings.NewReader(`{"images":[]}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("too many", func(t *testing.T) {
		imgs := make([]string, maxBatchSize+1)
		body, _ := json.Marshal(BatchRequest{Images: imgs})
		rec := serveRequest(s, httptest.NewRequest(http.MethodPost, "/api/model/batch", bytes.NewReader(body)))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestHistoryHandler(t *testing.T) {
	store := history.NewMemoryStore()
	uid := int64(7)
	_, err := store.Save(context.Background(), &history.Record{Label: "ripe", UserID: &uid})
	require.NoError(t, err)
	_, err = store.Save(context.Background(), &history.Record{Label: "unripe"})
	require.NoError(t, err)

	s := newTestServer(t, Config{History: store})

	t.Run("list all", func(t *testing.T) {
		rec := serveRequest(s, httptest.NewRequest(http.MethodGet, "/api/history", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp HistoryResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, 2, resp.Count)
	})

	t.Run("filter by user", func(t *testing.T) {
		rec := serveRequest(s, httptest.NewRequest(http.MethodGet, "/api/history?user_id=7", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp HistoryResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count)
		assert.Equal(t, "ripe", resp.Records[0].Label)
	})

	t.Run("invalid limit", func(t *testing.T) {
		rec := serveRequest(s, httptest.NewRequest(http.MethodGet, "/api/history?limit=abc", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("clear", func(t *testing.T) {
		rec := serveRequest(s, httptest.NewRequest(http.MethodDelete, "/api/history", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		records, err := store.List(context.Background(), history.Query{})
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestHistoryItemDelete(t *testing.T) {
	store := history.NewMemoryStore()
	id, err := store.Save(context.Background(), &history.Record{Label: "ripe"})
	require.NoError(t, err)

	s := newTestServer(t, Config{History: store})

	rec := serveRequest(s, httptest.NewRequest(http.MethodDelete, "/api/history/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.ErrorIs(t, store.Delete(context.Background(), id), history.ErrNotFound)

	rec = serveRequest(s, httptest.NewRequest(http.MethodDelete, "/api/history/999", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serveRequest(s, httptest.NewRequest(http.MethodDelete, "/api/history/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthHandlers(t *testing.T) {
	fa := &fakeAuth{users: map[string]string{}}
	s := newTestServer(t, Config{Auth: fa})

	t.Run("register", func(t *testing.T) {
		rec := serveRequest(s, httptest.NewRequest(http.MethodPost, "/api/auth/register",
			strings.NewReader(`{"username":"farmer","password":"pw"}`)))
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("register duplicate", func(t *testing.T) {
		rec := serveRequest(s, httptest.NewRequest(http.MethodPost, "/api/auth/register",
			strings.NewReader(`{"username":"farmer","password":"pw"}`)))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("login ok", func(t *testing.T) {
		rec := serveRequest(s, httptest.NewRequest(http.MethodPost, "/api/auth/login",
			strings.NewReader(`{"username":"farmer","password":"pw"}`)))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("login bad password", func(t *testing.T) {
		rec := serveRequest(s, httptest.NewRequest(http.MethodPost, "/api/auth/login",
			strings.NewReader(`{"username":"farmer","password":"nope"}`)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		rec := serveRequest(s, httptest.NewRequest(http.MethodPost, "/api/auth/login",
			strings.NewReader(`{"username":"farmer"}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAuthDisabled(t *testing.T) {
	s := newTestServer(t, Config{})

	rec := serveRequest(s, httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"username":"a","password":"b"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSHeaders(t *testing.T) {
	s := newTestServer(t, Config{AllowedOrigins: []string{"https://app.example.com"}})

	rec := serveRequest(s, httptest.NewRequest(http.MethodOptions, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestGradingErrorReturns500(t *testing.T) {
	s := newTestServer(t, Config{Pipeline: &fakePipeline{err: errors.New("engine terminated")}})

	body, _ := json.Marshal(RunRequest{Image: pngDataURL(t)})
	rec := serveRequest(s, httptest.NewRequest(http.MethodPost, "/api/model/run", bytes.NewReader(body)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRateLimiting(t *testing.T) {
	s := newTestServer(t, Config{RateLimit: 2})

	body, _ := json.Marshal(RunRequest{Image: pngDataURL(t)})
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/model/run", bytes.NewReader(body))
		req.RemoteAddr = "10.0.0.1:1234"
		rec := serveRequest(s, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/model/run", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.1:1234"
	rec := serveRequest(s, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// A different client is unaffected.
	req = httptest.NewRequest(http.MethodPost, "/api/model/run", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.2:1234"
	rec = serveRequest(s, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
