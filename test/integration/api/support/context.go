// Package support holds the state and step definitions for the grading API
// integration suite.
package support

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/tandanlab/tandan/internal/auth"
	"github.com/tandanlab/tandan/internal/classifier"
	"github.com/tandanlab/tandan/internal/detector"
	"github.com/tandanlab/tandan/internal/history"
	"github.com/tandanlab/tandan/internal/pipeline"
	"github.com/tandanlab/tandan/internal/server"
	"github.com/tandanlab/tandan/internal/testutil"
)

// TestContext holds the state for one scenario.
type TestContext struct {
	TempDir string

	HTTPServer *httptest.Server
	History    *history.MemoryStore
	Accounts   *auth.Service
	Pipeline   *pipeline.Pipeline

	// HTTP response state
	LastStatusCode int
	LastBody       string
	LastHeaders    http.Header
}

// NewTestContext creates a fresh context with a temp working directory.
func NewTestContext() (*TestContext, error) {
	tempDir, err := os.MkdirTemp("", "tandan-integration-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &TestContext{TempDir: tempDir}, nil
}

// StartServer brings up an in-process grading server. The detection and
// classification models are replaced with fakes producing count bunches of
// the given label per frame.
func (testCtx *TestContext) StartServer(count int, label string) error {
	detections := make([]detector.Detection, count)
	for i := range detections {
		offset := 0.1 + 0.15*float64(i)
		detections[i] = testutil.BunchAt(0.9, offset, offset, offset+0.1, offset+0.1)
	}

	results := []classifier.Result{testutil.RipeResult(label, classifier.DefaultLabels)}
	if count == 0 {
		results = nil
	}

	p, err := pipeline.NewBuilder().
		WithDetector(&testutil.FakeDetector{Detections: detections}).
		WithClassifier(&testutil.FakeClassifier{Results: results}).
		Build(context.Background())
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	testCtx.Pipeline = p

	testCtx.History = history.NewMemoryStore()

	accounts, err := auth.Open(filepath.Join(testCtx.TempDir, "users.db"), slog.Default())
	if err != nil {
		return fmt.Errorf("failed to open users database: %w", err)
	}
	testCtx.Accounts = accounts

	srv, err := server.NewServer(server.Config{
		Pipeline: p,
		History:  testCtx.History,
		Auth:     accounts,
		Status:   p,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	testCtx.HTTPServer = httptest.NewServer(mux)
	return nil
}

// Cleanup tears down the scenario state.
func (testCtx *TestContext) Cleanup() error {
	if testCtx.HTTPServer != nil {
		testCtx.HTTPServer.Close()
		testCtx.HTTPServer = nil
	}
	if testCtx.Pipeline != nil {
		_ = testCtx.Pipeline.Close()
		testCtx.Pipeline = nil
	}
	if testCtx.Accounts != nil {
		_ = testCtx.Accounts.Close()
		testCtx.Accounts = nil
	}
	if testCtx.TempDir != "" {
		if err := os.RemoveAll(testCtx.TempDir); err != nil {
			return fmt.Errorf("failed to remove temp dir: %w", err)
		}
		testCtx.TempDir = ""
	}
	return nil
}
