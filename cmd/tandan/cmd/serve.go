package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tandanlab/tandan/internal/auth"
	"github.com/tandanlab/tandan/internal/history"
	"github.com/tandanlab/tandan/internal/pipeline"
	"github.com/tandanlab/tandan/internal/server"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the grading HTTP server",
	Long: `Start an HTTP server exposing the grading pipeline.

The server provides the following endpoints:
  POST /api/model/run    - Grade one base64-encoded image
  POST /api/model/batch  - Grade several images in one request
  GET  /ws/grade         - WebSocket stream for camera frames
  GET  /api/history      - Grading history
  POST /api/auth/login   - Account login
  GET  /health           - Health check endpoint

Examples:
  tandan serve
  tandan serve --port 8080
  tandan serve --host 0.0.0.0 --port 5000 --gpu`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		host := cfg.Server.Host
		if cmd.Flags().Changed("host") {
			host, _ = cmd.Flags().GetString("host")
		}
		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid port number: %d (must be between 1 and 65535)", port)
		}

		pCfg := cfg.Pipeline
		if cmd.Flags().Changed("detector-model") {
			pCfg.Detector.ModelPath, _ = cmd.Flags().GetString("detector-model")
		}
		if cmd.Flags().Changed("classifier-model") {
			pCfg.Classifier.ModelPath, _ = cmd.Flags().GetString("classifier-model")
		}
		if cmd.Flags().Changed("gpu") {
			useGPU, _ := cmd.Flags().GetBool("gpu")
			pCfg.Detector.GPU.UseGPU = useGPU
			pCfg.Classifier.GPU.UseGPU = useGPU
		}

		historyDB := cfg.Storage.HistoryDB
		if cmd.Flags().Changed("history-db") {
			historyDB, _ = cmd.Flags().GetString("history-db")
		}
		usersDB := cfg.Storage.UsersDB
		if cmd.Flags().Changed("users-db") {
			usersDB, _ = cmd.Flags().GetString("users-db")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		slog.Info("Loading grading models",
			"detector", pCfg.Detector.ModelPath,
			"classifier", pCfg.Classifier.ModelPath)

		p, err := pipeline.NewBuilder().
			WithConfig(pCfg).
			Build(ctx)
		if err != nil {
			return fmt.Errorf("failed to build grading pipeline: %w", err)
		}

		var store history.Store
		if historyDB != "" {
			if err := os.MkdirAll(filepath.Dir(historyDB), 0o750); err != nil {
				_ = p.Close()
				return fmt.Errorf("failed to create data directory: %w", err)
			}
			sqlStore, err := history.NewSQLStore(historyDB)
			if err != nil {
				_ = p.Close()
				return fmt.Errorf("failed to open history database: %w", err)
			}
			store = sqlStore
		} else {
			store = history.NewMemoryStore()
		}

		var accounts *auth.Service
		if usersDB != "" {
			if err := os.MkdirAll(filepath.Dir(usersDB), 0o750); err != nil {
				_ = p.Close()
				_ = store.Close()
				return fmt.Errorf("failed to create data directory: %w", err)
			}
			accounts, err = auth.Open(usersDB, slog.Default())
			if err != nil {
				_ = p.Close()
				_ = store.Close()
				return fmt.Errorf("failed to open users database: %w", err)
			}
		}

		serverConfig := server.Config{
			Pipeline:       p,
			History:        store,
			Status:         p,
			Logger:         slog.Default(),
			MaxUploadMB:    int64(cfg.Server.MaxUploadMB),
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RateLimit:      cfg.Server.RateLimit,
		}
		if accounts != nil {
			serverConfig.Auth = accounts
		}

		gradingServer, err := server.NewServer(serverConfig)
		if err != nil {
			return fmt.Errorf("failed to initialize server: %w", err)
		}
		defer func() { _ = gradingServer.Close() }()

		mux := http.NewServeMux()
		gradingServer.SetupRoutes(mux)

		httpServer := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.Server.RequestTimeout,
			WriteTimeout:      cfg.Server.RequestTimeout,
		}

		go func() {
			slog.Info("Starting grading server", "host", host, "port", port)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Server error", "error", err)
				cancel()
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

		select {
		case sig := <-sigChan:
			slog.Info("Received shutdown signal", "signal", sig.String())
		case <-ctx.Done():
			slog.Info("Context cancelled, initiating shutdown")
		}

		slog.Info("Starting graceful shutdown", "timeout", cfg.Server.ShutdownTimeout.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server shutdown completed")
		}

		if err := gradingServer.Close(); err != nil {
			slog.Error("Server cleanup error", "error", err)
		}

		if accounts != nil {
			if err := accounts.Close(); err != nil {
				slog.Error("Users database close error", "error", err)
			}
		}

		slog.Info("Shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "host to bind the server to")
	serveCmd.Flags().IntP("port", "p", 0, "port to run the server on")
	serveCmd.Flags().String("detector-model", "", "path to the bunch detection ONNX model")
	serveCmd.Flags().String("classifier-model", "", "path to the ripeness classification ONNX model")
	serveCmd.Flags().Bool("gpu", false, "run inference on GPU")
	serveCmd.Flags().String("history-db", "", "SQLite file for grading history (empty keeps history in memory)")
	serveCmd.Flags().String("users-db", "", "SQLite file for accounts (empty disables the auth endpoints)")
}
