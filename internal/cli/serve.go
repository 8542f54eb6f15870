package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/detect-api/internal/annotate"
	"github.com/Brownie44l1/detect-api/internal/handlers"
	"github.com/Brownie44l1/detect-api/internal/logger"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the detection HTTP service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		log, err := logger.New(cfg.LogDirectory)
		if err != nil {
			return err
		}
		defer log.Close()

		log.Info("Loading model from: %s", cfg.ModelPath)
		detector, closeDetector, err := newDetector(cfg, log)
		if err != nil {
			return fmt.Errorf("failed to initialize detector: %w", err)
		}
		defer closeDetector()

		handler := handlers.NewHandler(detector, annotate.NewDrawer(cfg.FontPath), log, handlers.Settings{
			MaxUploadBytes: cfg.MaxUploadBytes(),
			MaxPixels:      cfg.MaxPixels,
			Backend:        cfg.Backend,
			Classes:        len(detector.Classes()),
			Workers:        detector.Workers(),
		})

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		log.Info("Server starting on port %d", cfg.Port)
		log.Info("Endpoints: GET /health, POST /detect, POST /detect/annotated, GET /detect/stream (websocket)")
		log.Info("Upload test: curl -X POST -F \"file=@image.jpg\" http://localhost:%d/detect", cfg.Port)

		return serve(cmd.Context(), server, log)
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (env PORT)")
}

// serve runs server until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, server *http.Server, log *logger.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
