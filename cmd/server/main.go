package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/Brownie44l1/blight-api/internal/config"
	"github.com/Brownie44l1/blight-api/internal/handlers"
	"github.com/Brownie44l1/blight-api/internal/imaging"
	"github.com/Brownie44l1/blight-api/internal/logging"
	"github.com/Brownie44l1/blight-api/internal/metrics"
	"github.com/Brownie44l1/blight-api/internal/model"
	"github.com/Brownie44l1/blight-api/internal/pipeline"
	"github.com/Brownie44l1/blight-api/internal/serving"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	predictor, closePredictor, err := newPredictor(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePredictor()

	collector := metrics.New()
	decoder := imaging.Decoder{ResizeWidth: cfg.Image.ResizeWidth, ResizeHeight: cfg.Image.ResizeHeight}
	classifier := pipeline.New(decoder, predictor, cfg.Classes, collector, logger)
	handler := handlers.NewHandler(classifier, cfg.Server.MaxUploadBytes, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handlers.NewRouter(handler, cfg.CORS.AllowedOrigins, collector),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	logger.Info("server starting",
		"addr", cfg.Server.Addr,
		"backend", cfg.Backend.Kind,
		"classes", cfg.Classes,
		"allowed_origins", cfg.CORS.AllowedOrigins,
	)
	logger.Info("endpoints",
		"GET /", "liveness",
		"GET /health", "health check",
		"POST /predict", "classify the multipart upload in field 'file'",
		"GET /metrics", "prometheus metrics",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newPredictor builds the backend selected by cfg.Backend.Kind and the
// function releasing it.
func newPredictor(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pipeline.Predictor, func(), error) {
	switch cfg.Backend.Kind {
	case config.BackendONNX:
		onnx := cfg.Backend.ONNX
		server, err := model.NewServer(model.ServerConfig{
			ModelPath:   onnx.ModelPath,
			LibraryPath: onnx.LibraryPath,
			InputName:   onnx.InputName,
			OutputName:  onnx.OutputName,
			InputShape:  []int64{1, int64(cfg.Image.ResizeHeight), int64(cfg.Image.ResizeWidth), int64(onnx.Channels)},
			Classes:     cfg.Classes,
		})
		if err != nil {
			return nil, nil, errors.Wrap(err, "initialize onnx backend")
		}
		logger.Info("onnx model loaded", "model", onnx.ModelPath)
		return server, server.Close, nil

	default:
		client := serving.NewClient(serving.Config{
			URL:        cfg.Backend.URL,
			Timeout:    cfg.Backend.Timeout,
			MaxRetries: cfg.Backend.MaxRetries,
			Deadline:   cfg.Backend.Deadline,
		}, nil, logger)

		readyCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ready(readyCtx); err != nil {
			logger.Warn("prediction backend not available yet", "url", cfg.Backend.URL, "err", err)
		}
		return client, func() {}, nil
	}
}
