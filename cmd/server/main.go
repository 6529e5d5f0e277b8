package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Brownie44l1/caffe-mobile/internal/config"
	"github.com/Brownie44l1/caffe-mobile/internal/handlers"
	"github.com/Brownie44l1/caffe-mobile/internal/logging"
	"github.com/Brownie44l1/caffe-mobile/internal/metrics"
	"github.com/Brownie44l1/caffe-mobile/internal/model"
	"github.com/Brownie44l1/caffe-mobile/internal/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	os.Exit(serve())
}

func serve() int {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if cfg.CaptureStderr {
		rd, err := logging.NewRedirector(logger, "stderr")
		if err != nil {
			logger.Fatal("failed to start stderr redirector", zap.Error(err))
		}
		defer rd.Close()
		if err := rd.CaptureStderr(); err != nil {
			logger.Warn("stderr capture unavailable", zap.Error(err))
		}
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return 1
	}
	return 0
}

func run(cfg *config.Config, logger *zap.Logger) error {
	collector := metrics.New()
	sess := session.New(
		session.WithLoader(model.NewONNXLoader(model.ONNXOptions{
			LibraryPath:    cfg.ORTLibraryPath,
			IntraOpThreads: cfg.IntraOpThreads,
		})),
		session.WithLogger(logger.Named("session")),
		session.WithObserver(collector),
		session.WithDecodeWorkers(cfg.DecodeWorkers),
		session.WithDebugRows(cfg.DebugRows),
	)
	defer sess.Close()

	if cfg.TopologyPath != "" && cfg.WeightsPath != "" {
		topology, weights := resolve(cfg.TopologyPath), resolve(cfg.WeightsPath)
		logger.Info("loading model", zap.String("topology", topology), zap.String("weights", weights))
		if err := sess.LoadModel(topology, weights); err != nil {
			// The API can still load a model later.
			logger.Warn("startup model not loaded", zap.Error(err))
		} else if t := sess.Topology(); len(t.Classes) > 0 {
			logger.Info("classes", zap.Strings("classes", t.Classes))
		}
	}

	gin.SetMode(gin.ReleaseMode)
	handler := handlers.NewHandler(sess, logger.Named("http"), handlers.Options{
		MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
		DefaultTopK:    cfg.DefaultTopK,
		Metrics:        collector.Handler(),
	})

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: handler.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// resolve makes relative model paths relative to the project root, even
// when running from cmd/server.
func resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	wd, err := os.Getwd()
	if err != nil {
		return path
	}
	if filepath.Base(wd) == "server" {
		wd = filepath.Join(wd, "../..")
	}
	return filepath.Join(wd, path)
}
