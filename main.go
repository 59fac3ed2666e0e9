// ffedit/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ffedit/api"
	"ffedit/config"
	"ffedit/export"
	"ffedit/ffmpeg"
	"ffedit/progress"
	"ffedit/task"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	log := config.NewLogger(cfg)
	if log.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	// 2. External tools
	runner, err := ffmpeg.NewRunner(cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize ffmpeg runner: %v", err)
	}
	prober := ffmpeg.NewProber(cfg.FFProbeBin)

	// 3. Job store, progress hub and the exporter that drives them
	var exp *export.Exporter
	store := task.NewStore(task.Options{
		TTL:             cfg.OutputLocalLifetime,
		CleanupInterval: cfg.CleanupInterval,
		Logger:          log,
		OnRemove:        func(j task.Job) { exp.RemoveArtifacts(j) },
	})
	hub := progress.NewHub(cfg.ProgressBuffer)
	exp = export.New(cfg, store, hub, prober, runner, log)

	// 4. Router and server
	router := api.SetupRouter(api.NewHandler(exp, store, hub, cfg, log))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("port", cfg.Port).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return exp.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Errorf("Server exited with error: %v", err)
		os.Exit(1)
	}
	log.Info("Server exiting")
}
