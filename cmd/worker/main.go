package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/deadline-sync/internal/app"
	"github.com/jwalitptl/deadline-sync/internal/config"
	"github.com/jwalitptl/deadline-sync/pkg/logger"
	"github.com/jwalitptl/deadline-sync/pkg/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewLogger(nil).Fatal(err, "Failed to load config")
	}

	log := logger.NewLogger(cfg.Logging.LoggerConfig()).WithFields(map[string]interface{}{"component": "worker"})
	gin.SetMode(cfg.Server.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, nil)
	if err != nil {
		log.Fatal(err, "Failed to initialize application")
	}
	defer a.Close()

	// Setup health check endpoints
	health := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HealthPort),
		Handler:           a.HealthRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "Health check server failed")
			stop()
		}
	}()

	runner := worker.NewRunner(log, a.Metrics, a.Jobs()...)
	runner.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := health.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Health check server shutdown failed")
	}
	log.Info("Worker stopped")
}
