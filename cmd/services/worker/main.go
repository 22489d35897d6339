// Package main runs the notification workers and the billing lifecycle scheduler
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/api/server"
	"github.com/saas-invoice/saas-invoice/internal/platform/config"
	"github.com/saas-invoice/saas-invoice/internal/platform/container"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
)

func main() {
	cfg, err := config.Load("worker")
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log := logger.New(cfg.Logger)
	log.Info("Starting billing worker", "version", cfg.Version, "workers", cfg.Queue.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := container.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to build dependencies", "error", err)
	}
	if c.Redis == nil {
		log.Warn("Redis is disabled; this worker only sees tasks queued in its own process")
	}

	scheduler, err := c.Scheduler()
	if err != nil {
		log.Fatal("failed to create scheduler", "error", err)
	}

	// Probes and metrics only
	srv := server.New(
		server.WithConfig(cfg.HTTP),
		server.WithLogger(log),
		server.WithHealth(c.Health),
		server.WithMetrics(c.Metrics),
	)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("probe server error", "error", err)
		}
	}()

	c.Pool.Start(ctx)
	scheduler.Start()

	<-ctx.Done()
	log.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.Error("scheduler shutdown error", "error", err)
	}
	c.Pool.Stop(20 * time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("probe server shutdown error", "error", err)
	}
	if err := c.Close(shutdownCtx); err != nil {
		log.Error("failed to release resources", "error", err)
	}

	log.Info("Billing worker stopped")
}
