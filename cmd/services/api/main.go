// Package main runs the billing API
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/api/server"
	authhandlers "github.com/saas-invoice/saas-invoice/internal/auth/adapters/http/handlers"
	billinghandlers "github.com/saas-invoice/saas-invoice/internal/billing/adapters/http/handlers"
	"github.com/saas-invoice/saas-invoice/internal/platform/config"
	"github.com/saas-invoice/saas-invoice/internal/platform/container"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
	"github.com/saas-invoice/saas-invoice/internal/platform/middleware"
	"github.com/saas-invoice/saas-invoice/internal/schedule"
)

func main() {
	cfg, err := config.Load("api")
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log := logger.New(cfg.Logger)
	log.Info("Starting billing API", "version", cfg.Version, "port", cfg.HTTP.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := container.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to build dependencies", "error", err)
	}

	auth := c.AuthMiddleware()
	limiter := middleware.NewRateLimiter(cfg.HTTP.AuthRateLimit)
	defer limiter.Stop()

	srv := server.New(
		server.WithConfig(cfg.HTTP),
		server.WithLogger(log),
		server.WithHealth(c.Health),
		server.WithMetrics(c.Metrics),
		server.WithTelemetry(c.Telemetry),
		server.WithRoutes(
			authhandlers.NewAuthHandler(c.Auth, auth, limiter.Middleware, log),
			billinghandlers.NewBillingHandler(c.Billing, auth, c.UserName, log),
		),
	)

	// The in-memory queue is only visible to this process, so its workers
	// must run here.
	runWorkers := cfg.Scheduler.Embedded || c.Redis == nil
	if runWorkers {
		c.Pool.Start(ctx)
	}

	var scheduler *schedule.Scheduler
	if cfg.Scheduler.Embedded {
		scheduler, err = c.Scheduler()
		if err != nil {
			log.Fatal("failed to create scheduler", "error", err)
		}
		scheduler.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Error("server error", "error", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			log.Error("scheduler shutdown error", "error", err)
		}
	}
	if runWorkers {
		c.Pool.Stop(20 * time.Second)
	}
	if err := c.Close(shutdownCtx); err != nil {
		log.Error("failed to release resources", "error", err)
	}

	log.Info("Billing API stopped gracefully")
}
