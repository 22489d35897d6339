// Package container builds the long-lived dependencies of a service process
package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	authservice "github.com/saas-invoice/saas-invoice/internal/auth/app/service"
	authmodel "github.com/saas-invoice/saas-invoice/internal/auth/domain/model"
	authrepo "github.com/saas-invoice/saas-invoice/internal/auth/domain/repository"
	"github.com/saas-invoice/saas-invoice/internal/billing/adapters/payment"
	"github.com/saas-invoice/saas-invoice/internal/billing/adapters/pdf"
	"github.com/saas-invoice/saas-invoice/internal/billing/app/service"
	notifyservice "github.com/saas-invoice/saas-invoice/internal/notification/app/service"
	"github.com/saas-invoice/saas-invoice/internal/platform/cache"
	"github.com/saas-invoice/saas-invoice/internal/platform/config"
	"github.com/saas-invoice/saas-invoice/internal/platform/database"
	"github.com/saas-invoice/saas-invoice/internal/platform/health"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
	"github.com/saas-invoice/saas-invoice/internal/platform/metrics"
	"github.com/saas-invoice/saas-invoice/internal/platform/middleware"
	"github.com/saas-invoice/saas-invoice/internal/platform/queue"
	"github.com/saas-invoice/saas-invoice/internal/platform/resilience"
	"github.com/saas-invoice/saas-invoice/internal/platform/telemetry"
	"github.com/saas-invoice/saas-invoice/internal/schedule"
	"github.com/saas-invoice/saas-invoice/internal/shared/events"
)

// Container holds everything a service process needs. DB is nil in memory
// mode and Redis and Cache are nil when Redis is disabled.
type Container struct {
	Config    *config.Config
	Logger    logger.Logger
	DB        *database.DB
	Redis     *redis.Client
	Cache     *cache.RedisCache
	Metrics   *metrics.Metrics
	Telemetry *telemetry.Telemetry
	Health    *health.Handler
	Publisher events.Publisher
	Queue     queue.Queue
	Pool      *queue.Pool
	Breakers  *resilience.Registry
	Gateways  *payment.Registry
	Email     *notifyservice.EmailService
	Auth      *authservice.AuthService
	Billing   *service.Billing

	// Users is exposed for seeding
	Users authrepo.UserRepository

	closers []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// New builds the container. Whatever was opened before a failure is closed
// again before the error is returned.
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (*Container, error) {
	if log == nil {
		log = logger.NewNop()
	}
	c := &Container{
		Config:  cfg,
		Logger:  log,
		Metrics: metrics.NewMetrics("saas_invoice"),
		Health:  health.NewHandler(cfg.Service.Name, cfg.Version),
	}
	if err := c.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := c.Close(closeCtx); cerr != nil {
			log.Warn("Cleanup after failed start returned errors", "error", cerr)
		}
		return nil, err
	}
	return c, nil
}

func (c *Container) build(ctx context.Context) error {
	cfg := c.Config

	tel, err := telemetry.New(cfg.Telemetry, cfg.Version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	c.Telemetry = tel
	c.onClose("telemetry", tel.Close)

	if err := c.openDatabase(ctx); err != nil {
		return err
	}
	if err := c.openRedis(ctx); err != nil {
		return err
	}

	c.Publisher, err = newPublisher(cfg.Kafka, c.Logger, c.Metrics)
	if err != nil {
		return fmt.Errorf("event publisher: %w", err)
	}
	c.onClose("publisher", func(context.Context) error { return c.Publisher.Close() })

	c.Queue = c.newQueue()
	c.onClose("queue", func(context.Context) error { return c.Queue.Close() })
	c.Pool = queue.NewPool(c.Queue, queue.PoolConfigFrom(cfg.Queue), c.Logger, c.Metrics)

	documents, err := newDocumentStore(ctx, cfg.Storage, c.Logger)
	if err != nil {
		return fmt.Errorf("document storage: %w", err)
	}

	c.Breakers = newBreakers(cfg.Payments, c.Metrics, c.Logger)
	c.Gateways, err = payment.NewRegistryFromConfig(cfg.Payments, c.Logger)
	if err != nil {
		return fmt.Errorf("payment gateways: %w", err)
	}

	settings, err := service.SettingsFrom(cfg.Billing, cfg.Payments)
	if err != nil {
		return fmt.Errorf("billing settings: %w", err)
	}

	provider, err := newEmailProvider(cfg.Email, c.Logger)
	if err != nil {
		return fmt.Errorf("email provider: %w", err)
	}
	c.Email, err = notifyservice.NewEmailService(provider, notifyservice.EmailConfig{
		FromAddress:  cfg.Email.FromAddress,
		FromName:     cfg.Email.FromName,
		ReplyTo:      cfg.Billing.Company.Email,
		CompanyName:  cfg.Billing.Company.Name,
		CompanyEmail: cfg.Billing.Company.Email,
		CompanyPhone: cfg.Billing.Company.Phone,
	}, c.Metrics, c.Logger)
	if err != nil {
		return fmt.Errorf("email templates: %w", err)
	}
	dispatcher := notifyservice.NewDispatcher(c.Queue)

	repos, users, revocations := c.repositories()
	c.Users = users

	deps := service.Dependencies{
		Renderer:  pdf.NewRenderer(),
		Documents: documents,
		Gateways:  c.Gateways,
		Breakers:  c.Breakers,
	}
	if c.Cache != nil {
		deps.Cache = c.Cache
	}
	c.Billing = service.NewBilling(repos, settings, deps, service.Options{
		Publisher: c.Publisher,
		Notifier:  dispatcher,
		Metrics:   c.Metrics,
		Logger:    c.Logger,
	})

	c.Auth = authservice.NewAuthService(authservice.ConfigFrom(cfg.Auth), users, revocations, authservice.Options{
		Publisher:        c.Publisher,
		Mailer:           dispatcher,
		OnAccountChanged: c.syncCustomer,
		Metrics:          c.Metrics,
		Logger:           c.Logger,
	})

	notifyservice.NewTaskHandlers(c.Billing.Invoices, c.Billing, c.Email, c.Logger).Register(c.Pool)
	return nil
}

// syncCustomer copies a user's name and email onto their billing profile
func (c *Container) syncCustomer(ctx context.Context, user *authmodel.User) error {
	return c.Billing.Customers.SyncAccount(ctx, service.Account{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.FullName(),
	})
}

// UserName resolves a user's display name, or "" when the user is unknown
func (c *Container) UserName(ctx context.Context, userID string) string {
	user, err := c.Auth.GetUser(ctx, userID)
	if err != nil {
		return ""
	}
	return user.FullName()
}

// AuthMiddleware authenticates bearer tokens against the auth service
func (c *Container) AuthMiddleware() *middleware.Auth {
	return middleware.NewAuth(c.Auth, authmodel.RoleCan, c.Logger)
}

// Scheduler builds the lifecycle runner. Runs are serialized through Redis
// when it is enabled.
func (c *Container) Scheduler() (*schedule.Scheduler, error) {
	opts := schedule.Options{
		Tracer:   c.Telemetry,
		Recorder: c.Metrics,
		Logger:   c.Logger,
	}
	if c.Cache != nil {
		opts.Locker = c.Cache
	}
	return schedule.NewBillingScheduler(c.Config.Scheduler, c.Billing.Lifecycle, opts)
}

func (c *Container) onClose(name string, fn func(ctx context.Context) error) {
	c.closers = append(c.closers, closer{name: name, fn: fn})
}

// Close releases resources in reverse order of acquisition
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		cl := c.closers[i]
		if err := cl.fn(ctx); err != nil {
			c.Logger.Warn("Failed to close resource", "resource", cl.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", cl.name, err))
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
