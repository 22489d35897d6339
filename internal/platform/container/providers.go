package container

import (
	"context"
	"fmt"
	"strings"

	authmemory "github.com/saas-invoice/saas-invoice/internal/auth/adapters/repository/memory"
	authpostgres "github.com/saas-invoice/saas-invoice/internal/auth/adapters/repository/postgres"
	authredis "github.com/saas-invoice/saas-invoice/internal/auth/adapters/repository/redis"
	authrepo "github.com/saas-invoice/saas-invoice/internal/auth/domain/repository"
	billingmemory "github.com/saas-invoice/saas-invoice/internal/billing/adapters/repository/memory"
	billingpostgres "github.com/saas-invoice/saas-invoice/internal/billing/adapters/repository/postgres"
	"github.com/saas-invoice/saas-invoice/internal/billing/app/service"
	"github.com/saas-invoice/saas-invoice/internal/notification/adapters/logmail"
	"github.com/saas-invoice/saas-invoice/internal/notification/adapters/postmark"
	"github.com/saas-invoice/saas-invoice/internal/notification/adapters/smtp"
	notifyservice "github.com/saas-invoice/saas-invoice/internal/notification/app/service"
	"github.com/saas-invoice/saas-invoice/internal/platform/cache"
	"github.com/saas-invoice/saas-invoice/internal/platform/config"
	"github.com/saas-invoice/saas-invoice/internal/platform/database"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
	"github.com/saas-invoice/saas-invoice/internal/platform/messaging/kafka"
	"github.com/saas-invoice/saas-invoice/internal/platform/metrics"
	"github.com/saas-invoice/saas-invoice/internal/platform/queue"
	"github.com/saas-invoice/saas-invoice/internal/platform/resilience"
	"github.com/saas-invoice/saas-invoice/internal/platform/storage"
	"github.com/saas-invoice/saas-invoice/internal/shared/events"
)

const revocationPrefix = "saas-invoice:revoked:"

func (c *Container) openDatabase(ctx context.Context) error {
	if c.Config.Database.InMemory() {
		c.Logger.Warn("Using the in-memory store; data is lost on restart")
		return nil
	}
	db, err := database.New(c.Config.Database)
	if err != nil {
		return err
	}
	c.DB = db
	c.onClose("database", func(context.Context) error { return db.Close() })
	c.Health.AddCheck("database", db.HealthCheck, true)

	if c.Config.Database.AutoMigrate {
		if err := db.Migrate(ctx, c.Logger); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	}
	return nil
}

func (c *Container) openRedis(ctx context.Context) error {
	if !c.Config.Redis.Enabled {
		return nil
	}
	client, err := cache.NewClient(ctx, c.Config.Redis)
	if err != nil {
		return err
	}
	c.Redis = client
	c.Cache = cache.New(client, "saas-invoice:", c.Config.Redis.CacheTTL)
	c.onClose("redis", func(context.Context) error { return c.Cache.Close() })
	c.Health.AddCheck("redis", c.Cache.Health, false)
	return nil
}

// repositories picks the storage backends for both contexts. Revoked tokens
// live in Redis when it is available so every replica sees them.
func (c *Container) repositories() (service.Repositories, authrepo.UserRepository, authrepo.RevocationStore) {
	var (
		repos       service.Repositories
		users       authrepo.UserRepository
		revocations authrepo.RevocationStore
	)
	if c.DB == nil {
		repos = billingmemory.NewStore().Repositories()
		users = authmemory.NewUserRepository()
		revocations = authmemory.NewRevocationStore()
	} else {
		repos = billingpostgres.NewStore(c.DB).Repositories()
		users = authpostgres.NewUserRepository(c.DB)
		revocations = authpostgres.NewRevocationStore(c.DB)
	}
	if c.Redis != nil {
		revocations = authredis.NewRevocationStore(c.Redis, revocationPrefix)
	}
	return repos, users, revocations
}

func (c *Container) newQueue() queue.Queue {
	if c.Redis == nil {
		return queue.NewMemoryQueue(nil)
	}
	return queue.NewRedisQueue(c.Redis, queue.RedisQueueConfig{
		QueueName:         c.Config.Queue.Name,
		VisibilityTimeout: c.Config.Queue.VisibilityTimeout,
	})
}

func newPublisher(cfg config.KafkaConfig, log logger.Logger, m *metrics.Metrics) (events.Publisher, error) {
	return kafka.NewPublisher(kafka.Config{Brokers: cfg.Brokers, Topic: cfg.Topic}, log, m)
}

func newDocumentStore(ctx context.Context, cfg config.StorageConfig, log logger.Logger) (service.DocumentStore, error) {
	if cfg.Enabled {
		return storage.NewS3StoreFromConfig(ctx, cfg, log)
	}
	if cfg.LocalDir == "" {
		return nil, nil
	}
	return storage.NewFileStore(cfg.LocalDir, log)
}

func newEmailProvider(cfg config.EmailConfig, log logger.Logger) (notifyservice.EmailProvider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "smtp":
		return smtp.NewSMTPProvider(smtp.ConfigFrom(cfg)), nil
	case "postmark":
		return postmark.NewProvider(cfg.PostmarkServerToken, cfg.PostmarkAccountToken)
	case "", "log":
		return logmail.NewProvider(log), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
}

func newBreakers(cfg config.PaymentsConfig, m *metrics.Metrics, log logger.Logger) *resilience.Registry {
	base := resilience.DefaultConfig("payments")
	if cfg.CircuitMaxFailures > 0 {
		base.MaxFailures = cfg.CircuitMaxFailures
	}
	if cfg.CircuitOpenTimeout > 0 {
		base.OpenFor = cfg.CircuitOpenTimeout
	}
	if cfg.CircuitHalfOpenSuccess > 0 {
		base.HalfOpenSuccesses = cfg.CircuitHalfOpenSuccess
	}
	base.OnStateChange = func(name string, from, to resilience.State) {
		log.Warn("Payment circuit changed state", "provider", name, "from", from.String(), "to", to.String())
		m.BreakerChanged(name, int(to))
	}
	return resilience.NewRegistry(base)
}
