package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config holds all configuration for a service
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Payments  PaymentsConfig  `mapstructure:"payments"`
	Email     EmailConfig     `mapstructure:"email"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Version   string          `mapstructure:"version"`
}

// ServiceConfig holds service-specific configuration
type ServiceConfig struct {
	Name        string `mapstructure:"name" envconfig:"SERVICE_NAME"`
	Environment string `mapstructure:"environment" envconfig:"ENVIRONMENT"`
}

// IsProduction reports whether the service runs in production mode
func (c ServiceConfig) IsProduction() bool {
	return c.Environment == "production"
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port           int           `mapstructure:"port" envconfig:"HTTP_PORT"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" envconfig:"HTTP_READ_TIMEOUT"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" envconfig:"HTTP_IDLE_TIMEOUT"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" envconfig:"HTTP_ALLOWED_ORIGINS"`
	BaseURL        string        `mapstructure:"base_url" envconfig:"HTTP_BASE_URL"`
	// AuthRateLimit is the per-IP budget of the credential endpoints, per minute
	AuthRateLimit int `mapstructure:"auth_rate_limit" envconfig:"HTTP_AUTH_RATE_LIMIT"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" envconfig:"DB_DRIVER"`
	Host            string        `mapstructure:"host" envconfig:"DB_HOST"`
	Port            int           `mapstructure:"port" envconfig:"DB_PORT"`
	User            string        `mapstructure:"user" envconfig:"DB_USER"`
	Password        string        `mapstructure:"password" envconfig:"DB_PASSWORD"`
	Database        string        `mapstructure:"database" envconfig:"DB_NAME"`
	SSLMode         string        `mapstructure:"ssl_mode" envconfig:"DB_SSL_MODE"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" envconfig:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" envconfig:"DB_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" envconfig:"DB_CONN_MAX_IDLE_TIME"`
	AutoMigrate     bool          `mapstructure:"auto_migrate" envconfig:"DB_AUTO_MIGRATE"`
}

// InMemory reports whether the in-memory store is selected
func (c *DatabaseConfig) InMemory() bool {
	return c.Driver == "memory"
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled" envconfig:"REDIS_ENABLED"`
	Host         string        `mapstructure:"host" envconfig:"REDIS_HOST"`
	Port         int           `mapstructure:"port" envconfig:"REDIS_PORT"`
	Password     string        `mapstructure:"password" envconfig:"REDIS_PASSWORD"`
	DB           int           `mapstructure:"db" envconfig:"REDIS_DB"`
	PoolSize     int           `mapstructure:"pool_size" envconfig:"REDIS_POOL_SIZE"`
	MinIdleConns int           `mapstructure:"min_idle_conns" envconfig:"REDIS_MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" envconfig:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"REDIS_WRITE_TIMEOUT"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl" envconfig:"REDIS_CACHE_TTL"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" envconfig:"KAFKA_BROKERS"`
	Topic   string   `mapstructure:"topic" envconfig:"KAFKA_TOPIC"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret          string        `mapstructure:"jwt_secret" envconfig:"JWT_SECRET"`
	JWTIssuer          string        `mapstructure:"jwt_issuer" envconfig:"JWT_ISSUER"`
	AccessTokenExpiry  time.Duration `mapstructure:"access_token_expiry" envconfig:"JWT_ACCESS_TOKEN_LIFETIME"`
	RefreshTokenExpiry time.Duration `mapstructure:"refresh_token_expiry" envconfig:"JWT_REFRESH_TOKEN_LIFETIME"`
	PasswordMinLength  int           `mapstructure:"password_min_length" envconfig:"PASSWORD_MIN_LENGTH"`
	BcryptCost         int           `mapstructure:"bcrypt_cost" envconfig:"BCRYPT_COST"`
}

// BillingConfig holds invoice and lifecycle policy
type BillingConfig struct {
	DefaultCurrency     string          `mapstructure:"default_currency" envconfig:"DEFAULT_CURRENCY"`
	TaxRateBps          int64           `mapstructure:"tax_rate_bps" envconfig:"TAX_RATE_BPS"`
	TaxRounding         string          `mapstructure:"tax_rounding" envconfig:"TAX_ROUNDING"`
	InvoiceDueDays      int             `mapstructure:"invoice_due_days" envconfig:"INVOICE_DUE_DAYS"`
	RetryBackoff        []time.Duration `mapstructure:"retry_backoff" envconfig:"BILLING_RETRY_BACKOFF"`
	MaxPaymentAttempts  int             `mapstructure:"max_payment_attempts" envconfig:"BILLING_MAX_PAYMENT_ATTEMPTS"`
	RenewalReminderDays int             `mapstructure:"renewal_reminder_days" envconfig:"RENEWAL_REMINDER_DAYS"`
	Company             CompanyConfig   `mapstructure:"company"`
}

// CompanyConfig is the issuer block printed on invoices
type CompanyConfig struct {
	Name    string `mapstructure:"name" envconfig:"COMPANY_NAME"`
	Address string `mapstructure:"address" envconfig:"COMPANY_ADDRESS"`
	Phone   string `mapstructure:"phone" envconfig:"COMPANY_PHONE"`
	Email   string `mapstructure:"email" envconfig:"COMPANY_EMAIL"`
}

// PaymentsConfig holds payment provider configuration
type PaymentsConfig struct {
	Provider               string        `mapstructure:"provider" envconfig:"PAYMENTS_PROVIDER"`
	DummyOutcome           string        `mapstructure:"dummy_outcome" envconfig:"PAYMENTS_DUMMY_OUTCOME"`
	DummyWebhookSecret     string        `mapstructure:"dummy_webhook_secret" envconfig:"PAYMENTS_DUMMY_WEBHOOK_SECRET"`
	StripeSecretKey        string        `mapstructure:"stripe_secret_key" envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret    string        `mapstructure:"stripe_webhook_secret" envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripePaymentMethod    string        `mapstructure:"stripe_payment_method" envconfig:"STRIPE_PAYMENT_METHOD"`
	PendingReconcileAfter  time.Duration `mapstructure:"pending_reconcile_after" envconfig:"PAYMENTS_PENDING_RECONCILE_AFTER"`
	CircuitMaxFailures     int           `mapstructure:"circuit_max_failures" envconfig:"PAYMENTS_CIRCUIT_MAX_FAILURES"`
	CircuitOpenTimeout     time.Duration `mapstructure:"circuit_open_timeout" envconfig:"PAYMENTS_CIRCUIT_OPEN_TIMEOUT"`
	CircuitHalfOpenSuccess int           `mapstructure:"circuit_half_open_success" envconfig:"PAYMENTS_CIRCUIT_HALF_OPEN_SUCCESS"`
}

// EmailConfig holds outbound email configuration
type EmailConfig struct {
	Provider             string `mapstructure:"provider" envconfig:"EMAIL_PROVIDER"`
	FromAddress          string `mapstructure:"from_address" envconfig:"EMAIL_FROM"`
	FromName             string `mapstructure:"from_name" envconfig:"EMAIL_FROM_NAME"`
	SMTPHost             string `mapstructure:"smtp_host" envconfig:"SMTP_HOST"`
	SMTPPort             int    `mapstructure:"smtp_port" envconfig:"SMTP_PORT"`
	SMTPUsername         string `mapstructure:"smtp_username" envconfig:"SMTP_USERNAME"`
	SMTPPassword         string `mapstructure:"smtp_password" envconfig:"SMTP_PASSWORD"`
	SMTPUseTLS           bool   `mapstructure:"smtp_use_tls" envconfig:"SMTP_USE_TLS"`
	PostmarkServerToken  string `mapstructure:"postmark_server_token" envconfig:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `mapstructure:"postmark_account_token" envconfig:"POSTMARK_ACCOUNT_TOKEN"`
}

// StorageConfig holds invoice document storage configuration. Documents go
// to S3 when Enabled and to LocalDir otherwise.
type StorageConfig struct {
	LocalDir        string `mapstructure:"local_dir" envconfig:"STORAGE_LOCAL_DIR"`
	Enabled         bool   `mapstructure:"enabled" envconfig:"STORAGE_ENABLED"`
	Bucket          string `mapstructure:"bucket" envconfig:"STORAGE_BUCKET"`
	Region          string `mapstructure:"region" envconfig:"STORAGE_REGION"`
	Endpoint        string `mapstructure:"endpoint" envconfig:"STORAGE_ENDPOINT"`
	AccessKeyID     string `mapstructure:"access_key_id" envconfig:"STORAGE_ACCESS_KEY_ID"`
	SecretAccessKey string `mapstructure:"secret_access_key" envconfig:"STORAGE_SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `mapstructure:"use_path_style" envconfig:"STORAGE_USE_PATH_STYLE"`
	Prefix          string `mapstructure:"prefix" envconfig:"STORAGE_PREFIX"`
}

// QueueConfig holds background task queue configuration
type QueueConfig struct {
	Name              string        `mapstructure:"name" envconfig:"QUEUE_NAME"`
	Workers           int           `mapstructure:"workers" envconfig:"QUEUE_WORKERS"`
	MaxRetries        int           `mapstructure:"max_retries" envconfig:"QUEUE_MAX_RETRIES"`
	PollInterval      time.Duration `mapstructure:"poll_interval" envconfig:"QUEUE_POLL_INTERVAL"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" envconfig:"QUEUE_VISIBILITY_TIMEOUT"`
}

// SchedulerConfig holds lifecycle runner configuration
type SchedulerConfig struct {
	Embedded      bool   `mapstructure:"embedded" envconfig:"SCHEDULER_EMBEDDED"`
	Timezone      string `mapstructure:"timezone" envconfig:"SCHEDULER_TIMEZONE"`
	RenewalSpec   string `mapstructure:"renewal_spec" envconfig:"SCHEDULER_RENEWAL_SPEC"`
	ReminderSpec  string `mapstructure:"reminder_spec" envconfig:"SCHEDULER_REMINDER_SPEC"`
	ReconcileSpec string `mapstructure:"reconcile_spec" envconfig:"SCHEDULER_RECONCILE_SPEC"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level" envconfig:"LOG_LEVEL"`
	Format     string `mapstructure:"format" envconfig:"LOG_FORMAT"`
	OutputPath string `mapstructure:"output_path" envconfig:"LOG_OUTPUT_PATH"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	MetricsEnabled bool    `mapstructure:"metrics_enabled" envconfig:"METRICS_ENABLED"`
	TracingEnabled bool    `mapstructure:"tracing_enabled" envconfig:"TRACING_ENABLED"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint" envconfig:"JAEGER_ENDPOINT"`
	SampleRate     float64 `mapstructure:"sample_rate" envconfig:"TRACING_SAMPLE_RATE"`
	ServiceName    string  `mapstructure:"service_name" envconfig:"TELEMETRY_SERVICE_NAME"`
}

// Load loads configuration from files and environment
func Load(serviceName string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("./configs/services/" + serviceName)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Environment variables win over the file
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	envPrefix := toEnvPrefix(serviceName)
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process service env vars: %w", err)
	}

	if cfg.Service.Name == "" {
		cfg.Service.Name = serviceName
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = serviceName
	}
	cfg.Billing.DefaultCurrency = strings.ToUpper(cfg.Billing.DefaultCurrency)

	if version := os.Getenv("VERSION"); version != "" {
		cfg.Version = version
	} else {
		cfg.Version = "dev"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.Service.IsProduction() && c.Auth.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("auth.jwt_secret must be set in production")
	}
	if c.Billing.TaxRateBps < 0 || c.Billing.TaxRateBps > 10000 {
		return fmt.Errorf("billing.tax_rate_bps must be between 0 and 10000, got %d", c.Billing.TaxRateBps)
	}
	switch c.Billing.TaxRounding {
	case "floor", "half_up":
	default:
		return fmt.Errorf("billing.tax_rounding must be floor or half_up, got %q", c.Billing.TaxRounding)
	}
	if c.Billing.MaxPaymentAttempts < 1 {
		return fmt.Errorf("billing.max_payment_attempts must be at least 1")
	}
	switch c.Payments.Provider {
	case "dummy", "stripe":
	default:
		return fmt.Errorf("payments.provider must be dummy or stripe, got %q", c.Payments.Provider)
	}
	if c.Payments.Provider == "stripe" && c.Payments.StripeSecretKey == "" {
		return fmt.Errorf("payments.stripe_secret_key is required for the stripe provider")
	}
	return nil
}

const defaultJWTSecret = "change-me-in-production"

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.environment", "development")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.idle_timeout", "120s")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("http.base_url", "http://localhost:8080")
	v.SetDefault("http.auth_rate_limit", 20)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.database", "saas_invoice")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.conn_max_idle_time", "10m")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.cache_ttl", "5m")

	v.SetDefault("kafka.topic", "billing-events")

	v.SetDefault("auth.jwt_secret", defaultJWTSecret)
	v.SetDefault("auth.jwt_issuer", "saas-invoice")
	v.SetDefault("auth.access_token_expiry", "60m")
	v.SetDefault("auth.refresh_token_expiry", "168h")
	v.SetDefault("auth.password_min_length", 8)
	v.SetDefault("auth.bcrypt_cost", 10)

	v.SetDefault("billing.default_currency", "USD")
	v.SetDefault("billing.tax_rate_bps", 850)
	v.SetDefault("billing.tax_rounding", "floor")
	v.SetDefault("billing.invoice_due_days", 30)
	v.SetDefault("billing.retry_backoff", []string{"24h", "72h", "168h"})
	v.SetDefault("billing.max_payment_attempts", 4)
	v.SetDefault("billing.renewal_reminder_days", 3)
	v.SetDefault("billing.company.name", "SaaS Invoice Platform")
	v.SetDefault("billing.company.address", "123 Business St, Suite 100, City, State 12345")
	v.SetDefault("billing.company.phone", "+1 (555) 123-4567")
	v.SetDefault("billing.company.email", "billing@saas-invoice.com")

	v.SetDefault("payments.provider", "dummy")
	v.SetDefault("payments.dummy_outcome", "succeed")
	v.SetDefault("payments.pending_reconcile_after", "1h")
	v.SetDefault("payments.circuit_max_failures", 5)
	v.SetDefault("payments.circuit_open_timeout", "30s")
	v.SetDefault("payments.circuit_half_open_success", 2)

	v.SetDefault("email.provider", "log")
	v.SetDefault("email.from_address", "billing@saas-invoice.com")
	v.SetDefault("email.from_name", "SaaS Invoice Platform")
	v.SetDefault("email.smtp_host", "localhost")
	v.SetDefault("email.smtp_port", 1025)

	v.SetDefault("storage.local_dir", "./var/invoices")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.prefix", "invoices/")

	v.SetDefault("queue.name", "saas-invoice:tasks")
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.visibility_timeout", "5m")

	v.SetDefault("scheduler.embedded", false)
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.renewal_spec", "0 */5 * * * *")
	v.SetDefault("scheduler.reminder_spec", "0 0 9 * * *")
	v.SetDefault("scheduler.reconcile_spec", "0 */15 * * * *")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output_path", "stdout")

	v.SetDefault("telemetry.metrics_enabled", true)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("telemetry.sample_rate", 1.0)
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Addr returns the Redis address
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// toEnvPrefix converts service name to environment variable prefix
func toEnvPrefix(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}
