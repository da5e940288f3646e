package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/jwalitptl/deadline-sync/internal/repository/sqlstore"
	"github.com/jwalitptl/deadline-sync/internal/scraper"
	"github.com/jwalitptl/deadline-sync/internal/service/digest"
	"github.com/jwalitptl/deadline-sync/internal/service/maintenance"
	"github.com/jwalitptl/deadline-sync/internal/service/notification"
	"github.com/jwalitptl/deadline-sync/internal/service/portalsync"
	"github.com/jwalitptl/deadline-sync/internal/service/reminder"
	"github.com/jwalitptl/deadline-sync/pkg/logger"
	"github.com/jwalitptl/deadline-sync/pkg/messaging/redis"
	"github.com/jwalitptl/deadline-sync/pkg/validator"
)

// EnvPrefix prefixes every environment override, e.g. DEADLINE_SERVER_PORT.
const EnvPrefix = "DEADLINE"

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Reminder     ReminderConfig     `mapstructure:"reminder"`
	Digest       DigestConfig       `mapstructure:"digest"`
	Notification NotificationConfig `mapstructure:"notification"`
	Scraper      ScraperConfig      `mapstructure:"scraper"`
	Retention    RetentionConfig    `mapstructure:"retention"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`

	Secrets Secrets `mapstructure:"-"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	HealthPort      int           `mapstructure:"health_port" validate:"min=1,max=65535"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	// An empty URL disables event publishing.
	URL          string        `mapstructure:"url"`
	Channel      string        `mapstructure:"channel"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type SchedulerConfig struct {
	SyncInterval        time.Duration `mapstructure:"sync_interval" validate:"gt=0"`
	ReminderInterval    time.Duration `mapstructure:"reminder_interval" validate:"gt=0"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" validate:"gt=0"`
	DigestInterval      time.Duration `mapstructure:"digest_interval" validate:"gt=0"`
	OverdueInterval     time.Duration `mapstructure:"overdue_interval" validate:"gt=0"`
	RunOnStart          bool          `mapstructure:"run_on_start"`
}

type SyncConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"min=1"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	MaxRetryAfter   time.Duration `mapstructure:"max_retry_after"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	MinSyncInterval time.Duration `mapstructure:"min_sync_interval"`
	Workers         int           `mapstructure:"workers" validate:"min=1"`
}

type ReminderConfig struct {
	Grace      time.Duration `mapstructure:"grace"`
	MaxRetries int           `mapstructure:"max_retries" validate:"min=1"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	RetryBatch int           `mapstructure:"retry_batch"`
	Workers    int           `mapstructure:"workers" validate:"min=1"`
}

type DigestConfig struct {
	// Window must be at least scheduler.digest_interval or summaries are
	// missed.
	Window          time.Duration `mapstructure:"window"`
	Horizon         time.Duration `mapstructure:"horizon"`
	OverdueLookback time.Duration `mapstructure:"overdue_lookback"`
	Workers         int           `mapstructure:"workers" validate:"min=1"`
}

type NotificationConfig struct {
	EmailProvider        string        `mapstructure:"email_provider" validate:"oneof=smtp sendgrid none"`
	From                 string        `mapstructure:"from" validate:"omitempty,email"`
	FromName             string        `mapstructure:"from_name"`
	SMTPHost             string        `mapstructure:"smtp_host"`
	SMTPPort             int           `mapstructure:"smtp_port"`
	SMTPUsername         string        `mapstructure:"smtp_username"`
	SendGridHost         string        `mapstructure:"sendgrid_host"`
	TwilioSMSFrom        string        `mapstructure:"twilio_sms_from"`
	TwilioWhatsAppFrom   string        `mapstructure:"twilio_whatsapp_from"`
	TwilioStatusCallback string        `mapstructure:"twilio_status_callback"`
	VAPIDSubscriber      string        `mapstructure:"vapid_subscriber"`
	PushTTL              time.Duration `mapstructure:"push_ttl"`
	SendTimeout          time.Duration `mapstructure:"send_timeout"`
	BreakerFailures      uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout       time.Duration `mapstructure:"breaker_timeout"`
	ContactCacheTTL      time.Duration `mapstructure:"contact_cache_ttl"`
}

type ScraperConfig struct {
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type RetentionConfig struct {
	NotificationsDays      int           `mapstructure:"notifications_days" validate:"min=1"`
	CompletedDeadlinesDays int           `mapstructure:"completed_deadlines_days" validate:"min=1"`
	DispatchLease          time.Duration `mapstructure:"dispatch_lease"`
	StalePortalAfter       time.Duration `mapstructure:"stale_portal_after"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Secrets never live in the config file. They are read from the
// environment, e.g. DEADLINE_TWILIO_AUTH_TOKEN.
type Secrets struct {
	DatabasePassword string `envconfig:"DATABASE_PASSWORD"`
	CredentialSecret string `envconfig:"CREDENTIAL_SECRET" required:"true"`
	SMTPPassword     string `envconfig:"SMTP_PASSWORD"`
	SendGridAPIKey   string `envconfig:"SENDGRID_API_KEY"`
	TwilioAccountSID string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN"`
	VAPIDPublicKey   string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey  string `envconfig:"VAPID_PRIVATE_KEY"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.health_port", 8081)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.request_timeout", 5*time.Minute)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.driver", sqlstore.DriverPostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "deadline")
	v.SetDefault("database.name", "deadline_sync")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "deadline-sync.db")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.channel", "deadline-sync.events")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("scheduler.sync_interval", 30*time.Minute)
	v.SetDefault("scheduler.reminder_interval", 5*time.Minute)
	v.SetDefault("scheduler.maintenance_interval", time.Hour)
	v.SetDefault("scheduler.digest_interval", 10*time.Minute)
	v.SetDefault("scheduler.overdue_interval", time.Hour)
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.initial_backoff", time.Second)
	v.SetDefault("sync.max_backoff", 30*time.Second)
	v.SetDefault("sync.max_retry_after", 2*time.Minute)
	v.SetDefault("sync.fetch_timeout", 2*time.Minute)
	v.SetDefault("sync.lock_ttl", 30*time.Minute)
	v.SetDefault("sync.min_sync_interval", 10*time.Minute)
	v.SetDefault("sync.workers", 4)

	v.SetDefault("reminder.grace", 5*time.Minute)
	v.SetDefault("reminder.max_retries", 3)
	v.SetDefault("reminder.retry_delay", 5*time.Minute)
	v.SetDefault("reminder.retry_batch", 100)
	v.SetDefault("reminder.workers", 4)

	v.SetDefault("digest.window", 30*time.Minute)
	v.SetDefault("digest.horizon", 7*24*time.Hour)
	v.SetDefault("digest.overdue_lookback", 30*24*time.Hour)
	v.SetDefault("digest.workers", 4)

	v.SetDefault("notification.email_provider", "smtp")
	v.SetDefault("notification.from", "reminders@example.com")
	v.SetDefault("notification.from_name", "Deadline Sync")
	v.SetDefault("notification.smtp_host", "localhost")
	v.SetDefault("notification.smtp_port", 587)
	v.SetDefault("notification.smtp_username", "")
	v.SetDefault("notification.sendgrid_host", "")
	v.SetDefault("notification.twilio_sms_from", "")
	v.SetDefault("notification.twilio_whatsapp_from", "")
	v.SetDefault("notification.twilio_status_callback", "")
	v.SetDefault("notification.vapid_subscriber", "reminders@example.com")
	v.SetDefault("notification.push_ttl", 24*time.Hour)
	v.SetDefault("notification.send_timeout", 30*time.Second)
	v.SetDefault("notification.breaker_failures", 5)
	v.SetDefault("notification.breaker_timeout", time.Minute)
	v.SetDefault("notification.contact_cache_ttl", 5*time.Minute)

	v.SetDefault("scraper.http_timeout", 30*time.Second)
	v.SetDefault("scraper.requests_per_second", 5)
	v.SetDefault("scraper.burst", 10)

	v.SetDefault("retention.notifications_days", 30)
	v.SetDefault("retention.completed_deadlines_days", 90)
	v.SetDefault("retention.dispatch_lease", 15*time.Minute)
	v.SetDefault("retention.stale_portal_after", 24*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("metrics.namespace", "deadline_sync")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 10)
	v.SetDefault("rate_limit.burst", 20)
}

// LoadConfig reads config.yaml from path, or from ., ./config and
// /app/config when path is empty. A missing file is not an error: every
// key has a default and can be overridden from the environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app/config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validator.Default().Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadSecrets reads provider secrets from the environment.
func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return s, fmt.Errorf("failed to load secrets: %w", err)
	}
	return s, nil
}

// Load reads the file config and merges the environment secrets into it.
func Load(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if cfg.Secrets, err = LoadSecrets(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) StoreConfig() sqlstore.Config {
	d := c.Database
	return sqlstore.Config{
		Driver:          d.Driver,
		Host:            d.Host,
		Port:            d.Port,
		User:            d.User,
		Password:        c.Secrets.DatabasePassword,
		Name:            d.Name,
		SSLMode:         d.SSLMode,
		Path:            d.Path,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
	}
}

func (c *RedisConfig) BrokerConfig() redis.Config {
	return redis.Config{
		URL:          c.URL,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: c.RetryBackoff,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
}

func (c *LoggingConfig) LoggerConfig() *logger.Config {
	return &logger.Config{
		Level:      logger.ParseLevel(c.Level),
		TimeFormat: time.RFC3339,
		JSON:       c.Format == "json",
	}
}

func (c *ScraperConfig) Options(log *logger.Logger) scraper.Options {
	return scraper.Options{
		HTTPTimeout:       c.HTTPTimeout,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		Logger:            log,
	}
}

func (c *SyncConfig) ServiceConfig() portalsync.Config {
	return portalsync.Config{
		MaxAttempts:     c.MaxAttempts,
		InitialBackoff:  c.InitialBackoff,
		MaxBackoff:      c.MaxBackoff,
		MaxRetryAfter:   c.MaxRetryAfter,
		FetchTimeout:    c.FetchTimeout,
		LockTTL:         c.LockTTL,
		MinSyncInterval: c.MinSyncInterval,
		Workers:         c.Workers,
	}
}

func (c *Config) ReminderServiceConfig() reminder.Config {
	return reminder.Config{
		Interval:   c.Scheduler.ReminderInterval,
		Grace:      c.Reminder.Grace,
		MaxRetries: c.Reminder.MaxRetries,
		RetryBatch: c.Reminder.RetryBatch,
		Workers:    c.Reminder.Workers,
	}
}

func (c *Config) DispatcherConfig() notification.Config {
	return notification.Config{
		MaxRetries:      c.Reminder.MaxRetries,
		RetryDelay:      c.Reminder.RetryDelay,
		SendTimeout:     c.Notification.SendTimeout,
		BreakerFailures: c.Notification.BreakerFailures,
		BreakerTimeout:  c.Notification.BreakerTimeout,
		ContactTTL:      c.Notification.ContactCacheTTL,
	}
}

func (c *Config) MaintenanceConfig() maintenance.Config {
	return maintenance.Config{
		LockTTL:            c.Sync.LockTTL,
		DispatchLease:      c.Retention.DispatchLease,
		Retention:          time.Duration(c.Retention.NotificationsDays) * 24 * time.Hour,
		StaleAfter:         c.Retention.StalePortalAfter,
		CompletedRetention: time.Duration(c.Retention.CompletedDeadlinesDays) * 24 * time.Hour,
	}
}

func (c *Config) DigestServiceConfig() digest.Config {
	return digest.Config{
		Window:          c.Digest.Window,
		Horizon:         c.Digest.Horizon,
		OverdueLookback: c.Digest.OverdueLookback,
		Workers:         c.Digest.Workers,
	}
}
