// Package app wires configuration into the stores, services and HTTP
// surface shared by the api and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/deadline-sync/internal/config"
	"github.com/jwalitptl/deadline-sync/internal/handler/health"
	notificationHandler "github.com/jwalitptl/deadline-sync/internal/handler/notification"
	portalHandler "github.com/jwalitptl/deadline-sync/internal/handler/portal"
	"github.com/jwalitptl/deadline-sync/internal/handler/settings"
	"github.com/jwalitptl/deadline-sync/internal/handler/trigger"
	"github.com/jwalitptl/deadline-sync/internal/middleware"
	"github.com/jwalitptl/deadline-sync/internal/repository"
	"github.com/jwalitptl/deadline-sync/internal/repository/sqlstore"
	"github.com/jwalitptl/deadline-sync/internal/router"
	"github.com/jwalitptl/deadline-sync/internal/scraper/registry"
	"github.com/jwalitptl/deadline-sync/internal/sender"
	"github.com/jwalitptl/deadline-sync/internal/service/digest"
	"github.com/jwalitptl/deadline-sync/internal/service/maintenance"
	"github.com/jwalitptl/deadline-sync/internal/service/notification"
	"github.com/jwalitptl/deadline-sync/internal/service/portalsync"
	"github.com/jwalitptl/deadline-sync/internal/service/reminder"
	"github.com/jwalitptl/deadline-sync/pkg/logger"
	"github.com/jwalitptl/deadline-sync/pkg/messaging"
	"github.com/jwalitptl/deadline-sync/pkg/messaging/redis"
	"github.com/jwalitptl/deadline-sync/pkg/metrics"
	"github.com/jwalitptl/deadline-sync/pkg/security"
	"github.com/jwalitptl/deadline-sync/pkg/worker"
)

// Job names used by the worker and in metrics.
const (
	JobSyncAll       = "sync-all"
	JobReminderTick  = "reminder-tick"
	JobMaintenance   = "maintenance"
	JobDailySummary  = "daily-summary"
	JobOverdueAlerts = "overdue-alerts"
)

const credentialKeyInfo = "portal-credentials"

type App struct {
	Config  *config.Config
	Log     *logger.Logger
	Metrics *metrics.Metrics
	DB      *sqlx.DB

	Portals       repository.PortalRepository
	Deadlines     repository.DeadlineRepository
	Reminders     repository.ReminderRepository
	Notifications repository.NotificationRepository
	Contacts      repository.ContactRepository
	Digests       repository.DigestSettingsRepository

	Registry    *registry.Registry
	Dispatcher  *notification.Dispatcher
	Scheduler   *reminder.Service
	Sync        *portalsync.Service
	Maintenance *maintenance.Service
	Digest      *digest.Service

	broker messaging.Broker
}

// New connects to the database (and Redis when configured) and builds every
// service. m is created on the default registry when nil.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (*App, error) {
	if m == nil {
		m = metrics.NewMetrics(cfg.Metrics.Namespace, "", nil)
	}

	enc, err := security.NewEncryptorFromSecret(cfg.Secrets.CredentialSecret, credentialKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to build credential encryptor: %w", err)
	}

	db, err := sqlstore.NewDB(ctx, cfg.StoreConfig())
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Log: log, Metrics: m, DB: db}

	base := sqlstore.NewBaseRepository(db, m)
	a.Portals = sqlstore.NewPortalRepository(base, enc)
	a.Deadlines = sqlstore.NewDeadlineRepository(base)
	a.Reminders = sqlstore.NewReminderRepository(base)
	a.Notifications = sqlstore.NewNotificationRepository(base)
	a.Contacts = sqlstore.NewContactRepository(base)
	a.Digests = sqlstore.NewDigestSettingsRepository(base)

	var publisher messaging.Publisher = messaging.NopPublisher{}
	if cfg.Redis.URL != "" {
		broker, err := redis.NewRedisBroker(cfg.Redis.BrokerConfig(), log, m)
		if err != nil {
			db.Close()
			return nil, err
		}
		a.broker = broker
		publisher = messaging.NewEventPublisher(broker, cfg.Redis.Channel)
	} else {
		log.Warn("Redis URL not set, domain events are not published")
	}

	a.Registry = registry.Default(cfg.Scraper.Options(log))
	a.Dispatcher = notification.NewDispatcher(a.Notifications, a.Contacts, Senders(cfg, log),
		cfg.DispatcherConfig(), log, m, notification.WithPublisher(publisher))
	a.Scheduler = reminder.NewService(a.Deadlines, a.Reminders, a.Notifications, a.Dispatcher,
		cfg.ReminderServiceConfig(), log, m)
	a.Sync = portalsync.NewService(a.Portals, a.Deadlines, a.Registry,
		cfg.Sync.ServiceConfig(), log, m, portalsync.WithPublisher(publisher))
	a.Maintenance = maintenance.NewService(a.Portals, a.Deadlines, a.Notifications,
		cfg.MaintenanceConfig(), log, m)
	a.Digest = digest.NewService(a.Digests, a.Deadlines, a.Notifications, a.Dispatcher,
		cfg.DigestServiceConfig(), log, m)

	return a, nil
}

// Senders builds one sender per channel the configuration enables. A
// channel without a sender fails its notifications with a ConfigError.
func Senders(cfg *config.Config, log *logger.Logger) []sender.Sender {
	n := cfg.Notification
	s := cfg.Secrets
	var out []sender.Sender

	switch n.EmailProvider {
	case "sendgrid":
		if s.SendGridAPIKey == "" {
			log.Warn("SendGrid selected without an API key, email is disabled")
			break
		}
		out = append(out, sender.NewSendGrid(sender.SendGridConfig{
			APIKey:   s.SendGridAPIKey,
			From:     n.From,
			FromName: n.FromName,
			Host:     n.SendGridHost,
		}))
	case "smtp":
		out = append(out, sender.NewSMTP(sender.SMTPConfig{
			Host:     n.SMTPHost,
			Port:     n.SMTPPort,
			Username: n.SMTPUsername,
			Password: s.SMTPPassword,
			From:     n.From,
			FromName: n.FromName,
		}))
	}

	if s.TwilioAccountSID != "" && s.TwilioAuthToken != "" {
		if n.TwilioSMSFrom != "" {
			out = append(out, sender.NewTwilioSMS(sender.TwilioConfig{
				AccountSID:     s.TwilioAccountSID,
				AuthToken:      s.TwilioAuthToken,
				From:           n.TwilioSMSFrom,
				StatusCallback: n.TwilioStatusCallback,
			}))
		}
		if n.TwilioWhatsAppFrom != "" {
			out = append(out, sender.NewTwilioWhatsApp(sender.TwilioConfig{
				AccountSID:     s.TwilioAccountSID,
				AuthToken:      s.TwilioAuthToken,
				From:           n.TwilioWhatsAppFrom,
				StatusCallback: n.TwilioStatusCallback,
			}))
		}
	}

	if s.VAPIDPublicKey != "" && s.VAPIDPrivateKey != "" {
		out = append(out, sender.NewWebPush(sender.WebPushConfig{
			Subscriber:      n.VAPIDSubscriber,
			VAPIDPublicKey:  s.VAPIDPublicKey,
			VAPIDPrivateKey: s.VAPIDPrivateKey,
			TTL:             int(n.PushTTL.Seconds()),
		}))
	}

	channels := make([]string, 0, len(out))
	for _, snd := range out {
		channels = append(channels, string(snd.Channel()))
	}
	log.Info("Notification channels configured", "channels", channels)
	return out
}

// Router builds the HTTP surface served by the api binary.
func (a *App) Router() *router.Router {
	srv := a.Config.Server
	limit := rate.Inf
	if a.Config.RateLimit.Enabled {
		limit = rate.Limit(a.Config.RateLimit.RequestsPerSecond)
	}
	cors := middleware.DefaultCORSConfig()
	if len(srv.AllowedOrigins) > 0 {
		cors.AllowOrigins = srv.AllowedOrigins
	}

	r := router.NewRouter(a.Log, a.Metrics, health.NewHandler(a.DB), []router.Handler{
		portalHandler.NewHandler(a.Portals, a.Registry, a.Scheduler),
		trigger.NewHandler(a.Sync, a.Scheduler, a.Digest),
		notificationHandler.NewHandler(a.Dispatcher),
		settings.NewHandler(a.Reminders, a.Digests, a.Contacts, a.Dispatcher.Contacts()),
	}, router.RouterConfig{
		RateLimit:      limit,
		RateBurst:      a.Config.RateLimit.Burst,
		RequestTimeout: srv.RequestTimeout,
		MaxBodySize:    srv.MaxBodyBytes,
		CORSConfig:     cors,
		MetricsPath:    a.Config.Metrics.Path,
	})
	r.Setup()
	return r
}

// HealthRouter serves only health and metrics. The worker exposes it so
// orchestrators can check it.
func (a *App) HealthRouter() *gin.Engine {
	r := router.NewRouter(a.Log, a.Metrics, health.NewHandler(a.DB), nil, router.RouterConfig{
		RateLimit:   rate.Inf,
		MetricsPath: a.Config.Metrics.Path,
	})
	r.Setup()
	return r.Engine()
}

// Jobs returns the periodic schedules run by the worker.
func (a *App) Jobs() []worker.Schedule {
	sc := a.Config.Scheduler
	return []worker.Schedule{
		{
			Job: worker.JobFunc{JobName: JobSyncAll, Fn: func(ctx context.Context) error {
				_, err := a.Sync.SyncAll(ctx)
				return err
			}},
			Interval:   sc.SyncInterval,
			Timeout:    sc.SyncInterval,
			RunOnStart: sc.RunOnStart,
		},
		{
			Job: worker.JobFunc{JobName: JobReminderTick, Fn: func(ctx context.Context) error {
				_, err := a.Scheduler.RunTick(ctx, time.Now())
				return err
			}},
			Interval:   sc.ReminderInterval,
			Timeout:    sc.ReminderInterval,
			RunOnStart: sc.RunOnStart,
		},
		{
			Job: worker.JobFunc{JobName: JobMaintenance, Fn: func(ctx context.Context) error {
				_, err := a.Maintenance.Run(ctx)
				return err
			}},
			Interval:   sc.MaintenanceInterval,
			Timeout:    sc.MaintenanceInterval,
			RunOnStart: sc.RunOnStart,
		},
		{
			Job: worker.JobFunc{JobName: JobDailySummary, Fn: func(ctx context.Context) error {
				_, err := a.Digest.RunDailySummaries(ctx, time.Now())
				return err
			}},
			Interval:   sc.DigestInterval,
			Timeout:    sc.DigestInterval,
			RunOnStart: sc.RunOnStart,
		},
		{
			Job: worker.JobFunc{JobName: JobOverdueAlerts, Fn: func(ctx context.Context) error {
				_, err := a.Digest.RunOverdueAlerts(ctx, time.Now())
				return err
			}},
			Interval:   sc.OverdueInterval,
			Timeout:    sc.OverdueInterval,
			RunOnStart: sc.RunOnStart,
		},
	}
}

func (a *App) Close() error {
	var errs []error
	if a.broker != nil {
		errs = append(errs, a.broker.Close())
	}
	errs = append(errs, a.DB.Close())
	return errors.Join(errs...)
}
