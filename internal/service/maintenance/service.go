// Package maintenance clears state left behind by crashed runs, trims old
// notification records and removes long-completed deadlines.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jwalitptl/deadline-sync/internal/repository"
	"github.com/jwalitptl/deadline-sync/pkg/logger"
	"github.com/jwalitptl/deadline-sync/pkg/metrics"
)

// InterruptedDispatch is recorded on claims whose dispatch never finished.
// They are not retried: the provider may already have delivered them.
const InterruptedDispatch = "dispatch interrupted"

type Config struct {
	// LockTTL is how long a portal may stay in "syncing" before the lock is
	// considered abandoned.
	LockTTL time.Duration
	// DispatchLease is how long a claim may stay pending.
	DispatchLease time.Duration
	Retention     time.Duration
	StaleAfter    time.Duration
	// CompletedRetention is how long a completed deadline is kept.
	CompletedRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Minute
	}
	if c.DispatchLease <= 0 {
		c.DispatchLease = 15 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 24 * time.Hour
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = 90 * 24 * time.Hour
	}
	return c
}

type Report struct {
	ReleasedLocks         int64 `json:"released_locks"`
	InterruptedDispatches int64 `json:"interrupted_dispatches"`
	ScrubbedNotifications int64 `json:"scrubbed_notifications"`
	PurgedNotifications   int64 `json:"purged_notifications"`
	DeletedDeadlines      int64 `json:"deleted_deadlines"`
	StalePortals          int   `json:"stale_portals"`
}

type Service struct {
	portals       repository.PortalRepository
	deadlines     repository.DeadlineRepository
	notifications repository.NotificationRepository
	log           *logger.Logger
	metrics       *metrics.Metrics
	cfg           Config
	now           func() time.Time
}

func NewService(
	portals repository.PortalRepository,
	deadlines repository.DeadlineRepository,
	notifications repository.NotificationRepository,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		portals:       portals,
		deadlines:     deadlines,
		notifications: notifications,
		log:           log,
		metrics:       m,
		cfg:           cfg.withDefaults(),
		now:           time.Now,
	}
}

// Run performs every maintenance step. A failing step does not stop the
// others; their errors are joined.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	now := s.now().UTC()
	var (
		rep  Report
		errs []error
	)

	released, err := s.portals.ReleaseStaleLocks(ctx, now.Add(-s.cfg.LockTTL), now)
	if err != nil {
		errs = append(errs, err)
	} else if released > 0 {
		rep.ReleasedLocks = released
		s.log.Warn("released abandoned sync locks", "count", released)
	}

	interrupted, err := s.notifications.FailStalePending(ctx, now.Add(-s.cfg.DispatchLease), InterruptedDispatch, now)
	if err != nil {
		errs = append(errs, err)
	} else if interrupted > 0 {
		rep.InterruptedDispatches = interrupted
		s.log.Warn("failed interrupted dispatches", "count", interrupted)
	}

	scrubbed, purged, err := s.notifications.PurgeBefore(ctx, now.Add(-s.cfg.Retention))
	rep.ScrubbedNotifications = scrubbed
	rep.PurgedNotifications = purged
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to purge notifications: %w", err))
	}

	deleted, err := s.deadlines.DeleteCompletedBefore(ctx, now.Add(-s.cfg.CompletedRetention))
	if err != nil {
		errs = append(errs, err)
	} else if deleted > 0 {
		rep.DeletedDeadlines = deleted
		s.log.Info("deleted completed deadlines", "count", deleted)
	}

	stale, err := s.portals.CountStale(ctx, now.Add(-s.cfg.StaleAfter))
	if err != nil {
		errs = append(errs, err)
	} else {
		rep.StalePortals = stale
		if s.metrics != nil {
			s.metrics.StalePortals.Set(float64(stale))
		}
		if stale > 0 {
			s.log.Warn("portals have not synced recently", "count", stale, "threshold", s.cfg.StaleAfter.String())
		}
	}

	s.log.Info("maintenance finished",
		"released_locks", rep.ReleasedLocks,
		"interrupted_dispatches", rep.InterruptedDispatches,
		"scrubbed_notifications", rep.ScrubbedNotifications,
		"purged_notifications", rep.PurgedNotifications,
		"deleted_deadlines", rep.DeletedDeadlines,
		"stale_portals", rep.StalePortals,
	)
	return &rep, errors.Join(errs...)
}
