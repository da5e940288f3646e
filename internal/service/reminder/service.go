// Package reminder decides, on every tick, which (deadline, offset,
// channel) reminders are due and hands each one to the dispatcher exactly
// once.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/repository"
	"github.com/jwalitptl/deadline-sync/internal/sender"
	"github.com/jwalitptl/deadline-sync/internal/service/notification"
	"github.com/jwalitptl/deadline-sync/pkg/logger"
	"github.com/jwalitptl/deadline-sync/pkg/metrics"
)

// Dispatcher delivers a claimed notification record.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *model.Notification) (*sender.DeliveryResult, error)
}

type Ticker interface {
	RunTick(ctx context.Context, now time.Time) (*TickResult, error)
}

type Config struct {
	// Interval is the tick period. A reminder fires on the one tick whose
	// time falls in [trigger, trigger+Interval).
	Interval time.Duration
	// Grace keeps deadlines that passed within it in the candidate set.
	Grace      time.Duration
	MaxRetries int
	RetryBatch int
	Workers    int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = c.Interval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBatch <= 0 {
		c.RetryBatch = 100
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// TickResult counts what one tick did.
type TickResult struct {
	Deadlines  int `json:"deadlines"`
	Due        int `json:"due"`
	Claimed    int `json:"claimed"`
	Duplicates int `json:"duplicates"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Retried    int `json:"retried"`
	Errors     int `json:"errors"`
}

func (r *TickResult) add(o TickResult) {
	r.Due += o.Due
	r.Claimed += o.Claimed
	r.Duplicates += o.Duplicates
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.Retried += o.Retried
	r.Errors += o.Errors
}

func (r *TickResult) record(res *sender.DeliveryResult, err error) {
	switch {
	case err != nil:
		r.Errors++
	case res != nil && res.Err != nil:
		r.Failed++
	default:
		r.Sent++
	}
}

type Service struct {
	deadlines     repository.DeadlineRepository
	reminders     repository.ReminderRepository
	notifications repository.NotificationRepository
	dispatcher    Dispatcher
	log           *logger.Logger
	metrics       *metrics.Metrics
	cfg           Config
}

func NewService(
	deadlines repository.DeadlineRepository,
	reminders repository.ReminderRepository,
	notifications repository.NotificationRepository,
	dispatcher Dispatcher,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		deadlines:     deadlines,
		reminders:     reminders,
		notifications: notifications,
		dispatcher:    dispatcher,
		log:           log,
		metrics:       m,
		cfg:           cfg.withDefaults(),
	}
}

// RunTick evaluates every open deadline against its owner's reminder
// configuration at time now. Claims are made through the unique
// (deadline, offset, channel) record, so overlapping ticks never send a
// reminder twice. Dispatch failures are counted, not returned.
func (s *Service) RunTick(ctx context.Context, now time.Time) (res *TickResult, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		if s.metrics != nil {
			s.metrics.ReminderTicks.WithLabelValues(outcome).Inc()
			s.metrics.ReminderTickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	deadlines, err := s.deadlines.ListOpenDueAfter(ctx, now.Add(-s.cfg.Grace))
	if err != nil {
		return nil, fmt.Errorf("failed to load deadlines: %w", err)
	}
	byUser := make(map[uuid.UUID][]*model.Deadline)
	var users []uuid.UUID
	for _, d := range deadlines {
		if _, ok := byUser[d.UserID]; !ok {
			users = append(users, d.UserID)
		}
		byUser[d.UserID] = append(byUser[d.UserID], d)
	}

	configs, err := s.configsFor(ctx, users)
	if err != nil {
		return nil, err
	}

	res = &TickResult{Deadlines: len(deadlines)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, userID := range users {
		userID := userID // per-iteration copy (toolchain is go1.21)
		g.Go(func() error {
			local := s.evaluateUser(gctx, now, byUser[userID], configs[userID])
			mu.Lock()
			res.add(local)
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	retried, err := s.retryFailed(ctx, now)
	res.add(retried)
	if err != nil {
		return res, err
	}

	s.log.Info("reminder tick finished",
		"deadlines", res.Deadlines,
		"due", res.Due,
		"claimed", res.Claimed,
		"duplicates", res.Duplicates,
		"sent", res.Sent,
		"failed", res.Failed,
		"retried", res.Retried,
		"errors", res.Errors,
	)
	return res, nil
}

// configsFor loads reminder preferences for users in one query. Users
// without any stored preference get the default configuration.
func (s *Service) configsFor(ctx context.Context, users []uuid.UUID) (map[uuid.UUID][]*model.ReminderConfig, error) {
	list, err := s.reminders.ListByUsers(ctx, users)
	if err != nil {
		return nil, fmt.Errorf("failed to load reminder configs: %w", err)
	}
	out := make(map[uuid.UUID][]*model.ReminderConfig, len(users))
	for _, c := range list {
		out[c.UserID] = append(out[c.UserID], c)
	}
	for _, u := range users {
		if len(out[u]) == 0 {
			out[u] = []*model.ReminderConfig{model.DefaultReminderConfig(u)}
		}
	}
	return out, nil
}

// InWindow reports whether a reminder with the given lead time fires on
// the tick at now.
func InWindow(due time.Time, lead, interval time.Duration, now time.Time) bool {
	trigger := due.Add(-lead)
	return !now.Before(trigger) && now.Before(trigger.Add(interval))
}

func (s *Service) evaluateUser(ctx context.Context, now time.Time, deadlines []*model.Deadline, configs []*model.ReminderConfig) TickResult {
	var res TickResult
	for _, d := range deadlines {
		for _, cfg := range configs {
			lead, ok := cfg.Offset.Duration()
			if !ok || !InWindow(d.DueDate, lead, s.cfg.Interval, now) {
				continue
			}
			body := notification.Render(d, cfg.Offset, now)
			for _, ch := range cfg.Channels() {
				if ctx.Err() != nil {
					return res
				}
				res.Due++
				s.claimAndDispatch(ctx, &res, &model.Notification{
					UserID:       d.UserID,
					DeadlineID:   d.ID,
					Kind:         model.NotificationKindReminder,
					Offset:       cfg.Offset,
					Channel:      ch,
					Body:         body,
					ScheduledFor: d.DueDate.Add(-lead),
					Status:       model.NotificationStatusPending,
				})
			}
		}
	}
	return res
}

func (s *Service) claimAndDispatch(ctx context.Context, res *TickResult, n *model.Notification) {
	log := s.log.WithFields(map[string]interface{}{
		"deadline_id": n.DeadlineID.String(),
		"offset":      string(n.Offset),
		"channel":     string(n.Channel),
	})

	claimed, err := s.notifications.Claim(ctx, n)
	if err != nil {
		res.Errors++
		log.Error(err, "failed to claim reminder")
		return
	}
	if !claimed {
		res.Duplicates++
		s.countClaim("duplicate")
		log.Debug("reminder already claimed")
		return
	}
	res.Claimed++
	s.countClaim("claimed")

	out, err := s.dispatcher.Dispatch(ctx, n)
	if err != nil {
		log.Error(err, "reminder dispatch failed")
	}
	res.record(out, err)
}

func (s *Service) countClaim(outcome string) {
	if s.metrics != nil {
		s.metrics.RemindersClaimed.WithLabelValues(outcome).Inc()
	}
}

// retryFailed re-dispatches failed records that still have attempts left.
// Reclaiming is a conditional update, so a record is retried by at most
// one tick. Digest records carry their rendered body and are retried as is.
func (s *Service) retryFailed(ctx context.Context, now time.Time) (TickResult, error) {
	var res TickResult
	pending, err := s.notifications.ListRetryable(ctx, now, s.cfg.MaxRetries, s.cfg.RetryBatch)
	if err != nil {
		return res, fmt.Errorf("failed to load retryable notifications: %w", err)
	}

	for _, n := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !n.IsDigest() {
			d, err := s.deadlines.Get(ctx, n.DeadlineID)
			if err != nil {
				if !errors.Is(err, repository.ErrNotFound) {
					res.Errors++
					s.log.Error(err, "failed to load deadline for retry", "notification_id", n.ID.String())
				}
				continue
			}
			if d.Status == model.DeadlineStatusCompleted {
				continue
			}
		}

		ok, err := s.notifications.ReclaimForRetry(ctx, n.ID, now)
		if err != nil {
			res.Errors++
			s.log.Error(err, "failed to reclaim notification", "notification_id", n.ID.String())
			continue
		}
		if !ok {
			continue
		}
		res.Retried++
		n.Status = model.NotificationStatusPending
		out, err := s.dispatcher.Dispatch(ctx, n)
		if err != nil {
			s.log.Error(err, "notification retry failed", "notification_id", n.ID.String())
		}
		res.record(out, err)
	}
	return res, nil
}

// EnsureDefaults stores the default reminder configuration for a user who
// has none yet.
func (s *Service) EnsureDefaults(ctx context.Context, userID uuid.UUID) error {
	existing, err := s.reminders.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	return s.reminders.Upsert(ctx, model.DefaultReminderConfig(userID))
}
