// Package digest sends the per-user daily summary and overdue alert. Each
// goes out at most once per user, UTC day and channel: the notification
// record for that period is the claim.
package digest

import (
	"context"
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

// PeriodLayout formats the UTC day a digest belongs to.
const PeriodLayout = "2006-01-02"

type Dispatcher interface {
	Dispatch(ctx context.Context, n *model.Notification) (*sender.DeliveryResult, error)
}

type Config struct {
	// Window is how long after a user's summary time the summary may still
	// go out. Run the summary job at least this often.
	Window time.Duration
	// Horizon is how far ahead a daily summary looks.
	Horizon time.Duration
	// OverdueLookback bounds how long ago a deadline may have fallen due
	// and still be alerted.
	OverdueLookback time.Duration
	Workers         int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 30 * time.Minute
	}
	if c.Horizon <= 0 {
		c.Horizon = 7 * 24 * time.Hour
	}
	if c.OverdueLookback <= 0 {
		c.OverdueLookback = 30 * 24 * time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// Result counts what one run did.
type Result struct {
	Users      int `json:"users"`
	Claimed    int `json:"claimed"`
	Duplicates int `json:"duplicates"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

func (r *Result) add(o Result) {
	r.Claimed += o.Claimed
	r.Duplicates += o.Duplicates
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Errors += o.Errors
}

type Service struct {
	settings      repository.DigestSettingsRepository
	deadlines     repository.DeadlineRepository
	notifications repository.NotificationRepository
	dispatcher    Dispatcher
	log           *logger.Logger
	metrics       *metrics.Metrics
	cfg           Config
}

func NewService(
	settings repository.DigestSettingsRepository,
	deadlines repository.DeadlineRepository,
	notifications repository.NotificationRepository,
	dispatcher Dispatcher,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		settings:      settings,
		deadlines:     deadlines,
		notifications: notifications,
		dispatcher:    dispatcher,
		log:           log,
		metrics:       m,
		cfg:           cfg.withDefaults(),
	}
}

// SummarySlot returns the start of the summary slot containing now, for a
// summary scheduled offset after midnight UTC. A slot that began late
// yesterday and runs past midnight still counts.
func SummarySlot(now time.Time, offset, window time.Duration) (time.Time, bool) {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for _, day := range []time.Time{midnight, midnight.Add(-24 * time.Hour)} {
		start := day.Add(offset)
		if !now.Before(start) && now.Before(start.Add(window)) {
			return start, true
		}
	}
	return time.Time{}, false
}

// RunDailySummaries sends the summary to every user whose summary slot
// contains now and who has not received today's yet.
func (s *Service) RunDailySummaries(ctx context.Context, now time.Time) (*Result, error) {
	now = now.UTC()
	all, err := s.settings.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load digest settings: %w", err)
	}

	res := &Result{}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.Workers)
	for _, st := range all {
		st := st // per-iteration copy (toolchain is go1.21)
		if !st.DailySummary {
			continue
		}
		res.Users++
		g.Go(func() error {
			local := s.summarize(ctx, now, st)
			mu.Lock()
			res.add(local)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	s.log.Info("daily summaries finished",
		"users", res.Users,
		"claimed", res.Claimed,
		"duplicates", res.Duplicates,
		"sent", res.Sent,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"errors", res.Errors,
	)
	return res, ctx.Err()
}

func (s *Service) summarize(ctx context.Context, now time.Time, st *model.DigestSettings) Result {
	var res Result
	if ctx.Err() != nil {
		return res
	}
	offset, ok := st.SummaryOffset()
	if !ok {
		res.Skipped++
		s.log.Warn("invalid daily summary time", "user_id", st.UserID.String(), "summary_time", st.SummaryTime)
		return res
	}
	slot, ok := SummarySlot(now, offset, s.cfg.Window)
	if !ok {
		res.Skipped++
		return res
	}

	deadlines, err := s.deadlines.ListOpenByUser(ctx, st.UserID, now, now.Add(s.cfg.Horizon))
	if err != nil {
		res.Errors++
		s.log.Error(err, "failed to load deadlines for summary", "user_id", st.UserID.String())
		return res
	}

	s.claimAndDispatch(ctx, &res, &model.Notification{
		UserID:       st.UserID,
		Kind:         model.NotificationKindDailySummary,
		Period:       slot.Format(PeriodLayout),
		Channel:      channelOf(st),
		Body:         notification.RenderDailySummary(deadlines, now),
		ScheduledFor: slot,
		Status:       model.NotificationStatusPending,
	})
	return res
}

// RunOverdueAlerts sends one alert per user listing deadlines that became
// overdue since their last alert. A user gets at most one alert per UTC
// day; deadlines that fall due after it are carried to the next day.
func (s *Service) RunOverdueAlerts(ctx context.Context, now time.Time) (*Result, error) {
	now = now.UTC()
	all, err := s.settings.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load digest settings: %w", err)
	}
	enabled := make(map[uuid.UUID]*model.DigestSettings, len(all))
	for _, st := range all {
		if st.OverdueAlerts {
			enabled[st.UserID] = st
		}
	}

	res := &Result{}
	if len(enabled) == 0 {
		return res, nil
	}

	overdue, err := s.deadlines.ListOverdueUnalerted(ctx, now.Add(-s.cfg.OverdueLookback), now)
	if err != nil {
		return nil, fmt.Errorf("failed to load overdue deadlines: %w", err)
	}
	byUser := make(map[uuid.UUID][]*model.Deadline)
	var users []uuid.UUID
	for _, d := range overdue {
		if _, ok := enabled[d.UserID]; !ok {
			continue
		}
		if _, ok := byUser[d.UserID]; !ok {
			users = append(users, d.UserID)
		}
		byUser[d.UserID] = append(byUser[d.UserID], d)
	}
	res.Users = len(users)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.Workers)
	for _, userID := range users {
		userID := userID // per-iteration copy (toolchain is go1.21)
		g.Go(func() error {
			local := s.alert(ctx, now, enabled[userID], byUser[userID])
			mu.Lock()
			res.add(local)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	s.log.Info("overdue alerts finished",
		"users", res.Users,
		"claimed", res.Claimed,
		"duplicates", res.Duplicates,
		"sent", res.Sent,
		"failed", res.Failed,
		"errors", res.Errors,
	)
	return res, ctx.Err()
}

func (s *Service) alert(ctx context.Context, now time.Time, st *model.DigestSettings, deadlines []*model.Deadline) Result {
	var res Result
	if ctx.Err() != nil {
		return res
	}
	n := &model.Notification{
		UserID:       st.UserID,
		Kind:         model.NotificationKindOverdueAlert,
		Period:       now.Format(PeriodLayout),
		Channel:      channelOf(st),
		Body:         notification.RenderOverdueAlert(deadlines, now),
		ScheduledFor: now,
		Status:       model.NotificationStatusPending,
	}
	if !s.claimAndDispatch(ctx, &res, n) {
		return res
	}

	// The claimed record now owns these deadlines, including any retry of
	// its delivery.
	ids := make([]uuid.UUID, len(deadlines))
	for i, d := range deadlines {
		ids[i] = d.ID
	}
	if err := s.deadlines.MarkOverdueAlerted(context.WithoutCancel(ctx), ids, now); err != nil {
		res.Errors++
		s.log.Error(err, "failed to mark deadlines alerted", "user_id", st.UserID.String())
	}
	return res
}

// claimAndDispatch reports whether this call won the claim.
func (s *Service) claimAndDispatch(ctx context.Context, res *Result, n *model.Notification) bool {
	log := s.log.WithFields(map[string]interface{}{
		"user_id": n.UserID.String(),
		"kind":    string(n.Kind),
		"period":  n.Period,
		"channel": string(n.Channel),
	})

	claimed, err := s.notifications.Claim(ctx, n)
	if err != nil {
		res.Errors++
		log.Error(err, "failed to claim digest")
		return false
	}
	if !claimed {
		res.Duplicates++
		s.countClaim(n.Kind, "duplicate")
		log.Debug("digest already claimed")
		return false
	}
	res.Claimed++
	s.countClaim(n.Kind, "claimed")

	out, err := s.dispatcher.Dispatch(ctx, n)
	switch {
	case err != nil:
		res.Errors++
		log.Error(err, "digest dispatch failed")
	case out != nil && out.Err != nil:
		res.Failed++
	default:
		res.Sent++
	}
	return true
}

func (s *Service) countClaim(kind model.NotificationKind, outcome string) {
	if s.metrics != nil {
		s.metrics.DigestsClaimed.WithLabelValues(string(kind), outcome).Inc()
	}
}

func channelOf(st *model.DigestSettings) model.Channel {
	if st.Channel == "" {
		return model.ChannelEmail
	}
	return st.Channel
}
