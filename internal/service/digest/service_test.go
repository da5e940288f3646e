package digest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/repository"
	"github.com/jwalitptl/deadline-sync/internal/sender"
	storetest "github.com/jwalitptl/deadline-sync/internal/testutil"
	"github.com/jwalitptl/deadline-sync/pkg/logger"
	"github.com/jwalitptl/deadline-sync/pkg/metrics"
)

var day = time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []model.Notification
}

func (f *fakeDispatcher) Dispatch(_ context.Context, n *model.Notification) (*sender.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, *n)
	return &sender.DeliveryResult{Status: model.NotificationStatusSent, ProviderMessageID: "id"}, nil
}

func (f *fakeDispatcher) sent() []model.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Notification(nil), f.calls...)
}

type fixture struct {
	stores  *storetest.Stores
	disp    *fakeDispatcher
	metrics *metrics.Metrics
	svc     *Service
}

func newFixture(t *testing.T, m *metrics.Metrics) *fixture {
	t.Helper()
	stores := storetest.NewStores(t)
	disp := &fakeDispatcher{}
	svc := NewService(stores.Digests, stores.Deadlines, stores.Notifications, disp, Config{Workers: 2}, logger.Nop(), m)
	return &fixture{stores: stores, disp: disp, metrics: m, svc: svc}
}

func (f *fixture) settings(t *testing.T, st *model.DigestSettings) {
	t.Helper()
	require.NoError(t, f.stores.Digests.Upsert(context.Background(), st))
}

func (f *fixture) deadline(t *testing.T, userID uuid.UUID, title string, due time.Time) *model.Deadline {
	t.Helper()
	d := &model.Deadline{UserID: userID, Title: title, DueDate: due, Priority: model.PriorityMedium}
	require.NoError(t, f.stores.Deadlines.Create(context.Background(), d))
	return d
}

func TestSummarySlot(t *testing.T) {
	nine := 9 * time.Hour
	slot, ok := SummarySlot(day.Add(9*time.Hour+10*time.Minute), nine, 30*time.Minute)
	require.True(t, ok)
	assert.Equal(t, day.Add(nine), slot)

	_, ok = SummarySlot(day.Add(9*time.Hour+30*time.Minute), nine, 30*time.Minute)
	assert.False(t, ok)
	_, ok = SummarySlot(day.Add(8*time.Hour+59*time.Minute), nine, 30*time.Minute)
	assert.False(t, ok)

	// 23:45 with a 30 minute window still runs at 00:05 the next day and
	// belongs to the earlier day.
	late := 23*time.Hour + 45*time.Minute
	slot, ok = SummarySlot(day.Add(24*time.Hour+5*time.Minute), late, 30*time.Minute)
	require.True(t, ok)
	assert.Equal(t, day.Add(late), slot)
	assert.Equal(t, "2025-11-03", slot.Format(PeriodLayout))
}

func TestRunDailySummariesOncePerDay(t *testing.T) {
	f := newFixture(t, metrics.New("test"))
	ctx := context.Background()
	userID := uuid.New()
	f.settings(t, &model.DigestSettings{UserID: userID, DailySummary: true, SummaryTime: "09:00", Channel: model.ChannelSMS})

	f.deadline(t, userID, "Standup notes", day.Add(15*time.Hour))
	f.deadline(t, userID, "Essay", day.Add(3*24*time.Hour))
	f.deadline(t, userID, "Far away", day.Add(20*24*time.Hour))
	done := f.deadline(t, userID, "Done already", day.Add(16*time.Hour))
	require.NoError(t, f.stores.Deadlines.UpdateStatus(ctx, done.ID, model.DeadlineStatusCompleted, day))
	f.deadline(t, uuid.New(), "Someone else", day.Add(15*time.Hour))

	res, err := f.svc.RunDailySummaries(ctx, day.Add(9*time.Hour+5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Users)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Sent)

	calls := f.disp.sent()
	require.Len(t, calls, 1)
	n := calls[0]
	assert.Equal(t, model.NotificationKindDailySummary, n.Kind)
	assert.Equal(t, "2025-11-03", n.Period)
	assert.Equal(t, model.ChannelSMS, n.Channel)
	assert.Equal(t, uuid.Nil, n.DeadlineID)
	assert.True(t, strings.HasPrefix(n.Body, "Daily Summary - 2 deadlines"))
	assert.Contains(t, n.Body, "Standup notes")
	assert.Contains(t, n.Body, "Essay")
	assert.NotContains(t, n.Body, "Far away")
	assert.NotContains(t, n.Body, "Done already")

	// Later in the same window the claim is already taken.
	res, err = f.svc.RunDailySummaries(ctx, day.Add(9*time.Hour+20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)
	assert.Len(t, f.disp.sent(), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DigestsClaimed.WithLabelValues("daily_summary", "duplicate")))

	// Outside the window nothing is claimed.
	res, err = f.svc.RunDailySummaries(ctx, day.Add(11*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Claimed)

	// The next day brings a new summary.
	res, err = f.svc.RunDailySummaries(ctx, day.Add(33*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	calls = f.disp.sent()
	require.Len(t, calls, 2)
	assert.Equal(t, "2025-11-04", calls[1].Period)

	records, err := f.stores.Notifications.ListByUserKind(ctx, userID, model.NotificationKindDailySummary)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "2025-11-04", records[0].Period)
}

func TestRunDailySummariesRespectsSettings(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	alertsOnly := uuid.New()
	f.settings(t, &model.DigestSettings{UserID: alertsOnly, OverdueAlerts: true})
	badTime := uuid.New()
	f.settings(t, &model.DigestSettings{UserID: badTime, DailySummary: true, SummaryTime: "9am"})
	noSettings := uuid.New()
	f.deadline(t, noSettings, "Essay", day.Add(12*time.Hour))

	res, err := f.svc.RunDailySummaries(ctx, day.Add(9*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Users)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, f.disp.sent())
}

func TestRunDailySummariesWithoutDeadlines(t *testing.T) {
	f := newFixture(t, nil)
	userID := uuid.New()
	f.settings(t, &model.DigestSettings{UserID: userID, DailySummary: true})

	res, err := f.svc.RunDailySummaries(context.Background(), day.Add(9*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	calls := f.disp.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, model.ChannelEmail, calls[0].Channel)
	assert.Contains(t, calls[0].Body, "No upcoming deadlines today")
}

func TestRunOverdueAlerts(t *testing.T) {
	f := newFixture(t, metrics.New("test"))
	ctx := context.Background()
	now := day.Add(8 * time.Hour)

	userID := uuid.New()
	f.settings(t, &model.DigestSettings{UserID: userID, OverdueAlerts: true, Channel: model.ChannelWhatsApp})
	report := f.deadline(t, userID, "Report", now.Add(-50*time.Hour))
	essay := f.deadline(t, userID, "Essay", now.Add(-2*time.Hour))
	f.deadline(t, userID, "Future", now.Add(10*24*time.Hour))
	f.deadline(t, userID, "Ancient", now.Add(-90*24*time.Hour))
	done := f.deadline(t, userID, "Done", now.Add(-time.Hour))
	require.NoError(t, f.stores.Deadlines.UpdateStatus(ctx, done.ID, model.DeadlineStatusCompleted, now))

	optedOut := uuid.New()
	f.deadline(t, optedOut, "Unwatched", now.Add(-time.Hour))

	res, err := f.svc.RunOverdueAlerts(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Users)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Sent)

	calls := f.disp.sent()
	require.Len(t, calls, 1)
	n := calls[0]
	assert.Equal(t, userID, n.UserID)
	assert.Equal(t, model.NotificationKindOverdueAlert, n.Kind)
	assert.Equal(t, model.ChannelWhatsApp, n.Channel)
	assert.True(t, strings.HasPrefix(n.Body, "OVERDUE ALERT - 2 deadlines"))
	assert.Contains(t, n.Body, "• Report (2 days overdue)")
	assert.Contains(t, n.Body, "• Essay (0 days overdue)")

	// Alerted deadlines are not alerted again.
	res, err = f.svc.RunOverdueAlerts(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.Users)
	assert.Len(t, f.disp.sent(), 1)

	// A deadline that falls due after today's alert waits for tomorrow.
	quiz := f.deadline(t, userID, "Quiz", now.Add(90*time.Minute))
	res, err = f.svc.RunOverdueAlerts(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)
	assert.Len(t, f.disp.sent(), 1)

	res, err = f.svc.RunOverdueAlerts(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	calls = f.disp.sent()
	require.Len(t, calls, 2)
	assert.True(t, strings.HasPrefix(calls[1].Body, "OVERDUE ALERT - 1 deadline\n"))
	assert.Contains(t, calls[1].Body, "Quiz")
	assert.Equal(t, "2025-11-04", calls[1].Period)

	left, err := f.stores.Deadlines.ListOverdueUnalerted(ctx, now.Add(-30*24*time.Hour), now.Add(25*time.Hour))
	require.NoError(t, err)
	for _, d := range left {
		assert.NotContains(t, []uuid.UUID{report.ID, essay.ID, quiz.ID}, d.ID)
	}
}

func TestRunOverdueAlertsRearmsMovedDeadline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := day.Add(8 * time.Hour)

	userID := uuid.New()
	f.settings(t, &model.DigestSettings{UserID: userID, OverdueAlerts: true})
	d := f.deadline(t, userID, "Report", now.Add(-time.Hour))

	_, err := f.svc.RunOverdueAlerts(ctx, now)
	require.NoError(t, err)
	require.Len(t, f.disp.sent(), 1)

	// Upstream pushes the due date out, and it lapses again two days later.
	moved := now.Add(24 * time.Hour)
	require.NoError(t, f.stores.Deadlines.ApplyChanges(ctx, d.ID, repository.DeadlineChanges{Title: d.Title, DueDate: moved, Priority: d.Priority}, now))

	res, err := f.svc.RunOverdueAlerts(ctx, now.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Len(t, f.disp.sent(), 2)
}
