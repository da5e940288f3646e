package maintenance

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/deadline-sync/internal/model"
	storetest "github.com/jwalitptl/deadline-sync/internal/testutil"
	"github.com/jwalitptl/deadline-sync/pkg/logger"
	"github.com/jwalitptl/deadline-sync/pkg/metrics"
)

func TestRun(t *testing.T) {
	stores := storetest.NewStores(t)
	ctx := context.Background()
	wall := time.Now().UTC()
	now := wall.Add(2 * time.Hour)

	p := &model.Portal{UserID: uuid.New(), Type: model.PortalTypeGitHub, Name: "gh", Config: json.RawMessage(`{}`), Active: true}
	require.NoError(t, stores.Portals.Create(ctx, p))
	ok, err := stores.Portals.TryBeginSync(ctx, p.ID, wall, wall.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	d := &model.Deadline{UserID: p.UserID, Title: "Fix bug", DueDate: now.Add(24 * time.Hour)}
	require.NoError(t, stores.Deadlines.Create(ctx, d))

	claim := func(offset model.ReminderOffset) *model.Notification {
		n := &model.Notification{UserID: p.UserID, DeadlineID: d.ID, Offset: offset, Channel: model.ChannelEmail, ScheduledFor: wall}
		ok, err := stores.Notifications.Claim(ctx, n)
		require.NoError(t, err)
		require.True(t, ok)
		return n
	}
	stuck := claim(model.Offset1Day)
	old := claim(model.Offset3Days)
	require.NoError(t, stores.Notifications.MarkSent(ctx, old.ID, "m-1", "ada@example.com", now.Add(-45*24*time.Hour)))
	recent := claim(model.Offset1Week)
	require.NoError(t, stores.Notifications.MarkSent(ctx, recent.ID, "m-2", "ada@example.com", now.Add(-time.Hour)))

	digest := &model.Notification{
		UserID:       p.UserID,
		Kind:         model.NotificationKindDailySummary,
		Period:       "2020-01-01",
		Channel:      model.ChannelEmail,
		Body:         "Daily Summary - 0 deadlines",
		ScheduledFor: wall,
	}
	ok, err = stores.Notifications.Claim(ctx, digest)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, stores.Notifications.MarkSent(ctx, digest.ID, "m-3", "ada@example.com", now.Add(-45*24*time.Hour)))

	m := metrics.New("test")
	svc := NewService(stores.Portals, stores.Deadlines, stores.Notifications, Config{LockTTL: 30 * time.Minute, DispatchLease: 15 * time.Minute, StaleAfter: time.Hour}, logger.Nop(), m)
	svc.now = func() time.Time { return now }

	rep, err := svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.ReleasedLocks)
	assert.Equal(t, int64(1), rep.InterruptedDispatches)
	assert.Equal(t, int64(1), rep.ScrubbedNotifications)
	assert.Equal(t, int64(1), rep.PurgedNotifications)
	assert.Equal(t, 1, rep.StalePortals)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StalePortals))

	got, err := stores.Portals.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusError, got.SyncStatus)
	assert.Equal(t, "sync interrupted", got.LastError)

	n, err := stores.Notifications.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusFailed, n.Status)
	assert.Equal(t, InterruptedDispatch, n.FailureDetail)
	assert.False(t, n.Retryable)

	list, err := stores.Notifications.ListByDeadline(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	n, err = stores.Notifications.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusSent, n.Status)
	assert.Empty(t, n.Recipient)
	assert.Equal(t, "m-1", n.ProviderMessageID)

	_, err = stores.Notifications.Get(ctx, digest.ID)
	assert.Error(t, err)

	// Nothing is left to clean on a second run.
	rep, err = svc.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.ReleasedLocks)
	assert.Zero(t, rep.InterruptedDispatches)
	assert.Zero(t, rep.ScrubbedNotifications)
	assert.Zero(t, rep.PurgedNotifications)
}

func TestRunKeepsClaimOfScrubbedReminder(t *testing.T) {
	stores := storetest.NewStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	userID := uuid.New()
	d := &model.Deadline{UserID: userID, Title: "Tax return", DueDate: now.Add(24 * time.Hour)}
	require.NoError(t, stores.Deadlines.Create(ctx, d))

	first := &model.Notification{UserID: userID, DeadlineID: d.ID, Offset: model.Offset1Day, Channel: model.ChannelSMS, Body: "Reminder: Tax return", ScheduledFor: now}
	ok, err := stores.Notifications.Claim(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, stores.Notifications.MarkSent(ctx, first.ID, "sm-1", "+15550100", now.Add(-60*24*time.Hour)))

	svc := NewService(stores.Portals, stores.Deadlines, stores.Notifications, Config{}, logger.Nop(), nil)
	svc.now = func() time.Time { return now }
	rep, err := svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.ScrubbedNotifications)

	// The deadline moved out; its 1-day reminder was already sent and must
	// not be claimable again.
	again := &model.Notification{UserID: userID, DeadlineID: d.ID, Offset: model.Offset1Day, Channel: model.ChannelSMS, ScheduledFor: now.Add(48 * time.Hour)}
	ok, err = stores.Notifications.Claim(ctx, again)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := stores.Notifications.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Body)
	assert.Empty(t, got.Recipient)
}

func TestRunDeletesOldCompletedDeadlines(t *testing.T) {
	stores := storetest.NewStores(t)
	ctx := context.Background()
	now := time.Now().UTC()
	userID := uuid.New()

	p := &model.Portal{UserID: userID, Type: model.PortalTypeGitHub, Name: "gh", Config: json.RawMessage(`{}`), Active: true}
	require.NoError(t, stores.Portals.Create(ctx, p))

	create := func(title string, portal *uuid.UUID) *model.Deadline {
		d := &model.Deadline{UserID: userID, Title: title, DueDate: now.Add(-120 * 24 * time.Hour), PortalID: portal, UpstreamKey: title}
		require.NoError(t, stores.Deadlines.Create(ctx, d))
		return d
	}
	oldManual := create("old manual", nil)
	recentManual := create("recent manual", nil)
	stillUpstream := create("still upstream", &p.ID)
	goneUpstream := create("gone upstream", &p.ID)
	open := create("open", nil)

	old := now.Add(-100 * 24 * time.Hour)
	for _, d := range []*model.Deadline{oldManual, stillUpstream, goneUpstream} {
		require.NoError(t, stores.Deadlines.UpdateStatus(ctx, d.ID, model.DeadlineStatusCompleted, old))
	}
	require.NoError(t, stores.Deadlines.UpdateStatus(ctx, recentManual.ID, model.DeadlineStatusCompleted, now.Add(-time.Hour)))
	require.NoError(t, stores.Deadlines.SetMissingSince(ctx, []uuid.UUID{goneUpstream.ID}, &old))

	svc := NewService(stores.Portals, stores.Deadlines, stores.Notifications, Config{CompletedRetention: 90 * 24 * time.Hour}, logger.Nop(), nil)
	svc.now = func() time.Time { return now }

	rep, err := svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.DeletedDeadlines)

	for _, d := range []*model.Deadline{oldManual, goneUpstream} {
		_, err := stores.Deadlines.Get(ctx, d.ID)
		assert.Error(t, err, d.Title)
	}
	for _, d := range []*model.Deadline{recentManual, stillUpstream, open} {
		_, err := stores.Deadlines.Get(ctx, d.ID)
		assert.NoError(t, err, d.Title)
	}
}
