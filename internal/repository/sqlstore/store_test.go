package sqlstore_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/repository"
	"github.com/jwalitptl/deadline-sync/internal/testutil"
)

func newPortal(t *testing.T, s *testutil.Stores) *model.Portal {
	t.Helper()
	p := &model.Portal{
		UserID:      uuid.New(),
		Type:        model.PortalTypeGitHub,
		Name:        "work",
		Credentials: json.RawMessage(`{"token":"ghp_secret"}`),
		Config:      json.RawMessage(`{"repository":"acme/app"}`),
		Active:      true,
	}
	require.NoError(t, s.Portals.Create(context.Background(), p))
	return p
}

func newDeadline(t *testing.T, s *testutil.Stores, p *model.Portal, key string, due time.Time) *model.Deadline {
	t.Helper()
	d := &model.Deadline{
		UserID:      p.UserID,
		Title:       "Ship " + key,
		DueDate:     due,
		Priority:    model.PriorityMedium,
		PortalID:    &p.ID,
		UpstreamKey: key,
	}
	require.NoError(t, s.Deadlines.Create(context.Background(), d))
	return d
}

func TestPortalCredentialsAreSealed(t *testing.T) {
	s := testutil.NewStores(t)
	ctx := context.Background()
	p := newPortal(t, s)

	var raw []byte
	require.NoError(t, s.DB.Get(&raw, `SELECT credentials FROM portals WHERE id = ?`, p.ID))
	assert.NotContains(t, string(raw), "ghp_secret")

	got, err := s.Portals.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"ghp_secret"}`, string(got.Credentials))
	assert.JSONEq(t, `{"repository":"acme/app"}`, string(got.Config))
	assert.Equal(t, model.SyncStatusIdle, got.SyncStatus)

	_, err = s.Portals.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestPortalSyncLock(t *testing.T) {
	s := testutil.NewStores(t)
	ctx := context.Background()
	p := newPortal(t, s)
	now := time.Now()
	ttl := 30 * time.Minute

	ok, err := s.Portals.TryBeginSync(ctx, p.ID, now, now.Add(-ttl))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Portals.TryBeginSync(ctx, p.ID, now.Add(time.Minute), now.Add(time.Minute-ttl))
	require.NoError(t, err)
	assert.False(t, ok, "a held lock must not be acquired twice")

	// MarkError must not clobber a running sync.
	require.NoError(t, s.Portals.MarkError(ctx, p.ID, "bad config", now))
	got, err := s.Portals.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSyncing, got.SyncStatus)

	later := now.Add(ttl + time.Minute)
	ok, err = s.Portals.TryBeginSync(ctx, p.ID, later, later.Add(-ttl))
	require.NoError(t, err)
	assert.True(t, ok, "an abandoned lock is taken over")

	require.NoError(t, s.Portals.FinishSync(ctx, p.ID, repository.SyncOutcome{
		Status:     model.SyncStatusSuccess,
		FinishedAt: later,
		Succeeded:  true,
	}))
	got, err = s.Portals.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSuccess, got.SyncStatus)
	assert.Equal(t, 1, got.SyncCount)
	require.NotNil(t, got.LastSyncAt)
	assert.WithinDuration(t, later, *got.LastSyncAt, time.Millisecond)
}

func TestReleaseStaleLocks(t *testing.T) {
	s := testutil.NewStores(t)
	ctx := context.Background()
	p := newPortal(t, s)
	start := time.Now().Add(-2 * time.Hour)

	ok, err := s.Portals.TryBeginSync(ctx, p.ID, start, start.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.Portals.ReleaseStaleLocks(ctx, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.Portals.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusError, got.SyncStatus)
	assert.Equal(t, "sync interrupted", got.LastError)
}

func TestDeadlineUniqueUpstreamKey(t *testing.T) {
	s := testutil.NewStores(t)
	ctx := context.Background()
	p := newPortal(t, s)
	due := time.Now().Add(48 * time.Hour)

	d := newDeadline(t, s, p, "acme/app#42", due)

	dup := &model.Deadline{UserID: p.UserID, Title: "again", DueDate: due, Priority: model.PriorityLow, PortalID: &p.ID, UpstreamKey: "acme/app#42"}
	assert.ErrorIs(t, s.Deadlines.Create(ctx, dup), repository.ErrDuplicate)

	got, err := s.Deadlines.GetByUpstreamKey(ctx, p.ID, "acme/app#42")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.WithinDuration(t, due, got.DueDate, time.Millisecond)
	assert.Equal(t, model.DeadlineStatusPending, got.Status)
}

func TestDeadlineChangesKeepStatusAndTags(t *testing.T) {
	s := testutil.NewStores(t)
	ctx := context.Background()
	p := newPortal(t, s)
	d := newDeadline(t, s, p, "k1", time.Now().Add(time.Hour))
	require.NoError(t, s.Deadlines.UpdateStatus(ctx, d.ID, model.DeadlineStatusInProgress, time.Now()))

	newDue := time.Now().Add(72 * time.Hour)
	require.NoError(t, s.Deadlines.ApplyChanges(ctx, d.ID, repository.DeadlineChanges{
		Title:    "Renamed",
		DueDate:  newDue,
		Priority: model.PriorityHigh,
	}, time.Now()))

	got, err := s.Deadlines.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, model.PriorityHigh, got.Priority)
	assert.Equal(t, model.DeadlineStatusInProgress, got.Status)
	assert.WithinDuration(t, newDue, got.DueDate, time.Millisecond)

	now := time.Now()
	require.NoError(t, s.Deadlines.SetMissingSince(ctx, []uuid.UUID{d.ID}, &now))
	got, err = s.Deadlines.Get(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.MissingSince)

	require.NoError(t, s.Deadlines.SetMissingSince(ctx, []uuid.UUID{d.ID}, nil))
	got, err = s.Deadlines.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Nil(t, got.MissingSince)
}

func TestListOpenDueAfter(t *testing.T) {
	s := testutil.NewStores(t)
	ctx := context.Background()
	p := newPortal(t, s)
	now := time.Now()

	past := newDeadline(t, s, p, "past", now.Add(-time.Hour))
	soon := newDeadline(t, s, p, "soon", now.Add(time.Hour))
	done := newDeadline(t, s, p, "done", now.Add(2*time.Hour))
	require.NoError(t, s.Deadlines.UpdateStatus(ctx, done.ID, model.DeadlineStatusCompleted, now))

	open, err := s.Deadlines.ListOpenDueAfter(ctx, now)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, soon.ID, open[0].ID)
	assert.NotEqual(t, past.ID, open[0].ID)
}

func TestReminderUpsert(t *testing.T) {
	s := testutil.NewStores(t)
	ctx := context.Background()
	user := uuid.New()

	require.NoError(t, s.Reminders.Upsert(ctx, model.DefaultReminderConfig(user)))
	require.NoError(t, s.Reminders.Upsert(ctx, &model.ReminderConfig{UserID: user, Offset: model.Offset1Day, SMS: true}))
	require.NoError(t, s.Reminders.Upsert(ctx, &model.ReminderConfig{UserID: user, Offset: model.Offset1Hour, Push: true}))

	cfgs, err := s.Reminders.ListByUsers(ctx, []uuid.UUID{user, uuid.New()})
	require.NoError(t, err)
	require.Len(t, cfgs, 2)

	byOffset := map[model.ReminderOffset]*model.ReminderConfig{}
	for _, c := range cfgs {
		byOffset[c.Offset] = c
	}
	assert.Equal(t, []model.Channel{model.ChannelSMS}, byOffset[model.Offset1Day].Channels())
	assert.Equal(t, []model.Channel{model.ChannelPush}, byOffset[model.Offset1Hour].Channels())

	require.NoError(t, s.Reminders.Delete(ctx, user, model.Offset1Hour))
	assert.ErrorIs(t, s.Reminders.Delete(ctx, user, model.Offset1Hour), repository.ErrNotFound)
}

func TestNotificationClaimIsIdempotent(t *testing.T) {
	s := testutil.NewStores(t)
	ctx := context.Background()
	p := newPortal(t, s)
	d := newDeadline(t, s, p, "k", time.Now().Add(time.Hour))

	claim := func() bool {
		ok, err := s.Notifications.Claim(ctx, &model.Notification{
			UserID:       d.UserID,
			DeadlineID:   d.ID,
			Offset:       model.Offset1Hour,
			Channel:      model.ChannelEmail,
			ScheduledFor: d.DueDate.Add(-time.Hour),
		})
		require.NoError(t, err)
		return ok
	}
	assert.True(t, claim())
	assert.False(t, claim())

	ok, err := s.Notifications.Claim(ctx, &model.Notification{
		UserID: d.UserID, DeadlineID: d.ID, Offset: model.Offset1Hour, Channel: model.ChannelSMS,
		ScheduledFor: d.DueDate.Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, ok, "a different channel is a different claim")

	list, err := s.Notifications.ListByDeadline(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestNotificationRetryLifecycle(t *testing.T) {
	s := testutil.NewStores(t)
	ctx := context.Background()
	p := newPortal(t, s)
	d := newDeadline(t, s, p, "k", time.Now().Add(time.Hour))
	now := time.Now()

	n := &model.Notification{UserID: d.UserID, DeadlineID: d.ID, Offset: model.Offset1Hour, Channel: model.ChannelSMS, ScheduledFor: now}
	ok, err := s.Notifications.Claim(ctx, n)
	require.NoError(t, err)
	require.True(t, ok)

	next := now.Add(time.Minute)
	require.NoError(t, s.Notifications.MarkFailed(ctx, n.ID, "provider 503", true, &next, now))

	due, err := s.Notifications.ListRetryable(ctx, now, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "not before next_retry_at")

	due, err = s.Notifications.ListRetryable(ctx, next.Add(time.Second), 3, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].RetryCount)

	ok, err = s.Notifications.ReclaimForRetry(ctx, n.ID, next)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Notifications.ReclaimForRetry(ctx, n.ID, next)
	require.NoError(t, err)
	assert.False(t, ok, "only one worker wins the retry")

	require.NoError(t, s.Notifications.MarkSent(ctx, n.ID, "SM123", "+15550001111", next))
	got, err := s.Notifications.FindByProviderMessageID(ctx, "SM123")
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusSent, got.Status)
	assert.Equal(t, "+15550001111", got.Recipient)

	require.NoError(t, s.Notifications.UpdateStatus(ctx, n.ID, model.NotificationStatusDelivered, "", next))
	got, err = s.Notifications.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusDelivered, got.Status)
}

func TestNotificationFailureReportAfterRetryIsFinal(t *testing.T) {
	s := testutil.NewStores(t)
	ctx := context.Background()
	p := newPortal(t, s)
	d := newDeadline(t, s, p, "k", time.Now().Add(time.Hour))
	now := time.Now()

	n := &model.Notification{UserID: d.UserID, DeadlineID: d.ID, Offset: model.Offset1Hour, Channel: model.ChannelSMS, ScheduledFor: now}
	ok, err := s.Notifications.Claim(ctx, n)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Notifications.MarkFailed(ctx, n.ID, "provider 503", true, nil, now))
	ok, err = s.Notifications.ReclaimForRetry(ctx, n.ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Notifications.MarkSent(ctx, n.ID, "SM900", "+15550001111", now))

	got, err := s.Notifications.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.False(t, got.Retryable)

	require.NoError(t, s.Notifications.UpdateStatus(ctx, n.ID, model.NotificationStatusFailed, "provider reported undelivered", now))

	due, err := s.Notifications.ListRetryable(ctx, now.Add(time.Hour), 3, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	got, err = s.Notifications.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.False(t, got.Retryable)
}

func TestNotificationMaintenanceQueries(t *testing.T) {
	s := testutil.NewStores(t)
	ctx := context.Background()
	p := newPortal(t, s)
	d := newDeadline(t, s, p, "k", time.Now().Add(time.Hour))

	n := &model.Notification{UserID: d.UserID, DeadlineID: d.ID, Offset: model.Offset1Hour, Channel: model.ChannelPush, ScheduledFor: time.Now()}
	ok, err := s.Notifications.Claim(ctx, n)
	require.NoError(t, err)
	require.True(t, ok)

	failed, err := s.Notifications.FailStalePending(ctx, time.Now().Add(time.Minute), "dispatch interrupted", time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, failed)

	got, err := s.Notifications.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusFailed, got.Status)
	assert.False(t, got.Retryable)

	require.NoError(t, s.Notifications.MarkSent(ctx, n.ID, "push-1", `{"endpoint":"https://push.example/1"}`, time.Now()))

	digest := &model.Notification{UserID: d.UserID, Kind: model.NotificationKindOverdueAlert, Period: "2025-11-03", Channel: model.ChannelPush, Body: "OVERDUE ALERT", ScheduledFor: time.Now()}
	ok, err = s.Notifications.Claim(ctx, digest)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Notifications.MarkSent(ctx, digest.ID, "push-2", "sub", time.Now()))

	scrubbed, deleted, err := s.Notifications.PurgeBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, scrubbed)
	assert.EqualValues(t, 1, deleted)

	got, err = s.Notifications.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Recipient)
	assert.Equal(t, "push-1", got.ProviderMessageID)

	// The scrubbed row still holds the claim.
	again := &model.Notification{UserID: d.UserID, DeadlineID: d.ID, Offset: model.Offset1Hour, Channel: model.ChannelPush, ScheduledFor: time.Now()}
	ok, err = s.Notifications.Claim(ctx, again)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Notifications.Get(ctx, digest.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDigestClaimIsPerUserKindPeriodChannel(t *testing.T) {
	s := testutil.NewStores(t)
	ctx := context.Background()
	user := uuid.New()

	claim := func(kind model.NotificationKind, period string, ch model.Channel) bool {
		t.Helper()
		ok, err := s.Notifications.Claim(ctx, &model.Notification{UserID: user, Kind: kind, Period: period, Channel: ch, ScheduledFor: time.Now()})
		require.NoError(t, err)
		return ok
	}
	assert.True(t, claim(model.NotificationKindDailySummary, "2025-11-03", model.ChannelEmail))
	assert.False(t, claim(model.NotificationKindDailySummary, "2025-11-03", model.ChannelEmail))
	assert.True(t, claim(model.NotificationKindDailySummary, "2025-11-03", model.ChannelSMS))
	assert.True(t, claim(model.NotificationKindDailySummary, "2025-11-04", model.ChannelEmail))
	assert.True(t, claim(model.NotificationKindOverdueAlert, "2025-11-03", model.ChannelEmail))

	list, err := s.Notifications.ListByUserKind(ctx, user, model.NotificationKindDailySummary)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "2025-11-04", list[0].Period)
	assert.Equal(t, uuid.Nil, list[0].DeadlineID)
}

func TestDeadlineDigestQueries(t *testing.T) {
	s := testutil.NewStores(t)
	ctx := context.Background()
	p := newPortal(t, s)
	now := time.Now().UTC()

	late := newDeadline(t, s, p, "late", now.Add(-2*time.Hour))
	soon := newDeadline(t, s, p, "soon", now.Add(2*time.Hour))
	newDeadline(t, s, p, "later", now.Add(10*24*time.Hour))

	open, err := s.Deadlines.ListOpenByUser(ctx, p.UserID, now, now.Add(7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, soon.ID, open[0].ID)

	overdue, err := s.Deadlines.ListOverdueUnalerted(ctx, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, late.ID, overdue[0].ID)

	require.NoError(t, s.Deadlines.MarkOverdueAlerted(ctx, []uuid.UUID{late.ID}, now))
	overdue, err = s.Deadlines.ListOverdueUnalerted(ctx, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	assert.Empty(t, overdue)

	// Same due date keeps the marker, a new one clears it.
	changes := repository.DeadlineChanges{Title: late.Title, DueDate: late.DueDate, Priority: late.Priority}
	require.NoError(t, s.Deadlines.ApplyChanges(ctx, late.ID, changes, now))
	overdue, err = s.Deadlines.ListOverdueUnalerted(ctx, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	assert.Empty(t, overdue)

	changes.DueDate = now.Add(-time.Hour)
	require.NoError(t, s.Deadlines.ApplyChanges(ctx, late.ID, changes, now))
	overdue, err = s.Deadlines.ListOverdueUnalerted(ctx, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	assert.Len(t, overdue, 1)
}

func TestDigestSettingsRoundTrip(t *testing.T) {
	s := testutil.NewStores(t)
	ctx := context.Background()
	user := uuid.New()

	_, err := s.Digests.Get(ctx, user)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, s.Digests.Upsert(ctx, &model.DigestSettings{UserID: user, DailySummary: true}))
	got, err := s.Digests.Get(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultSummaryTime, got.SummaryTime)
	assert.Equal(t, model.ChannelEmail, got.Channel)

	require.NoError(t, s.Digests.Upsert(ctx, &model.DigestSettings{UserID: uuid.New()}))
	enabled, err := s.Digests.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, user, enabled[0].UserID)
}

func TestContactRoundTrip(t *testing.T) {
	s := testutil.NewStores(t)
	ctx := context.Background()
	user := uuid.New()

	require.NoError(t, s.Contacts.Upsert(ctx, &model.Contact{
		UserID:           user,
		Email:            "ada@example.com",
		PushSubscription: json.RawMessage(`{"endpoint":"https://push.example/1"}`),
	}))
	require.NoError(t, s.Contacts.Upsert(ctx, &model.Contact{
		UserID:           user,
		Email:            "ada@example.com",
		Phone:            "+15550001111",
		PushSubscription: json.RawMessage(`{"endpoint":"https://push.example/1"}`),
	}))

	c, err := s.Contacts.Get(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "+15550001111", c.Phone)
	assert.JSONEq(t, `{"endpoint":"https://push.example/1"}`, string(c.PushSubscription))

	_, err = s.Contacts.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
