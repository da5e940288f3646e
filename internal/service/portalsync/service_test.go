package portalsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/scraper"
	"github.com/jwalitptl/deadline-sync/internal/scraper/registry"
	"github.com/jwalitptl/deadline-sync/internal/testutil"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
	"github.com/jwalitptl/deadline-sync/pkg/logger"
	"github.com/jwalitptl/deadline-sync/pkg/metrics"
)

const fakeType model.PortalType = "fake"

type fakeAdapter struct {
	mu       sync.Mutex
	calls    map[string]int
	validate error
	fetch    func(name string, call int) ([]model.Candidate, error)
}

func (f *fakeAdapter) Type() model.PortalType { return fakeType }

func (f *fakeAdapter) ValidateConfig(scraper.Settings) error { return f.validate }

func (f *fakeAdapter) FetchCandidates(_ context.Context, s scraper.Settings) ([]model.Candidate, error) {
	var cfg struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(s.Config, &cfg)

	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[cfg.Name]++
	call := f.calls[cfg.Name]
	f.mu.Unlock()

	return f.fetch(cfg.Name, call)
}

func (f *fakeAdapter) callsFor(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

type fixture struct {
	stores  *testutil.Stores
	adapter *fakeAdapter
	svc     *Service
}

func newFixture(t *testing.T, fetch func(name string, call int) ([]model.Candidate, error), opts ...Option) *fixture {
	t.Helper()
	stores := testutil.NewStores(t)
	adapter := &fakeAdapter{fetch: fetch}
	reg := registry.New(scraper.Options{}, registry.Entry{
		Type:    fakeType,
		Factory: func(scraper.Options) scraper.Adapter { return adapter },
	})
	svc := NewService(stores.Portals, stores.Deadlines, reg, Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		FetchTimeout:   time.Second,
		Workers:        2,
	}, logger.Nop(), metrics.New("test"), opts...)
	return &fixture{stores: stores, adapter: adapter, svc: svc}
}

func (f *fixture) portal(t *testing.T, name string) *model.Portal {
	t.Helper()
	p := &model.Portal{
		UserID: uuid.New(),
		Type:   fakeType,
		Name:   name,
		Config: json.RawMessage(`{"name":"` + name + `"}`),
		Active: true,
	}
	require.NoError(t, f.stores.Portals.Create(context.Background(), p))
	return p
}

func (f *fixture) deadlines(t *testing.T, p *model.Portal) map[string]*model.Deadline {
	t.Helper()
	list, err := f.stores.Deadlines.ListByPortal(context.Background(), p.ID)
	require.NoError(t, err)
	out := make(map[string]*model.Deadline, len(list))
	for _, d := range list {
		out[d.UpstreamKey] = d
	}
	return out
}

var due = time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second)

func cand(key, title string) model.Candidate {
	return model.Candidate{Title: title, DueDate: due, UpstreamKey: key, Priority: model.PriorityHigh}
}

func TestSyncPortalIsIdempotent(t *testing.T) {
	f := newFixture(t, func(string, int) ([]model.Candidate, error) {
		return []model.Candidate{cand("a", "Task A"), cand("b", "Task B")}, nil
	})
	p := f.portal(t, "p")
	ctx := context.Background()

	first, err := f.svc.SyncPortal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, first.Outcome)
	assert.Equal(t, 2, first.Stats.Created)

	before := f.deadlines(t, p)

	second, err := f.svc.SyncPortal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Stats.Created)
	assert.Equal(t, 0, second.Stats.Updated)
	assert.Equal(t, 2, second.Stats.Unchanged)

	after := f.deadlines(t, p)
	require.Len(t, after, 2)
	for key, d := range before {
		assert.Equal(t, d.ID, after[key].ID)
		assert.Equal(t, d.UpdatedAt, after[key].UpdatedAt)
	}

	got, err := f.stores.Portals.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSuccess, got.SyncStatus)
	assert.Equal(t, 2, got.SyncCount)
	assert.NotNil(t, got.LastSyncAt)
	assert.Empty(t, got.LastError)
}

func TestSyncDeduplicatesWithinFetch(t *testing.T) {
	f := newFixture(t, func(string, int) ([]model.Candidate, error) {
		return []model.Candidate{cand("a", "First"), cand("a", "Second"), {Title: "no key", DueDate: due}}, nil
	})
	p := f.portal(t, "p")

	res, err := f.svc.SyncPortal(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Created)
	assert.Equal(t, 2, res.Stats.Skipped)

	got := f.deadlines(t, p)
	require.Len(t, got, 1)
	assert.Equal(t, "First", got["a"].Title)
}

func TestSyncPreservesUserOwnedFields(t *testing.T) {
	f := newFixture(t, func(_ string, call int) ([]model.Candidate, error) {
		c := cand("a", "Original")
		if call > 1 {
			c.Title = "Renamed upstream"
			c.DueDate = due.Add(time.Hour)
		}
		return []model.Candidate{c}, nil
	})
	p := f.portal(t, "p")
	ctx := context.Background()

	_, err := f.svc.SyncPortal(ctx, p.ID)
	require.NoError(t, err)
	d := f.deadlines(t, p)["a"]
	require.NoError(t, f.stores.Deadlines.UpdateStatus(ctx, d.ID, model.DeadlineStatusCompleted, time.Now()))

	res, err := f.svc.SyncPortal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Updated)

	d = f.deadlines(t, p)["a"]
	assert.Equal(t, "Renamed upstream", d.Title)
	assert.True(t, d.DueDate.Equal(due.Add(time.Hour)))
	assert.Equal(t, model.DeadlineStatusCompleted, d.Status)
	assert.Equal(t, model.StringList{"fake"}, d.Tags)
}

func TestSyncAllIsolatesFailingPortal(t *testing.T) {
	f := newFixture(t, func(name string, _ int) ([]model.Candidate, error) {
		if name == "p2" {
			return nil, &apperrors.AuthError{PortalType: "fake", StatusCode: 401, Message: "bad token"}
		}
		return []model.Candidate{cand(name+"-1", "Task")}, nil
	})
	p1, p2, p3 := f.portal(t, "p1"), f.portal(t, "p2"), f.portal(t, "p3")
	ctx := context.Background()

	batch, err := f.svc.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Synced)
	assert.Equal(t, 1, batch.Failed)

	for _, p := range []*model.Portal{p1, p3} {
		got, err := f.stores.Portals.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SyncStatusSuccess, got.SyncStatus)
		assert.Len(t, f.deadlines(t, p), 1)
	}

	got, err := f.stores.Portals.Get(ctx, p2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusError, got.SyncStatus)
	assert.Contains(t, got.LastError, "bad token")
	assert.Empty(t, f.deadlines(t, p2))
	assert.Equal(t, 1, f.adapter.callsFor("p2"), "auth errors are not retried")
}

func TestSyncAllSkipsRecentlySynced(t *testing.T) {
	f := newFixture(t, func(string, int) ([]model.Candidate, error) { return nil, nil })
	f.svc.cfg.MinSyncInterval = time.Hour
	p := f.portal(t, "p")
	ctx := context.Background()

	_, err := f.svc.SyncPortal(ctx, p.ID)
	require.NoError(t, err)

	batch, err := f.svc.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Results, 1)
	assert.Equal(t, OutcomeSkippedRecent, batch.Results[0].Outcome)
	assert.Equal(t, 1, f.adapter.callsFor("p"))
}

func TestSyncUserSyncsOnlyThatUsersActivePortals(t *testing.T) {
	f := newFixture(t, func(name string, _ int) ([]model.Candidate, error) {
		return []model.Candidate{cand(name+"-1", "Task")}, nil
	})
	f.svc.cfg.MinSyncInterval = time.Hour
	ctx := context.Background()

	mine, recent, paused := f.portal(t, "mine"), f.portal(t, "recent"), f.portal(t, "paused")
	other := f.portal(t, "other")
	for _, p := range []*model.Portal{recent, paused} {
		_, err := f.stores.DB.Exec(f.stores.DB.Rebind(`UPDATE portals SET user_id = ? WHERE id = ?`), mine.UserID, p.ID)
		require.NoError(t, err)
	}
	_, err := f.stores.DB.Exec(f.stores.DB.Rebind(`UPDATE portals SET active = ? WHERE id = ?`), false, paused.ID)
	require.NoError(t, err)

	_, err = f.svc.SyncPortal(ctx, recent.ID)
	require.NoError(t, err)

	batch, err := f.svc.SyncUser(ctx, mine.UserID)
	require.NoError(t, err)
	require.Len(t, batch.Results, 2)
	assert.Equal(t, 2, batch.Synced)
	assert.Zero(t, batch.Skipped)

	assert.Equal(t, 1, f.adapter.callsFor("mine"))
	assert.Equal(t, 2, f.adapter.callsFor("recent"), "a user sync ignores the minimum interval")
	assert.Zero(t, f.adapter.callsFor("paused"))
	assert.Zero(t, f.adapter.callsFor("other"))
	assert.Empty(t, f.deadlines(t, other))

	batch, err = f.svc.SyncUser(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, batch.Results)
}

func TestSyncRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, func(_ string, call int) ([]model.Candidate, error) {
		if call < 3 {
			return nil, &apperrors.TransientNetworkError{PortalType: "fake", Err: errors.New("connection reset")}
		}
		return []model.Candidate{cand("a", "Task")}, nil
	})
	p := f.portal(t, "p")

	res, err := f.svc.SyncPortal(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
}

func TestSyncGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, func(string, int) ([]model.Candidate, error) {
		return nil, &apperrors.RateLimitError{PortalType: "fake", RetryAfter: time.Millisecond}
	})
	p := f.portal(t, "p")
	ctx := context.Background()

	res, err := f.svc.SyncPortal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 3, res.Attempts)

	got, err := f.stores.Portals.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusError, got.SyncStatus)
	assert.Contains(t, got.LastError, "rate limited")
}

func TestSyncSkipsBusyPortal(t *testing.T) {
	f := newFixture(t, func(string, int) ([]model.Candidate, error) { return nil, nil })
	p := f.portal(t, "p")
	ctx := context.Background()

	now := time.Now()
	ok, err := f.stores.Portals.TryBeginSync(ctx, p.ID, now, now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.svc.SyncPortal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedBusy, res.Outcome)
	assert.Zero(t, f.adapter.callsFor("p"))
}

func TestSyncRejectsInvalidConfiguration(t *testing.T) {
	f := newFixture(t, func(string, int) ([]model.Candidate, error) { return nil, nil })
	f.adapter.validate = &apperrors.ConfigError{PortalType: "fake", Field: "config.repos", Message: "required"}
	p := f.portal(t, "p")
	ctx := context.Background()

	res, err := f.svc.SyncPortal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Zero(t, f.adapter.callsFor("p"))

	got, err := f.stores.Portals.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusError, got.SyncStatus)
	assert.Contains(t, got.LastError, "config.repos")
	assert.Zero(t, got.SyncCount)
}

func TestSyncUnknownPortalType(t *testing.T) {
	f := newFixture(t, func(string, int) ([]model.Candidate, error) { return nil, nil })
	p := &model.Portal{UserID: uuid.New(), Type: "gitlab", Name: "x", Active: true}
	require.NoError(t, f.stores.Portals.Create(context.Background(), p))

	res, err := f.svc.SyncPortal(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Error, "unknown portal type")
}

func TestSyncSkipsInactivePortal(t *testing.T) {
	f := newFixture(t, func(string, int) ([]model.Candidate, error) { return nil, nil })
	p := &model.Portal{UserID: uuid.New(), Type: fakeType, Name: "off", Active: false}
	require.NoError(t, f.stores.Portals.Create(context.Background(), p))

	res, err := f.svc.SyncPortal(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedInactive, res.Outcome)
}

func TestSyncPortalNotFound(t *testing.T) {
	f := newFixture(t, func(string, int) ([]model.Candidate, error) { return nil, nil })
	_, err := f.svc.SyncPortal(context.Background(), uuid.New())
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrNotFound, appErr.Code)
}

func TestSyncFlagsMissingDeadlines(t *testing.T) {
	f := newFixture(t, func(_ string, call int) ([]model.Candidate, error) {
		switch call {
		case 1:
			return []model.Candidate{cand("a", "A"), cand("b", "B")}, nil
		case 2:
			// b failed to load along with its unit: not missing.
			return []model.Candidate{cand("a", "A")}, &apperrors.PartialResultError{
				PortalType: "fake", Failures: map[string]error{"repo-b": errors.New("boom")},
			}
		case 3:
			return []model.Candidate{cand("a", "A")}, nil
		default:
			return []model.Candidate{cand("a", "A"), cand("b", "B")}, nil
		}
	})
	p := f.portal(t, "p")
	ctx := context.Background()

	_, err := f.svc.SyncPortal(ctx, p.ID)
	require.NoError(t, err)

	res, err := f.svc.SyncPortal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Nil(t, f.deadlines(t, p)["b"].MissingSince)
	got, err := f.stores.Portals.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSuccess, got.SyncStatus)
	assert.Contains(t, got.LastError, "repo-b")

	res, err = f.svc.SyncPortal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Missing)
	assert.NotNil(t, f.deadlines(t, p)["b"].MissingSince)

	res, err = f.svc.SyncPortal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Reappeared)
	assert.Nil(t, f.deadlines(t, p)["b"].MissingSince)
}

func TestSyncKeepMissingPolicy(t *testing.T) {
	f := newFixture(t, func(_ string, call int) ([]model.Candidate, error) {
		if call == 1 {
			return []model.Candidate{cand("a", "A"), cand("b", "B")}, nil
		}
		return []model.Candidate{cand("a", "A")}, nil
	}, WithStalePolicy(KeepMissing{}))
	p := f.portal(t, "p")
	ctx := context.Background()

	_, err := f.svc.SyncPortal(ctx, p.ID)
	require.NoError(t, err)
	_, err = f.svc.SyncPortal(ctx, p.ID)
	require.NoError(t, err)

	assert.Nil(t, f.deadlines(t, p)["b"].MissingSince)
}

func TestSyncRecoversFromAdapterPanic(t *testing.T) {
	f := newFixture(t, func(_ string, call int) ([]model.Candidate, error) {
		if call == 1 {
			panic("adapter bug")
		}
		return nil, nil
	})
	p := f.portal(t, "p")
	ctx := context.Background()

	res, err := f.svc.SyncPortal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, internalFailureMessage, res.Error)

	got, err := f.stores.Portals.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusError, got.SyncStatus)

	// The lock was released, so the next sync runs.
	res, err = f.svc.SyncPortal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, res.Outcome)
}
