// Package portalsync reconciles deadline candidates fetched from external
// portals into stored deadlines.
package portalsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/repository"
	"github.com/jwalitptl/deadline-sync/internal/scraper"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
	"github.com/jwalitptl/deadline-sync/pkg/logger"
	"github.com/jwalitptl/deadline-sync/pkg/messaging"
	"github.com/jwalitptl/deadline-sync/pkg/metrics"
)

// Message stored on a portal when a sync fails for a reason that is not
// part of the error taxonomy.
const internalFailureMessage = "sync failed: internal error"

type Syncer interface {
	SyncPortal(ctx context.Context, portalID uuid.UUID) (*Result, error)
	SyncAll(ctx context.Context) (*BatchResult, error)
	SyncUser(ctx context.Context, userID uuid.UUID) (*BatchResult, error)
}

// Resolver hands out the adapter serving a portal type.
type Resolver interface {
	Resolve(portalType model.PortalType) (scraper.Adapter, error)
}

type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxRetryAfter caps how long a throttled fetch may wait before the
	// next attempt; longer upstream waits end the sync with an error.
	MaxRetryAfter   time.Duration
	FetchTimeout    time.Duration
	LockTTL         time.Duration
	MinSyncInterval time.Duration
	Workers         int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxRetryAfter <= 0 {
		c.MaxRetryAfter = 2 * time.Minute
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 2 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

type Service struct {
	portals   repository.PortalRepository
	deadlines repository.DeadlineRepository
	adapters  Resolver
	stale     StalePolicy
	publisher messaging.Publisher
	log       *logger.Logger
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
}

type Option func(*Service)

func WithStalePolicy(p StalePolicy) Option { return func(s *Service) { s.stale = p } }

func WithPublisher(p messaging.Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(
	portals repository.PortalRepository,
	deadlines repository.DeadlineRepository,
	adapters Resolver,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
	opts ...Option,
) *Service {
	s := &Service{
		portals:   portals,
		deadlines: deadlines,
		adapters:  adapters,
		stale:     FlagMissing{Deadlines: deadlines},
		publisher: messaging.NopPublisher{},
		log:       log,
		metrics:   m,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncPortal runs one sync of the portal. Upstream and reconciliation
// failures are recorded on the portal and reported in the Result; the
// returned error is reserved for an unknown portal or a storage failure
// before the sync started.
func (s *Service) SyncPortal(ctx context.Context, portalID uuid.UUID) (*Result, error) {
	p, err := s.portals.Get(ctx, portalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("portal", err)
		}
		return nil, fmt.Errorf("failed to load portal: %w", err)
	}
	return s.sync(ctx, p)
}

// SyncAll syncs every active portal on a bounded pool of workers. Portals
// synced within MinSyncInterval are skipped. One portal's failure never
// affects the others.
func (s *Service) SyncAll(ctx context.Context) (*BatchResult, error) {
	portals, err := s.portals.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active portals: %w", err)
	}

	return s.syncBatch(ctx, portals, true), nil
}

// SyncUser syncs every active portal of one user, regardless of when each
// last synced. It is the on-demand refresh behind a user's "sync now".
func (s *Service) SyncUser(ctx context.Context, userID uuid.UUID) (*BatchResult, error) {
	all, err := s.portals.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list portals for user %s: %w", userID, err)
	}
	var portals []*model.Portal
	for _, p := range all {
		if p.Active {
			portals = append(portals, p)
		}
	}
	return s.syncBatch(ctx, portals, false), nil
}

func (s *Service) syncBatch(ctx context.Context, portals []*model.Portal, skipRecent bool) *BatchResult {
	results := make([]*Result, len(portals))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, p := range portals {
		i, p := i, p // per-iteration copy (toolchain is go1.21)
		if skipRecent && s.cfg.MinSyncInterval > 0 && p.SyncedWithin(s.now(), s.cfg.MinSyncInterval) {
			results[i] = &Result{PortalID: p.ID, PortalType: p.Type, Outcome: OutcomeSkippedRecent}
			continue
		}
		g.Go(func() error {
			res, err := s.sync(gctx, p)
			if err != nil {
				s.log.Error(err, "portal sync aborted", "portal_id", p.ID.String())
				res = &Result{PortalID: p.ID, PortalType: p.Type, Outcome: OutcomeFailed, Error: err.Error()}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	batch := &BatchResult{Results: results}
	for _, r := range results {
		batch.count(r)
	}
	s.log.Info("sync batch finished",
		"portals", len(results), "synced", batch.Synced, "failed", batch.Failed, "skipped", batch.Skipped)
	return batch
}

func (s *Service) sync(ctx context.Context, p *model.Portal) (res *Result, err error) {
	log := s.log.WithFields(map[string]interface{}{"portal_id": p.ID.String(), "portal_type": p.Type.String()})
	res = &Result{PortalID: p.ID, PortalType: p.Type}
	start := s.now()

	if !p.Active {
		res.Outcome = OutcomeSkippedInactive
		return res, nil
	}

	settings := scraper.SettingsFromPortal(p)
	adapter, err := s.adapters.Resolve(p.Type)
	if err == nil {
		err = adapter.ValidateConfig(settings)
	}
	if err != nil {
		log.Warn("portal configuration rejected", "error", err.Error())
		if markErr := s.portals.MarkError(ctx, p.ID, err.Error(), s.now()); markErr != nil {
			return nil, fmt.Errorf("failed to record configuration error: %w", markErr)
		}
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		s.finish(ctx, p, res, start)
		return res, nil
	}

	now := s.now()
	ok, err := s.portals.TryBeginSync(ctx, p.ID, now, now.Add(-s.cfg.LockTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !ok {
		log.Debug("portal already syncing")
		res.Outcome = OutcomeSkippedBusy
		return res, nil
	}

	// From here on the lock is held and must be released whatever happens,
	// even when the caller's context is gone.
	release := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error(fmt.Errorf("panic: %v", r), "portal sync panicked")
			res.Outcome = OutcomeFailed
			res.Error = internalFailureMessage
			s.release(release, log, p, res)
			s.finish(ctx, p, res, start)
			err = nil
		}
	}()

	s.run(ctx, log, p, adapter, settings, res)
	s.release(release, log, p, res)
	s.finish(ctx, p, res, start)
	return res, nil
}

// run fetches and reconciles, filling res. It never returns an error: every
// failure ends up in res.
func (s *Service) run(ctx context.Context, log *logger.Logger, p *model.Portal, adapter scraper.Adapter, settings scraper.Settings, res *Result) {
	cands, partial, attempts, err := s.fetch(ctx, log, p, adapter, settings)
	res.Attempts = attempts
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = failureMessage(err)
		log.Error(err, "portal fetch failed", "attempts", attempts)
		return
	}
	if s.metrics != nil {
		s.metrics.CandidatesFetched.WithLabelValues(p.Type.String()).Add(float64(len(cands)))
	}

	stats, err := s.reconcile(ctx, p, cands, partial == nil)
	res.Stats = stats
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = failureMessage(err)
		log.Error(err, "reconciliation failed")
		return
	}

	res.Outcome = OutcomeSynced
	if partial != nil {
		res.Outcome = OutcomePartial
		res.Error = partial.Error()
		log.Warn("portal fetch partially failed", "failed_units", len(partial.Failures))
	}
	log.Info("portal synced",
		"created", stats.Created, "updated", stats.Updated, "unchanged", stats.Unchanged, "missing", stats.Missing)
}

// retryHint lets a fetch attempt stretch the next backoff interval to the
// wait an upstream asked for.
type retryHint struct {
	backoff.BackOff
	wait time.Duration
}

func (h *retryHint) NextBackOff() time.Duration {
	next := h.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if h.wait > next {
		next = h.wait
	}
	h.wait = 0
	return next
}

func (s *Service) fetch(ctx context.Context, log *logger.Logger, p *model.Portal, adapter scraper.Adapter, settings scraper.Settings) ([]model.Candidate, *apperrors.PartialResultError, int, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.InitialBackoff
	exp.MaxInterval = s.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	hint := &retryHint{BackOff: backoff.WithMaxRetries(exp, uint64(s.cfg.MaxAttempts-1))}

	var (
		cands    []model.Candidate
		partial  *apperrors.PartialResultError
		attempts int
	)
	op := func() error {
		attempts++
		fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()

		got, err := adapter.FetchCandidates(fctx, settings)
		var pr *apperrors.PartialResultError
		switch {
		case err == nil:
			cands, partial = got, nil
			return nil
		case errors.As(err, &pr):
			cands, partial = got, pr
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case fctx.Err() != nil:
			return &apperrors.TransientNetworkError{PortalType: p.Type.String(), Op: "fetch", Err: err}
		case !apperrors.IsRetryable(err):
			return backoff.Permanent(err)
		}
		if wait, ok := apperrors.RetryAfter(err); ok {
			if wait > s.cfg.MaxRetryAfter {
				return backoff.Permanent(err)
			}
			hint.wait = wait
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if s.metrics != nil {
			s.metrics.SyncRetries.WithLabelValues(p.Type.String()).Inc()
		}
		log.Warn("retrying portal fetch", "error", err.Error(), "wait", wait.String(), "attempt", attempts)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(hint, ctx), notify)
	return cands, partial, attempts, err
}

// failureMessage keeps taxonomy errors verbatim and hides anything else
// (storage errors, panics) behind a generic message.
func failureMessage(err error) string {
	var (
		cfgErr  *apperrors.ConfigError
		authErr *apperrors.AuthError
	)
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &authErr), apperrors.IsRetryable(err):
		return err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "sync cancelled: " + err.Error()
	}
	return internalFailureMessage
}

func (s *Service) release(ctx context.Context, log *logger.Logger, p *model.Portal, res *Result) {
	outcome := repository.SyncOutcome{FinishedAt: s.now()}
	switch res.Outcome {
	case OutcomeSynced, OutcomePartial:
		outcome.Status = model.SyncStatusSuccess
		outcome.Error = res.Error
		outcome.Succeeded = true
	default:
		outcome.Status = model.SyncStatusError
		outcome.Error = res.Error
	}
	if err := s.portals.FinishSync(ctx, p.ID, outcome); err != nil {
		log.Error(err, "failed to release sync lock")
	}
}

func (s *Service) finish(ctx context.Context, p *model.Portal, res *Result, start time.Time) {
	if s.metrics != nil {
		s.metrics.SyncRuns.WithLabelValues(p.Type.String(), string(res.Outcome)).Inc()
		s.metrics.SyncDuration.WithLabelValues(p.Type.String()).Observe(s.now().Sub(start).Seconds())
	}

	event := messaging.EventDeadlineSynced
	if res.Outcome == OutcomeFailed {
		event = messaging.EventPortalSyncFailed
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), event, res); err != nil {
		s.log.Warn("failed to publish sync event", "portal_id", p.ID.String(), "error", err.Error())
	}
}

// count folds one result into the batch totals.
func (b *BatchResult) count(r *Result) {
	switch r.Outcome {
	case OutcomeSynced, OutcomePartial:
		b.Synced++
	case OutcomeFailed:
		b.Failed++
	default:
		b.Skipped++
	}
}
