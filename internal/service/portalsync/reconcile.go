package portalsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/repository"
)

// reconcile merges candidates into the portal's stored deadlines, keyed by
// upstream key. Only the fields in repository.DeadlineChanges are ever
// written to an existing deadline. complete is false for a partial fetch,
// in which case absent deadlines are not treated as missing.
func (s *Service) reconcile(ctx context.Context, p *model.Portal, cands []model.Candidate, complete bool) (Stats, error) {
	stats := Stats{Fetched: len(cands)}
	now := s.now()

	existing, err := s.deadlines.ListByPortal(ctx, p.ID)
	if err != nil {
		return stats, fmt.Errorf("failed to list portal deadlines: %w", err)
	}
	byKey := make(map[string]*model.Deadline, len(existing))
	for _, d := range existing {
		byKey[d.UpstreamKey] = d
	}

	seen := make(map[string]bool, len(cands))
	var reappeared []uuid.UUID
	for _, c := range cands {
		if c.UpstreamKey == "" || c.DueDate.IsZero() || seen[c.UpstreamKey] {
			stats.Skipped++
			continue
		}
		seen[c.UpstreamKey] = true

		d, ok := byKey[c.UpstreamKey]
		if !ok {
			created, err := s.create(ctx, p, c, now)
			if err != nil {
				return stats, err
			}
			if created {
				stats.Created++
				s.countChange(p, "created")
				continue
			}
			// Someone else inserted the key since we listed; fall through
			// to the update path against their row.
			if d, err = s.deadlines.GetByUpstreamKey(ctx, p.ID, c.UpstreamKey); err != nil {
				return stats, fmt.Errorf("failed to load deadline %s: %w", c.UpstreamKey, err)
			}
		}

		if d.MissingSince != nil {
			reappeared = append(reappeared, d.ID)
		}
		changes, changed := diff(d, c)
		if !changed {
			stats.Unchanged++
			s.countChange(p, "unchanged")
			continue
		}
		if err := s.deadlines.ApplyChanges(ctx, d.ID, changes, now); err != nil {
			return stats, fmt.Errorf("failed to update deadline %s: %w", c.UpstreamKey, err)
		}
		stats.Updated++
		s.countChange(p, "updated")
	}

	if len(reappeared) > 0 {
		if err := s.deadlines.SetMissingSince(ctx, reappeared, nil); err != nil {
			return stats, fmt.Errorf("failed to clear missing flag: %w", err)
		}
		stats.Reappeared = len(reappeared)
	}

	if !complete {
		return stats, nil
	}
	var missing []*model.Deadline
	for _, d := range existing {
		if !seen[d.UpstreamKey] {
			missing = append(missing, d)
		}
	}
	stats.Missing = len(missing)
	if len(missing) > 0 {
		if err := s.stale.Apply(ctx, p, missing, now); err != nil {
			return stats, fmt.Errorf("failed to apply stale policy: %w", err)
		}
	}
	return stats, nil
}

// create inserts a new deadline. It returns false when the upstream key
// already exists.
func (s *Service) create(ctx context.Context, p *model.Portal, c model.Candidate, now time.Time) (bool, error) {
	portalID := p.ID
	priority := c.Priority
	if !priority.Valid() {
		priority = model.PriorityMedium
	}
	d := &model.Deadline{
		Base:        model.Base{ID: uuid.New(), CreatedAt: now, UpdatedAt: now},
		UserID:      p.UserID,
		Title:       c.Title,
		Description: c.Description,
		DueDate:     c.DueDate.UTC(),
		Priority:    priority,
		Status:      model.DeadlineStatusPending,
		PortalID:    &portalID,
		UpstreamKey: c.UpstreamKey,
		UpstreamURL: c.UpstreamURL,
		Tags:        model.StringList{p.Type.String()},
		RawBody:     c.RawBody,
	}
	if err := s.deadlines.Create(ctx, d); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create deadline %s: %w", c.UpstreamKey, err)
	}
	return true, nil
}

// diff returns the candidate's values and whether any of them differ from
// the stored deadline. Due dates compare at storage precision.
func diff(d *model.Deadline, c model.Candidate) (repository.DeadlineChanges, bool) {
	priority := c.Priority
	if !priority.Valid() {
		priority = model.PriorityMedium
	}
	changes := repository.DeadlineChanges{
		Title:       c.Title,
		Description: c.Description,
		DueDate:     c.DueDate.UTC(),
		Priority:    priority,
		UpstreamURL: c.UpstreamURL,
		RawBody:     c.RawBody,
	}
	changed := d.Title != changes.Title ||
		d.Description != changes.Description ||
		!d.DueDate.Truncate(time.Microsecond).Equal(changes.DueDate.Truncate(time.Microsecond)) ||
		d.Priority != changes.Priority ||
		d.UpstreamURL != changes.UpstreamURL
	return changes, changed
}

func (s *Service) countChange(p *model.Portal, action string) {
	if s.metrics != nil {
		s.metrics.DeadlinesChanged.WithLabelValues(p.Type.String(), action).Inc()
	}
}
