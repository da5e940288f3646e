package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/repository"
)

type deadlineRepository struct {
	BaseRepository
}

func NewDeadlineRepository(base BaseRepository) repository.DeadlineRepository {
	return &deadlineRepository{base}
}

const deadlineColumns = `id, user_id, portal_id, title, description, due_date, priority, status,
	upstream_key, upstream_url, tags, raw_body, missing_since, created_at, updated_at`

// Create inserts the deadline. A second row for the same (portal, upstream
// key) is rejected with a conflict.
func (r *deadlineRepository) Create(ctx context.Context, d *model.Deadline) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := ts(time.Now())
	d.CreatedAt = now
	d.UpdatedAt = now
	d.DueDate = ts(d.DueDate)
	if d.Status == "" {
		d.Status = model.DeadlineStatusPending
	}

	_, err := r.exec(ctx, "deadline.create", `
		INSERT INTO deadlines (`+deadlineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.UserID,
		d.PortalID,
		d.Title,
		d.Description,
		d.DueDate,
		d.Priority,
		d.Status,
		d.UpstreamKey,
		d.UpstreamURL,
		d.Tags,
		d.RawBody,
		tsPtr(d.MissingSince),
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("failed to create deadline: %w", err)
	}
	return nil
}

func (r *deadlineRepository) Get(ctx context.Context, id uuid.UUID) (*model.Deadline, error) {
	var d model.Deadline
	if err := r.get(ctx, "deadline.get", &d, `SELECT `+deadlineColumns+` FROM deadlines WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to get deadline %s: %w", id, err)
	}
	return &d, nil
}

func (r *deadlineRepository) GetByUpstreamKey(ctx context.Context, portalID uuid.UUID, upstreamKey string) (*model.Deadline, error) {
	var d model.Deadline
	err := r.get(ctx, "deadline.get_by_upstream", &d,
		`SELECT `+deadlineColumns+` FROM deadlines WHERE portal_id = ? AND upstream_key = ?`,
		portalID, upstreamKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get deadline %s/%s: %w", portalID, upstreamKey, err)
	}
	return &d, nil
}

func (r *deadlineRepository) ListByPortal(ctx context.Context, portalID uuid.UUID) ([]*model.Deadline, error) {
	var out []*model.Deadline
	err := r.selectAll(ctx, "deadline.list_by_portal", &out,
		`SELECT `+deadlineColumns+` FROM deadlines WHERE portal_id = ? ORDER BY due_date, id`,
		portalID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list deadlines: %w", err)
	}
	return out, nil
}

func (r *deadlineRepository) ListOpenDueAfter(ctx context.Context, t time.Time) ([]*model.Deadline, error) {
	var out []*model.Deadline
	err := r.selectAll(ctx, "deadline.list_open", &out,
		`SELECT `+deadlineColumns+` FROM deadlines WHERE status <> ? AND due_date > ? ORDER BY due_date, id`,
		model.DeadlineStatusCompleted, ts(t),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list open deadlines: %w", err)
	}
	return out, nil
}

// ApplyChanges overwrites the upstream-owned fields. A moved due date makes
// the deadline eligible for a fresh overdue alert.
func (r *deadlineRepository) ApplyChanges(ctx context.Context, id uuid.UUID, c repository.DeadlineChanges, at time.Time) error {
	n, err := r.exec(ctx, "deadline.apply_changes", `
		UPDATE deadlines
		SET title = ?, description = ?, due_date = ?, priority = ?, upstream_url = ?, raw_body = ?, updated_at = ?,
		    overdue_alerted_at = CASE WHEN due_date = ? THEN overdue_alerted_at ELSE NULL END
		WHERE id = ?`,
		c.Title, c.Description, ts(c.DueDate), c.Priority, c.UpstreamURL, c.RawBody, ts(at), ts(c.DueDate), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update deadline %s: %w", id, err)
	}
	return requireOne(n, "deadline "+id.String())
}

func (r *deadlineRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.DeadlineStatus, at time.Time) error {
	n, err := r.exec(ctx, "deadline.update_status",
		`UPDATE deadlines SET status = ?, updated_at = ? WHERE id = ?`,
		status, ts(at), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update deadline status %s: %w", id, err)
	}
	return requireOne(n, "deadline "+id.String())
}

// SetMissingSince flags (or with a nil at, clears) the given deadlines.
func (r *deadlineRepository) SetMissingSince(ctx context.Context, ids []uuid.UUID, at *time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE deadlines SET missing_since = ? WHERE id IN (?)`, tsPtr(at), ids)
	if err != nil {
		return fmt.Errorf("failed to build missing_since update: %w", err)
	}
	if _, err := r.exec(ctx, "deadline.set_missing", query, args...); err != nil {
		return fmt.Errorf("failed to update missing_since: %w", err)
	}
	return nil
}

func (r *deadlineRepository) ListOpenByUser(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]*model.Deadline, error) {
	var out []*model.Deadline
	err := r.selectAll(ctx, "deadline.list_open_by_user", &out, `
		SELECT `+deadlineColumns+` FROM deadlines
		WHERE user_id = ? AND status <> ? AND due_date >= ? AND due_date < ?
		ORDER BY due_date, id`,
		userID, model.DeadlineStatusCompleted, ts(from), ts(to),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list deadlines for user %s: %w", userID, err)
	}
	return out, nil
}

func (r *deadlineRepository) ListOverdueUnalerted(ctx context.Context, from, to time.Time) ([]*model.Deadline, error) {
	var out []*model.Deadline
	err := r.selectAll(ctx, "deadline.list_overdue", &out, `
		SELECT `+deadlineColumns+` FROM deadlines
		WHERE status <> ? AND overdue_alerted_at IS NULL AND due_date >= ? AND due_date < ?
		ORDER BY user_id, due_date, id`,
		model.DeadlineStatusCompleted, ts(from), ts(to),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue deadlines: %w", err)
	}
	return out, nil
}

func (r *deadlineRepository) MarkOverdueAlerted(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE deadlines SET overdue_alerted_at = ? WHERE id IN (?)`, ts(at), ids)
	if err != nil {
		return fmt.Errorf("failed to build overdue update: %w", err)
	}
	if _, err := r.exec(ctx, "deadline.mark_overdue_alerted", query, args...); err != nil {
		return fmt.Errorf("failed to mark deadlines alerted: %w", err)
	}
	return nil
}

// DeleteCompletedBefore removes deadlines completed before the cutoff,
// together with their notification records. A portal deadline still listed
// upstream is kept, otherwise the next sync would import it again as pending.
func (r *deadlineRepository) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	n, err := r.exec(ctx, "deadline.delete_completed", `
		DELETE FROM deadlines
		WHERE status = ? AND updated_at < ? AND (portal_id IS NULL OR missing_since IS NOT NULL)`,
		model.DeadlineStatusCompleted, ts(before),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete completed deadlines: %w", err)
	}
	return n, nil
}
