package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/repository"
)

type notificationRepository struct {
	BaseRepository
}

func NewNotificationRepository(base BaseRepository) repository.NotificationRepository {
	return &notificationRepository{base}
}

const notificationColumns = `id, user_id, deadline_id, kind, period, offset_tag, channel, body, recipient,
	scheduled_for, sent_at, status, failure_detail, retryable, retry_count, next_retry_at,
	provider_message_id, created_at, updated_at`

// Digest rows store a NULL deadline; reads map it back to uuid.Nil.
const notificationSelect = `SELECT id, user_id,
	COALESCE(deadline_id, '00000000-0000-0000-0000-000000000000') AS deadline_id,
	kind, period, offset_tag, channel, body, recipient, scheduled_for, sent_at, status,
	failure_detail, retryable, retry_count, next_retry_at, provider_message_id, created_at, updated_at
	FROM notifications`

func nullableID(id uuid.UUID) interface{} {
	if id == uuid.Nil {
		return nil
	}
	return id
}

func (r *notificationRepository) Claim(ctx context.Context, n *model.Notification) (bool, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	now := ts(time.Now())
	n.CreatedAt = now
	n.UpdatedAt = now
	n.ScheduledFor = ts(n.ScheduledFor)
	if n.Status == "" {
		n.Status = model.NotificationStatusPending
	}
	if n.Kind == "" {
		n.Kind = model.NotificationKindReminder
	}

	// Both unique indexes act as the claim: reminders on (deadline, offset,
	// channel), digests on (user, kind, period, channel).
	affected, err := r.exec(ctx, "notification.claim", `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		n.ID,
		n.UserID,
		nullableID(n.DeadlineID),
		n.Kind,
		n.Period,
		n.Offset,
		n.Channel,
		n.Body,
		n.Recipient,
		n.ScheduledFor,
		tsPtr(n.SentAt),
		n.Status,
		n.FailureDetail,
		n.Retryable,
		n.RetryCount,
		tsPtr(n.NextRetryAt),
		n.ProviderMessageID,
		n.CreatedAt,
		n.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim notification: %w", err)
	}
	return affected == 1, nil
}

func (r *notificationRepository) Get(ctx context.Context, id uuid.UUID) (*model.Notification, error) {
	var n model.Notification
	if err := r.get(ctx, "notification.get", &n, notificationSelect+` WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to get notification %s: %w", id, err)
	}
	return &n, nil
}

func (r *notificationRepository) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*model.Notification, error) {
	if providerMessageID == "" {
		return nil, repository.ErrNotFound
	}
	var n model.Notification
	err := r.get(ctx, "notification.find_by_provider_id", &n,
		notificationSelect+` WHERE provider_message_id = ?`, providerMessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to find notification by provider id: %w", err)
	}
	return &n, nil
}

func (r *notificationRepository) ListByDeadline(ctx context.Context, deadlineID uuid.UUID) ([]*model.Notification, error) {
	var out []*model.Notification
	err := r.selectAll(ctx, "notification.list_by_deadline", &out,
		notificationSelect+` WHERE deadline_id = ? ORDER BY created_at, channel`, deadlineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return out, nil
}

func (r *notificationRepository) ListByUserKind(ctx context.Context, userID uuid.UUID, kind model.NotificationKind) ([]*model.Notification, error) {
	var out []*model.Notification
	err := r.selectAll(ctx, "notification.list_by_user_kind", &out,
		notificationSelect+` WHERE user_id = ? AND kind = ? ORDER BY period DESC, channel`, userID, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s notifications: %w", kind, err)
	}
	return out, nil
}

func (r *notificationRepository) ListRetryable(ctx context.Context, now time.Time, maxRetries, limit int) ([]*model.Notification, error) {
	var out []*model.Notification
	err := r.selectAll(ctx, "notification.list_retryable", &out, `
		`+notificationSelect+`
		WHERE status = ? AND retryable = ? AND retry_count < ?
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY updated_at, id
		LIMIT ?`,
		model.NotificationStatusFailed, true, maxRetries, ts(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable notifications: %w", err)
	}
	return out, nil
}

func (r *notificationRepository) ReclaimForRetry(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	n, err := r.exec(ctx, "notification.reclaim", `
		UPDATE notifications SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND retryable = ?`,
		model.NotificationStatusPending, ts(now), id, model.NotificationStatusFailed, true,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim notification %s: %w", id, err)
	}
	return n == 1, nil
}

func (r *notificationRepository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID, recipient string, at time.Time) error {
	n, err := r.exec(ctx, "notification.mark_sent", `
		UPDATE notifications
		SET status = ?, sent_at = ?, provider_message_id = ?, recipient = ?,
		    failure_detail = '', retryable = ?, next_retry_at = NULL, updated_at = ?
		WHERE id = ?`,
		model.NotificationStatusSent, ts(at), providerMessageID, recipient, false, ts(at), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark notification %s sent: %w", id, err)
	}
	return requireOne(n, "notification "+id.String())
}

func (r *notificationRepository) MarkFailed(ctx context.Context, id uuid.UUID, detail string, retryable bool, nextRetryAt *time.Time, at time.Time) error {
	n, err := r.exec(ctx, "notification.mark_failed", `
		UPDATE notifications
		SET status = ?, failure_detail = ?, retryable = ?, retry_count = retry_count + 1,
		    next_retry_at = ?, updated_at = ?
		WHERE id = ?`,
		model.NotificationStatusFailed, detail, retryable, tsPtr(nextRetryAt), ts(at), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark notification %s failed: %w", id, err)
	}
	return requireOne(n, "notification "+id.String())
}

// UpdateStatus applies a provider delivery report. The message already left
// the dispatcher, so the record is never retried afterwards.
func (r *notificationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.NotificationStatus, detail string, at time.Time) error {
	n, err := r.exec(ctx, "notification.update_status", `
		UPDATE notifications
		SET status = ?, failure_detail = ?, retryable = ?, next_retry_at = NULL, updated_at = ?
		WHERE id = ?`,
		status, detail, false, ts(at), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update notification %s: %w", id, err)
	}
	return requireOne(n, "notification "+id.String())
}

func (r *notificationRepository) FailStalePending(ctx context.Context, claimedBefore time.Time, detail string, now time.Time) (int64, error) {
	n, err := r.exec(ctx, "notification.fail_stale", `
		UPDATE notifications
		SET status = ?, failure_detail = ?, retryable = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		model.NotificationStatusFailed, detail, false, ts(now),
		model.NotificationStatusPending, ts(claimedBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale notifications: %w", err)
	}
	return n, nil
}

// PurgeBefore trims records that settled before the cutoff. Reminder rows
// keep their claim columns so a settled reminder never fires again; only the
// message body and recipient are cleared. Digest rows are deleted outright,
// their period has long passed.
func (r *notificationRepository) PurgeBefore(ctx context.Context, before time.Time) (scrubbed, deleted int64, err error) {
	settled := []interface{}{
		model.NotificationStatusSent, model.NotificationStatusDelivered, model.NotificationStatusFailed,
		false, ts(before),
	}
	scrubbed, err = r.exec(ctx, "notification.scrub", `
		UPDATE notifications SET body = '', recipient = ''
		WHERE deadline_id IS NOT NULL AND status IN (?, ?, ?) AND retryable = ? AND updated_at < ?
		  AND (body <> '' OR recipient <> '')`,
		settled...,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to scrub notifications: %w", err)
	}
	deleted, err = r.exec(ctx, "notification.purge", `
		DELETE FROM notifications
		WHERE deadline_id IS NULL AND status IN (?, ?, ?) AND retryable = ? AND updated_at < ?`,
		settled...,
	)
	if err != nil {
		return scrubbed, 0, fmt.Errorf("failed to purge digest notifications: %w", err)
	}
	return scrubbed, deleted, nil
}
