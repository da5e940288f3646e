package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/deadline-sync/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert collides with a unique key.
	ErrDuplicate = errors.New("record already exists")
)

// SyncOutcome carries the fields a finished sync writes back to its portal.
type SyncOutcome struct {
	Status     model.SyncStatus
	Error      string
	FinishedAt time.Time
	// Succeeded bumps last_sync_at and sync_count.
	Succeeded bool
}

// DeadlineChanges lists the fields reconciliation may overwrite. Status and
// tags are deliberately absent: they belong to the user.
type DeadlineChanges struct {
	Title       string
	Description string
	DueDate     time.Time
	Priority    model.Priority
	UpstreamURL string
	RawBody     string
}

// All repository interfaces in one file
type (
	PortalRepository interface {
		Create(ctx context.Context, portal *model.Portal) error
		Get(ctx context.Context, id uuid.UUID) (*model.Portal, error)
		ListActive(ctx context.Context) ([]*model.Portal, error)
		ListByUser(ctx context.Context, userID uuid.UUID) ([]*model.Portal, error)
		// TryBeginSync flips the portal to "syncing" unless another sync holds
		// it. A lock older than staleBefore is considered abandoned. Returns
		// false when the portal is busy.
		TryBeginSync(ctx context.Context, id uuid.UUID, now, staleBefore time.Time) (bool, error)
		FinishSync(ctx context.Context, id uuid.UUID, outcome SyncOutcome) error
		// MarkError records a failure without touching the lock, for
		// failures detected before a sync begins.
		MarkError(ctx context.Context, id uuid.UUID, message string, at time.Time) error
		ReleaseStaleLocks(ctx context.Context, staleBefore, now time.Time) (int64, error)
		CountStale(ctx context.Context, syncedBefore time.Time) (int, error)
	}

	DeadlineRepository interface {
		Create(ctx context.Context, deadline *model.Deadline) error
		Get(ctx context.Context, id uuid.UUID) (*model.Deadline, error)
		GetByUpstreamKey(ctx context.Context, portalID uuid.UUID, upstreamKey string) (*model.Deadline, error)
		ListByPortal(ctx context.Context, portalID uuid.UUID) ([]*model.Deadline, error)
		// ListOpenDueAfter returns non-completed deadlines due after t.
		ListOpenDueAfter(ctx context.Context, t time.Time) ([]*model.Deadline, error)
		ApplyChanges(ctx context.Context, id uuid.UUID, changes DeadlineChanges, at time.Time) error
		UpdateStatus(ctx context.Context, id uuid.UUID, status model.DeadlineStatus, at time.Time) error
		SetMissingSince(ctx context.Context, ids []uuid.UUID, at *time.Time) error
		// ListOpenByUser returns a user's non-completed deadlines due in [from, to).
		ListOpenByUser(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]*model.Deadline, error)
		// ListOverdueUnalerted returns non-completed deadlines due in
		// [from, to) that no overdue alert has covered yet, ordered by user.
		ListOverdueUnalerted(ctx context.Context, from, to time.Time) ([]*model.Deadline, error)
		MarkOverdueAlerted(ctx context.Context, ids []uuid.UUID, at time.Time) error
		DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error)
	}

	ReminderRepository interface {
		Upsert(ctx context.Context, cfg *model.ReminderConfig) error
		Delete(ctx context.Context, userID uuid.UUID, offset model.ReminderOffset) error
		ListByUser(ctx context.Context, userID uuid.UUID) ([]*model.ReminderConfig, error)
		ListByUsers(ctx context.Context, userIDs []uuid.UUID) ([]*model.ReminderConfig, error)
	}

	NotificationRepository interface {
		// Claim inserts the record unless one already exists for its
		// (deadline, offset, channel), or for a digest its (user, kind,
		// period, channel). Returns false when it was already claimed by
		// someone else.
		Claim(ctx context.Context, n *model.Notification) (bool, error)
		Get(ctx context.Context, id uuid.UUID) (*model.Notification, error)
		FindByProviderMessageID(ctx context.Context, providerMessageID string) (*model.Notification, error)
		ListByDeadline(ctx context.Context, deadlineID uuid.UUID) ([]*model.Notification, error)
		// ListRetryable returns failed, retryable records whose retry time
		// has come and that have attempts left.
		ListRetryable(ctx context.Context, now time.Time, maxRetries, limit int) ([]*model.Notification, error)
		// ReclaimForRetry atomically moves a failed record back to pending.
		ReclaimForRetry(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
		MarkSent(ctx context.Context, id uuid.UUID, providerMessageID, recipient string, at time.Time) error
		MarkFailed(ctx context.Context, id uuid.UUID, detail string, retryable bool, nextRetryAt *time.Time, at time.Time) error
		UpdateStatus(ctx context.Context, id uuid.UUID, status model.NotificationStatus, detail string, at time.Time) error
		FailStalePending(ctx context.Context, claimedBefore time.Time, detail string, now time.Time) (int64, error)
		// PurgeBefore clears the message of settled reminders and drops
		// settled digests older than before. Reminder claims survive.
		PurgeBefore(ctx context.Context, before time.Time) (scrubbed, deleted int64, err error)
		// ListByUserKind returns a user's digest records of one kind, newest first.
		ListByUserKind(ctx context.Context, userID uuid.UUID, kind model.NotificationKind) ([]*model.Notification, error)
	}

	ContactRepository interface {
		Upsert(ctx context.Context, contact *model.Contact) error
		Get(ctx context.Context, userID uuid.UUID) (*model.Contact, error)
	}

	DigestSettingsRepository interface {
		Upsert(ctx context.Context, settings *model.DigestSettings) error
		Get(ctx context.Context, userID uuid.UUID) (*model.DigestSettings, error)
		// ListEnabled returns users with at least one digest switched on.
		ListEnabled(ctx context.Context) ([]*model.DigestSettings, error)
	}
)
