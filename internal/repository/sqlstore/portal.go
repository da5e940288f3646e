package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/repository"
	"github.com/jwalitptl/deadline-sync/pkg/security"
)

type portalRepository struct {
	BaseRepository
	enc security.Encryptor
}

// NewPortalRepository stores credentials sealed by enc.
func NewPortalRepository(base BaseRepository, enc security.Encryptor) repository.PortalRepository {
	if enc == nil {
		enc = security.PlainEncryptor{}
	}
	return &portalRepository{BaseRepository: base, enc: enc}
}

// portalRow mirrors the table; JSON and sealed columns are converted by hand.
type portalRow struct {
	model.Portal
	SealedCredentials []byte     `db:"credentials"`
	ConfigText        string     `db:"config"`
	SyncStartedAt     *time.Time `db:"sync_started_at"`
}

const portalColumns = `id, user_id, portal_type, name, base_url, credentials, config, active,
	last_sync_at, sync_status, sync_started_at, last_error, sync_count, created_at, updated_at`

func (r *portalRepository) toModel(row *portalRow) (*model.Portal, error) {
	p := row.Portal
	if len(row.SealedCredentials) > 0 {
		plain, err := r.enc.Decrypt(row.SealedCredentials)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt credentials for portal %s: %w", p.ID, err)
		}
		p.Credentials = json.RawMessage(plain)
	}
	if row.ConfigText != "" {
		p.Config = json.RawMessage(row.ConfigText)
	}
	return &p, nil
}

func (r *portalRepository) Create(ctx context.Context, portal *model.Portal) error {
	if portal.ID == uuid.Nil {
		portal.ID = uuid.New()
	}
	now := ts(time.Now())
	portal.CreatedAt = now
	portal.UpdatedAt = now
	if portal.SyncStatus == "" {
		portal.SyncStatus = model.SyncStatusIdle
	}

	var sealed []byte
	if len(portal.Credentials) > 0 {
		var err error
		if sealed, err = r.enc.Encrypt(portal.Credentials); err != nil {
			return fmt.Errorf("failed to encrypt credentials: %w", err)
		}
	}
	config := "{}"
	if len(portal.Config) > 0 {
		config = string(portal.Config)
	}

	_, err := r.exec(ctx, "portal.create", `
		INSERT INTO portals (`+portalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)`,
		portal.ID,
		portal.UserID,
		portal.Type,
		portal.Name,
		portal.BaseURL,
		sealed,
		config,
		portal.Active,
		tsPtr(portal.LastSyncAt),
		portal.SyncStatus,
		portal.LastError,
		portal.SyncCount,
		portal.CreatedAt,
		portal.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create portal: %w", err)
	}
	return nil
}

func (r *portalRepository) Get(ctx context.Context, id uuid.UUID) (*model.Portal, error) {
	var row portalRow
	err := r.get(ctx, "portal.get", &row, `SELECT `+portalColumns+` FROM portals WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get portal %s: %w", id, err)
	}
	return r.toModel(&row)
}

func (r *portalRepository) list(ctx context.Context, op, where string, args ...interface{}) ([]*model.Portal, error) {
	var rows []portalRow
	query := `SELECT ` + portalColumns + ` FROM portals WHERE ` + where + ` ORDER BY created_at, id`
	if err := r.selectAll(ctx, op, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list portals: %w", err)
	}
	out := make([]*model.Portal, 0, len(rows))
	for i := range rows {
		p, err := r.toModel(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *portalRepository) ListActive(ctx context.Context) ([]*model.Portal, error) {
	return r.list(ctx, "portal.list_active", `active = ?`, true)
}

func (r *portalRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*model.Portal, error) {
	return r.list(ctx, "portal.list_by_user", `user_id = ?`, userID)
}

func (r *portalRepository) TryBeginSync(ctx context.Context, id uuid.UUID, now, staleBefore time.Time) (bool, error) {
	n, err := r.exec(ctx, "portal.begin_sync", `
		UPDATE portals
		SET sync_status = ?, sync_started_at = ?, updated_at = ?
		WHERE id = ? AND active = ?
		  AND (sync_status <> ? OR sync_started_at IS NULL OR sync_started_at < ?)`,
		model.SyncStatusSyncing, ts(now), ts(now),
		id, true,
		model.SyncStatusSyncing, ts(staleBefore),
	)
	if err != nil {
		return false, fmt.Errorf("failed to lock portal %s: %w", id, err)
	}
	return n == 1, nil
}

func (r *portalRepository) FinishSync(ctx context.Context, id uuid.UUID, outcome repository.SyncOutcome) error {
	at := ts(outcome.FinishedAt)
	query := `
		UPDATE portals
		SET sync_status = ?, last_error = ?, sync_started_at = NULL, updated_at = ?
		WHERE id = ?`
	args := []interface{}{outcome.Status, outcome.Error, at, id}
	if outcome.Succeeded {
		query = `
			UPDATE portals
			SET sync_status = ?, last_error = ?, sync_started_at = NULL, updated_at = ?,
			    last_sync_at = ?, sync_count = sync_count + 1
			WHERE id = ?`
		args = []interface{}{outcome.Status, outcome.Error, at, at, id}
	}
	n, err := r.exec(ctx, "portal.finish_sync", query, args...)
	if err != nil {
		return fmt.Errorf("failed to finish sync for portal %s: %w", id, err)
	}
	return requireOne(n, "portal "+id.String())
}

func (r *portalRepository) MarkError(ctx context.Context, id uuid.UUID, message string, at time.Time) error {
	// Never overwrite a sync that is currently running.
	_, err := r.exec(ctx, "portal.mark_error", `
		UPDATE portals SET sync_status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND sync_status <> ?`,
		model.SyncStatusError, message, ts(at), id, model.SyncStatusSyncing,
	)
	if err != nil {
		return fmt.Errorf("failed to mark portal %s as failed: %w", id, err)
	}
	return nil
}

func (r *portalRepository) ReleaseStaleLocks(ctx context.Context, staleBefore, now time.Time) (int64, error) {
	n, err := r.exec(ctx, "portal.release_stale", `
		UPDATE portals
		SET sync_status = ?, last_error = ?, sync_started_at = NULL, updated_at = ?
		WHERE sync_status = ? AND (sync_started_at IS NULL OR sync_started_at < ?)`,
		model.SyncStatusError, "sync interrupted", ts(now),
		model.SyncStatusSyncing, ts(staleBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale sync locks: %w", err)
	}
	return n, nil
}

func (r *portalRepository) CountStale(ctx context.Context, syncedBefore time.Time) (int, error) {
	var n int
	err := r.get(ctx, "portal.count_stale", &n, `
		SELECT COUNT(*) FROM portals
		WHERE active = ?
		  AND (last_sync_at < ? OR (last_sync_at IS NULL AND created_at < ?))`,
		true, ts(syncedBefore), ts(syncedBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale portals: %w", err)
	}
	return n, nil
}
