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

type reminderRepository struct {
	BaseRepository
}

func NewReminderRepository(base BaseRepository) repository.ReminderRepository {
	return &reminderRepository{base}
}

const reminderColumns = `user_id, offset_tag, email_enabled, sms_enabled, whatsapp_enabled, push_enabled, created_at, updated_at`

func (r *reminderRepository) Upsert(ctx context.Context, cfg *model.ReminderConfig) error {
	now := ts(time.Now())
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	_, err := r.exec(ctx, "reminder.upsert", `
		INSERT INTO reminder_configs (`+reminderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, offset_tag) DO UPDATE SET
			email_enabled = excluded.email_enabled,
			sms_enabled = excluded.sms_enabled,
			whatsapp_enabled = excluded.whatsapp_enabled,
			push_enabled = excluded.push_enabled,
			updated_at = excluded.updated_at`,
		cfg.UserID,
		cfg.Offset,
		cfg.Email,
		cfg.SMS,
		cfg.WhatsApp,
		cfg.Push,
		ts(cfg.CreatedAt),
		cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save reminder config: %w", err)
	}
	return nil
}

func (r *reminderRepository) Delete(ctx context.Context, userID uuid.UUID, offset model.ReminderOffset) error {
	n, err := r.exec(ctx, "reminder.delete",
		`DELETE FROM reminder_configs WHERE user_id = ? AND offset_tag = ?`, userID, offset)
	if err != nil {
		return fmt.Errorf("failed to delete reminder config: %w", err)
	}
	return requireOne(n, "reminder config")
}

func (r *reminderRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*model.ReminderConfig, error) {
	var out []*model.ReminderConfig
	err := r.selectAll(ctx, "reminder.list_by_user", &out,
		`SELECT `+reminderColumns+` FROM reminder_configs WHERE user_id = ? ORDER BY offset_tag`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reminder configs: %w", err)
	}
	return out, nil
}

func (r *reminderRepository) ListByUsers(ctx context.Context, userIDs []uuid.UUID) ([]*model.ReminderConfig, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+reminderColumns+` FROM reminder_configs WHERE user_id IN (?) ORDER BY user_id, offset_tag`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build reminder query: %w", err)
	}
	var out []*model.ReminderConfig
	if err := r.selectAll(ctx, "reminder.list_by_users", &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list reminder configs: %w", err)
	}
	return out, nil
}
