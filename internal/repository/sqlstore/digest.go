package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/repository"
)

type digestSettingsRepository struct {
	BaseRepository
}

func NewDigestSettingsRepository(base BaseRepository) repository.DigestSettingsRepository {
	return &digestSettingsRepository{base}
}

const digestColumns = `user_id, daily_summary, summary_time, overdue_alerts, channel, updated_at`

func (r *digestSettingsRepository) Upsert(ctx context.Context, d *model.DigestSettings) error {
	d.UpdatedAt = ts(time.Now())
	if d.SummaryTime == "" {
		d.SummaryTime = model.DefaultSummaryTime
	}
	if d.Channel == "" {
		d.Channel = model.ChannelEmail
	}
	_, err := r.exec(ctx, "digest.upsert", `
		INSERT INTO digest_settings (`+digestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			daily_summary = excluded.daily_summary,
			summary_time = excluded.summary_time,
			overdue_alerts = excluded.overdue_alerts,
			channel = excluded.channel,
			updated_at = excluded.updated_at`,
		d.UserID, d.DailySummary, d.SummaryTime, d.OverdueAlerts, d.Channel, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save digest settings: %w", err)
	}
	return nil
}

func (r *digestSettingsRepository) Get(ctx context.Context, userID uuid.UUID) (*model.DigestSettings, error) {
	var d model.DigestSettings
	err := r.get(ctx, "digest.get", &d, `SELECT `+digestColumns+` FROM digest_settings WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get digest settings %s: %w", userID, err)
	}
	return &d, nil
}

func (r *digestSettingsRepository) ListEnabled(ctx context.Context) ([]*model.DigestSettings, error) {
	var out []*model.DigestSettings
	err := r.selectAll(ctx, "digest.list_enabled", &out,
		`SELECT `+digestColumns+` FROM digest_settings WHERE daily_summary = ? OR overdue_alerts = ? ORDER BY user_id`,
		true, true,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list digest settings: %w", err)
	}
	return out, nil
}
