package model

import (
	"time"

	"github.com/google/uuid"
)

// DigestSettings controls the per-user daily summary and overdue alert.
// A user without a row receives neither.
type DigestSettings struct {
	UserID       uuid.UUID `json:"user_id" db:"user_id"`
	DailySummary bool      `json:"daily_summary" db:"daily_summary"`
	// SummaryTime is the UTC time of day as HH:MM.
	SummaryTime   string    `json:"summary_time" db:"summary_time"`
	OverdueAlerts bool      `json:"overdue_alerts" db:"overdue_alerts"`
	Channel       Channel   `json:"channel" db:"channel"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// DefaultSummaryTime is used when a user enables digests without a time.
const DefaultSummaryTime = "09:00"

// SummaryOffset parses SummaryTime into a duration after midnight UTC.
func (s *DigestSettings) SummaryOffset() (time.Duration, bool) {
	raw := s.SummaryTime
	if raw == "" {
		raw = DefaultSummaryTime
	}
	t, err := time.Parse("15:04", raw)
	if err != nil {
		return 0, false
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, true
}
