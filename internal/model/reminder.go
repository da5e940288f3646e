package model

import (
	"time"

	"github.com/google/uuid"
)

// ReminderOffset is a lead time before a deadline.
type ReminderOffset string

const (
	Offset1Hour  ReminderOffset = "1_hour"
	Offset6Hours ReminderOffset = "6_hours"
	Offset1Day   ReminderOffset = "1_day"
	Offset3Days  ReminderOffset = "3_days"
	Offset1Week  ReminderOffset = "1_week"
)

var offsetDurations = map[ReminderOffset]time.Duration{
	Offset1Hour:  time.Hour,
	Offset6Hours: 6 * time.Hour,
	Offset1Day:   24 * time.Hour,
	Offset3Days:  72 * time.Hour,
	Offset1Week:  7 * 24 * time.Hour,
}

// Offsets lists the supported offsets from shortest to longest.
var Offsets = []ReminderOffset{Offset1Hour, Offset6Hours, Offset1Day, Offset3Days, Offset1Week}

// Duration returns the lead time and whether the offset is known.
func (o ReminderOffset) Duration() (time.Duration, bool) {
	d, ok := offsetDurations[o]
	return d, ok
}

func (o ReminderOffset) Valid() bool {
	_, ok := offsetDurations[o]
	return ok
}

// Channel is a notification transport.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelPush     Channel = "push"
)

// ReminderConfig is one (user, offset) preference with its channel flags.
type ReminderConfig struct {
	UserID    uuid.UUID      `json:"user_id" db:"user_id"`
	Offset    ReminderOffset `json:"offset" db:"offset_tag"`
	Email     bool           `json:"email" db:"email_enabled"`
	SMS       bool           `json:"sms" db:"sms_enabled"`
	WhatsApp  bool           `json:"whatsapp" db:"whatsapp_enabled"`
	Push      bool           `json:"push" db:"push_enabled"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// Channels returns the enabled channels in a stable order.
func (c *ReminderConfig) Channels() []Channel {
	var out []Channel
	if c.Email {
		out = append(out, ChannelEmail)
	}
	if c.SMS {
		out = append(out, ChannelSMS)
	}
	if c.WhatsApp {
		out = append(out, ChannelWhatsApp)
	}
	if c.Push {
		out = append(out, ChannelPush)
	}
	return out
}

// DefaultReminderConfig is what a new user starts with: one day ahead, by
// email and push.
func DefaultReminderConfig(userID uuid.UUID) *ReminderConfig {
	return &ReminderConfig{
		UserID: userID,
		Offset: Offset1Day,
		Email:  true,
		Push:   true,
	}
}
