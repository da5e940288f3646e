package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type NotificationStatus string

const (
	NotificationStatusPending   NotificationStatus = "pending"
	NotificationStatusSent      NotificationStatus = "sent"
	NotificationStatusDelivered NotificationStatus = "delivered"
	NotificationStatusFailed    NotificationStatus = "failed"
)

// Terminal reports whether no further dispatch will happen for the status.
func (s NotificationStatus) Terminal() bool {
	return s == NotificationStatusSent || s == NotificationStatusDelivered
}

// NotificationKind separates per-deadline reminders from per-user digests.
type NotificationKind string

const (
	NotificationKindReminder     NotificationKind = "reminder"
	NotificationKindDailySummary NotificationKind = "daily_summary"
	NotificationKindOverdueAlert NotificationKind = "overdue_alert"
)

// Notification records one (deadline, offset, channel) reminder. The triple
// is unique, so the row itself is the claim on that reminder.
//
// Digests carry no deadline (DeadlineID is uuid.Nil) and are claimed on
// (user, kind, period, channel) instead, where Period is the UTC day.
type Notification struct {
	Base
	UserID            uuid.UUID          `json:"user_id" db:"user_id"`
	DeadlineID        uuid.UUID          `json:"deadline_id" db:"deadline_id"`
	Kind              NotificationKind   `json:"kind" db:"kind"`
	Period            string             `json:"period,omitempty" db:"period"`
	Offset            ReminderOffset     `json:"offset" db:"offset_tag"`
	Channel           Channel            `json:"channel" db:"channel"`
	Body              string             `json:"body" db:"body"`
	Recipient         string             `json:"recipient,omitempty" db:"recipient"`
	ScheduledFor      time.Time          `json:"scheduled_for" db:"scheduled_for"`
	SentAt            *time.Time         `json:"sent_at,omitempty" db:"sent_at"`
	Status            NotificationStatus `json:"status" db:"status"`
	FailureDetail     string             `json:"failure_detail,omitempty" db:"failure_detail"`
	Retryable         bool               `json:"retryable" db:"retryable"`
	RetryCount        int                `json:"retry_count" db:"retry_count"`
	NextRetryAt       *time.Time         `json:"next_retry_at,omitempty" db:"next_retry_at"`
	ProviderMessageID string             `json:"provider_message_id,omitempty" db:"provider_message_id"`
}

// IsDigest reports whether the record summarizes several deadlines.
func (n *Notification) IsDigest() bool {
	return n.Kind == NotificationKindDailySummary || n.Kind == NotificationKindOverdueAlert
}

// NotificationEvent is published once a provider accepted a notification.
type NotificationEvent struct {
	NotificationID uuid.UUID        `json:"notification_id"`
	DeadlineID     uuid.UUID        `json:"deadline_id"`
	UserID         uuid.UUID        `json:"user_id"`
	Kind           NotificationKind `json:"kind"`
	Channel        Channel          `json:"channel"`
	Offset         string           `json:"offset"`
	SentAt         time.Time        `json:"sent_at"`
}

// Contact holds where a user can be reached on each channel.
type Contact struct {
	UserID           uuid.UUID       `json:"user_id" db:"user_id"`
	Email            string          `json:"email" db:"email"`
	Phone            string          `json:"phone" db:"phone"`
	WhatsApp         string          `json:"whatsapp" db:"whatsapp"`
	PushSubscription json.RawMessage `json:"push_subscription,omitempty" db:"-"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Address returns the raw contact string for a channel.
func (c *Contact) Address(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return c.Email
	case ChannelSMS:
		return c.Phone
	case ChannelWhatsApp:
		if c.WhatsApp != "" {
			return c.WhatsApp
		}
		return c.Phone
	case ChannelPush:
		return string(c.PushSubscription)
	}
	return ""
}
