// Package sender delivers rendered reminder messages over one transport
// each: SMTP or SendGrid email, Twilio SMS and WhatsApp, and web push.
package sender

import (
	"context"

	"github.com/jwalitptl/deadline-sync/internal/model"
)

// Message is a rendered, channel-agnostic reminder.
type Message struct {
	Subject string
	Body    string
	URL     string
}

// DeliveryResult is what a provider reported for one send.
type DeliveryResult struct {
	Status            model.NotificationStatus
	ProviderMessageID string
	Err               error
}

// Sender hands a message to one provider. Failures are
// *errors.InvalidRecipientError when the recipient can never be reached
// and *errors.ProviderError otherwise.
type Sender interface {
	Channel() model.Channel
	Send(ctx context.Context, recipient string, msg Message) (*DeliveryResult, error)
}

func sent(id string) *DeliveryResult {
	return &DeliveryResult{Status: model.NotificationStatusSent, ProviderMessageID: id}
}
