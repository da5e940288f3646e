package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/repository"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

// providerStatuses maps Twilio style delivery states onto record states.
var providerStatuses = map[string]model.NotificationStatus{
	"queued":      model.NotificationStatusPending,
	"accepted":    model.NotificationStatusPending,
	"sending":     model.NotificationStatusPending,
	"sent":        model.NotificationStatusSent,
	"delivered":   model.NotificationStatusDelivered,
	"read":        model.NotificationStatusDelivered,
	"undelivered": model.NotificationStatusFailed,
	"failed":      model.NotificationStatusFailed,
}

// UpdateDeliveryStatus applies a provider delivery report to the record
// that carries providerMessageID. Reports never move a record backwards:
// an in-flight report is ignored once the record is sent or delivered, and
// a late "sent" does not undo "delivered".
func (d *Dispatcher) UpdateDeliveryStatus(ctx context.Context, providerMessageID, providerStatus string) (*model.Notification, error) {
	status, ok := providerStatuses[strings.ToLower(strings.TrimSpace(providerStatus))]
	if !ok {
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown delivery status %q", providerStatus), nil)
	}

	n, err := d.notifications.FindByProviderMessageID(ctx, providerMessageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("notification", err)
		}
		return nil, err
	}

	if !advances(n.Status, status) {
		return n, nil
	}

	detail := n.FailureDetail
	if status == model.NotificationStatusFailed {
		detail = "provider reported " + strings.ToLower(providerStatus)
	}
	at := d.now().UTC()
	if err := d.notifications.UpdateStatus(ctx, n.ID, status, detail, at); err != nil {
		return nil, err
	}
	n.Status = status
	n.FailureDetail = detail
	n.UpdatedAt = at

	d.log.Info("delivery status updated",
		"notification_id", n.ID.String(),
		"provider_message_id", providerMessageID,
		"status", string(status),
	)
	return n, nil
}

var statusOrder = map[model.NotificationStatus]int{
	model.NotificationStatusPending:   0,
	model.NotificationStatusSent:      1,
	model.NotificationStatusDelivered: 2,
}

func advances(from, to model.NotificationStatus) bool {
	if from == to {
		return false
	}
	// A failure report always lands unless the message was already delivered.
	if to == model.NotificationStatusFailed {
		return from != model.NotificationStatusDelivered
	}
	if from == model.NotificationStatusFailed {
		return to != model.NotificationStatusPending
	}
	return statusOrder[to] > statusOrder[from]
}
