// Package notification delivers claimed notification records through the
// configured channel senders and records the outcome on each record.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/repository"
	"github.com/jwalitptl/deadline-sync/internal/sender"
	"github.com/jwalitptl/deadline-sync/pkg/circuitbreaker"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
	"github.com/jwalitptl/deadline-sync/pkg/logger"
	"github.com/jwalitptl/deadline-sync/pkg/messaging"
	"github.com/jwalitptl/deadline-sync/pkg/metrics"
	"github.com/jwalitptl/deadline-sync/pkg/validator"
)

type Config struct {
	// MaxRetries bounds the number of delivery attempts per record.
	MaxRetries  int
	RetryDelay  time.Duration
	SendTimeout time.Duration
	// BreakerFailures consecutive provider failures open a channel's
	// breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	ContactTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = time.Minute
	}
	return c
}

type guardedSender struct {
	sender  sender.Sender
	breaker *circuitbreaker.CircuitBreaker
}

type Dispatcher struct {
	notifications repository.NotificationRepository
	contacts      *ContactCache
	senders       map[model.Channel]*guardedSender
	validator     validator.Validator
	publisher     messaging.Publisher
	log           *logger.Logger
	metrics       *metrics.Metrics
	cfg           Config
	now           func() time.Time
}

type Option func(*Dispatcher)

func WithPublisher(p messaging.Publisher) Option { return func(d *Dispatcher) { d.publisher = p } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// NewDispatcher wires one sender per channel. A later sender for the same
// channel replaces an earlier one.
func NewDispatcher(
	notifications repository.NotificationRepository,
	contacts repository.ContactRepository,
	senders []sender.Sender,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
	opts ...Option,
) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		notifications: notifications,
		contacts:      NewContactCache(contacts, cfg.ContactTTL),
		senders:       make(map[model.Channel]*guardedSender, len(senders)),
		validator:     validator.Default(),
		publisher:     messaging.NopPublisher{},
		log:           log,
		metrics:       m,
		cfg:           cfg,
		now:           time.Now,
	}
	for _, s := range senders {
		ch := s.Channel()
		d.senders[ch] = &guardedSender{
			sender: s,
			breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
				Name:        "sender." + string(ch),
				MaxFailures: cfg.BreakerFailures,
				Timeout:     cfg.BreakerTimeout,
				IsFailure:   apperrors.IsRetryable,
				OnStateChange: func(name, from, to string) {
					log.Warn("sender circuit breaker changed state", "breaker", name, "from", from, "to", to)
				},
			}),
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Contacts exposes the contact cache so writers can invalidate entries.
func (d *Dispatcher) Contacts() *ContactCache { return d.contacts }

// Dispatch delivers a claimed, pending record. Delivery failures are
// persisted on the record and reported through DeliveryResult.Err; the
// returned error is reserved for storage failures.
func (d *Dispatcher) Dispatch(ctx context.Context, n *model.Notification) (*sender.DeliveryResult, error) {
	log := d.log.WithFields(map[string]interface{}{
		"notification_id": n.ID.String(),
		"deadline_id":     n.DeadlineID.String(),
		"kind":            string(n.Kind),
		"channel":         string(n.Channel),
		"offset":          string(n.Offset),
	})
	start := d.now()

	recipient, res, err := d.deliver(ctx, n)
	if d.metrics != nil {
		d.metrics.DispatchLatency.WithLabelValues(string(n.Channel)).Observe(d.now().Sub(start).Seconds())
	}

	if err != nil {
		return d.fail(ctx, log, n, err)
	}

	at := d.now().UTC()
	if err := d.notifications.MarkSent(context.WithoutCancel(ctx), n.ID, res.ProviderMessageID, recipient, at); err != nil {
		return nil, fmt.Errorf("failed to record delivery: %w", err)
	}
	n.Status = model.NotificationStatusSent
	n.SentAt = &at
	n.ProviderMessageID = res.ProviderMessageID
	n.Recipient = recipient

	if d.metrics != nil {
		d.metrics.NotificationsSent.WithLabelValues(string(n.Channel)).Inc()
	}
	log.Info("notification sent", "provider_message_id", res.ProviderMessageID)

	event := model.NotificationEvent{
		NotificationID: n.ID,
		DeadlineID:     n.DeadlineID,
		UserID:         n.UserID,
		Kind:           n.Kind,
		Channel:        n.Channel,
		Offset:         string(n.Offset),
		SentAt:         at,
	}
	if err := d.publisher.Publish(ctx, messaging.EventNotificationSent, event); err != nil {
		log.Warn("failed to publish notification event", "error", err.Error())
	}
	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, n *model.Notification) (string, *sender.DeliveryResult, error) {
	gs, ok := d.senders[n.Channel]
	if !ok {
		return "", nil, &apperrors.ConfigError{Field: "notification." + string(n.Channel), Message: "no sender configured for channel"}
	}

	contact, err := d.contacts.Get(ctx, n.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, &apperrors.InvalidRecipientError{Channel: string(n.Channel), Reason: "user has no contact details"}
		}
		return "", nil, &apperrors.ProviderError{Provider: "contacts", Err: err}
	}
	recipient, err := resolveRecipient(d.validator, contact, n.Channel)
	if err != nil {
		return "", nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	var res *sender.DeliveryResult
	err = gs.breaker.Execute(func() error {
		var err error
		res, err = gs.sender.Send(sctx, recipient, messageFromBody(n.Body))
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = &apperrors.ProviderError{Provider: string(n.Channel), Err: err}
	}
	if err != nil {
		return recipient, nil, err
	}
	if res == nil {
		res = &sender.DeliveryResult{Status: model.NotificationStatusSent}
	}
	return recipient, res, nil
}

func (d *Dispatcher) fail(ctx context.Context, log *logger.Logger, n *model.Notification, cause error) (*sender.DeliveryResult, error) {
	at := d.now().UTC()
	attempt := n.RetryCount + 1
	retryable := apperrors.IsRetryable(cause) && attempt < d.cfg.MaxRetries

	var next *time.Time
	if retryable {
		t := at.Add(d.cfg.RetryDelay * time.Duration(attempt))
		next = &t
	}
	if err := d.notifications.MarkFailed(context.WithoutCancel(ctx), n.ID, cause.Error(), retryable, next, at); err != nil {
		return nil, fmt.Errorf("failed to record delivery failure: %w", err)
	}
	n.Status = model.NotificationStatusFailed
	n.FailureDetail = cause.Error()
	n.Retryable = retryable
	n.RetryCount = attempt
	n.NextRetryAt = next

	if d.metrics != nil {
		d.metrics.NotificationsFailed.WithLabelValues(string(n.Channel), failureReason(cause)).Inc()
	}
	log.Warn("notification delivery failed", "error", cause.Error(), "retryable", retryable, "attempt", attempt)

	return &sender.DeliveryResult{Status: model.NotificationStatusFailed, Err: cause}, nil
}

func failureReason(err error) string {
	switch {
	case apperrors.IsInvalidRecipient(err):
		return "invalid_recipient"
	case apperrors.IsConfigError(err):
		return "config"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	default:
		return "provider"
	}
}
