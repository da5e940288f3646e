package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/jwalitptl/deadline-sync/internal/model"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

type WebPushConfig struct {
	Subscriber      string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	TTL             int
	// HTTPClient replaces the default client, mostly for tests.
	HTTPClient *http.Client
}

// WebPush delivers browser push notifications. The recipient is the JSON
// subscription the browser handed out.
type WebPush struct {
	cfg WebPushConfig
}

type pushPayload struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	URL     string `json:"url,omitempty"`
}

func NewWebPush(cfg WebPushConfig) *WebPush {
	if cfg.TTL <= 0 {
		cfg.TTL = int((24 * time.Hour).Seconds())
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebPush{cfg: cfg}
}

func (w *WebPush) Channel() model.Channel { return model.ChannelPush }

// ParseSubscription decodes and checks a stored push subscription.
func ParseSubscription(raw string) (*webpush.Subscription, error) {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return nil, fmt.Errorf("malformed subscription: %w", err)
	}
	if !strings.HasPrefix(sub.Endpoint, "https://") && !strings.HasPrefix(sub.Endpoint, "http://") {
		return nil, fmt.Errorf("subscription endpoint %q is not a URL", sub.Endpoint)
	}
	if sub.Keys.Auth == "" || sub.Keys.P256dh == "" {
		return nil, fmt.Errorf("subscription keys are missing")
	}
	return &sub, nil
}

func (w *WebPush) Send(ctx context.Context, recipient string, msg Message) (*DeliveryResult, error) {
	sub, err := ParseSubscription(recipient)
	if err != nil {
		return nil, &apperrors.InvalidRecipientError{Channel: string(model.ChannelPush), Recipient: "subscription", Reason: err.Error()}
	}

	payload, err := json.Marshal(pushPayload{Title: msg.Subject, Message: msg.Body, URL: msg.URL})
	if err != nil {
		return nil, fmt.Errorf("encoding push payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, &webpush.Options{
		HTTPClient:      w.cfg.HTTPClient,
		Subscriber:      w.cfg.Subscriber,
		VAPIDPublicKey:  w.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: w.cfg.VAPIDPrivateKey,
		TTL:             w.cfg.TTL,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return nil, &apperrors.ProviderError{Provider: "webpush", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, &apperrors.InvalidRecipientError{Channel: string(model.ChannelPush), Recipient: "subscription", Reason: "subscription expired"}
	case resp.StatusCode >= http.StatusBadRequest:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &apperrors.ProviderError{Provider: "webpush", StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(body)))}
	}
	return sent(resp.Header.Get("Location")), nil
}
