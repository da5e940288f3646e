package sender

import (
	"context"
	"errors"
	"strings"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/jwalitptl/deadline-sync/internal/model"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

// Twilio error codes meaning the destination can never receive messages.
var twilioRecipientCodes = map[int]bool{
	21211: true, // invalid To number
	21610: true, // recipient unsubscribed
	21612: true, // unreachable via this sender
	21614: true, // not a mobile number
	63003: true, // not a WhatsApp user
}

type TwilioConfig struct {
	AccountSID     string
	AuthToken      string
	From           string
	StatusCallback string
}

type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// Twilio sends SMS, or WhatsApp messages when built with
// NewTwilioWhatsApp. Recipients are already normalized to E.164, with the
// whatsapp: scheme for WhatsApp.
type Twilio struct {
	api      messageCreator
	channel  model.Channel
	from     string
	callback string
}

func NewTwilioSMS(cfg TwilioConfig) *Twilio {
	return newTwilio(restAPI(cfg), model.ChannelSMS, cfg)
}

func NewTwilioWhatsApp(cfg TwilioConfig) *Twilio {
	return newTwilio(restAPI(cfg), model.ChannelWhatsApp, cfg)
}

func restAPI(cfg TwilioConfig) messageCreator {
	return twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	}).Api
}

func newTwilio(api messageCreator, ch model.Channel, cfg TwilioConfig) *Twilio {
	from := cfg.From
	if ch == model.ChannelWhatsApp && !strings.HasPrefix(from, "whatsapp:") {
		from = "whatsapp:" + from
	}
	return &Twilio{api: api, channel: ch, from: from, callback: cfg.StatusCallback}
}

func (t *Twilio) Channel() model.Channel { return t.channel }

func (t *Twilio) Send(ctx context.Context, recipient string, msg Message) (*DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &apperrors.ProviderError{Provider: "twilio", Err: err}
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(recipient)
	params.SetFrom(t.from)
	params.SetBody(msg.Body)
	if t.callback != "" {
		params.SetStatusCallback(t.callback)
	}

	resp, err := t.api.CreateMessage(params)
	if err != nil {
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) {
			if twilioRecipientCodes[restErr.Code] {
				return nil, &apperrors.InvalidRecipientError{Channel: string(t.channel), Recipient: recipient, Reason: restErr.Message}
			}
			return nil, &apperrors.ProviderError{Provider: "twilio", StatusCode: restErr.Status, Err: err}
		}
		return nil, &apperrors.ProviderError{Provider: "twilio", Err: err}
	}

	var sid string
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	return sent(sid), nil
}
