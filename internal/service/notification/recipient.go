package notification

import (
	"strings"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/sender"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
	"github.com/jwalitptl/deadline-sync/pkg/validator"
)

// NormalizePhone reduces a phone number to E.164. Ten digit numbers are
// taken to be North American.
func NormalizePhone(raw string) string {
	p := strings.TrimPrefix(strings.TrimSpace(raw), "whatsapp:")
	p = strings.NewReplacer("+", "", " ", "", "-", "", "(", "", ")", "", ".", "").Replace(p)
	if p == "" {
		return ""
	}
	if len(p) == 10 {
		p = "1" + p
	}
	return "+" + p
}

// resolveRecipient returns the provider address for a channel, or an
// *errors.InvalidRecipientError when the contact cannot be used.
func resolveRecipient(v validator.Validator, c *model.Contact, ch model.Channel) (string, error) {
	raw := strings.TrimSpace(c.Address(ch))
	invalid := func(reason string) error {
		return &apperrors.InvalidRecipientError{Channel: string(ch), Recipient: raw, Reason: reason}
	}
	if raw == "" {
		return "", invalid("no address on file")
	}

	switch ch {
	case model.ChannelEmail:
		if err := v.ValidateField("email", raw, "email"); err != nil {
			return "", invalid(err.Error())
		}
		return raw, nil
	case model.ChannelSMS, model.ChannelWhatsApp:
		phone := NormalizePhone(raw)
		if err := v.ValidateField("phone", phone, "e164"); err != nil {
			return "", invalid(err.Error())
		}
		if ch == model.ChannelWhatsApp {
			return "whatsapp:" + phone, nil
		}
		return phone, nil
	case model.ChannelPush:
		if _, err := sender.ParseSubscription(raw); err != nil {
			return "", invalid(err.Error())
		}
		return raw, nil
	}
	return "", invalid("unsupported channel")
}
