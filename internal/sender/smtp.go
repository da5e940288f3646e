package sender

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/deadline-sync/internal/model"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTP sends plain-text email through an SMTP relay.
type SMTP struct {
	dialer mailDialer
	from   string
	name   string
	domain string
}

func NewSMTP(cfg SMTPConfig) *SMTP {
	return newSMTP(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg)
}

func newSMTP(d mailDialer, cfg SMTPConfig) *SMTP {
	domain := cfg.Host
	if addr, err := mail.ParseAddress(cfg.From); err == nil {
		if at := strings.LastIndex(addr.Address, "@"); at >= 0 {
			domain = addr.Address[at+1:]
		}
	}
	return &SMTP{dialer: d, from: cfg.From, name: cfg.FromName, domain: domain}
}

func (s *SMTP) Channel() model.Channel { return model.ChannelEmail }

func (s *SMTP) Send(ctx context.Context, recipient string, msg Message) (*DeliveryResult, error) {
	if _, err := mail.ParseAddress(recipient); err != nil {
		return nil, &apperrors.InvalidRecipientError{Channel: string(model.ChannelEmail), Recipient: recipient, Reason: err.Error()}
	}
	if err := ctx.Err(); err != nil {
		return nil, &apperrors.ProviderError{Provider: "smtp", Err: err}
	}

	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.domain)
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.from, s.name)
	m.SetHeader("To", recipient)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", id)
	m.SetBody("text/plain", msg.Body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return nil, &apperrors.ProviderError{Provider: "smtp", Err: err}
	}
	return sent(id), nil
}
