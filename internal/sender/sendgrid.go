package sender

import (
	"context"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/jwalitptl/deadline-sync/internal/model"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

type SendGridConfig struct {
	APIKey   string
	From     string
	FromName string
	// Host overrides the API host, mostly for tests.
	Host       string
	HTTPClient *http.Client
}

// SendGrid sends email through the SendGrid v3 API.
type SendGrid struct {
	key    string
	host   string
	from   *sgmail.Email
	client *rest.Client
}

func NewSendGrid(cfg SendGridConfig) *SendGrid {
	host := cfg.Host
	if host == "" {
		host = sendgridHost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &SendGrid{
		key:    cfg.APIKey,
		host:   host,
		from:   sgmail.NewEmail(cfg.FromName, cfg.From),
		client: &rest.Client{HTTPClient: cfg.HTTPClient},
	}
}

func (s *SendGrid) Channel() model.Channel { return model.ChannelEmail }

func (s *SendGrid) Send(ctx context.Context, recipient string, msg Message) (*DeliveryResult, error) {
	if _, err := mail.ParseAddress(recipient); err != nil {
		return nil, &apperrors.InvalidRecipientError{Channel: string(model.ChannelEmail), Recipient: recipient, Reason: err.Error()}
	}

	p := sgmail.NewPersonalization()
	p.AddTos(sgmail.NewEmail("", recipient))
	p.Subject = msg.Subject

	m := sgmail.NewV3Mail()
	m.SetFrom(s.from)
	m.AddPersonalizations(p)
	m.AddContent(sgmail.NewContent("text/plain", msg.Body))

	req := sendgrid.GetRequest(s.key, sendgridEndpoint, s.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(m)

	res, err := s.client.SendWithContext(ctx, req)
	if err != nil {
		return nil, &apperrors.ProviderError{Provider: "sendgrid", Err: err}
	}
	if res.StatusCode >= http.StatusBadRequest {
		return nil, &apperrors.ProviderError{
			Provider:   "sendgrid",
			StatusCode: res.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(res.Body)),
		}
	}
	return sent(http.Header(res.Headers).Get("X-Message-Id")), nil
}
