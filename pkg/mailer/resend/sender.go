package resend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v3"

	"github.com/dmitrymomot/postman/pkg/mailer"
)

var ErrMissingAPIKey = errors.New("resend: api key is required")

// Sender implements mailer.Sender using the Resend API.
type Sender struct {
	client *resend.Client
	config Config
}

var _ mailer.Sender = (*Sender)(nil)

// New creates a Resend sender.
func New(cfg Config) (*Sender, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	return &Sender{client: resend.NewClient(cfg.APIKey), config: cfg}, nil
}

func (s *Sender) Send(ctx context.Context, email *mailer.Email) error {
	req := &resend.SendEmailRequest{
		From:    s.from(email),
		To:      email.To,
		Subject: email.Subject,
		Html:    email.HTML,
		Text:    email.Text,
		ReplyTo: email.ReplyTo,
		Headers: email.Headers,
	}

	if _, err := s.client.Emails.SendWithContext(ctx, req); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Sender) from(email *mailer.Email) string {
	from := email.From
	if from == "" {
		from = s.config.DefaultFrom
	}
	if s.config.FromName != "" && !strings.Contains(from, "<") {
		return fmt.Sprintf("%s <%s>", s.config.FromName, from)
	}
	return from
}

// permanentMarkers are substrings of Resend error bodies for requests that
// will be rejected again unchanged.
var permanentMarkers = []string{
	"validation_error",
	"invalid_from_address",
	"invalid_to_address",
	"missing_required_field",
	"invalid_api_key",
	"restricted_api_key",
}

func classify(err error) error {
	msg := strings.ToLower(err.Error())
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return mailer.Permanent(fmt.Errorf("resend: %w", err))
		}
	}
	return fmt.Errorf("%w: resend: %w", mailer.ErrSendFailed, err)
}
