// Package smtp delivers mailer emails over SMTP submission.
package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/dmitrymomot/postman/pkg/mailer"
)

var ErrMissingHost = errors.New("smtp: host is required")

type sendFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// Sender implements mailer.Sender over SMTP.
type Sender struct {
	config Config
	addr   string
	send   sendFunc
	now    func() time.Time
}

var _ mailer.Sender = (*Sender)(nil)

// New creates an SMTP sender.
func New(cfg Config) (*Sender, error) {
	if cfg.Host == "" {
		return nil, ErrMissingHost
	}
	send := smtp.SendMail
	if cfg.ImplicitTLS {
		send = smtp.SendMailTLS
	}
	return &Sender{
		config: cfg,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		send:   send,
		now:    time.Now,
	}, nil
}

// Send builds a multipart/alternative message and submits it.
// The SMTP dialogue itself is not interruptible; ctx only bounds how long Send waits.
func (s *Sender) Send(ctx context.Context, email *mailer.Email) error {
	msg := *email
	if msg.From == "" {
		msg.From = s.config.DefaultFrom
	}
	from, to, raw, err := s.build(&msg)
	if err != nil {
		return mailer.Permanent(err)
	}

	var auth sasl.Client
	if s.config.Username != "" {
		auth = sasl.NewPlainClient("", s.config.Username, s.config.Password)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.send(s.addr, auth, from, to, bytes.NewReader(raw))
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: smtp: %w", mailer.ErrSendFailed, ctx.Err())
	case err := <-done:
		return classify(err)
	}
}

func (s *Sender) build(email *mailer.Email) (string, []string, []byte, error) {
	if err := email.Validate(); err != nil {
		return "", nil, nil, err
	}

	from, err := mail.ParseAddress(email.From)
	if err != nil {
		return "", nil, nil, fmt.Errorf("smtp: invalid from address: %w", err)
	}
	to := make([]*mail.Address, 0, len(email.To))
	rcpt := make([]string, 0, len(email.To))
	for _, addr := range email.To {
		a, err := mail.ParseAddress(addr)
		if err != nil {
			return "", nil, nil, fmt.Errorf("smtp: invalid recipient address: %w", err)
		}
		to = append(to, a)
		rcpt = append(rcpt, a.Address)
	}

	var h mail.Header
	h.SetDate(s.now())
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", to)
	h.SetSubject(email.Subject)
	if email.ReplyTo != "" {
		if rt, err := mail.ParseAddress(email.ReplyTo); err == nil {
			h.SetAddressList("Reply-To", []*mail.Address{rt})
		}
	}
	for k, v := range email.Headers {
		h.Set(k, v)
	}
	if err := h.GenerateMessageID(); err != nil {
		return "", nil, nil, fmt.Errorf("smtp: message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return "", nil, nil, fmt.Errorf("smtp: create message: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return "", nil, nil, fmt.Errorf("smtp: create inline part: %w", err)
	}
	if email.Text != "" {
		if err := writePart(iw, "text/plain", email.Text); err != nil {
			return "", nil, nil, err
		}
	}
	if email.HTML != "" {
		if err := writePart(iw, "text/html", email.HTML); err != nil {
			return "", nil, nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return "", nil, nil, fmt.Errorf("smtp: close inline part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", nil, nil, fmt.Errorf("smtp: close message: %w", err)
	}

	return from.Address, rcpt, buf.Bytes(), nil
}

func writePart(iw *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("smtp: create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("smtp: write %s part: %w", contentType, err)
	}
	return w.Close()
}

// classify maps 5xx replies to permanent failures. Everything else may be retried.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
		return mailer.Permanent(fmt.Errorf("smtp: %w", err))
	}
	return fmt.Errorf("%w: smtp: %w", mailer.ErrSendFailed, err)
}
