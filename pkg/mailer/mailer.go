package mailer

import (
	"context"
	"errors"
	"fmt"
)

// Email is a fully prepared message ready for a Sender.
type Email struct {
	Headers map[string]string
	From    string
	ReplyTo string
	Subject string
	HTML    string
	Text    string
	To      []string
}

// Validate checks the fields every provider needs.
func (e *Email) Validate() error {
	switch {
	case len(e.To) == 0:
		return ErrNoRecipient
	case e.From == "":
		return ErrNoSender
	case e.Subject == "":
		return ErrNoSubject
	case e.HTML == "" && e.Text == "":
		return ErrNoContent
	}
	return nil
}

// Sender delivers a prepared email.
type Sender interface {
	Send(ctx context.Context, email *Email) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, email *Email) error

func (f SenderFunc) Send(ctx context.Context, email *Email) error {
	return f(ctx, email)
}

// Message holds the stored fields of a scheduled email.
type Message struct {
	ID      string
	From    string
	To      string
	Subject string
	Body    string
}

// Mailer composes messages and sends them through a Sender.
type Mailer struct {
	sender   Sender
	composer *Composer
}

// New creates a Mailer. A nil composer uses NewComposer().
func New(sender Sender, composer *Composer) *Mailer {
	if composer == nil {
		composer = NewComposer()
	}
	return &Mailer{sender: sender, composer: composer}
}

// Send composes msg and delivers it.
// Composition errors are permanent: the same input will fail again.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	email, err := m.composer.Compose(msg)
	if err != nil {
		return Permanent(err)
	}
	if err := m.sender.Send(ctx, email); err != nil {
		if errors.Is(err, ErrPermanent) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrSendFailed) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}
