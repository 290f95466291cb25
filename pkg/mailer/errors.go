package mailer

import (
	"errors"
	"fmt"
)

var (
	ErrNoRecipient = errors.New("mailer: email must have at least one recipient")
	ErrNoSender    = errors.New("mailer: email must have a sender")
	ErrNoSubject   = errors.New("mailer: email must have a subject")
	ErrNoContent   = errors.New("mailer: email must have content")
	ErrRender      = errors.New("mailer: failed to render body")

	// ErrSendFailed marks a delivery failure that may succeed on retry.
	ErrSendFailed = errors.New("mailer: failed to send email")
	// ErrPermanent marks a delivery failure that will not succeed on retry.
	ErrPermanent = errors.New("mailer: permanent delivery failure")
	// ErrUnavailable is returned without contacting the provider while the breaker is open.
	ErrUnavailable = errors.New("mailer: transport unavailable")
)

// Permanent wraps err so that errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
