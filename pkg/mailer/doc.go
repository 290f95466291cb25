// Package mailer turns scheduled message fields into a deliverable email and
// hands it to a pluggable [Sender].
//
// The body is treated as Markdown: it is rendered with goldmark and the HTML is
// sanitized with a bluemonday policy, while the original text is kept as the
// plain-text alternative.
//
// Senders report failures in three classes that callers can match with
// errors.Is:
//
//   - [ErrPermanent]: retrying cannot help (rejected recipient, bad request).
//   - [ErrUnavailable]: the transport is known to be down, see [Breaker].
//   - anything else wrapped in [ErrSendFailed] is treated as transient.
//
// Providers live in subpackages: resend (HTTP API) and smtp (SMTP submission).
// [LogSender] only logs and is meant for local development.
package mailer
