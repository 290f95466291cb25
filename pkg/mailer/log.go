package mailer

import (
	"context"
	"log/slog"
)

// LogSender logs emails instead of delivering them.
type LogSender struct {
	log *slog.Logger
}

// NewLogSender creates a sender that writes each email to log.
func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, email *Email) error {
	if err := email.Validate(); err != nil {
		return Permanent(err)
	}
	s.log.InfoContext(ctx, "email delivered to log",
		slog.String("from", email.From),
		slog.Any("to", email.To),
		slog.String("subject", email.Subject),
		slog.Int("html_bytes", len(email.HTML)),
	)
	return nil
}
