package record

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Status is the lifecycle state of an intent.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Intent is one email that should eventually be sent.
type Intent struct {
	ID          string     `json:"id" db:"id"`
	ToEmail     string     `json:"toEmail" db:"to_email"`
	SenderEmail string     `json:"senderEmail" db:"sender_email"`
	Subject     string     `json:"subject" db:"subject"`
	Body        string     `json:"body" db:"body"`
	ScheduledAt time.Time  `json:"scheduledAt" db:"scheduled_at"`
	SentAt      *time.Time `json:"sentAt" db:"sent_at"`
	Status      Status     `json:"status" db:"status"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
}

// NewIntent carries the caller-supplied fields of an intent.
type NewIntent struct {
	ToEmail     string
	SenderEmail string
	Subject     string
	Body        string
	ScheduledAt time.Time
}

var addressPattern = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)

// ValidAddress reports whether addr looks like a deliverable mailbox address.
func ValidAddress(addr string) bool {
	return addressPattern.MatchString(addr)
}

// Validate checks n against now. The first failing field is reported.
func (n NewIntent) Validate(now time.Time) error {
	switch {
	case !ValidAddress(n.ToEmail):
		return &ValidationError{Field: "toEmail", Message: "Invalid recipient email address"}
	case !ValidAddress(n.SenderEmail):
		return &ValidationError{Field: "senderEmail", Message: "Invalid sender email address"}
	case strings.TrimSpace(n.Subject) == "":
		return &ValidationError{Field: "subject", Message: "Email subject is required"}
	case strings.TrimSpace(n.Body) == "":
		return &ValidationError{Field: "body", Message: "Email body is required"}
	case n.ScheduledAt.IsZero():
		return &ValidationError{Field: "scheduledAt", Message: "Scheduled date is required"}
	case !n.ScheduledAt.After(now):
		return &ValidationError{Field: "scheduledAt", Message: "Scheduled date must be in the future"}
	}
	return nil
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Filter selects intents for List. Zero values mean "any".
type Filter struct {
	Status      Status
	SenderEmail string
	Limit       int
	Offset      int
}

// Normalize clamps the paging fields and rejects unknown statuses.
func (f Filter) Normalize() (Filter, error) {
	if f.Status != "" && !f.Status.Valid() {
		return f, &ValidationError{Field: "status", Message: "Invalid status filter"}
	}
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	f.Limit = min(f.Limit, MaxListLimit)
	f.Offset = max(f.Offset, 0)
	return f, nil
}

// Store is the read/write contract other components use to reach intents.
type Store interface {
	Create(ctx context.Context, in NewIntent) (Intent, error)
	Get(ctx context.Context, id string) (Intent, error)
	List(ctx context.Context, f Filter) ([]Intent, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, at time.Time) error
	ListPending(ctx context.Context) ([]Intent, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
