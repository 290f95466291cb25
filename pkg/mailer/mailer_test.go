package mailer

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposer_Compose(t *testing.T) {
	t.Parallel()

	c := NewComposer()

	t.Run("renders markdown and sanitizes", func(t *testing.T) {
		t.Parallel()

		email, err := c.Compose(Message{
			ID:      "id-1",
			From:    "sender@example.com",
			To:      "to@example.com",
			Subject: "Hi",
			Body:    "Hello **world** <script>alert(1)</script> [link](https://example.com)",
		})
		require.NoError(t, err)
		assert.Contains(t, email.HTML, "<strong>world</strong>")
		assert.NotContains(t, email.HTML, "<script>")
		assert.Contains(t, email.HTML, `rel="nofollow"`)
		assert.Equal(t, "Hello **world** <script>alert(1)</script> [link](https://example.com)", email.Text)
		assert.Equal(t, []string{"to@example.com"}, email.To)
		assert.Equal(t, "id-1", email.Headers["X-Postman-Email-ID"])
	})

	t.Run("validates fields", func(t *testing.T) {
		t.Parallel()

		_, err := c.Compose(Message{From: "a@example.com", Subject: "s", Body: "b"})
		require.ErrorIs(t, err, ErrNoRecipient)

		_, err = c.Compose(Message{From: "a@example.com", To: "b@example.com", Body: "b"})
		require.ErrorIs(t, err, ErrNoSubject)

		_, err = c.Compose(Message{From: "a@example.com", To: "b@example.com", Subject: "s"})
		require.ErrorIs(t, err, ErrNoContent)
	})
}

func TestMailer_Send(t *testing.T) {
	t.Parallel()

	msg := Message{From: "a@example.com", To: "b@example.com", Subject: "s", Body: "b"}

	t.Run("wraps unknown errors as transient", func(t *testing.T) {
		t.Parallel()

		m := New(SenderFunc(func(context.Context, *Email) error { return errors.New("boom") }), nil)
		err := m.Send(context.Background(), msg)
		require.ErrorIs(t, err, ErrSendFailed)
		assert.False(t, IsPermanent(err))
	})

	t.Run("keeps permanent classification", func(t *testing.T) {
		t.Parallel()

		m := New(SenderFunc(func(context.Context, *Email) error { return Permanent(errors.New("rejected")) }), nil)
		err := m.Send(context.Background(), msg)
		assert.True(t, IsPermanent(err))
	})

	t.Run("composition failure is permanent", func(t *testing.T) {
		t.Parallel()

		var called atomic.Bool
		m := New(SenderFunc(func(context.Context, *Email) error { called.Store(true); return nil }), nil)
		err := m.Send(context.Background(), Message{From: "a@example.com", To: "b@example.com", Body: "b"})
		assert.True(t, IsPermanent(err))
		assert.False(t, called.Load())
	})
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Permanent(nil))

	cause := errors.New("cause")
	err := Permanent(cause)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorIs(t, err, cause)
}

func TestBreaker(t *testing.T) {
	t.Parallel()

	email := &Email{From: "a@example.com", To: []string{"b@example.com"}, Subject: "s", Text: "t"}

	t.Run("opens after consecutive transient failures", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		next := SenderFunc(func(context.Context, *Email) error {
			calls.Add(1)
			return ErrSendFailed
		})
		b := NewBreaker(next, BreakerConfig{ConsecutiveFailures: 3, Timeout: time.Minute}, nil)

		for range 3 {
			require.ErrorIs(t, b.Send(context.Background(), email), ErrSendFailed)
		}
		err := b.Send(context.Background(), email)
		require.ErrorIs(t, err, ErrUnavailable)
		assert.EqualValues(t, 3, calls.Load(), "open breaker must not call the provider")
		require.ErrorIs(t, b.Healthcheck()(context.Background()), ErrUnavailable)
	})

	t.Run("permanent failures do not trip", func(t *testing.T) {
		t.Parallel()

		next := SenderFunc(func(context.Context, *Email) error {
			return Permanent(errors.New("bad recipient"))
		})
		b := NewBreaker(next, BreakerConfig{ConsecutiveFailures: 2, Timeout: time.Minute}, nil)

		for range 5 {
			err := b.Send(context.Background(), email)
			require.True(t, IsPermanent(err))
		}
		require.NoError(t, b.Healthcheck()(context.Background()))
	})
}

func TestLogSender(t *testing.T) {
	t.Parallel()

	s := NewLogSender(nopLogger())
	require.NoError(t, s.Send(context.Background(), &Email{From: "a@example.com", To: []string{"b@example.com"}, Subject: "s", Text: "t"}))
	assert.True(t, IsPermanent(s.Send(context.Background(), &Email{})))
}

func nopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
