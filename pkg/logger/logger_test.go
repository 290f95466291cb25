package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestContextHandler(t *testing.T) {
	t.Parallel()

	t.Run("appends context attrs", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := slog.New(newContextHandler(newStreamHandler(&buf, Config{Level: slog.LevelInfo})))

		ctx := WithAttrs(context.Background(), slog.String("email_id", "abc"))
		ctx = WithAttrs(ctx, slog.Int("attempt", 2))
		log.InfoContext(ctx, "sent")

		line := decodeLine(t, &buf)
		assert.Equal(t, "abc", line["email_id"])
		assert.EqualValues(t, 2, line["attempt"])
	})

	t.Run("runs extractors and skips nil ones", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		extractor := func(ctx context.Context) (slog.Attr, bool) {
			return slog.String("request_id", "req-1"), true
		}
		log := slog.New(newContextHandler(newStreamHandler(&buf, Config{}), nil, extractor))

		log.InfoContext(context.Background(), "hello")

		line := decodeLine(t, &buf)
		assert.Equal(t, "req-1", line["request_id"])
	})

	t.Run("respects level", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := slog.New(newContextHandler(newStreamHandler(&buf, Config{Level: slog.LevelWarn})))

		log.Info("hidden")
		assert.Zero(t, buf.Len())
	})
}

func TestWithAttrs_DoesNotMutateParent(t *testing.T) {
	t.Parallel()

	parent := WithAttrs(context.Background(), slog.String("a", "1"))
	_ = WithAttrs(parent, slog.String("b", "2"))

	assert.Len(t, AttrsFromContext(parent), 1)
	assert.Empty(t, AttrsFromContext(context.Background()))
}

func TestFanout(t *testing.T) {
	t.Parallel()

	var info, warn bytes.Buffer
	h := newFanout(
		newStreamHandler(&info, Config{Level: slog.LevelInfo}),
		newStreamHandler(&warn, Config{Level: slog.LevelWarn}),
	)
	log := slog.New(h)

	log.Info("only info")
	assert.NotZero(t, info.Len())
	assert.Zero(t, warn.Len())

	log.Warn("both")
	assert.NotZero(t, warn.Len())
}

func TestSentryLogLevels(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []slog.Level{slog.LevelWarn, slog.LevelError}, sentryLogLevels(slog.LevelWarn))
	assert.Equal(t, []slog.Level{slog.LevelError}, sentryLogLevels(slog.LevelError))
	assert.Equal(t, []slog.Level{slog.LevelError}, sentryLogLevels(slog.Level(100)))
}
