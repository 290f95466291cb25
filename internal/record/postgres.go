package record

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by Postgres.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores intents in the emails table.
type Postgres struct {
	db   DB
	opts *options
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a store over db. The schema comes from Migrations.
func NewPostgres(db DB, opts ...Option) *Postgres {
	return &Postgres{db: db, opts: newOptions(opts...)}
}

const selectColumns = `id::text AS id, to_email, sender_email, subject, body, scheduled_at, sent_at, status, created_at`

func (p *Postgres) Create(ctx context.Context, in NewIntent) (Intent, error) {
	now := p.opts.now()
	if err := in.Validate(now); err != nil {
		return Intent{}, err
	}

	rows, err := p.db.Query(ctx, `
		INSERT INTO emails (id, to_email, sender_email, subject, body, scheduled_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'scheduled', $7)
		RETURNING `+selectColumns,
		p.opts.newID(), in.ToEmail, in.SenderEmail, in.Subject, in.Body, in.ScheduledAt.UTC(), now.UTC(),
	)
	if err != nil {
		return Intent{}, storageErr("create", err)
	}
	intent, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[Intent])
	if err != nil {
		return Intent{}, storageErr("create", err)
	}
	return intent, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (Intent, error) {
	if uuid.Validate(id) != nil {
		return Intent{}, ErrNotFound
	}

	rows, err := p.db.Query(ctx, `SELECT `+selectColumns+` FROM emails WHERE id = $1`, id)
	if err != nil {
		return Intent{}, storageErr("get", err)
	}
	intent, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[Intent])
	if errors.Is(err, pgx.ErrNoRows) {
		return Intent{}, ErrNotFound
	}
	if err != nil {
		return Intent{}, storageErr("get", err)
	}
	return intent, nil
}

func (p *Postgres) List(ctx context.Context, f Filter) ([]Intent, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.SenderEmail != "" {
		args = append(args, f.SenderEmail)
		where = append(where, fmt.Sprintf("sender_email = $%d", len(args)))
	}

	var q strings.Builder
	q.WriteString(`SELECT ` + selectColumns + ` FROM emails`)
	if len(where) > 0 {
		q.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	args = append(args, f.Limit, f.Offset)
	fmt.Fprintf(&q, " ORDER BY scheduled_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := p.db.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, storageErr("list", err)
	}
	intents, err := pgx.CollectRows(rows, pgx.RowToStructByName[Intent])
	if err != nil {
		return nil, storageErr("list", err)
	}
	return intents, nil
}

func (p *Postgres) MarkSent(ctx context.Context, id string, at time.Time) error {
	if uuid.Validate(id) != nil {
		return ErrNotFound
	}

	tag, err := p.db.Exec(ctx, `
		UPDATE emails SET status = 'sent', sent_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'`,
		id, at.UTC(),
	)
	if err != nil {
		return storageErr("mark sent", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	status, err := p.status(ctx, id)
	if err != nil {
		return err
	}
	if status == StatusSent {
		return nil
	}
	return ErrTerminal
}

func (p *Postgres) MarkFailed(ctx context.Context, id string) error {
	if uuid.Validate(id) != nil {
		return ErrNotFound
	}

	tag, err := p.db.Exec(ctx, `
		UPDATE emails SET status = 'failed', updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'`,
		id,
	)
	if err != nil {
		return storageErr("mark failed", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	status, err := p.status(ctx, id)
	if err != nil {
		return err
	}
	if status == StatusFailed {
		return nil
	}
	return ErrTerminal
}

func (p *Postgres) Reschedule(ctx context.Context, id string, at time.Time) error {
	if uuid.Validate(id) != nil {
		return ErrNotFound
	}

	tag, err := p.db.Exec(ctx, `
		UPDATE emails SET scheduled_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled' AND scheduled_at < $2`,
		id, at.UTC(),
	)
	if err != nil {
		return storageErr("reschedule", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	status, err := p.status(ctx, id)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return ErrTerminal
	}
	return ErrNotLater
}

func (p *Postgres) ListPending(ctx context.Context) ([]Intent, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+selectColumns+` FROM emails
		WHERE status = 'scheduled'
		ORDER BY scheduled_at ASC, id`)
	if err != nil {
		return nil, storageErr("list pending", err)
	}
	intents, err := pgx.CollectRows(rows, pgx.RowToStructByName[Intent])
	if err != nil {
		return nil, storageErr("list pending", err)
	}
	return intents, nil
}

func (p *Postgres) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := p.db.Query(ctx, `SELECT status, COUNT(*) FROM emails GROUP BY status`)
	if err != nil {
		return nil, storageErr("count", err)
	}

	counts := map[Status]int64{
		StatusScheduled: 0,
		StatusSent:      0,
		StatusFailed:    0,
	}
	var (
		status string
		n      int64
	)
	_, err = pgx.ForEachRow(rows, []any{&status, &n}, func() error {
		counts[Status(status)] = n
		return nil
	})
	if err != nil {
		return nil, storageErr("count", err)
	}
	return counts, nil
}

// status classifies an intent after a guarded update matched no row.
func (p *Postgres) status(ctx context.Context, id string) (Status, error) {
	var s string
	err := p.db.QueryRow(ctx, `SELECT status FROM emails WHERE id = $1`, id).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", storageErr("status", err)
	}
	return Status(s), nil
}

func storageErr(op string, err error) error {
	return errors.Join(ErrStorage, fmt.Errorf("record: %s: %w", op, err))
}
