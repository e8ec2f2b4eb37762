package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/jackvz/gitlab-foss/internal/core/ports"
)

var queueColumns = []string{
	"id", "kind", "unique_key", "args", "attempts", "run_at", "locked_until", "last_error", "dead", "created_at",
}

type queueRow struct {
	ID          int64      `db:"id"`
	Kind        string     `db:"kind"`
	UniqueKey   string     `db:"unique_key"`
	Args        string     `db:"args"`
	Attempts    int        `db:"attempts"`
	RunAt       time.Time  `db:"run_at"`
	LockedUntil *time.Time `db:"locked_until"`
	LastError   string     `db:"last_error"`
	Dead        bool       `db:"dead"`
	CreatedAt   time.Time  `db:"created_at"`
}

func (r *queueRow) toPort() *ports.QueuedJob {
	job := &ports.QueuedJob{
		ID:          r.ID,
		Kind:        r.Kind,
		UniqueKey:   r.UniqueKey,
		Attempts:    r.Attempts,
		RunAt:       r.RunAt.UTC(),
		LockedUntil: utcPtr(r.LockedUntil),
		LastError:   r.LastError,
		Dead:        r.Dead,
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if r.Args != "" {
		job.Args = json.RawMessage(r.Args)
	}
	return job
}

// Enqueue implements ports.JobQueue.
func (s *Store) Enqueue(ctx context.Context, kind string, args json.RawMessage, runAt time.Time) (int64, error) {
	return s.enqueue(ctx, s.db, kind, "", args, runAt)
}

// EnqueueUnique implements ports.JobQueue.
func (s *Store) EnqueueUnique(ctx context.Context, kind, uniqueKey string, args json.RawMessage, runAt time.Time) (int64, bool, error) {
	var (
		id    int64
		added bool
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := getRow(ctx, tx, &id, s.sb.Select("id").
			From("queue_jobs").
			Where(sq.Eq{"unique_key": uniqueKey, "dead": false}).
			Limit(1))
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to look up %s: %w", uniqueKey, err)
		}
		id, err = s.enqueue(ctx, tx, kind, uniqueKey, args, runAt)
		added = err == nil
		return err
	})
	return id, added, err
}

func (s *Store) enqueue(ctx context.Context, q sqlx.QueryerContext, kind, uniqueKey string, args json.RawMessage, runAt time.Time) (int64, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	id, err := s.insert(ctx, q, s.sb.Insert("queue_jobs").
		Columns("kind", "unique_key", "args", "attempts", "run_at", "last_error", "dead", "created_at").
		Values(kind, uniqueKey, string(args), 0, utc(runAt), "", false, utc(time.Now())))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s: %w", kind, err)
	}
	return id, nil
}

// Claim implements ports.JobQueue. The lease is taken with a conditional
// update so two workers racing for the same row cannot both win.
func (s *Store) Claim(ctx context.Context, now time.Time, lease time.Duration) (*ports.QueuedJob, error) {
	now = utc(now)
	var claimed *ports.QueuedJob
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		b := s.sb.Select(queueColumns...).
			From("queue_jobs").
			Where(sq.Eq{"dead": false}).
			Where(sq.LtOrEq{"run_at": now}).
			Where(sq.Or{sq.Eq{"locked_until": nil}, sq.LtOrEq{"locked_until": now}}).
			OrderBy("run_at", "id").
			Limit(1)
		if lock := s.dialect.LockClause(); lock != "" {
			b = b.Suffix(lock)
		}

		var row queueRow
		if err := getRow(ctx, tx, &row, b); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to select job: %w", err)
		}

		until := now.Add(lease)
		res, err := exec(ctx, tx, s.sb.Update("queue_jobs").
			Set("locked_until", until).
			Set("attempts", sq.Expr("attempts + 1")).
			Where(sq.Eq{"id": row.ID}).
			Where(sq.Or{sq.Eq{"locked_until": nil}, sq.LtOrEq{"locked_until": now}}))
		if err != nil {
			return fmt.Errorf("failed to lease job %d: %w", row.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}

		row.LockedUntil = &until
		row.Attempts++
		claimed = row.toPort()
		return nil
	})
	return claimed, err
}

// Complete implements ports.JobQueue.
func (s *Store) Complete(ctx context.Context, id int64) error {
	if _, err := exec(ctx, s.db, s.sb.Delete("queue_jobs").Where(sq.Eq{"id": id})); err != nil {
		return fmt.Errorf("failed to complete job %d: %w", id, err)
	}
	return nil
}

// Retry implements ports.JobQueue.
func (s *Store) Retry(ctx context.Context, id int64, runAt time.Time, lastError string) error {
	_, err := exec(ctx, s.db, s.sb.Update("queue_jobs").
		SetMap(map[string]any{
			"run_at":       utc(runAt),
			"locked_until": nil,
			"last_error":   lastError,
		}).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("failed to retry job %d: %w", id, err)
	}
	return nil
}

// Kill implements ports.JobQueue.
func (s *Store) Kill(ctx context.Context, id int64, lastError string) error {
	_, err := exec(ctx, s.db, s.sb.Update("queue_jobs").
		SetMap(map[string]any{
			"dead":         true,
			"locked_until": nil,
			"last_error":   lastError,
		}).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("failed to kill job %d: %w", id, err)
	}
	return nil
}

// QueuedJobs lists every job still in the queue, dead ones included.
func (s *Store) QueuedJobs(ctx context.Context) ([]*ports.QueuedJob, error) {
	var rows []queueRow
	if err := selectRows(ctx, s.db, &rows, s.sb.Select(queueColumns...).From("queue_jobs").OrderBy("id")); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	out := make([]*ports.QueuedJob, len(rows))
	for i := range rows {
		out[i] = rows[i].toPort()
	}
	return out, nil
}
