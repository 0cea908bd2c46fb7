package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/GoCodeAlone/planwright/task"
)

const outboxSchema = `
CREATE TABLE IF NOT EXISTS event_outbox (
	id         TEXT PRIMARY KEY,
	plan_id    TEXT NOT NULL,
	task_id    TEXT NOT NULL DEFAULT '',
	seq        INTEGER NOT NULL,
	type       TEXT NOT NULL,
	body       BLOB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (plan_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_event_outbox_status ON event_outbox(status, plan_id, seq);
`

// SQLiteOutbox stores events in the shared SQLite database.
type SQLiteOutbox struct {
	db *sql.DB
}

// NewSQLiteOutbox ensures the outbox table exists on db.
func NewSQLiteOutbox(db *sql.DB) (*SQLiteOutbox, error) {
	if _, err := db.Exec(outboxSchema); err != nil {
		return nil, fmt.Errorf("create outbox schema: %w", err)
	}
	return &SQLiteOutbox{db: db}, nil
}

func (o *SQLiteOutbox) Append(ctx context.Context, r Record) error {
	if r.Status == "" {
		r.Status = RecordPending
	}
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO event_outbox
			(id, plan_id, task_id, seq, type, body, status, attempts, last_error, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.PlanID, r.TaskID, int64(r.Seq), string(r.Type), r.Body, string(r.Status),
		r.Attempts, r.LastError, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", r.ID, err)
	}
	return nil
}

func (o *SQLiteOutbox) MarkDelivered(ctx context.Context, id string, attempts int) error {
	return o.set(ctx, id, RecordDelivered, attempts, "")
}

func (o *SQLiteOutbox) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	return o.set(ctx, id, RecordFailed, attempts, lastErr)
}

func (o *SQLiteOutbox) set(ctx context.Context, id string, status RecordStatus, attempts int, lastErr string) error {
	res, err := o.db.ExecContext(ctx,
		`UPDATE event_outbox SET status=?, attempts=?, last_error=?, updated_at=? WHERE id=?`,
		string(status), attempts, lastErr, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark event %s %s: %w", id, status, err)
	}
	return affected(res, id)
}

func (o *SQLiteOutbox) Pending(ctx context.Context) ([]Record, error) {
	return o.query(ctx, `WHERE status = 'pending' ORDER BY plan_id, seq`)
}

func (o *SQLiteOutbox) Failed(ctx context.Context, planID string) ([]Record, error) {
	if planID == "" {
		return o.query(ctx, `WHERE status = 'failed' ORDER BY plan_id, seq`)
	}
	return o.query(ctx, `WHERE status = 'failed' AND plan_id = ? ORDER BY seq`, planID)
}

func (o *SQLiteOutbox) Get(ctx context.Context, id string) (Record, error) {
	recs, err := o.query(ctx, `WHERE id = ?`, id)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("event %s: %w", id, task.ErrNotFound)
	}
	return recs[0], nil
}

func (o *SQLiteOutbox) Requeue(ctx context.Context, id string) error {
	res, err := o.db.ExecContext(ctx,
		`UPDATE event_outbox SET status='pending', updated_at=? WHERE id=?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("requeue event %s: %w", id, err)
	}
	return affected(res, id)
}

func (o *SQLiteOutbox) LastSeq(ctx context.Context, planID string) (uint64, error) {
	var last sql.NullInt64
	err := o.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM event_outbox WHERE plan_id = ?`, planID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("last seq for %s: %w", planID, err)
	}
	return uint64(last.Int64), nil
}

func (o *SQLiteOutbox) query(ctx context.Context, where string, args ...any) ([]Record, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, plan_id, task_id, seq, type, body, status, attempts, last_error, created_at, updated_at
		FROM event_outbox `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var seq int64
		var typ, status string
		if err := rows.Scan(&r.ID, &r.PlanID, &r.TaskID, &seq, &typ, &r.Body, &status,
			&r.Attempts, &r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		r.Seq = uint64(seq)
		r.Type = Type(typ)
		r.Status = RecordStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func affected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("event %s: %w", id, task.ErrNotFound)
	}
	return nil
}
