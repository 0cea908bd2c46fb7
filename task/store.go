package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store persists plans and their tasks. Plans are retained after completion
// for audit and history.
type Store interface {
	CreatePlan(ctx context.Context, p *Plan) error
	GetPlan(ctx context.Context, id string) (*Plan, error)
	UpdatePlan(ctx context.Context, p *Plan) error
	ListPlans(ctx context.Context, filter PlanFilter) ([]*Plan, error)

	SaveTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, planID string) ([]*Task, error)
}

// PlanFilter controls which plans ListPlans returns.
type PlanFilter struct {
	State  *PlanState `json:"state,omitempty"`
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id                 TEXT PRIMARY KEY,
	prompt             TEXT NOT NULL,
	request_context    TEXT NOT NULL DEFAULT '{}',
	estimated_duration INTEGER NOT NULL DEFAULT 0,
	task_ids           TEXT NOT NULL DEFAULT '[]',
	dependencies       TEXT NOT NULL DEFAULT '[]',
	complexity         TEXT NOT NULL DEFAULT '',
	metadata           TEXT NOT NULL DEFAULT '{}',
	state              TEXT NOT NULL,
	error              TEXT NOT NULL DEFAULT '',
	frozen             INTEGER NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL,
	completed_at       DATETIME
);

CREATE TABLE IF NOT EXISTS tasks (
	id                 TEXT PRIMARY KEY,
	plan_id            TEXT NOT NULL REFERENCES plans(id),
	seq                INTEGER NOT NULL DEFAULT 0,
	ref                TEXT NOT NULL DEFAULT '',
	kind               TEXT NOT NULL,
	name               TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	priority           INTEGER NOT NULL DEFAULT 0,
	estimated_duration INTEGER NOT NULL DEFAULT 0,
	inputs             TEXT NOT NULL DEFAULT '{}',
	depends_on         TEXT NOT NULL DEFAULT '[]',
	needs_review       INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	fingerprint        TEXT NOT NULL DEFAULT '',
	from_cache         INTEGER NOT NULL DEFAULT 0,
	output             TEXT NOT NULL DEFAULT '{}',
	error              TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL,
	started_at         DATETIME,
	completed_at       DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_plan ON tasks(plan_id, seq);
`

// SQLiteStore persists plans and tasks in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore ensures the plan and task tables exist on db. The caller
// owns db and closes it.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// CreatePlan inserts a new plan row.
func (s *SQLiteStore) CreatePlan(ctx context.Context, p *Plan) error {
	snap := p.Snapshot()
	rc, _ := json.Marshal(snap.RequestContext)
	ids, _ := json.Marshal(nonNil(snap.TaskIDs))
	deps, _ := json.Marshal(nonNilDeps(snap.Dependencies))
	meta, _ := json.Marshal(snap.Metadata)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans
			(id, prompt, request_context, estimated_duration, task_ids, dependencies,
			 complexity, metadata, state, error, frozen, created_at, updated_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		snap.ID, snap.Prompt, string(rc), int64(snap.EstimatedDuration),
		string(ids), string(deps), string(snap.Complexity), string(meta),
		string(snap.State), snap.Error, boolInt(snap.Frozen),
		snap.CreatedAt, snap.UpdatedAt, nullTime(snap.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a plan by ID.
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return p, err
}

// UpdatePlan saves the mutable plan fields.
func (s *SQLiteStore) UpdatePlan(ctx context.Context, p *Plan) error {
	snap := p.Snapshot()
	ids, _ := json.Marshal(nonNil(snap.TaskIDs))
	deps, _ := json.Marshal(nonNilDeps(snap.Dependencies))
	meta, _ := json.Marshal(snap.Metadata)

	res, err := s.db.ExecContext(ctx, `
		UPDATE plans SET
			estimated_duration=?, task_ids=?, dependencies=?, complexity=?, metadata=?,
			state=?, error=?, frozen=?, updated_at=?, completed_at=?
		WHERE id=?`,
		int64(snap.EstimatedDuration), string(ids), string(deps), string(snap.Complexity),
		string(meta), string(snap.State), snap.Error, boolInt(snap.Frozen),
		time.Now().UTC(), nullTime(snap.CompletedAt),
		snap.ID,
	)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	return expectOne(res, "plan", snap.ID)
}

// ListPlans returns plans matching filter, newest first.
func (s *SQLiteStore) ListPlans(ctx context.Context, filter PlanFilter) ([]*Plan, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + planColumns + " FROM plans WHERE 1=1")
	args := []any{}
	if filter.State != nil {
		q.WriteString(" AND state=?")
		args = append(args, string(*filter.State))
	}
	q.WriteString(" ORDER BY created_at DESC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// SaveTask inserts a new task. Tasks keep the order in which they were
// saved within their plan.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *Task) error {
	inputs, _ := json.Marshal(t.Inputs)
	dependsOn, _ := json.Marshal(nonNil(t.DependsOn))
	output, _ := json.Marshal(t.Output)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks
			(id, plan_id, seq, ref, kind, name, description, priority, estimated_duration,
			 inputs, depends_on, needs_review, status, fingerprint, from_cache, output, error,
			 created_at, updated_at, started_at, completed_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks WHERE plan_id = ?),
			?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.PlanID, t.PlanID, t.Ref, string(t.Kind), t.Name, t.Description,
		t.Priority, int64(t.EstimatedDuration),
		string(inputs), string(dependsOn), boolInt(t.NeedsReview),
		string(t.Status), t.Fingerprint, boolInt(t.FromCache), string(output), t.Error,
		t.CreatedAt, t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask persists a task state transition.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *Task) error {
	output, _ := json.Marshal(t.Output)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status=?, fingerprint=?, from_cache=?, output=?, error=?,
			updated_at=?, started_at=?, completed_at=?
		WHERE id=?`,
		string(t.Status), t.Fingerprint, boolInt(t.FromCache), string(output), t.Error,
		t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return expectOne(res, "task", t.ID)
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTasks returns a plan's tasks in the order they were added.
func (s *SQLiteStore) ListTasks(ctx context.Context, planID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE plan_id = ? ORDER BY seq ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

const planColumns = `id, prompt, request_context, estimated_duration, task_ids, dependencies,
	complexity, metadata, state, error, frozen, created_at, updated_at, completed_at`

const taskColumns = `id, plan_id, ref, kind, name, description, priority, estimated_duration,
	inputs, depends_on, needs_review, status, fingerprint, from_cache, output, error,
	created_at, updated_at, started_at, completed_at`

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(s scanner) (*Plan, error) {
	var p Plan
	var rcJSON, idsJSON, depsJSON, metaJSON, complexity, state string
	var duration int64
	var frozen int
	var completedAt sql.NullTime

	err := s.Scan(
		&p.ID, &p.Prompt, &rcJSON, &duration, &idsJSON, &depsJSON,
		&complexity, &metaJSON, &state, &p.Error, &frozen,
		&p.CreatedAt, &p.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	p.EstimatedDuration = time.Duration(duration)
	p.Complexity = Complexity(complexity)
	p.State = PlanState(state)
	p.Frozen = frozen != 0
	_ = json.Unmarshal([]byte(rcJSON), &p.RequestContext)
	_ = json.Unmarshal([]byte(idsJSON), &p.TaskIDs)
	_ = json.Unmarshal([]byte(depsJSON), &p.Dependencies)
	_ = json.Unmarshal([]byte(metaJSON), &p.Metadata)
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	return &p, nil
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var kind, status, inputsJSON, dependsOnJSON, outputJSON string
	var duration int64
	var needsReview, fromCache int
	var startedAt, completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.PlanID, &t.Ref, &kind, &t.Name, &t.Description, &t.Priority, &duration,
		&inputsJSON, &dependsOnJSON, &needsReview, &status, &t.Fingerprint, &fromCache,
		&outputJSON, &t.Error,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Kind = Kind(kind)
	t.Status = Status(status)
	t.EstimatedDuration = time.Duration(duration)
	t.NeedsReview = needsReview != 0
	t.FromCache = fromCache != 0
	_ = json.Unmarshal([]byte(inputsJSON), &t.Inputs)
	_ = json.Unmarshal([]byte(dependsOnJSON), &t.DependsOn)
	_ = json.Unmarshal([]byte(outputJSON), &t.Output)
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func expectOne(res sql.Result, what, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilDeps(d []Dependency) []Dependency {
	if d == nil {
		return []Dependency{}
	}
	return d
}
