// Package scheduler executes a frozen plan over a bounded worker pool.
//
// The dispatch loop repeatedly asks the graph for ready tasks and hands each
// one to a worker once a pool slot is free. Every task is fingerprinted
// first: cache hits complete without calling the work executor, and
// concurrent misses on the same fingerprint share one invocation. Each task
// runs against its own timeout inside the plan timeout. Dependents of a
// failed or timed out task never become ready and are reported as blocked.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/GoCodeAlone/planwright/events"
	"github.com/GoCodeAlone/planwright/fingerprint"
	"github.com/GoCodeAlone/planwright/graph"
	"github.com/GoCodeAlone/planwright/task"
	"github.com/GoCodeAlone/planwright/work"
)

var tracer = otel.Tracer("planwright/scheduler")

// ErrNotFrozen is returned when Execute is handed a plan that can still change.
var ErrNotFrozen = errors.New("scheduler: plan is not frozen")

// Config tunes the pool and its timeouts.
type Config struct {
	Workers     int
	TaskTimeout time.Duration
	PlanTimeout time.Duration
}

// DefaultConfig returns 4 workers, a 60 second task timeout and a 15 minute
// plan timeout.
func DefaultConfig() Config {
	return Config{Workers: 4, TaskTimeout: 60 * time.Second, PlanTimeout: 15 * time.Minute}
}

// Sender publishes task events.
type Sender interface {
	Send(ctx context.Context, d events.Draft) (events.Event, error)
}

// Metrics receives scheduler measurements.
type Metrics interface {
	TaskTransition(kind task.Kind, status task.Status)
	TaskDuration(kind task.Kind, status task.Status, d time.Duration)
	CacheLookup(hit bool)
}

type nopMetrics struct{}

func (nopMetrics) TaskTransition(task.Kind, task.Status)              {}
func (nopMetrics) TaskDuration(task.Kind, task.Status, time.Duration) {}
func (nopMetrics) CacheLookup(bool)                                   {}

// TaskResult is the final report for one task.
type TaskResult struct {
	TaskID    string         `json:"taskId"`
	Ref       string         `json:"ref,omitempty"`
	Name      string         `json:"name"`
	Kind      task.Kind      `json:"kind"`
	Status    task.Status    `json:"status"`
	FromCache bool           `json:"fromCache,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Blocked   bool           `json:"blocked,omitempty"`
	BlockedBy []string       `json:"blockedBy,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// Outcome aggregates a plan run.
type Outcome struct {
	PlanID    string         `json:"planId"`
	State     task.PlanState `json:"state"`
	Results   []TaskResult   `json:"results"`
	Completed int            `json:"completed"`
	Cached    int            `json:"cached"`
	Failed    int            `json:"failed"`
	TimedOut  int            `json:"timedOut"`
	Blocked   int            `json:"blocked"`
	Pending   int            `json:"pending"`
	Error     string         `json:"error,omitempty"`
	Err       error          `json:"-"`
}

// Summary is the payload of a plan-completed event.
func (o *Outcome) Summary() map[string]any {
	return map[string]any{
		"state":     string(o.State),
		"total":     len(o.Results),
		"completed": o.Completed,
		"cached":    o.Cached,
		"failed":    o.Failed,
		"timedOut":  o.TimedOut,
		"blocked":   o.Blocked,
		"pending":   o.Pending,
		"error":     o.Error,
	}
}

// Scheduler runs plans. One Scheduler may execute many plans concurrently;
// the cache and the in-flight fingerprint group are shared between them.
type Scheduler struct {
	cfg     Config
	exec    work.Executor
	cache   fingerprint.Cache
	store   task.Store
	events  Sender
	metrics Metrics
	logger  *slog.Logger
	flight  singleflight.Group
	now     func() time.Time
}

// New creates a Scheduler.
func New(cfg Config, exec work.Executor, cache fingerprint.Cache, store task.Store, ev Sender, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.PlanTimeout <= 0 {
		cfg.PlanTimeout = def.PlanTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		exec:    exec,
		cache:   cache,
		store:   store,
		events:  ev,
		metrics: nopMetrics{},
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics installs m.
func (s *Scheduler) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

type taskDone struct {
	id     string
	status task.Status
}

// Execute runs every task of a frozen plan over g. The tasks are owned by
// the scheduler until Execute returns. The returned Outcome is always
// complete; err is ErrPlanTimeout or ErrPlanCanceled when the plan was cut
// short.
func (s *Scheduler) Execute(ctx context.Context, plan *task.Plan, tasks []*task.Task, g *graph.Graph) (*Outcome, error) {
	snap := plan.Snapshot()
	if !snap.Frozen {
		return nil, ErrNotFrozen
	}
	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, n := range g.Nodes() {
		if _, ok := byID[n.ID]; !ok {
			return nil, fmt.Errorf("scheduler: graph node %s: %w", n.ID, task.ErrUnknownTask)
		}
	}

	ctx, span := tracer.Start(ctx, "scheduler.Execute", trace.WithAttributes(
		attribute.String("plan.id", plan.ID),
		attribute.Int("plan.tasks", len(tasks)),
		attribute.Int("scheduler.workers", s.cfg.Workers),
	))
	defer span.End()

	// Persistence and events outlive the plan context so timed out tasks
	// are still recorded.
	bg := context.WithoutCancel(ctx)
	planCtx, cancel := context.WithTimeout(ctx, s.cfg.PlanTimeout)
	defer cancel()

	sem := semaphore.NewWeighted(int64(s.cfg.Workers))
	completed := graph.NewSet()
	started := graph.NewSet()
	done := make(chan taskDone, len(tasks))
	inflight := 0
	cutShort := false

loop:
	for {
		for _, id := range g.ReadyTasks(completed) {
			if started.Has(id) {
				continue
			}
			if planCtx.Err() != nil {
				cutShort = true
				break loop
			}
			if err := sem.Acquire(planCtx, 1); err != nil {
				cutShort = true
				break loop
			}
			started.Add(id)
			inflight++
			t := byID[id]
			go func() {
				defer sem.Release(1)
				done <- taskDone{id: t.ID, status: s.runTask(planCtx, bg, plan.ID, t)}
			}()
		}
		if inflight == 0 {
			break
		}
		select {
		case d := <-done:
			inflight--
			if d.status == task.StatusCompleted {
				completed.Add(d.id)
			}
		case <-planCtx.Done():
			cutShort = true
			break loop
		}
	}
	for ; inflight > 0; inflight-- {
		<-done
	}

	if !cutShort && planCtx.Err() != nil {
		for _, t := range tasks {
			if t.Status != task.StatusCompleted {
				cutShort = true
				break
			}
		}
	}
	var runErr error
	if cutShort {
		runErr = task.ErrPlanTimeout
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			runErr = task.ErrPlanCanceled
		}
	}
	out := NewOutcome(plan.ID, tasks, g, runErr)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	s.logger.Info("plan executed", "plan", plan.ID, "state", out.State,
		"completed", out.Completed, "failed", out.Failed, "timed_out", out.TimedOut, "blocked", out.Blocked)
	return out, runErr
}

// NewOutcome aggregates the current state of tasks. Pending tasks with a
// failed or timed out ancestor in g are reported as blocked. The plan state
// is completed unless runErr says the run was cut short.
func NewOutcome(planID string, tasks []*task.Task, g *graph.Graph, runErr error) *Outcome {
	out := &Outcome{PlanID: planID, State: task.PlanCompleted, Err: runErr}
	switch {
	case errors.Is(runErr, task.ErrPlanCanceled):
		out.State = task.PlanCanceled
	case runErr != nil:
		out.State = task.PlanFailed
	}
	if runErr != nil {
		out.Error = runErr.Error()
	}

	status := make(map[string]task.Status, len(tasks))
	for _, t := range tasks {
		status[t.ID] = t.Status
	}
	for _, t := range tasks {
		r := TaskResult{
			TaskID:    t.ID,
			Ref:       t.Ref,
			Name:      t.Name,
			Kind:      t.Kind,
			Status:    t.Status,
			FromCache: t.FromCache,
			Output:    t.Output,
			Error:     t.Error,
		}
		if t.StartedAt != nil && t.CompletedAt != nil {
			r.Duration = t.CompletedAt.Sub(*t.StartedAt)
		}
		switch t.Status {
		case task.StatusCompleted:
			out.Completed++
			if t.FromCache {
				out.Cached++
			}
		case task.StatusFailed:
			out.Failed++
		case task.StatusTimedOut:
			out.TimedOut++
		default:
			for id := range g.Ancestors(t.ID) {
				if st := status[id]; st == task.StatusFailed || st == task.StatusTimedOut {
					r.BlockedBy = append(r.BlockedBy, id)
				}
			}
			sort.Strings(r.BlockedBy)
			r.Blocked = len(r.BlockedBy) > 0
			if r.Blocked {
				out.Blocked++
			} else {
				out.Pending++
			}
		}
		out.Results = append(out.Results, r)
	}
	return out
}

// runTask executes one task and returns its terminal status.
func (s *Scheduler) runTask(planCtx, bg context.Context, planID string, t *task.Task) task.Status {
	ctx, span := tracer.Start(planCtx, "scheduler.task", trace.WithAttributes(
		attribute.String("plan.id", planID),
		attribute.String("task.id", t.ID),
		attribute.String("task.kind", string(t.Kind)),
	))
	defer span.End()
	begin := time.Now()

	fp, err := fingerprint.Compute(t.Kind, t.Inputs)
	if err != nil {
		s.start(bg, t)
		s.finish(bg, span, t, task.StatusFailed, nil, &task.ExecutionError{TaskID: t.ID, Kind: t.Kind, Err: err}, begin)
		return t.Status
	}
	t.Fingerprint = fp
	span.SetAttributes(attribute.String("task.fingerprint", fp))

	entry, hit, err := s.cache.Get(ctx, fp)
	if err != nil {
		s.logger.Warn("cache lookup failed", "task", t.ID, "fingerprint", fp, "error", err)
	}
	s.metrics.CacheLookup(hit)
	if hit {
		s.transition(t, task.StatusInProgress)
		t.FromCache = true
		s.finish(bg, span, t, task.StatusCompleted, entry.Output, nil, begin)
		return t.Status
	}

	s.start(bg, t)
	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	output, shared, err := s.work(taskCtx, bg, t, fp)
	taskErr := taskCtx.Err()
	cancel()

	switch {
	case err == nil:
		t.FromCache = shared
		s.finish(bg, span, t, task.StatusCompleted, output, nil, begin)
	case planCtx.Err() != nil:
		cause := task.ErrPlanTimeout
		if errors.Is(planCtx.Err(), context.Canceled) {
			cause = task.ErrPlanCanceled
		}
		s.finish(bg, span, t, task.StatusTimedOut, nil, cause, begin)
	case errors.Is(taskErr, context.DeadlineExceeded):
		s.finish(bg, span, t, task.StatusTimedOut, nil, fmt.Errorf("%w after %s", task.ErrTaskTimeout, s.cfg.TaskTimeout), begin)
	default:
		s.finish(bg, span, t, task.StatusFailed, nil, &task.ExecutionError{TaskID: t.ID, Kind: t.Kind, Err: err}, begin)
	}
	return t.Status
}

type flightResult struct {
	output map[string]any
	cached bool
}

// work runs the executor for t, sharing the invocation with concurrent
// callers holding the same fingerprint. shared reports that the output came
// from another caller's invocation or the cache.
func (s *Scheduler) work(ctx, bg context.Context, t *task.Task, fp string) (map[string]any, bool, error) {
	in := t.Clone()
	for {
		leader := false
		ch := s.flight.DoChan(fp, func() (any, error) {
			leader = true
			if e, ok, _ := s.cache.Get(ctx, fp); ok {
				return flightResult{output: e.Output, cached: true}, nil
			}
			out, err := s.exec.Execute(ctx, in)
			if err != nil {
				return nil, err
			}
			if err := s.cache.Put(bg, fingerprint.Entry{Fingerprint: fp, Kind: t.Kind, Output: out}); err != nil {
				s.logger.Warn("cache put failed", "task", t.ID, "fingerprint", fp, "error", err)
			}
			return flightResult{output: out}, nil
		})

		select {
		case r := <-ch:
			if r.Err != nil {
				// The leader's own deadline ended the shared call; try again
				// under ours.
				if !leader && isContextErr(r.Err) && ctx.Err() == nil {
					continue
				}
				return nil, false, r.Err
			}
			fr := r.Val.(flightResult)
			return fr.output, !leader || fr.cached, nil
		case <-ctx.Done():
			// Callers arriving later start a fresh invocation instead of
			// joining one that may never return.
			s.flight.Forget(fp)
			return nil, false, ctx.Err()
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *Scheduler) transition(t *task.Task, to task.Status) {
	if err := t.Transition(to, s.now()); err != nil {
		s.logger.Error("task transition", "task", t.ID, "error", err)
		return
	}
	s.metrics.TaskTransition(t.Kind, to)
}

// start moves t to in_progress and announces it.
func (s *Scheduler) start(bg context.Context, t *task.Task) {
	s.transition(t, task.StatusInProgress)
	s.persist(bg, t)
	s.send(bg, t, events.TypeTaskStarted, map[string]any{
		"kind":        string(t.Kind),
		"name":        t.Name,
		"fingerprint": t.Fingerprint,
	})
}

// finish moves t to a terminal status, persists it and emits its event.
func (s *Scheduler) finish(bg context.Context, span trace.Span, t *task.Task, to task.Status, output map[string]any, cause error, begin time.Time) {
	elapsed := time.Since(begin)
	t.Output = output
	if cause != nil {
		t.Error = cause.Error()
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	s.transition(t, to)
	s.metrics.TaskDuration(t.Kind, to, elapsed)
	s.persist(bg, t)

	payload := map[string]any{"kind": string(t.Kind)}
	var typ events.Type
	switch to {
	case task.StatusCompleted:
		typ = events.TypeTaskCompleted
		payload["fromCache"] = t.FromCache
		payload["output"] = output
		payload["durationMs"] = elapsed.Milliseconds()
	case task.StatusTimedOut:
		typ = events.TypeTaskTimedOut
		payload["error"] = t.Error
		payload["timeoutMs"] = s.cfg.TaskTimeout.Milliseconds()
		payload["hint"] = map[string]any{"retry": true, "skip": true}
	default:
		typ = events.TypeTaskFailed
		payload["error"] = t.Error
	}
	s.send(bg, t, typ, payload)

	level := slog.LevelInfo
	if to != task.StatusCompleted {
		level = slog.LevelWarn
	}
	s.logger.Log(bg, level, "task finished", "plan", t.PlanID, "task", t.ID, "kind", t.Kind,
		"status", to, "from_cache", t.FromCache, "elapsed", elapsed, "error", t.Error)
}

func (s *Scheduler) persist(ctx context.Context, t *task.Task) {
	if s.store == nil {
		return
	}
	if err := s.store.UpdateTask(ctx, t.Clone()); err != nil {
		s.logger.Error("persist task", "task", t.ID, "status", t.Status, "error", err)
	}
}

func (s *Scheduler) send(ctx context.Context, t *task.Task, typ events.Type, payload map[string]any) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Send(ctx, events.Draft{PlanID: t.PlanID, TaskID: t.ID, Type: typ, Payload: payload}); err != nil {
		s.logger.Error("send task event", "task", t.ID, "type", typ, "error", err)
	}
}
