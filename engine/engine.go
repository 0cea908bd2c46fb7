// Package engine is the entry point for submitting and supervising plans.
//
// SubmitPlan stores a new plan and returns its ID at once; a background run
// then builds the task list, assembles the dependency graph, repairs cycles,
// freezes the plan and hands it to the scheduler. Every plan has its own
// cancel function and, when cycle recovery needs a human decision, its own
// approval channel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/planwright/events"
	"github.com/GoCodeAlone/planwright/graph"
	"github.com/GoCodeAlone/planwright/planner"
	"github.com/GoCodeAlone/planwright/recovery"
	"github.com/GoCodeAlone/planwright/scheduler"
	"github.com/GoCodeAlone/planwright/task"
)

var tracer = otel.Tracer("planwright/engine")

var (
	ErrEmptyPrompt = errors.New("prompt must not be empty")
	ErrNotActive   = errors.New("plan is not active")
	ErrNotBlocked  = errors.New("plan is not waiting for approval")
	ErrClosed      = errors.New("engine is closed")
)

// Events is the event surface the engine needs.
type Events interface {
	Send(ctx context.Context, d events.Draft) (events.Event, error)
	LastSeq(ctx context.Context, planID string) (uint64, error)
}

// Metrics receives plan level measurements.
type Metrics interface {
	PlanFinished(state task.PlanState)
	CycleRecovered(strategy, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) PlanFinished(task.PlanState)   {}
func (nopMetrics) CycleRecovered(string, string) {}

// TaskState is one task in a status snapshot.
type TaskState struct {
	ID          string      `json:"id"`
	Ref         string      `json:"ref,omitempty"`
	Name        string      `json:"name"`
	Kind        task.Kind   `json:"kind"`
	Priority    int         `json:"priority"`
	Status      task.Status `json:"status"`
	FromCache   bool        `json:"fromCache,omitempty"`
	NeedsReview bool        `json:"needsReview,omitempty"`
	Error       string      `json:"error,omitempty"`
	Blocked     bool        `json:"blocked,omitempty"`
	BlockedBy   []string    `json:"blockedBy,omitempty"`
}

// Status is a point in time view of a plan.
type Status struct {
	PlanID            string              `json:"planId"`
	State             task.PlanState      `json:"state"`
	Complexity        task.Complexity     `json:"complexity,omitempty"`
	EstimatedDuration time.Duration       `json:"estimatedDuration"`
	Tasks             []TaskState         `json:"tasks"`
	Dependencies      []task.Dependency   `json:"dependencies"`
	LastEventSeq      uint64              `json:"lastEventSeq"`
	Error             string              `json:"error,omitempty"`
	Recovery          *task.CycleRecovery `json:"recovery,omitempty"`
	Warnings          []string            `json:"warnings,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
	CompletedAt       *time.Time          `json:"completedAt,omitempty"`
}

type decision int

const (
	approve decision = iota + 1
	reject
)

// run is the in-process state of one active plan.
type run struct {
	plan     *task.Plan
	cancel   context.CancelFunc
	done     chan struct{}
	decision chan decision

	mu      sync.Mutex
	blocked bool
	outcome *scheduler.Outcome
	err     error
}

// Engine supervises plans.
type Engine struct {
	store     task.Store
	planner   *planner.Builder
	ladder    *recovery.Ladder
	scheduler *scheduler.Scheduler
	events    Events
	metrics   Metrics
	logger    *slog.Logger
	now       func() time.Time

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// New creates an Engine.
func New(store task.Store, b *planner.Builder, ladder *recovery.Ladder, sched *scheduler.Scheduler, ev Events, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Engine{
		store:     store,
		planner:   b,
		ladder:    ladder,
		scheduler: sched,
		events:    ev,
		metrics:   nopMetrics{},
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		base:      base,
		stop:      stop,
		runs:      make(map[string]*run),
	}
}

// SetMetrics installs m.
func (e *Engine) SetMetrics(m Metrics) {
	if m != nil {
		e.metrics = m
	}
}

// Start marks plans left unfinished by a previous process as failed. Their
// in-memory state is gone, so they cannot be resumed.
func (e *Engine) Start(ctx context.Context) error {
	plans, err := e.store.ListPlans(ctx, task.PlanFilter{})
	if err != nil {
		return fmt.Errorf("engine: list plans: %w", err)
	}
	for _, p := range plans {
		if p.State.Finished() {
			continue
		}
		e.mu.Lock()
		_, active := e.runs[p.ID]
		e.mu.Unlock()
		if active {
			continue
		}
		p.SetState(task.PlanFailed, "interrupted by restart", e.now())
		if err := e.store.UpdatePlan(ctx, p); err != nil {
			return fmt.Errorf("engine: mark plan %s interrupted: %w", p.ID, err)
		}
		e.logger.Warn("plan interrupted by restart", "plan", p.ID, "state", p.State)
	}
	return nil
}

// SubmitPlan stores a new plan for prompt and starts it in the background.
func (e *Engine) SubmitPlan(ctx context.Context, prompt string, rc map[string]any) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	plan := task.NewPlan(uuid.NewString(), prompt, rc, e.now())

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrClosed
	}
	if err := e.store.CreatePlan(ctx, plan); err != nil {
		return "", fmt.Errorf("engine: create plan: %w", err)
	}
	runCtx, cancel := context.WithCancel(e.base)
	r := &run{
		plan:     plan,
		cancel:   cancel,
		done:     make(chan struct{}),
		decision: make(chan decision, 1),
	}
	e.runs[plan.ID] = r
	e.wg.Add(1)
	go e.execute(runCtx, r)

	e.logger.Info("plan submitted", "plan", plan.ID)
	return plan.ID, nil
}

func (e *Engine) active(planID string) (*run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[planID]
	return r, ok
}

// CancelPlan cancels a generating, blocked or running plan.
func (e *Engine) CancelPlan(ctx context.Context, planID string) error {
	if r, ok := e.active(planID); ok {
		r.cancel()
		e.logger.Info("plan cancel requested", "plan", planID)
		return nil
	}
	if _, err := e.store.GetPlan(ctx, planID); err != nil {
		return err
	}
	return ErrNotActive
}

// ApprovePlan lets a blocked plan continue in sequential order.
func (e *Engine) ApprovePlan(ctx context.Context, planID string) error {
	return e.decide(ctx, planID, approve)
}

// RejectPlan fails a blocked plan with a circular dependency error.
func (e *Engine) RejectPlan(ctx context.Context, planID string) error {
	return e.decide(ctx, planID, reject)
}

func (e *Engine) decide(ctx context.Context, planID string, d decision) error {
	r, ok := e.active(planID)
	if !ok {
		if _, err := e.store.GetPlan(ctx, planID); err != nil {
			return err
		}
		return ErrNotBlocked
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.blocked {
		return ErrNotBlocked
	}
	r.blocked = false
	r.decision <- d
	return nil
}

// Wait blocks until the plan finishes and returns its outcome. For plans
// that finished earlier the outcome is rebuilt from the store.
func (e *Engine) Wait(ctx context.Context, planID string) (*scheduler.Outcome, error) {
	if r, ok := e.active(planID); ok {
		select {
		case <-r.done:
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.outcome, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.State.Finished() {
		return nil, ErrNotActive
	}
	tasks, err := e.store.ListTasks(ctx, planID)
	if err != nil {
		return nil, err
	}
	out := scheduler.NewOutcome(planID, tasks, storedGraph(tasks, plan.Dependencies), nil)
	out.State = plan.State
	out.Error = plan.Error
	if plan.Error != "" {
		out.Err = errors.New(plan.Error)
	}
	return out, out.Err
}

// GetPlanStatus returns a snapshot of the plan and its tasks.
func (e *Engine) GetPlanStatus(ctx context.Context, planID string) (*Status, error) {
	var plan *task.Plan
	if r, ok := e.active(planID); ok {
		plan = r.plan.Snapshot()
	} else {
		p, err := e.store.GetPlan(ctx, planID)
		if err != nil {
			return nil, err
		}
		plan = p
	}
	tasks, err := e.store.ListTasks(ctx, planID)
	if err != nil {
		return nil, err
	}
	seq, err := e.events.LastSeq(ctx, planID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		PlanID:            plan.ID,
		State:             plan.State,
		Complexity:        plan.Complexity,
		EstimatedDuration: plan.EstimatedDuration,
		Dependencies:      plan.Dependencies,
		LastEventSeq:      seq,
		Error:             plan.Error,
		Recovery:          plan.Metadata.CycleRecovery,
		Warnings:          plan.Metadata.Warnings,
		CreatedAt:         plan.CreatedAt,
		UpdatedAt:         plan.UpdatedAt,
		CompletedAt:       plan.CompletedAt,
		Tasks:             make([]TaskState, 0, len(tasks)),
	}
	var blocked map[string][]string
	if plan.State.Finished() {
		blocked = blockedBy(tasks, storedGraph(tasks, plan.Dependencies))
	}
	for _, t := range tasks {
		ts := TaskState{
			ID:          t.ID,
			Ref:         t.Ref,
			Name:        t.Name,
			Kind:        t.Kind,
			Priority:    t.Priority,
			Status:      t.Status,
			FromCache:   t.FromCache,
			NeedsReview: t.NeedsReview,
			Error:       t.Error,
			BlockedBy:   blocked[t.ID],
		}
		ts.Blocked = len(ts.BlockedBy) > 0
		st.Tasks = append(st.Tasks, ts)
	}
	return st, nil
}

// ListPlans lists stored plans, newest first.
func (e *Engine) ListPlans(ctx context.Context, filter task.PlanFilter) ([]*task.Plan, error) {
	return e.store.ListPlans(ctx, filter)
}

// Close cancels every active plan and waits for their runs to wind down or
// for ctx to end.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stop()

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute drives one plan from generation to its final state.
func (e *Engine) execute(ctx context.Context, r *run) {
	defer e.wg.Done()
	plan := r.plan
	ctx, span := tracer.Start(ctx, "engine.plan", trace.WithAttributes(attribute.String("plan.id", plan.ID)))
	defer span.End()
	bg := context.WithoutCancel(ctx)
	log := e.logger.With("plan", plan.ID)

	tasks, g, err := e.prepare(ctx, r, log)
	var out *scheduler.Outcome
	if err == nil {
		plan.Freeze()
		plan.SetState(task.PlanRunning, "", e.now())
		e.persist(bg, plan, log)
		log.Info("plan running", "tasks", len(tasks))
		out, err = e.scheduler.Execute(ctx, plan, tasks, g)
	}
	if out == nil {
		if g == nil {
			g = storedGraph(tasks, nil)
		}
		out = scheduler.NewOutcome(plan.ID, tasks, g, err)
		out.State = task.PlanFailed
	}
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, task.ErrPlanTimeout) {
			if !errors.Is(err, task.ErrPlanCanceled) {
				err = fmt.Errorf("%w: %w", task.ErrPlanCanceled, err)
			}
			out.State = task.PlanCanceled
		}
		out.Err = err
		out.Error = err.Error()
		span.RecordError(err)
	}

	plan.SetState(out.State, out.Error, e.now())
	e.persist(bg, plan, log)
	e.send(bg, plan.ID, events.TypePlanCompleted, out.Summary(), log)
	e.metrics.PlanFinished(out.State)
	log.Info("plan finished", "state", out.State, "error", out.Error)

	r.mu.Lock()
	r.outcome, r.err = out, err
	r.blocked = false
	r.mu.Unlock()

	e.mu.Lock()
	delete(e.runs, plan.ID)
	e.mu.Unlock()
	r.cancel()
	close(r.done)
}

// prepare builds the task list and an acyclic graph for the plan.
func (e *Engine) prepare(ctx context.Context, r *run, log *slog.Logger) ([]*task.Task, *graph.Graph, error) {
	plan := r.plan
	bg := context.WithoutCancel(ctx)

	tasks, err := e.planner.BuildPlan(ctx, plan)
	if err != nil {
		return tasks, nil, err
	}

	nodes := make([]graph.Node, len(tasks))
	for i, t := range tasks {
		nodes[i] = graph.Node{ID: t.ID, Priority: t.Priority}
	}
	g, err := graph.Build(nodes, plan.Snapshot().Dependencies)
	if err != nil {
		return tasks, nil, err
	}
	if g.IsAcyclic() {
		return tasks, g, nil
	}

	plan.SetState(task.PlanRecovering, "", e.now())
	e.persist(bg, plan, log)
	res, err := e.ladder.Recover(ctx, plan.ID, g, true)
	if res != nil && res.Recovery != nil {
		plan.SetRecovery(res.Recovery)
		e.metrics.CycleRecovered(res.Recovery.Strategy, res.Recovery.Outcome)
	}
	if err != nil {
		return tasks, g, err
	}

	if res.Blocked {
		fixed, err := e.awaitDecision(ctx, r, res, log)
		if err != nil {
			return tasks, g, err
		}
		res.Graph = fixed
		res.Warnings = append(res.Warnings, recovery.SequentialWarning)
	}
	for _, w := range res.Warnings {
		plan.AddWarning(w)
		e.send(bg, plan.ID, events.TypePlanWarning, map[string]any{"message": w}, log)
	}
	if err := plan.ReplaceDependencies(res.Graph.Edges()); err != nil {
		return tasks, g, err
	}
	e.persist(bg, plan, log)
	return tasks, res.Graph, nil
}

// awaitDecision parks a blocked plan until it is approved, rejected or
// canceled. Approval applies the linear fallback.
func (e *Engine) awaitDecision(ctx context.Context, r *run, res *recovery.Result, log *slog.Logger) (*graph.Graph, error) {
	plan := r.plan
	bg := context.WithoutCancel(ctx)
	rec := res.Recovery
	cycle := recovery.Describe(rec.Components)

	plan.SetState(task.PlanBlocked, "", e.now())
	e.persist(bg, plan, log)
	r.mu.Lock()
	r.blocked = true
	r.mu.Unlock()
	e.send(bg, plan.ID, events.TypePlanBlocked, map[string]any{
		"cycle":      cycle,
		"components": rec.Components,
	}, log)
	log.Warn("plan blocked waiting for approval", "cycle", cycle)

	var d decision
	select {
	case d = <-r.decision:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	updated := *rec
	updated.Attempts = append([]task.RecoveryAttempt(nil), rec.Attempts...)
	if d == reject {
		updated.Strategy = task.StrategyFailed
		updated.Outcome = task.OutcomeFailed
		updated.Attempts = append(updated.Attempts, task.RecoveryAttempt{
			Strategy: task.StrategyBlocked, Outcome: task.OutcomeFailed, Detail: "rejected",
		})
		plan.SetRecovery(&updated)
		e.metrics.CycleRecovered(updated.Strategy, updated.Outcome)
		log.Info("blocked plan rejected")
		return nil, &task.CycleError{Components: rec.Components, Reason: "sequential execution rejected"}
	}

	updated.Strategy = task.StrategyLinearFallback
	updated.Outcome = task.OutcomeResolved
	updated.Attempts = append(updated.Attempts, task.RecoveryAttempt{
		Strategy: task.StrategyLinearFallback, Outcome: task.OutcomeResolved, Detail: "approved",
	})
	plan.SetRecovery(&updated)
	e.metrics.CycleRecovered(updated.Strategy, updated.Outcome)
	plan.SetState(task.PlanRecovering, "", e.now())
	log.Info("blocked plan approved for sequential execution")
	return recovery.Linearize(res.Graph), nil
}

func (e *Engine) persist(ctx context.Context, plan *task.Plan, log *slog.Logger) {
	if err := e.store.UpdatePlan(ctx, plan.Snapshot()); err != nil {
		log.Error("persist plan", "error", err)
	}
}

func (e *Engine) send(ctx context.Context, planID string, typ events.Type, payload map[string]any, log *slog.Logger) {
	if _, err := e.events.Send(ctx, events.Draft{PlanID: planID, Type: typ, Payload: payload}); err != nil {
		log.Error("send plan event", "type", typ, "error", err)
	}
}

// storedGraph rebuilds the dependency graph of persisted tasks, ignoring
// edges that no longer resolve.
func storedGraph(tasks []*task.Task, deps []task.Dependency) *graph.Graph {
	g := graph.New()
	for _, t := range tasks {
		g.AddNode(graph.Node{ID: t.ID, Priority: t.Priority})
	}
	for _, d := range deps {
		_ = g.AddEdge(d)
	}
	return g
}

func blockedBy(tasks []*task.Task, g *graph.Graph) map[string][]string {
	out := scheduler.NewOutcome("", tasks, g, nil)
	m := make(map[string][]string)
	for _, r := range out.Results {
		if r.Blocked {
			m[r.TaskID] = r.BlockedBy
		}
	}
	return m
}
