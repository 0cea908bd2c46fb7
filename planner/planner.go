// Package planner turns a change request into plan tasks by streaming batches
// from the generative backend. Every raw task is validated against a fixed
// schema; malformed ones get one repair round trip and otherwise degrade to
// a single task flagged for human review.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/GoCodeAlone/planwright/backend"
	"github.com/GoCodeAlone/planwright/events"
	"github.com/GoCodeAlone/planwright/task"
)

// ReviewPriority is assigned to best-effort tasks that replace a document
// the backend could not get right.
const ReviewPriority = 1000

// ErrNoTasks is returned when the backend finishes without proposing work.
var ErrNoTasks = errors.New("planner: backend proposed no tasks")

// Sender publishes plan events.
type Sender interface {
	Send(ctx context.Context, d events.Draft) (events.Event, error)
}

// BatchResult is one accepted batch. The last result of a successful stream
// has Final set and carries the resolved dependency edges.
type BatchResult struct {
	Index        int
	Tasks        []*task.Task
	Final        bool
	Dependencies []task.Dependency
	Err          error
}

// Builder builds plans.
type Builder struct {
	backend  backend.Backend
	store    task.Store
	events   Sender
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// New creates a Builder.
func New(b backend.Backend, store task.Store, ev Sender, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		backend:  b,
		store:    store,
		events:   ev,
		logger:   logger,
		validate: newValidator(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// BuildPlan drains Stream and returns every task of the plan in the order
// the backend proposed them.
func (b *Builder) BuildPlan(ctx context.Context, plan *task.Plan) ([]*task.Task, error) {
	var all []*task.Task
	for res := range b.Stream(ctx, plan) {
		if res.Err != nil {
			return all, res.Err
		}
		all = append(all, res.Tasks...)
	}
	return all, nil
}

// Stream produces accepted batches lazily. The channel is closed after a
// Final result or an error. The request context is read from the plan.
func (b *Builder) Stream(ctx context.Context, plan *task.Plan) <-chan BatchResult {
	out := make(chan BatchResult)
	go func() {
		defer close(out)
		emit := func(r BatchResult) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if err := b.run(ctx, plan, emit); err != nil {
			emit(BatchResult{Err: err})
		}
	}()
	return out
}

type buildState struct {
	tasks      []*task.Task
	complexity task.Complexity
	batches    int
}

func (b *Builder) run(ctx context.Context, plan *task.Plan, emit func(BatchResult) bool) error {
	snap := plan.Snapshot()
	if snap.Frozen {
		return task.ErrPlanFrozen
	}

	st := &buildState{}
	for attempt := 1; ; attempt++ {
		err := b.consume(ctx, plan, snap, st, emit)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A stream can only be restarted while nothing has been accepted.
		if attempt > 1 || st.batches > 0 {
			return fmt.Errorf("planner: backend plan: %w", err)
		}
		b.logger.Warn("backend plan failed, retrying", "plan", plan.ID, "error", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(st.tasks) == 0 {
		return ErrNoTasks
	}

	deps := b.resolve(ctx, plan, st.tasks)
	if err := plan.ReplaceDependencies(deps); err != nil {
		return err
	}
	complexity := st.complexity
	if complexity == "" {
		complexity = task.ComplexityFor(len(st.tasks))
	}
	var total time.Duration
	for _, t := range st.tasks {
		total += t.EstimatedDuration
	}
	plan.SetEstimate(complexity, total)
	if err := b.store.UpdatePlan(ctx, plan.Snapshot()); err != nil {
		return fmt.Errorf("planner: persist plan: %w", err)
	}
	emit(BatchResult{Index: st.batches, Final: true, Dependencies: deps})
	return nil
}

// consume reads one backend stream to the end.
func (b *Builder) consume(ctx context.Context, plan *task.Plan, snap *task.Plan, st *buildState, emit func(BatchResult) bool) error {
	batches, err := b.backend.Plan(ctx, snap.Prompt, snap.RequestContext)
	if err != nil {
		return err
	}
	for batch := range batches {
		if batch.Err != nil {
			// Drain so the producer can exit.
			go func() {
				for range batches {
				}
			}()
			return batch.Err
		}
		if c := task.Complexity(batch.Complexity); c == task.ComplexityLow || c == task.ComplexityMedium || c == task.ComplexityHigh {
			st.complexity = c
		}
		if len(batch.Tasks) == 0 {
			continue
		}
		tasks := b.accept(ctx, plan, batch.Tasks)
		if err := b.persist(ctx, plan, tasks); err != nil {
			return err
		}
		st.tasks = append(st.tasks, tasks...)
		b.announce(ctx, plan, st.batches, tasks, len(st.tasks))
		if !emit(BatchResult{Index: st.batches, Tasks: tasks}) {
			return ctx.Err()
		}
		st.batches++
	}
	return ctx.Err()
}

// accept validates each raw document, repairing or replacing the bad ones.
func (b *Builder) accept(ctx context.Context, plan *task.Plan, docs []json.RawMessage) []*task.Task {
	now := b.now()
	tasks := make([]*task.Task, 0, len(docs))
	for _, doc := range docs {
		rt, problems := check(b.validate, doc)
		var t *task.Task
		if problems == nil {
			t = fromRaw(rt)
		} else {
			verr := &task.ValidationError{TaskRef: refOf(rt, doc), Problems: problems}
			b.logger.Warn("malformed task from backend", "plan", plan.ID, "error", verr)
			t = b.repair(ctx, plan, doc, verr)
		}
		t.ID = uuid.NewString()
		t.PlanID = plan.ID
		t.Status = task.StatusPending
		t.CreatedAt = now
		t.UpdatedAt = now
		tasks = append(tasks, t)
	}
	return tasks
}

// repair asks the backend to fix doc once. A reply that is not JSON at all
// is retried once; anything still invalid becomes a review task.
func (b *Builder) repair(ctx context.Context, plan *task.Plan, doc []byte, verr *task.ValidationError) *task.Task {
	input, err := json.Marshal(map[string]any{
		"schema":   json.RawMessage(taskSchema),
		"document": string(doc),
		"errors":   verr.Problems,
	})
	if err != nil {
		return fallback(doc, verr)
	}

	var fixed []byte
	for attempt := 0; attempt < 2; attempt++ {
		out, err := b.backend.Transform(ctx, backend.TransformFixJSON, input)
		if err != nil {
			b.logger.Warn("fix-json transform failed", "plan", plan.ID, "ref", verr.TaskRef, "error", err)
			return fallback(doc, verr)
		}
		if json.Valid(out) {
			fixed = out
			break
		}
	}
	if fixed == nil {
		return fallback(doc, verr)
	}
	rt, problems := check(b.validate, fixed)
	if problems != nil {
		b.logger.Warn("repaired task still invalid", "plan", plan.ID, "ref", verr.TaskRef, "problems", problems)
		return fallback(doc, &task.ValidationError{TaskRef: verr.TaskRef, Problems: problems})
	}
	return fromRaw(rt)
}

func (b *Builder) persist(ctx context.Context, plan *task.Plan, tasks []*task.Task) error {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	if err := plan.AppendTasks(ids...); err != nil {
		return err
	}
	for _, t := range tasks {
		if err := b.store.SaveTask(ctx, t); err != nil {
			return fmt.Errorf("planner: save task %s: %w", t.ID, err)
		}
	}
	if err := b.store.UpdatePlan(ctx, plan.Snapshot()); err != nil {
		return fmt.Errorf("planner: persist plan: %w", err)
	}
	return nil
}

func (b *Builder) announce(ctx context.Context, plan *task.Plan, index int, tasks []*task.Task, total int) {
	summary := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		summary = append(summary, map[string]any{
			"id":          t.ID,
			"ref":         t.Ref,
			"kind":        string(t.Kind),
			"name":        t.Name,
			"priority":    t.Priority,
			"needsReview": t.NeedsReview,
		})
	}
	_, err := b.events.Send(ctx, events.Draft{
		PlanID:  plan.ID,
		Type:    events.TypePlanBatch,
		Payload: map[string]any{"batch": index, "tasks": summary, "taskCount": total},
	})
	if err != nil {
		b.logger.Error("send plan-batch event", "plan", plan.ID, "error", err)
	}
}

// resolve maps declared refs onto task IDs. References to unknown refs are
// dropped and reported as plan warnings.
func (b *Builder) resolve(ctx context.Context, plan *task.Plan, tasks []*task.Task) []task.Dependency {
	byRef := make(map[string]string, len(tasks))
	for _, t := range tasks {
		if t.Ref == "" {
			continue
		}
		if _, dup := byRef[t.Ref]; dup {
			b.warn(ctx, plan, fmt.Sprintf("duplicate task ref %q: later task %s is not addressable", t.Ref, t.ID))
			continue
		}
		byRef[t.Ref] = t.ID
	}

	var deps []task.Dependency
	seen := make(map[task.Dependency]bool)
	for _, t := range tasks {
		for _, ref := range t.DependsOn {
			id, ok := byRef[ref]
			if !ok {
				b.warn(ctx, plan, fmt.Sprintf("task %q depends on unknown ref %q; dependency dropped", t.Ref, ref))
				continue
			}
			d := task.Dependency{Task: t.ID, DependsOn: id}
			if seen[d] {
				continue
			}
			seen[d] = true
			deps = append(deps, d)
		}
	}
	return deps
}

func (b *Builder) warn(ctx context.Context, plan *task.Plan, msg string) {
	plan.AddWarning(msg)
	b.logger.Warn("plan warning", "plan", plan.ID, "warning", msg)
	_, err := b.events.Send(ctx, events.Draft{
		PlanID:  plan.ID,
		Type:    events.TypePlanWarning,
		Payload: map[string]any{"message": msg},
	})
	if err != nil {
		b.logger.Error("send plan-warning event", "plan", plan.ID, "error", err)
	}
}

func fromRaw(rt *rawTask) *task.Task {
	return &task.Task{
		Ref:               rt.Ref,
		Kind:              task.Kind(rt.Kind),
		Name:              rt.Name,
		Description:       rt.Description,
		Priority:          *rt.Priority,
		EstimatedDuration: time.Duration(rt.Duration),
		Inputs:            rt.Inputs,
		DependsOn:         rt.DependsOn,
	}
}

// fallback salvages what it can from a document that failed validation.
func fallback(doc []byte, verr *task.ValidationError) *task.Task {
	var loose map[string]any
	_ = json.Unmarshal(doc, &loose)
	str := func(key string) string {
		s, _ := loose[key].(string)
		return s
	}

	t := &task.Task{
		Ref:         str("ref"),
		Kind:        task.GuessKind(str("kind")),
		Name:        str("name"),
		Description: "needs review: " + verr.Error(),
		Priority:    ReviewPriority,
		NeedsReview: true,
		Inputs:      map[string]any{"document": string(doc)},
	}
	if t.Name == "" {
		t.Name = "Review malformed task"
	}
	if deps, ok := loose["depends_on"].([]any); ok {
		for _, d := range deps {
			if s, ok := d.(string); ok && s != "" {
				t.DependsOn = append(t.DependsOn, s)
			}
		}
	}
	if raw, ok := loose["duration"]; ok {
		if data, err := json.Marshal(raw); err == nil {
			var d duration
			if d.UnmarshalJSON(data) == nil && d > 0 {
				t.EstimatedDuration = time.Duration(d)
			}
		}
	}
	return t
}

func refOf(rt *rawTask, doc []byte) string {
	if rt != nil && rt.Ref != "" {
		return rt.Ref
	}
	var loose struct {
		Ref string `json:"ref"`
	}
	_ = json.Unmarshal(doc, &loose)
	return loose.Ref
}
