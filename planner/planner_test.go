package planner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/planwright/backend"
	"github.com/GoCodeAlone/planwright/events"
	"github.com/GoCodeAlone/planwright/internal/sqlite"
	"github.com/GoCodeAlone/planwright/task"
)

type recordingSender struct {
	mu     sync.Mutex
	drafts []events.Draft
}

func (r *recordingSender) Send(_ context.Context, d events.Draft) (events.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drafts = append(r.drafts, d)
	return events.Event{PlanID: d.PlanID, Type: d.Type, Seq: uint64(len(r.drafts))}, nil
}

func (r *recordingSender) ofType(t events.Type) []events.Draft {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Draft
	for _, d := range r.drafts {
		if d.Type == t {
			out = append(out, d)
		}
	}
	return out
}

type fixture struct {
	store  task.Store
	sender *recordingSender
	plan   *task.Plan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := task.NewSQLiteStore(db)
	require.NoError(t, err)

	plan := task.NewPlan("plan-1", "add a login page", map[string]any{"repo": "web"}, time.Now().UTC())
	require.NoError(t, store.CreatePlan(context.Background(), plan))
	return &fixture{store: store, sender: &recordingSender{}, plan: plan}
}

func doc(ref, kind string, priority int, deps ...string) map[string]any {
	d := map[string]any{
		"ref":         ref,
		"kind":        kind,
		"name":        "task " + ref,
		"description": "does " + ref,
		"duration":    "5m",
		"priority":    priority,
		"inputs":      map[string]any{"path": ref + ".txt"},
	}
	if len(deps) > 0 {
		d["depends_on"] = deps
	}
	return d
}

func TestBuildPlanHappyPath(t *testing.T) {
	f := newFixture(t)
	be := backend.NewScripted(
		backend.Docs(doc("a", "create-artifact", 1), doc("b", "modify-artifact", 2, "a")),
		backend.Batch{Complexity: "medium"},
		backend.Docs(doc("c", "configure", 3, "a", "b")),
	)
	b := New(be, f.store, f.sender, nil)

	tasks, err := b.BuildPlan(context.Background(), f.plan)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{tasks[0].Ref, tasks[1].Ref, tasks[2].Ref})
	assert.Equal(t, 5*time.Minute, tasks[0].EstimatedDuration)
	assert.Equal(t, task.StatusPending, tasks[2].Status)

	snap := f.plan.Snapshot()
	assert.Equal(t, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID}, snap.TaskIDs)
	assert.ElementsMatch(t, []task.Dependency{
		{Task: tasks[1].ID, DependsOn: tasks[0].ID},
		{Task: tasks[2].ID, DependsOn: tasks[0].ID},
		{Task: tasks[2].ID, DependsOn: tasks[1].ID},
	}, snap.Dependencies)
	assert.Equal(t, task.ComplexityMedium, snap.Complexity)
	assert.Equal(t, 15*time.Minute, snap.EstimatedDuration)

	// One plan-batch event per batch carrying tasks.
	batches := f.sender.ofType(events.TypePlanBatch)
	require.Len(t, batches, 2)
	assert.Equal(t, 3, batches[1].Payload["taskCount"])

	stored, err := f.store.ListTasks(context.Background(), f.plan.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
	persisted, err := f.store.GetPlan(context.Background(), f.plan.ID)
	require.NoError(t, err)
	assert.Len(t, persisted.Dependencies, 3)
}

func TestStreamYieldsBatchesIncrementally(t *testing.T) {
	f := newFixture(t)
	be := backend.NewScripted(
		backend.Docs(doc("a", "configure", 1)),
		backend.Docs(doc("b", "configure", 2)),
	)
	b := New(be, f.store, f.sender, nil)

	var results []BatchResult
	for res := range b.Stream(context.Background(), f.plan) {
		require.NoError(t, res.Err)
		results = append(results, res)
	}
	require.Len(t, results, 3)
	assert.Len(t, results[0].Tasks, 1)
	assert.Equal(t, 1, results[1].Index)
	assert.True(t, results[2].Final)
	assert.Equal(t, task.ComplexityLow, f.plan.Snapshot().Complexity)
}

func TestMalformedTaskRepaired(t *testing.T) {
	f := newFixture(t)
	bad := doc("a", "create-artifact", 1)
	delete(bad, "description")
	bad["kind"] = "Create Artifact"

	be := backend.NewScripted(backend.Docs(bad)).OnTransform(func(kind string, input []byte) ([]byte, error) {
		var req struct {
			Document string   `json:"document"`
			Errors   []string `json:"errors"`
			Schema   any      `json:"schema"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, err
		}
		if len(req.Errors) == 0 || req.Schema == nil {
			return nil, errors.New("missing schema or errors")
		}
		return json.Marshal(doc("a", "create-artifact", 1))
	})
	b := New(be, f.store, f.sender, nil)

	tasks, err := b.BuildPlan(context.Background(), f.plan)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.False(t, tasks[0].NeedsReview)
	assert.Equal(t, task.KindCreateArtifact, tasks[0].Kind)
	assert.Equal(t, 1, be.TransformCalls(backend.TransformFixJSON))
}

func TestUnrepairableTaskFallsBackToReview(t *testing.T) {
	f := newFixture(t)
	bad := doc("b", "install dependency", 5, "a")
	bad["priority"] = 5000

	be := backend.NewScripted(backend.Docs(doc("a", "configure", 1), bad)).
		OnTransform(func(string, []byte) ([]byte, error) { return []byte(`{"ref":"b"}`), nil })
	b := New(be, f.store, f.sender, nil)

	tasks, err := b.BuildPlan(context.Background(), f.plan)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	review := tasks[1]
	assert.True(t, review.NeedsReview)
	assert.Equal(t, ReviewPriority, review.Priority)
	assert.Equal(t, task.KindInstallDependency, review.Kind)
	assert.Equal(t, "b", review.Ref)
	assert.Equal(t, 5*time.Minute, review.EstimatedDuration)
	assert.Contains(t, review.Description, "needs review")

	// The salvaged dependency still resolves.
	assert.Equal(t, []task.Dependency{{Task: review.ID, DependsOn: tasks[0].ID}}, f.plan.Snapshot().Dependencies)
}

func TestRepairReplyNotJSONRetriedOnce(t *testing.T) {
	f := newFixture(t)
	be := backend.NewScripted(backend.Docs(`{"ref":"a", kind: nope}`)).
		OnTransform(func(string, []byte) ([]byte, error) { return []byte("sorry, no"), nil })
	b := New(be, f.store, f.sender, nil)

	tasks, err := b.BuildPlan(context.Background(), f.plan)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].NeedsReview)
	assert.Equal(t, task.KindModifyArtifact, tasks[0].Kind)
	assert.Equal(t, 2, be.TransformCalls(backend.TransformFixJSON))
}

func TestDanglingRefsDroppedWithWarning(t *testing.T) {
	f := newFixture(t)
	be := backend.NewScripted(backend.Docs(doc("a", "configure", 1, "ghost")))
	b := New(be, f.store, f.sender, nil)

	_, err := b.BuildPlan(context.Background(), f.plan)
	require.NoError(t, err)
	snap := f.plan.Snapshot()
	assert.Empty(t, snap.Dependencies)
	require.Len(t, snap.Metadata.Warnings, 1)
	assert.Contains(t, snap.Metadata.Warnings[0], "ghost")
	assert.Len(t, f.sender.ofType(events.TypePlanWarning), 1)
}

func TestBackendPlanFailureRetriedOnce(t *testing.T) {
	f := newFixture(t)
	be := backend.NewScripted(backend.Docs(doc("a", "configure", 1))).FailPlan(errors.New("unavailable"))
	b := New(be, f.store, f.sender, nil)

	tasks, err := b.BuildPlan(context.Background(), f.plan)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	assert.Equal(t, 2, be.PlanCalls())

	f2 := newFixture(t)
	be2 := backend.NewScripted().FailPlan(errors.New("down"), errors.New("still down"))
	_, err = New(be2, f2.store, f2.sender, nil).BuildPlan(context.Background(), f2.plan)
	assert.ErrorContains(t, err, "still down")
	assert.Equal(t, 2, be2.PlanCalls())
}

func TestStreamErrorAfterAcceptedBatchFails(t *testing.T) {
	f := newFixture(t)
	be := backend.NewScripted(backend.Docs(doc("a", "configure", 1)), backend.Batch{Err: errors.New("cut off")})
	b := New(be, f.store, f.sender, nil)

	_, err := b.BuildPlan(context.Background(), f.plan)
	assert.ErrorContains(t, err, "cut off")
	assert.Equal(t, 1, be.PlanCalls())
}

func TestEmptyPlanAndFrozenPlan(t *testing.T) {
	f := newFixture(t)
	_, err := New(backend.NewScripted(), f.store, f.sender, nil).BuildPlan(context.Background(), f.plan)
	assert.ErrorIs(t, err, ErrNoTasks)

	f2 := newFixture(t)
	f2.plan.Freeze()
	_, err = New(backend.NewScripted(backend.Docs(doc("a", "configure", 1))), f2.store, f2.sender, nil).
		BuildPlan(context.Background(), f2.plan)
	assert.ErrorIs(t, err, task.ErrPlanFrozen)
}

func TestCheckReportsEveryProblem(t *testing.T) {
	v := newValidator()
	_, problems := check(v, []byte(`{"ref":"x","kind":"deploy","duration":0,"priority":-1}`))
	assert.ElementsMatch(t, []string{
		`kind: must be one of create-artifact modify-artifact compose-unit configure install-dependency, got "deploy"`,
		"name: required",
		"description: required",
		"duration: must be positive",
		"priority: must be within 0..1000",
	}, problems)

	rt, problems := check(v, []byte(`{"ref":"x","kind":"configure","name":"n","description":"d","duration":90,"priority":0}`))
	assert.Nil(t, problems)
	assert.Equal(t, 90*time.Second, time.Duration(rt.Duration))

	_, problems = check(v, []byte(`{"ref":"x","inputs":"nope"}`))
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "document:")
}
