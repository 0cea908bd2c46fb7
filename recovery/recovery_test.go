package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/planwright/graph"
	"github.com/GoCodeAlone/planwright/task"
)

type fakeTransformer struct {
	replies [][]byte
	errs    []error
	calls   int
	kinds   []string
}

func (f *fakeTransformer) Transform(_ context.Context, kind string, _ []byte) ([]byte, error) {
	i := f.calls
	f.calls++
	f.kinds = append(f.kinds, kind)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return []byte(`not json`), nil
}

func dep(t, on string) task.Dependency { return task.Dependency{Task: t, DependsOn: on} }

func build(t *testing.T, nodes []graph.Node, edges ...task.Dependency) *graph.Graph {
	t.Helper()
	g, err := graph.Build(nodes, edges)
	require.NoError(t, err)
	return g
}

// clique returns three tasks that all depend on each other, which needs
// three drop passes to break.
func clique(t *testing.T) *graph.Graph {
	return build(t,
		[]graph.Node{{ID: "a", Priority: 1}, {ID: "b", Priority: 2}, {ID: "c", Priority: 3}},
		dep("a", "b"), dep("b", "a"), dep("a", "c"), dep("c", "a"), dep("b", "c"), dep("c", "b"),
	)
}

func TestRecoverAcyclicIsNoop(t *testing.T) {
	g := build(t, []graph.Node{{ID: "a"}, {ID: "b"}}, dep("b", "a"))
	res, err := New(DefaultConfig(), nil, nil).Recover(context.Background(), "p", g, false)
	require.NoError(t, err)
	assert.Same(t, g, res.Graph)
	assert.Nil(t, res.Recovery)
}

func TestPriorityDropTwoNodeCycle(t *testing.T) {
	// X(prio 5) and Y(prio 3) depend on each other. The dependency on X, the
	// less important task, is dropped, so Y runs first.
	g := build(t,
		[]graph.Node{{ID: "X", Priority: 5}, {ID: "Y", Priority: 3}},
		dep("X", "Y"), dep("Y", "X"),
	)
	res, err := New(DefaultConfig(), nil, nil).Recover(context.Background(), "p", g, false)
	require.NoError(t, err)

	require.NotNil(t, res.Recovery)
	assert.Equal(t, task.StrategyPriorityDrop, res.Recovery.Strategy)
	assert.Equal(t, task.OutcomeResolved, res.Recovery.Outcome)
	assert.Equal(t, []task.Dependency{dep("Y", "X")}, res.Recovery.DroppedEdges)
	assert.Equal(t, 1, res.Recovery.Passes)

	order, err := res.Graph.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"Y", "X"}, order)
	assert.False(t, g.IsAcyclic(), "input graph untouched")
}

func TestPriorityDropSelfLoopAndMultipleComponents(t *testing.T) {
	g := build(t,
		[]graph.Node{{ID: "s", Priority: 1}, {ID: "p", Priority: 2}, {ID: "q", Priority: 9}, {ID: "r", Priority: 4}},
		dep("s", "s"),
		dep("p", "q"), dep("q", "p"),
		dep("r", "p"),
	)
	res, err := New(DefaultConfig(), nil, nil).Recover(context.Background(), "p", g, false)
	require.NoError(t, err)
	assert.True(t, res.Graph.IsAcyclic())
	assert.ElementsMatch(t, []task.Dependency{dep("s", "s"), dep("p", "q")}, res.Recovery.DroppedEdges)
	assert.True(t, res.Graph.HasEdge(dep("r", "p")), "edges outside cycles survive")
}

func TestPriorityDropMultiplePasses(t *testing.T) {
	res, err := New(DefaultConfig(), nil, nil).Recover(context.Background(), "p", clique(t), false)
	require.NoError(t, err)
	assert.True(t, res.Graph.IsAcyclic())
	assert.Equal(t, task.StrategyPriorityDrop, res.Recovery.Strategy)
	assert.GreaterOrEqual(t, res.Recovery.Passes, 2)
}

func TestBackendRepairAfterDropPassesExhausted(t *testing.T) {
	backend := &fakeTransformer{replies: [][]byte{
		[]byte(`{"dependencies":[{"task":"b","depends_on":"a"},{"task":"c","depends_on":"b"}]}`),
	}}
	cfg := DefaultConfig()
	cfg.MaxDropPasses = 1
	res, err := New(cfg, backend, nil).Recover(context.Background(), "p", clique(t), false)
	require.NoError(t, err)
	assert.Equal(t, task.StrategyBackendRepair, res.Recovery.Strategy)
	assert.Equal(t, []string{TransformRepair}, backend.kinds)
	order, err := res.Graph.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestBackendRepairRetriesParseFailureOnce(t *testing.T) {
	backend := &fakeTransformer{replies: [][]byte{
		[]byte(`{oops`),
		[]byte(`{"dependencies":[]}`),
	}}
	cfg := DefaultConfig()
	cfg.MaxDropPasses = 1
	res, err := New(cfg, backend, nil).Recover(context.Background(), "p", clique(t), false)
	require.NoError(t, err)
	assert.Equal(t, 2, backend.calls)
	assert.Equal(t, task.StrategyBackendRepair, res.Recovery.Strategy)
}

func TestLinearFallbackWhenRepairStillCyclic(t *testing.T) {
	backend := &fakeTransformer{replies: [][]byte{
		[]byte(`{"dependencies":[{"task":"a","depends_on":"b"},{"task":"b","depends_on":"a"}]}`),
	}}
	cfg := DefaultConfig()
	cfg.MaxDropPasses = 1
	res, err := New(cfg, backend, nil).Recover(context.Background(), "p", clique(t), false)
	require.NoError(t, err)
	assert.Equal(t, task.StrategyLinearFallback, res.Recovery.Strategy)
	assert.Equal(t, []string{SequentialWarning}, res.Warnings)
	order, err := res.Graph.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Len(t, res.Graph.Edges(), 2)
	assert.Len(t, res.Recovery.Attempts, 3)
}

func TestRepairRejectsUnknownIDs(t *testing.T) {
	backend := &fakeTransformer{replies: [][]byte{
		[]byte(`{"dependencies":[{"task":"a","depends_on":"ghost"}]}`),
	}}
	cfg := DefaultConfig()
	cfg.MaxDropPasses = 1
	res, err := New(cfg, backend, nil).Recover(context.Background(), "p", clique(t), false)
	require.NoError(t, err)
	assert.Equal(t, task.StrategyLinearFallback, res.Recovery.Strategy)
}

func TestBlockedWhenApprovalRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDropPasses = 1
	cfg.BackendRepair = false
	cfg.RequireApproval = true
	res, err := New(cfg, nil, nil).Recover(context.Background(), "p", clique(t), true)
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, task.OutcomeBlocked, res.Recovery.Outcome)
	assert.Contains(t, res.Recovery.Attempts[len(res.Recovery.Attempts)-1].Detail, "a <-> b <-> c")
}

func TestApprovalWithoutLinearFallbackFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDropPasses = 1
	cfg.BackendRepair = false
	cfg.LinearFallback = false
	cfg.RequireApproval = true
	res, err := New(cfg, nil, nil).Recover(context.Background(), "p", clique(t), true)
	assert.ErrorIs(t, err, task.ErrCircularDependency)
	require.NotNil(t, res)
	assert.False(t, res.Blocked)
	assert.Equal(t, task.StrategyFailed, res.Recovery.Strategy)
}

func TestHardFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDropPasses = 1
	cfg.LinearFallback = false
	backend := &fakeTransformer{errs: []error{errors.New("down"), errors.New("down")}}
	res, err := New(cfg, backend, nil).Recover(context.Background(), "p", clique(t), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrCircularDependency)
	var ce *task.CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, [][]string{{"a", "b", "c"}}, ce.Components)
	assert.Equal(t, task.StrategyFailed, res.Recovery.Strategy)
	assert.Equal(t, 2, backend.calls)
}

func TestApprovalRequiredWithoutChannelFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDropPasses = 1
	cfg.BackendRepair = false
	cfg.RequireApproval = true
	_, err := New(cfg, nil, nil).Recover(context.Background(), "p", clique(t), false)
	assert.ErrorIs(t, err, task.ErrCircularDependency)
}
