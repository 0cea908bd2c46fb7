package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/planwright/task"
)

func dep(t, on string) task.Dependency { return task.Dependency{Task: t, DependsOn: on} }

func mustBuild(t *testing.T, nodes []Node, edges ...task.Dependency) *Graph {
	t.Helper()
	g, err := Build(nodes, edges)
	require.NoError(t, err)
	return g
}

func TestBuildRejectsUnknownEndpoint(t *testing.T) {
	_, err := Build([]Node{{ID: "a"}}, []task.Dependency{dep("a", "ghost")})
	assert.ErrorIs(t, err, task.ErrUnknownTask)
}

func TestBuildCollapsesDuplicateEdges(t *testing.T) {
	g := mustBuild(t, []Node{{ID: "a"}, {ID: "b"}}, dep("b", "a"), dep("b", "a"))
	assert.Len(t, g.Edges(), 1)
}

func TestReadyTasksOrdering(t *testing.T) {
	g := mustBuild(t,
		[]Node{{ID: "c", Priority: 2}, {ID: "a", Priority: 1}, {ID: "b", Priority: 1}, {ID: "d", Priority: 0}},
		dep("d", "a"),
	)
	assert.Equal(t, []string{"a", "b", "c"}, g.ReadyTasks(NewSet()))
	assert.Equal(t, []string{"d", "b", "c"}, g.ReadyTasks(NewSet("a")))
	assert.Empty(t, g.ReadyTasks(NewSet("a", "b", "c", "d")))
}

func TestReadyTasksNeverIncludesUnmetDependents(t *testing.T) {
	// A -> B: B is ready only once A has completed.
	g := mustBuild(t, []Node{{ID: "A", Priority: 1}, {ID: "B", Priority: 2}}, dep("B", "A"))
	assert.Equal(t, []string{"A"}, g.ReadyTasks(NewSet()))
	assert.Equal(t, []string{"B"}, g.ReadyTasks(NewSet("A")))
}

func TestCyclicComponents(t *testing.T) {
	g := mustBuild(t,
		[]Node{{ID: "x"}, {ID: "y"}, {ID: "z"}, {ID: "s"}, {ID: "free"}},
		dep("y", "x"), dep("z", "y"), dep("x", "z"), // x -> y -> z -> x
		dep("s", "s"),
		dep("free", "x"),
	)
	assert.False(t, g.IsAcyclic())
	assert.ElementsMatch(t, [][]string{{"x", "y", "z"}, {"s"}}, g.CyclicComponents())
	assert.Len(t, g.StronglyConnectedComponents(), 3)
}

func TestTopologicalOrder(t *testing.T) {
	g := mustBuild(t,
		[]Node{{ID: "deploy", Priority: 9}, {ID: "build", Priority: 5}, {ID: "lint", Priority: 1}, {ID: "test", Priority: 1}},
		dep("test", "build"), dep("deploy", "test"), dep("deploy", "lint"),
	)
	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"lint", "build", "test", "deploy"}, order)
}

func TestTopologicalOrderCycle(t *testing.T) {
	g := mustBuild(t, []Node{{ID: "x"}, {ID: "y"}}, dep("x", "y"), dep("y", "x"))
	_, err := g.TopologicalOrder()
	assert.ErrorIs(t, err, task.ErrCircularDependency)
}

func TestRemoveEdgeAndClone(t *testing.T) {
	g := mustBuild(t, []Node{{ID: "x"}, {ID: "y"}}, dep("x", "y"), dep("y", "x"))
	c := g.Clone()
	assert.True(t, c.RemoveEdge(dep("x", "y")))
	assert.False(t, c.RemoveEdge(dep("x", "y")))
	assert.True(t, c.IsAcyclic())
	assert.False(t, g.IsAcyclic(), "clone is independent")
}

func TestDescendantsAndAncestors(t *testing.T) {
	g := mustBuild(t,
		[]Node{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
		dep("b", "a"), dep("c", "b"), dep("d", "a"),
	)
	assert.Equal(t, NewSet("b", "c", "d"), g.Descendants("a"))
	assert.Equal(t, NewSet("a", "b"), g.Ancestors("c"))
	assert.Equal(t, []string{"b", "d"}, g.Successors("a"))
	assert.Equal(t, []string{"a"}, g.Predecessors("b"))
}
