// Package graph holds a plan's dependency DAG: cycle detection via Tarjan's
// strongly connected components, topological ordering and the ready-set
// query the scheduler dispatches from.
package graph

import (
	"fmt"
	"sort"

	"github.com/GoCodeAlone/planwright/task"
)

// Node is a task vertex.
type Node struct {
	ID       string
	Priority int // lower = more important
}

// Set is a set of task IDs.
type Set map[string]struct{}

// NewSet returns a set holding ids.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in s.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id.
func (s Set) Add(id string) { s[id] = struct{}{} }

// Graph is a directed graph whose edge DependsOn -> Task means Task waits
// for DependsOn. It is not safe for concurrent mutation; the scheduler only
// reads a frozen graph.
type Graph struct {
	nodes map[string]Node
	order []string
	succ  map[string]Set // DependsOn -> dependents
	pred  map[string]Set // Task -> dependencies
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]Node),
		succ:  make(map[string]Set),
		pred:  make(map[string]Set),
	}
}

// Build returns a graph over nodes and edges. Duplicate edges collapse; an
// edge naming an unknown node fails with task.ErrUnknownTask.
func Build(nodes []Node, edges []task.Dependency) (*Graph, error) {
	g := New()
	for _, n := range nodes {
		g.AddNode(n)
	}
	for _, e := range edges {
		if err := g.AddEdge(e); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// AddNode inserts n, replacing the priority of an existing node with the
// same ID.
func (g *Graph) AddNode(n Node) {
	if _, ok := g.nodes[n.ID]; !ok {
		g.order = append(g.order, n.ID)
		g.succ[n.ID] = Set{}
		g.pred[n.ID] = Set{}
	}
	g.nodes[n.ID] = n
}

// AddEdge inserts e.
func (g *Graph) AddEdge(e task.Dependency) error {
	if _, ok := g.nodes[e.Task]; !ok {
		return fmt.Errorf("edge %s -> %s: %q: %w", e.DependsOn, e.Task, e.Task, task.ErrUnknownTask)
	}
	if _, ok := g.nodes[e.DependsOn]; !ok {
		return fmt.Errorf("edge %s -> %s: %q: %w", e.DependsOn, e.Task, e.DependsOn, task.ErrUnknownTask)
	}
	g.succ[e.DependsOn].Add(e.Task)
	g.pred[e.Task].Add(e.DependsOn)
	return nil
}

// RemoveEdge deletes e and reports whether it existed.
func (g *Graph) RemoveEdge(e task.Dependency) bool {
	if !g.succ[e.DependsOn].Has(e.Task) {
		return false
	}
	delete(g.succ[e.DependsOn], e.Task)
	delete(g.pred[e.Task], e.DependsOn)
	return true
}

// HasEdge reports whether e is present.
func (g *Graph) HasEdge(e task.Dependency) bool {
	return g.succ[e.DependsOn].Has(e.Task)
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// Has reports whether id is a node.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Priority returns the priority of id.
func (g *Graph) Priority(id string) (int, bool) {
	n, ok := g.nodes[id]
	return n.Priority, ok
}

// Edges returns every edge ordered by Task then DependsOn.
func (g *Graph) Edges() []task.Dependency {
	var out []task.Dependency
	for to, froms := range g.pred {
		for from := range froms {
			out = append(out, task.Dependency{Task: to, DependsOn: from})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Task != out[j].Task {
			return out[i].Task < out[j].Task
		}
		return out[i].DependsOn < out[j].DependsOn
	})
	return out
}

// Predecessors returns the direct dependencies of id, sorted.
func (g *Graph) Predecessors(id string) []string { return sortedKeys(g.pred[id]) }

// Successors returns the direct dependents of id, sorted.
func (g *Graph) Successors(id string) []string { return sortedKeys(g.succ[id]) }

// Descendants returns every node reachable from id, excluding id unless it
// lies on a cycle.
func (g *Graph) Descendants(id string) Set {
	seen := Set{}
	stack := g.Successors(id)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen.Has(n) {
			continue
		}
		seen.Add(n)
		for s := range g.succ[n] {
			if !seen.Has(s) {
				stack = append(stack, s)
			}
		}
	}
	return seen
}

// Ancestors returns every node id transitively depends on.
func (g *Graph) Ancestors(id string) Set {
	seen := Set{}
	stack := g.Predecessors(id)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen.Has(n) {
			continue
		}
		seen.Add(n)
		for p := range g.pred[n] {
			if !seen.Has(p) {
				stack = append(stack, p)
			}
		}
	}
	return seen
}

// Clone returns an independent copy of g.
func (g *Graph) Clone() *Graph {
	c := New()
	for _, n := range g.Nodes() {
		c.AddNode(n)
	}
	for _, e := range g.Edges() {
		_ = c.AddEdge(e)
	}
	return c
}

// ReadyTasks returns the nodes not in completed whose dependencies are all in
// completed, ordered by priority then ID.
func (g *Graph) ReadyTasks(completed Set) []string {
	var ready []string
	for _, id := range g.order {
		if completed.Has(id) {
			continue
		}
		ok := true
		for p := range g.pred[id] {
			if !completed.Has(p) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	g.sortByPriority(ready)
	return ready
}

// IsAcyclic reports whether g has no cycles, self-loops included.
func (g *Graph) IsAcyclic() bool {
	return len(g.CyclicComponents()) == 0
}

// CyclicComponents returns the strongly connected components that contain a
// cycle: those with more than one node or with a self-loop.
func (g *Graph) CyclicComponents() [][]string {
	var out [][]string
	for _, c := range g.StronglyConnectedComponents() {
		if len(c) > 1 || g.succ[c[0]].Has(c[0]) {
			out = append(out, c)
		}
	}
	return out
}

// StronglyConnectedComponents runs Tarjan's algorithm. Nodes are visited in
// ID order so the result is deterministic; each component is sorted by ID.
func (g *Graph) StronglyConnectedComponents() [][]string {
	t := &tarjan{
		g:       g,
		index:   make(map[string]int, len(g.nodes)),
		lowlink: make(map[string]int, len(g.nodes)),
		onStack: Set{},
	}
	ids := append([]string(nil), g.order...)
	sort.Strings(ids)
	for _, id := range ids {
		if _, seen := t.index[id]; !seen {
			t.strongConnect(id)
		}
	}
	return t.components
}

type tarjan struct {
	g          *Graph
	next       int
	index      map[string]int
	lowlink    map[string]int
	stack      []string
	onStack    Set
	components [][]string
}

func (t *tarjan) strongConnect(v string) {
	t.index[v] = t.next
	t.lowlink[v] = t.next
	t.next++
	t.stack = append(t.stack, v)
	t.onStack.Add(v)

	for _, w := range t.g.Successors(v) {
		if _, seen := t.index[w]; !seen {
			t.strongConnect(w)
			t.lowlink[v] = min(t.lowlink[v], t.lowlink[w])
		} else if t.onStack.Has(w) {
			t.lowlink[v] = min(t.lowlink[v], t.index[w])
		}
	}

	if t.lowlink[v] != t.index[v] {
		return
	}
	var comp []string
	for {
		w := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		delete(t.onStack, w)
		comp = append(comp, w)
		if w == v {
			break
		}
	}
	sort.Strings(comp)
	t.components = append(t.components, comp)
}

// TopologicalOrder returns the nodes in dependency order, breaking ties by
// priority then ID. It fails with a *task.CycleError when g is cyclic.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indeg := make(map[string]int, len(g.nodes))
	for id, preds := range g.pred {
		indeg[id] = len(preds)
	}
	var ready []string
	for _, id := range g.order {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		g.sortByPriority(ready)
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for s := range g.succ[n] {
			indeg[s]--
			if indeg[s] == 0 {
				ready = append(ready, s)
			}
		}
	}
	if len(order) != len(g.order) {
		return nil, &task.CycleError{Components: g.CyclicComponents()}
	}
	return order, nil
}

func (g *Graph) sortByPriority(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := g.nodes[ids[i]].Priority, g.nodes[ids[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
}

func sortedKeys(s Set) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
