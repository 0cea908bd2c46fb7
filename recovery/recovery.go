// Package recovery repairs cyclic dependency graphs before a plan runs.
//
// Strategies are tried in order, each only when the previous one failed:
// priority edge drop, backend-assisted repair, linear fallback, blocking
// for human approval, and finally hard failure.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/GoCodeAlone/planwright/backend"
	"github.com/GoCodeAlone/planwright/graph"
	"github.com/GoCodeAlone/planwright/task"
)

// TransformRepair is the Transform kind sent to the backend for repair.
const TransformRepair = backend.TransformRepair

// SequentialWarning is attached to plans rescued by the linear fallback.
const SequentialWarning = "dependency cycle could not be repaired; tasks will run in sequential execution order"

// Transformer is the slice of the generative backend the ladder needs.
type Transformer interface {
	Transform(ctx context.Context, kind string, input []byte) ([]byte, error)
}

// Config tunes the ladder.
type Config struct {
	MaxDropPasses   int
	BackendRepair   bool
	LinearFallback  bool
	RequireApproval bool
}

// DefaultConfig returns the default ladder settings.
func DefaultConfig() Config {
	return Config{MaxDropPasses: 16, BackendRepair: true, LinearFallback: true}
}

// Result is the outcome of Recover.
type Result struct {
	Graph    *graph.Graph // acyclic unless Blocked
	Recovery *task.CycleRecovery
	Warnings []string
	Blocked  bool // waiting for ApprovePlan / RejectPlan
}

// Ladder runs the recovery strategies.
type Ladder struct {
	cfg     Config
	backend Transformer
	logger  *slog.Logger
}

// New returns a ladder. backend may be nil, which skips backend repair.
func New(cfg Config, backend Transformer, logger *slog.Logger) *Ladder {
	if cfg.MaxDropPasses < 1 {
		cfg.MaxDropPasses = DefaultConfig().MaxDropPasses
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ladder{cfg: cfg, backend: backend, logger: logger}
}

// Recover returns an acyclic replacement for g. canBlock reports whether the
// caller can wait for an approval decision. A graph that is already acyclic
// is returned unchanged with a nil Recovery. The input graph is not modified.
func (l *Ladder) Recover(ctx context.Context, planID string, g *graph.Graph, canBlock bool) (*Result, error) {
	comps := g.CyclicComponents()
	if len(comps) == 0 {
		return &Result{Graph: g}, nil
	}

	log := l.logger.With("plan_id", planID)
	rec := &task.CycleRecovery{Components: comps}
	log.Warn("dependency cycle detected", "components", len(comps))

	// 1. Priority edge drop.
	dropped, passes, ok := l.dropByPriority(g)
	rec.Passes = passes
	if ok {
		rec.Strategy = task.StrategyPriorityDrop
		rec.Outcome = task.OutcomeResolved
		rec.DroppedEdges = dropped.edges
		rec.Attempts = append(rec.Attempts, task.RecoveryAttempt{
			Strategy: task.StrategyPriorityDrop,
			Outcome:  task.OutcomeResolved,
			Detail:   fmt.Sprintf("dropped %d edge(s) in %d pass(es)", len(dropped.edges), passes),
		})
		log.Info("cycle resolved by priority edge drop", "dropped", len(dropped.edges), "passes", passes)
		return &Result{Graph: dropped.graph, Recovery: rec}, nil
	}
	rec.Attempts = append(rec.Attempts, task.RecoveryAttempt{
		Strategy: task.StrategyPriorityDrop,
		Outcome:  task.OutcomeFailed,
		Detail:   fmt.Sprintf("still cyclic after %d pass(es)", passes),
	})

	// 2. Backend-assisted repair.
	if l.cfg.BackendRepair && l.backend != nil {
		repaired, err := l.backendRepair(ctx, g, comps)
		if err == nil {
			rec.Strategy = task.StrategyBackendRepair
			rec.Outcome = task.OutcomeResolved
			rec.Attempts = append(rec.Attempts, task.RecoveryAttempt{
				Strategy: task.StrategyBackendRepair, Outcome: task.OutcomeResolved,
			})
			log.Info("cycle resolved by backend repair")
			return &Result{Graph: repaired, Recovery: rec}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("backend repair rejected", "err", err)
		rec.Attempts = append(rec.Attempts, task.RecoveryAttempt{
			Strategy: task.StrategyBackendRepair, Outcome: task.OutcomeFailed, Detail: err.Error(),
		})
	} else {
		rec.Attempts = append(rec.Attempts, task.RecoveryAttempt{
			Strategy: task.StrategyBackendRepair, Outcome: task.OutcomeSkipped,
		})
	}

	// 3. Linear fallback, only when nobody has to approve it.
	if l.cfg.LinearFallback && !l.cfg.RequireApproval {
		lin := Linearize(g)
		rec.Strategy = task.StrategyLinearFallback
		rec.Outcome = task.OutcomeResolved
		rec.Attempts = append(rec.Attempts, task.RecoveryAttempt{
			Strategy: task.StrategyLinearFallback, Outcome: task.OutcomeResolved,
		})
		log.Warn("falling back to sequential execution")
		return &Result{Graph: lin, Recovery: rec, Warnings: []string{SequentialWarning}}, nil
	}

	// 4. Block for approval of the linear fallback.
	if l.cfg.RequireApproval && l.cfg.LinearFallback && canBlock {
		rec.Strategy = task.StrategyBlocked
		rec.Outcome = task.OutcomeBlocked
		rec.Attempts = append(rec.Attempts, task.RecoveryAttempt{
			Strategy: task.StrategyBlocked, Outcome: task.OutcomeBlocked, Detail: Describe(comps),
		})
		log.Warn("plan blocked pending approval", "cycle", Describe(comps))
		return &Result{Graph: g, Recovery: rec, Blocked: true}, nil
	}

	// 5. Give up.
	rec.Strategy = task.StrategyFailed
	rec.Outcome = task.OutcomeFailed
	return &Result{Graph: g, Recovery: rec}, &task.CycleError{Components: comps, Reason: "no recovery strategy succeeded"}
}

type dropResult struct {
	graph *graph.Graph
	edges []task.Dependency
}

// dropByPriority removes, per pass, one edge from every cyclic component:
// the dependency on the component's least important task. Ties prefer the
// least important dependent, then the lowest IDs.
func (l *Ladder) dropByPriority(g *graph.Graph) (dropResult, int, bool) {
	work := g.Clone()
	var dropped []task.Dependency
	passes := 0
	for passes < l.cfg.MaxDropPasses {
		comps := work.CyclicComponents()
		if len(comps) == 0 {
			return dropResult{graph: work, edges: dropped}, passes, true
		}
		passes++
		for _, comp := range comps {
			e, ok := pickEdge(work, comp)
			if !ok {
				continue
			}
			work.RemoveEdge(e)
			dropped = append(dropped, e)
		}
	}
	if work.IsAcyclic() {
		return dropResult{graph: work, edges: dropped}, passes, true
	}
	return dropResult{}, passes, false
}

func pickEdge(g *graph.Graph, comp []string) (task.Dependency, bool) {
	members := graph.NewSet(comp...)
	var best task.Dependency
	found := false
	for _, to := range comp {
		for _, from := range g.Predecessors(to) {
			if !members.Has(from) {
				continue
			}
			e := task.Dependency{Task: to, DependsOn: from}
			if !found || preferDrop(g, e, best) {
				best, found = e, true
			}
		}
	}
	return best, found
}

// preferDrop reports whether a is a better drop candidate than b.
func preferDrop(g *graph.Graph, a, b task.Dependency) bool {
	pa, _ := g.Priority(a.DependsOn)
	pb, _ := g.Priority(b.DependsOn)
	if pa != pb {
		return pa > pb
	}
	da, _ := g.Priority(a.Task)
	db, _ := g.Priority(b.Task)
	if da != db {
		return da > db
	}
	if a.DependsOn != b.DependsOn {
		return a.DependsOn < b.DependsOn
	}
	return a.Task < b.Task
}

type repairTask struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
}

type repairRequest struct {
	Tasks        []repairTask      `json:"tasks"`
	Dependencies []task.Dependency `json:"dependencies"`
	Conflicts    [][]string        `json:"conflicts"`
}

type repairResponse struct {
	Dependencies []task.Dependency `json:"dependencies"`
}

var errUnparseable = errors.New("unparseable repair response")

func (l *Ladder) backendRepair(ctx context.Context, g *graph.Graph, comps [][]string) (*graph.Graph, error) {
	req := repairRequest{Dependencies: g.Edges(), Conflicts: comps}
	for _, n := range g.Nodes() {
		req.Tasks = append(req.Tasks, repairTask{ID: n.ID, Priority: n.Priority})
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var resp repairResponse
	for attempt := 1; ; attempt++ {
		resp = repairResponse{}
		out, err := l.backend.Transform(ctx, TransformRepair, input)
		if err == nil {
			if err = json.Unmarshal(out, &resp); err == nil && resp.Dependencies != nil {
				break
			}
			if err == nil {
				err = errUnparseable
			}
		}
		if attempt >= 2 || ctx.Err() != nil {
			return nil, fmt.Errorf("repair-dependencies: %w", err)
		}
	}

	repaired, err := graph.Build(g.Nodes(), resp.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("repaired graph: %w", err)
	}
	if !repaired.IsAcyclic() {
		return nil, fmt.Errorf("repaired graph: %w", task.ErrCircularDependency)
	}
	return repaired, nil
}

// Linearize drops every edge of g and chains its nodes by priority then ID.
func Linearize(g *graph.Graph) *graph.Graph {
	nodes := g.Nodes()
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Priority != nodes[j].Priority {
			return nodes[i].Priority < nodes[j].Priority
		}
		return nodes[i].ID < nodes[j].ID
	})
	lin := graph.New()
	for _, n := range nodes {
		lin.AddNode(n)
	}
	for i := 1; i < len(nodes); i++ {
		_ = lin.AddEdge(task.Dependency{Task: nodes[i].ID, DependsOn: nodes[i-1].ID})
	}
	return lin
}

// Describe renders cycle components for humans.
func Describe(comps [][]string) string {
	parts := make([]string, 0, len(comps))
	for _, c := range comps {
		parts = append(parts, strings.Join(c, " <-> "))
	}
	return strings.Join(parts, "; ")
}
