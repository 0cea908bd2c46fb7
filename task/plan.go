package task

import (
	"sync"
	"time"
)

// PlanState is the lifecycle state of a whole plan.
type PlanState string

const (
	PlanGenerating PlanState = "generating"
	PlanRecovering PlanState = "recovering"
	PlanBlocked    PlanState = "blocked"
	PlanRunning    PlanState = "running"
	PlanCompleted  PlanState = "completed"
	PlanFailed     PlanState = "failed"
	PlanCanceled   PlanState = "canceled"
)

// Finished reports whether the plan will not change state again.
func (s PlanState) Finished() bool {
	return s == PlanCompleted || s == PlanFailed || s == PlanCanceled
}

// Complexity is the coarse classification tier of a plan.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// ComplexityFor derives a tier from the number of tasks in a plan.
func ComplexityFor(taskCount int) Complexity {
	switch {
	case taskCount <= 3:
		return ComplexityLow
	case taskCount <= 8:
		return ComplexityMedium
	default:
		return ComplexityHigh
	}
}

// Dependency is the edge DependsOn -> Task: Task may only start once
// DependsOn has completed.
type Dependency struct {
	Task      string `json:"task"`
	DependsOn string `json:"depends_on"`
}

// Recovery strategy names recorded in CycleRecovery.
const (
	StrategyPriorityDrop   = "priority-edge-drop"
	StrategyBackendRepair  = "backend-repair"
	StrategyLinearFallback = "linear-fallback"
	StrategyBlocked        = "blocked"
	StrategyFailed         = "failed"
)

// Recovery outcomes.
const (
	OutcomeResolved = "resolved"
	OutcomeBlocked  = "blocked"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)

// RecoveryAttempt records one rung of the cycle recovery ladder.
type RecoveryAttempt struct {
	Strategy string `json:"strategy"`
	Outcome  string `json:"outcome"`
	Detail   string `json:"detail,omitempty"`
}

// CycleRecovery is stored on the plan as metadata.cycleRecovery.
type CycleRecovery struct {
	Strategy     string            `json:"strategy"`
	Outcome      string            `json:"outcome"`
	Components   [][]string        `json:"components,omitempty"`
	DroppedEdges []Dependency      `json:"dropped_edges,omitempty"`
	Passes       int               `json:"passes,omitempty"`
	Attempts     []RecoveryAttempt `json:"attempts,omitempty"`
}

// Metadata carries classification and audit information for a plan.
type Metadata struct {
	CycleRecovery *CycleRecovery `json:"cycleRecovery,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
}

// Plan is one decomposition request. The task list is append-only while the
// plan is generating and frozen once a valid graph exists.
type Plan struct {
	mu sync.RWMutex

	ID                string         `json:"id"`
	Prompt            string         `json:"prompt"`
	RequestContext    map[string]any `json:"request_context,omitempty"`
	EstimatedDuration time.Duration  `json:"estimated_duration"`
	TaskIDs           []string       `json:"task_ids"`
	Dependencies      []Dependency   `json:"dependencies"`
	Complexity        Complexity     `json:"complexity,omitempty"`
	Metadata          Metadata       `json:"metadata"`
	State             PlanState      `json:"state"`
	Error             string         `json:"error,omitempty"`
	Frozen            bool           `json:"frozen"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// NewPlan returns a generating plan with the given immutable ID.
func NewPlan(id, prompt string, rc map[string]any, now time.Time) *Plan {
	return &Plan{
		ID:             id,
		Prompt:         prompt,
		RequestContext: rc,
		State:          PlanGenerating,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// AppendTasks adds task IDs to the plan. It fails once the plan is frozen.
func (p *Plan) AppendTasks(ids ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Frozen {
		return ErrPlanFrozen
	}
	p.TaskIDs = append(p.TaskIDs, ids...)
	return nil
}

// ReplaceDependencies swaps the edge set. Only the plan builder and the
// cycle recovery ladder call this, before Freeze.
func (p *Plan) ReplaceDependencies(edges []Dependency) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Frozen {
		return ErrPlanFrozen
	}
	p.Dependencies = append([]Dependency(nil), edges...)
	return nil
}

// Freeze makes the task list and edge set immutable.
func (p *Plan) Freeze() {
	p.mu.Lock()
	p.Frozen = true
	p.mu.Unlock()
}

// AddWarning appends a human-readable warning to the plan metadata.
func (p *Plan) AddWarning(msg string) {
	p.mu.Lock()
	p.Metadata.Warnings = append(p.Metadata.Warnings, msg)
	p.mu.Unlock()
}

// SetRecovery records the cycle recovery outcome.
func (p *Plan) SetRecovery(r *CycleRecovery) {
	p.mu.Lock()
	p.Metadata.CycleRecovery = r
	p.mu.Unlock()
}

// SetState moves the plan to state s, recording errMsg for failures.
func (p *Plan) SetState(s PlanState, errMsg string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.State = s
	p.Error = errMsg
	p.UpdatedAt = now
	if s.Finished() {
		p.CompletedAt = &now
	}
}

// Snapshot returns a deep enough copy of p to be read without holding the
// plan's lock.
func (p *Plan) Snapshot() *Plan {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c := &Plan{
		ID:                p.ID,
		Prompt:            p.Prompt,
		RequestContext:    p.RequestContext,
		EstimatedDuration: p.EstimatedDuration,
		TaskIDs:           append([]string(nil), p.TaskIDs...),
		Dependencies:      append([]Dependency(nil), p.Dependencies...),
		Complexity:        p.Complexity,
		State:             p.State,
		Error:             p.Error,
		Frozen:            p.Frozen,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
		CompletedAt:       p.CompletedAt,
	}
	c.Metadata.Warnings = append([]string(nil), p.Metadata.Warnings...)
	c.Metadata.CycleRecovery = p.Metadata.CycleRecovery
	return c
}

// SetEstimate records the complexity tier and the duration estimate.
func (p *Plan) SetEstimate(c Complexity, d time.Duration) {
	p.mu.Lock()
	p.Complexity = c
	p.EstimatedDuration = d
	p.mu.Unlock()
}
