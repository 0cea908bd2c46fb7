// Package task defines the plan and task model, the task state machine and
// persistence for decomposed change requests.
package task

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Kind identifies what a task does. The set is closed.
type Kind string

const (
	KindCreateArtifact    Kind = "create-artifact"
	KindModifyArtifact    Kind = "modify-artifact"
	KindComposeUnit       Kind = "compose-unit"
	KindConfigure         Kind = "configure"
	KindInstallDependency Kind = "install-dependency"
)

// Kinds lists every valid task kind.
var Kinds = []Kind{
	KindCreateArtifact,
	KindModifyArtifact,
	KindComposeUnit,
	KindConfigure,
	KindInstallDependency,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind returns the Kind named by s or an error when s is not an exact
// kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown task kind %q", s)
	}
	return k, nil
}

var kindFolder = cases.Lower(language.Und)

// GuessKind maps loosely written kind names ("Create_Artifact", "modify",
// "install dependency") onto a Kind. Unrecognised input guesses
// KindModifyArtifact, the least destructive kind.
func GuessKind(s string) Kind {
	norm := kindFolder.String(strings.TrimSpace(s))
	norm = strings.NewReplacer("_", "-", " ", "-").Replace(norm)
	if k := Kind(norm); k.Valid() {
		return k
	}
	if norm != "" {
		for _, k := range Kinds {
			if strings.HasPrefix(string(k), norm) || strings.HasPrefix(norm, string(k)) {
				return k
			}
		}
		switch {
		case strings.Contains(norm, "create"), strings.Contains(norm, "new"):
			return KindCreateArtifact
		case strings.Contains(norm, "install"), strings.Contains(norm, "dep"):
			return KindInstallDependency
		case strings.Contains(norm, "config"):
			return KindConfigure
		case strings.Contains(norm, "compose"), strings.Contains(norm, "assemble"):
			return KindComposeUnit
		}
	}
	return KindModifyArtifact
}

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// CanTransition reports whether the state machine allows s -> to.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusInProgress
	case StatusInProgress:
		return to.Terminal()
	default:
		return false
	}
}

// Task is one unit of work inside a plan.
type Task struct {
	ID                string         `json:"id"`
	PlanID            string         `json:"plan_id"`
	Ref               string         `json:"ref,omitempty"` // backend-local reference
	Kind              Kind           `json:"kind"`
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	Priority          int            `json:"priority"` // lower = more important
	EstimatedDuration time.Duration  `json:"estimated_duration"`
	Inputs            map[string]any `json:"inputs,omitempty"`
	DependsOn         []string       `json:"depends_on,omitempty"` // refs as declared
	NeedsReview       bool           `json:"needs_review,omitempty"`
	Status            Status         `json:"status"`
	Fingerprint       string         `json:"fingerprint,omitempty"`
	FromCache         bool           `json:"from_cache,omitempty"`
	Output            map[string]any `json:"output,omitempty"`
	Error             string         `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// Transition moves the task to status to, stamping StartedAt when work
// begins and CompletedAt when a terminal state is reached.
func (t *Task) Transition(to Status, now time.Time) error {
	if !t.Status.CanTransition(to) {
		return &TransitionError{TaskID: t.ID, From: t.Status, To: to}
	}
	t.Status = to
	t.UpdatedAt = now
	if to == StatusInProgress {
		t.StartedAt = &now
	}
	if to.Terminal() {
		t.CompletedAt = &now
	}
	return nil
}

// Clone returns a copy of t that shares no slices with the original. Map
// values are copied one level deep.
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.Inputs = cloneMap(t.Inputs)
	c.Output = cloneMap(t.Output)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
