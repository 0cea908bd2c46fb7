package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	now := time.Now()
	tk := &Task{ID: "t1", Status: StatusPending}

	require.NoError(t, tk.Transition(StatusInProgress, now))
	require.NotNil(t, tk.StartedAt)
	require.NoError(t, tk.Transition(StatusTimedOut, now))
	require.NotNil(t, tk.CompletedAt)

	err := tk.Transition(StatusCompleted, now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StatusTimedOut, te.From)
}

func TestTransitionRejectsSkippingInProgress(t *testing.T) {
	tk := &Task{ID: "t1", Status: StatusPending}
	assert.ErrorIs(t, tk.Transition(StatusCompleted, time.Now()), ErrInvalidTransition)
	assert.Equal(t, StatusPending, tk.Status)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("compose-unit")
	require.NoError(t, err)
	assert.Equal(t, KindComposeUnit, k)

	_, err = ParseKind("Compose_Unit")
	assert.Error(t, err)
}

func TestGuessKind(t *testing.T) {
	cases := map[string]Kind{
		"Create_Artifact":    KindCreateArtifact,
		"install dependency": KindInstallDependency,
		"modify":             KindModifyArtifact,
		"CONFIG":             KindConfigure,
		"assemble page":      KindComposeUnit,
		"new file":           KindCreateArtifact,
		"":                   KindModifyArtifact,
		"???":                KindModifyArtifact,
	}
	for in, want := range cases {
		assert.Equal(t, want, GuessKind(in), "GuessKind(%q)", in)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	tk := &Task{ID: "t1", DependsOn: []string{"a"}, Inputs: map[string]any{"k": "v"}}
	c := tk.Clone()
	c.DependsOn[0] = "b"
	c.Inputs["k"] = "w"
	assert.Equal(t, "a", tk.DependsOn[0])
	assert.Equal(t, "v", tk.Inputs["k"])
}

func TestPlanFreeze(t *testing.T) {
	p := NewPlan("p1", "prompt", nil, time.Now())
	require.NoError(t, p.AppendTasks("a"))
	p.Freeze()
	assert.ErrorIs(t, p.AppendTasks("b"), ErrPlanFrozen)
	assert.ErrorIs(t, p.ReplaceDependencies(nil), ErrPlanFrozen)
	assert.Equal(t, []string{"a"}, p.Snapshot().TaskIDs)
}

func TestComplexityFor(t *testing.T) {
	assert.Equal(t, ComplexityLow, ComplexityFor(3))
	assert.Equal(t, ComplexityMedium, ComplexityFor(4))
	assert.Equal(t, ComplexityMedium, ComplexityFor(8))
	assert.Equal(t, ComplexityHigh, ComplexityFor(9))
}

func TestErrorTaxonomy(t *testing.T) {
	exec := &ExecutionError{TaskID: "t", Kind: KindConfigure, Err: errors.New("disk full")}
	assert.ErrorIs(t, exec, ErrTaskExecution)
	assert.Contains(t, exec.Error(), "disk full")

	cyc := &CycleError{Components: [][]string{{"x", "y"}}}
	assert.ErrorIs(t, cyc, ErrCircularDependency)
	assert.Contains(t, cyc.Error(), "[x y]")

	v := &ValidationError{TaskRef: "a", Problems: []string{"name required"}}
	assert.ErrorIs(t, v, ErrValidation)
}
