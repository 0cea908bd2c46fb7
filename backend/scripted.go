package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// TransformFunc answers one Transform call.
type TransformFunc func(kind string, input []byte) ([]byte, error)

// Scripted replays fixed batches. It backs tests and offline runs and is
// safe for concurrent use.
type Scripted struct {
	mu         sync.Mutex
	batches    []Batch
	planErrs   []error
	transform  TransformFunc
	planCalls  int
	transforms map[string]int
	inputs     map[string][][]byte
}

// NewScripted returns a backend whose every Plan call yields batches.
func NewScripted(batches ...Batch) *Scripted {
	return &Scripted{
		batches:    batches,
		transforms: make(map[string]int),
		inputs:     make(map[string][][]byte),
	}
}

// FailPlan makes the next len(errs) Plan calls fail with errs in order.
func (s *Scripted) FailPlan(errs ...error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planErrs = append(s.planErrs, errs...)
	return s
}

// OnTransform installs fn as the Transform responder.
func (s *Scripted) OnTransform(fn TransformFunc) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transform = fn
	return s
}

// PlanCalls reports how many times Plan was called.
func (s *Scripted) PlanCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planCalls
}

// TransformCalls reports how many Transform calls of kind were made.
func (s *Scripted) TransformCalls(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transforms[kind]
}

// TransformInputs returns the inputs received for kind.
func (s *Scripted) TransformInputs(kind string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.inputs[kind]...)
}

func (s *Scripted) Plan(ctx context.Context, _ string, _ map[string]any) (<-chan Batch, error) {
	s.mu.Lock()
	s.planCalls++
	if len(s.planErrs) > 0 {
		err := s.planErrs[0]
		s.planErrs = s.planErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	batches := append([]Batch(nil), s.batches...)
	s.mu.Unlock()

	out := make(chan Batch)
	go func() {
		defer close(out)
		for _, b := range batches {
			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Scripted) Transform(_ context.Context, kind string, input []byte) ([]byte, error) {
	s.mu.Lock()
	s.transforms[kind]++
	s.inputs[kind] = append(s.inputs[kind], append([]byte(nil), input...))
	fn := s.transform
	s.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("backend: scripted transform %q not configured", kind)
	}
	return fn(kind, input)
}

// Docs builds a batch from task documents, marshaling any value that is not
// already raw JSON. Strings are taken as raw JSON text.
func Docs(docs ...any) Batch {
	var b Batch
	for _, d := range docs {
		switch v := d.(type) {
		case string:
			b.Tasks = append(b.Tasks, json.RawMessage(v))
		case json.RawMessage:
			b.Tasks = append(b.Tasks, v)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				b.Err = err
				return b
			}
			b.Tasks = append(b.Tasks, data)
		}
	}
	return b
}
