package events

import "sync"

// Sequencer tracks the last assigned sequence number per plan. Sequences
// start at 1.
type Sequencer struct {
	mu   sync.Mutex
	last map[string]uint64
}

// NewSequencer returns an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{last: make(map[string]uint64)}
}

// Last returns the last sequence number committed for planID and whether
// the sequencer has seen the plan at all.
func (s *Sequencer) Last(planID string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.last[planID]
	return n, ok
}

// Advance records seq as used for planID. Sequences never move backwards.
func (s *Sequencer) Advance(planID string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.last[planID]; !ok || seq > cur {
		s.last[planID] = seq
	}
}

// Forget drops planID. A later Advance starts the plan over from the value
// it is given.
func (s *Sequencer) Forget(planID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, planID)
}
