// Package sequencer allocates per-lane message sequence numbers.
//
// A lane is an independent sequencing context scoped by
// (persona_id, stream_id); different lanes advance independently so
// parallel sessions never contend for a shared counter.
package sequencer

import (
	"fmt"
	"sync"

	"github.com/atp-network/atp-router/internal/infra/observability"
)

// Lane identifies an independent sequencing context.
type Lane struct {
	PersonaID string
	StreamID  string
}

// Key returns the string form used for storage and lookup.
func (l Lane) Key() string {
	return fmt.Sprintf("%s:%s", l.PersonaID, l.StreamID)
}

// Sequencer manages per-lane msg_seq counters.
// Thread-safe: a single mutex guards the counter map.
type Sequencer struct {
	mu       sync.Mutex
	counters map[string]int64
}

// New creates an empty sequencer.
func New() *Sequencer {
	return &Sequencer{counters: make(map[string]int64)}
}

// Next allocates and returns the next msg_seq for the lane.
// Lanes are created on first use.
func (s *Sequencer) Next(lane Lane) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := lane.Key()
	s.counters[key]++
	observability.LanesActive.Set(float64(len(s.counters)))
	return s.counters[key]
}

// Current peeks at the lane's counter without advancing it.
// Returns 0 for a lane that has never allocated.
func (s *Sequencer) Current(lane Lane) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[lane.Key()]
}

// Reset zeroes the lane's counter.
func (s *Sequencer) Reset(lane Lane) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[lane.Key()] = 0
	observability.LanesActive.Set(float64(len(s.counters)))
}

// ActiveLanes returns the keys of all lanes seen so far.
func (s *Sequencer) ActiveLanes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.counters))
	for k := range s.counters {
		out = append(out, k)
	}
	return out
}
