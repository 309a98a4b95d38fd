package evaluator

import (
	"sync"
	"time"

	"github.com/pulsar-io/beacon/internal/value"
)

// branch identifies which of a rule's branches was selected on a cycle, so
// emit:on_enter can detect a transition.
type branch int

const (
	branchNone branch = iota
	branchPrimary
	branchElse
)

type lastKnownEntry struct {
	value value.Value
	ts    time.Time
}

// EmitState is the evaluator's sole piece of cross-cycle memory: the
// previously selected branch per rule (for on_enter), the previously
// committed value per set/buffer key and message per log/send_message
// action (for on_change), and the last known good reading per sensor (for
// use_last_known). It is owned exclusively by the evaluator; nothing else
// mutates it, per spec.md §5's shared-resource policy.
type EmitState struct {
	mu         sync.Mutex
	lastBranch map[string]branch
	lastValue  map[string]value.Value
	lastMsg    map[string]string
	lastKnown  map[string]lastKnownEntry
}

// NewEmitState returns an empty EmitState, as at process start: every
// on_change/on_enter action fires on its first opportunity since there is
// no prior baseline, matching §6.4's "initial on_change baselines filled
// from the first successful cycle read".
func NewEmitState() *EmitState {
	return &EmitState{
		lastBranch: make(map[string]branch),
		lastValue:  make(map[string]value.Value),
		lastMsg:    make(map[string]string),
		lastKnown:  make(map[string]lastKnownEntry),
	}
}

// observeSnapshot records every available sensor reading as the new last-
// known value, backing the use_last_known fallback. This happens
// regardless of whether the cycle's writes are ultimately committed, since
// it reflects data actually read from the store this cycle.
func (s *EmitState) observeSnapshot(values map[string]value.Value, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sensor, v := range values {
		if !v.IsUnavailable() {
			s.lastKnown[sensor] = lastKnownEntry{value: v, ts: ts}
		}
	}
}

// lastKnownWithin returns the last known value for sensor if it was
// observed within maxAge of now.
func (s *EmitState) lastKnownWithin(sensor string, maxAge time.Duration, now time.Time) (value.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.lastKnown[sensor]
	if !ok || now.Sub(entry.ts) > maxAge {
		return value.Unavailable, false
	}
	return entry.value, true
}

func (s *EmitState) previousBranch(rule string) branch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBranch[rule]
}

func (s *EmitState) previousValue(key string) (value.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lastValue[key]
	return v, ok
}

func (s *EmitState) previousMessage(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.lastMsg[key]
	return m, ok
}

// pendingEmit accumulates the branch/value/message updates a cycle would
// make to EmitState, applied only once the scheduler confirms the
// corresponding WriteBatch/Publish succeeded. This is what makes a failed
// commit "preserve EmitState so subsequent cycles can re-emit changed
// values" (spec.md §4.8): if Commit is never called, the next cycle still
// compares against the old baseline and re-stages the same change.
type pendingEmit struct {
	branches map[string]branch
	values   map[string]value.Value
	messages map[string]string
}

func newPendingEmit() *pendingEmit {
	return &pendingEmit{
		branches: make(map[string]branch),
		values:   make(map[string]value.Value),
		messages: make(map[string]string),
	}
}

// Commit applies a cycle's pending emit-state updates. The scheduler calls
// this only after WriteBatch (and, for messages, Publish) succeeds.
func (s *EmitState) Commit(p *pendingEmit) {
	if p == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for rule, b := range p.branches {
		s.lastBranch[rule] = b
	}
	for key, v := range p.values {
		s.lastValue[key] = v
	}
	for key, m := range p.messages {
		s.lastMsg[key] = m
	}
}
