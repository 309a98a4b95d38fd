// Package temporal implements the temporal buffer (C5): a process-wide,
// per-sensor ring of timestamped samples supporting duration-window queries
// for threshold_over_time conditions. The buffer is the one long-lived
// mutable structure shared between the scheduler (writer, after each
// snapshot) and the evaluator (reader, during evaluation); each per-sensor
// ring uses a reader/writer lock so concurrent readers never block each
// other, per spec.md §5.
package temporal

import (
	"math"
	"sync"
	"time"

	"github.com/pulsar-io/beacon/internal/dsl"
	"github.com/pulsar-io/beacon/internal/value"
)

// Mode selects how a window query treats gaps between explicit samples.
type Mode int

const (
	ModeStrict Mode = iota
	ModeExtendedLastKnown
)

func ModeFromDSL(m dsl.TemporalMode) Mode {
	if m == dsl.ModeExtendedLastKnown {
		return ModeExtendedLastKnown
	}
	return ModeStrict
}

// Sample is one (timestamp, value) entry.
type Sample struct {
	Ts    time.Time
	Value value.Value
}

// ComputeCapacity implements spec.md §4.5's sizing rule: ceil(max_duration /
// sample_period) * 1.2, with a floor of 4, fixed for the buffer's lifetime.
func ComputeCapacity(maxDuration, samplePeriod time.Duration) int {
	if samplePeriod <= 0 {
		samplePeriod = 100 * time.Millisecond
	}
	raw := math.Ceil(float64(maxDuration)/float64(samplePeriod)) * 1.2
	capacity := int(math.Ceil(raw))
	if capacity < 4 {
		capacity = 4
	}
	return capacity
}

type ring struct {
	mu       sync.RWMutex
	samples  []Sample
	capacity int
	size     int
	next     int // index the next Append overwrites
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 4
	}
	return &ring{samples: make([]Sample, capacity), capacity: capacity}
}

func (r *ring) append(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = s
	r.next = (r.next + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// chronological returns the ring's current contents oldest-first.
func (r *ring) chronological() []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Sample, r.size)
	start := (r.next - r.size + r.capacity) % r.capacity
	for i := 0; i < r.size; i++ {
		out[i] = r.samples[(start+i)%r.capacity]
	}
	return out
}

// Buffer owns one ring per sensor. New sensors get the default capacity
// unless EnsureCapacity was called for them beforehand by the compiler.
type Buffer struct {
	mu              sync.RWMutex
	rings           map[string]*ring
	defaultCapacity int
}

func New(defaultCapacity int) *Buffer {
	if defaultCapacity < 1 {
		defaultCapacity = 100
	}
	return &Buffer{rings: make(map[string]*ring), defaultCapacity: defaultCapacity}
}

// EnsureCapacity pre-creates (or widens) the ring for sensor to at least
// capacity. Called once per sensor at plan-build time from the compiled
// threshold_over_time metadata; capacity is fixed thereafter.
func (b *Buffer) EnsureCapacity(sensor string, capacity int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.rings[sensor]; ok && existing.capacity >= capacity {
		return
	}
	b.rings[sensor] = newRing(capacity)
}

func (b *Buffer) ringFor(sensor string) *ring {
	b.mu.RLock()
	r, ok := b.rings[sensor]
	b.mu.RUnlock()
	if ok {
		return r
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rings[sensor]; ok {
		return r
	}
	r = newRing(b.defaultCapacity)
	b.rings[sensor] = r
	return r
}

// Append records one sample for sensor, evicting the oldest entry if the
// ring is full.
func (b *Buffer) Append(sensor string, v value.Value, ts time.Time) {
	b.ringFor(sensor).append(Sample{Ts: ts, Value: v})
}

// Window returns the samples within [now-duration, now], oldest first.
func (b *Buffer) Window(sensor string, duration time.Duration, now time.Time) []Sample {
	start := now.Add(-duration)
	all := b.ringFor(sensor).chronological()
	out := make([]Sample, 0, len(all))
	for _, s := range all {
		if !s.Ts.Before(start) && !s.Ts.After(now) {
			out = append(out, s)
		}
	}
	return out
}

func compare(op dsl.Operator, sample, threshold float64) bool {
	switch op {
	case dsl.OpGT:
		return sample > threshold
	case dsl.OpGE:
		return sample >= threshold
	case dsl.OpLT:
		return sample < threshold
	case dsl.OpLE:
		return sample <= threshold
	default:
		return false
	}
}

// SatisfiesThresholdFor implements spec.md §4.5's predicate: Strict mode
// requires every explicit sample in the window to satisfy the comparison
// and at least one sample to be present; a violating sample anywhere in the
// window resets the continuously-true window to False (not just "not yet
// proven"). ExtendedLastKnown mode additionally requires the window's
// earliest sample to reach back far enough to cover the whole duration,
// since a gap at the start of the window is otherwise indistinguishable
// from "no data yet".
func (b *Buffer) SatisfiesThresholdFor(sensor string, op dsl.Operator, threshold float64, duration time.Duration, now time.Time, mode Mode) value.Tri {
	window := b.Window(sensor, duration, now)
	if len(window) == 0 {
		return value.Indeterminate
	}
	for _, s := range window {
		if s.Value.Kind != value.KindNumber {
			return value.Indeterminate
		}
		if !compare(op, s.Value.Num, threshold) {
			return value.False
		}
	}
	if mode == ModeExtendedLastKnown {
		start := now.Add(-duration)
		if window[0].Ts.After(start) {
			// no sample covers the window's leading edge: treat as
			// insufficient data rather than assume coverage.
			return value.Indeterminate
		}
	}
	return value.True
}
