// Package timer implements the machine's shared monotonic mtime counter: a 64-bit
// counter derived from the host's monotonic clock and a configurable tick frequency,
// rebaseable so the guest can write an arbitrary value to it.
package timer

import (
	"sync"
	"time"
)

// Timer is a monotonic counter: mtime = (now - base) * freq / 1e9.
type Timer struct {
	mu   sync.Mutex
	base time.Time
	freq uint64
}

// New creates a timer ticking at freq Hz, starting at mtime == 0.
func New(freq uint64) *Timer {
	return &Timer{base: time.Now(), freq: freq}
}

// Freq returns the timer's tick frequency in Hz.
func (t *Timer) Freq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.freq
}

// SetFreq changes the tick frequency, rebasing so the current value is unaffected.
func (t *Timer) SetFreq(freq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.get()
	t.freq = freq
	t.base = time.Now().Add(-durationFor(now, freq))
}

// Get returns the current counter value.
func (t *Timer) Get() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.get()
}

func (t *Timer) get() uint64 {
	elapsed := time.Since(t.base)
	return uint64(elapsed.Seconds() * float64(t.freq))
}

// Rebase sets the timer's base so that Get() == v at the moment Rebase returns. A
// store to mtime is visible to all harts before the write returns, i.e. the mutex here
// is released only after base has been updated.
func (t *Timer) Rebase(v uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.base = time.Now().Add(-durationFor(v, t.freq))
}

func durationFor(ticks, freq uint64) time.Duration {
	if freq == 0 {
		return 0
	}

	return time.Duration(float64(ticks) / float64(freq) * float64(time.Second))
}
