package clock

import (
	"context"
	"sync"
)

// Manual is a virtual Clock that only advances when told to, so tests can
// exercise scheduling logic deterministically instead of racing real time
// (§9, "tests can substitute a virtual clock that advances on demand").
type Manual struct {
	mu       sync.Mutex
	mono     Instant
	real     RealInstant
	waiters  []manualWaiter
}

type manualWaiter struct {
	deadline Instant
	wake     chan struct{}
}

// NewManual creates a Manual clock starting at the given monotonic and
// real-time instants.
func NewManual(mono Instant, real RealInstant) *Manual {
	return &Manual{mono: mono, real: real}
}

func (m *Manual) NowMonotonic() Instant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mono
}

func (m *Manual) NowReal() RealInstant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.real
}

// Advance moves both the monotonic and real clocks forward by d, waking
// any SleepUntil calls whose deadline has now passed.
func (m *Manual) Advance(d Duration) {
	m.mu.Lock()
	m.mono = m.mono.Add(d)
	m.real = m.real.Add(d)
	var remaining []manualWaiter
	for _, w := range m.waiters {
		if !w.deadline.After(m.mono) {
			close(w.wake)
		} else {
			remaining = append(remaining, w)
		}
	}
	m.waiters = remaining
	m.mu.Unlock()
}

func (m *Manual) SleepUntil(ctx context.Context, deadline Instant) {
	m.mu.Lock()
	if !deadline.After(m.mono) {
		m.mu.Unlock()
		return
	}
	wake := make(chan struct{})
	m.waiters = append(m.waiters, manualWaiter{deadline: deadline, wake: wake})
	m.mu.Unlock()

	select {
	case <-wake:
	case <-ctx.Done():
	}
}
