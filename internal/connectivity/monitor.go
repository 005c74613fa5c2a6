package connectivity

import (
	"context"
	"sync"
	"time"
)

// Probe reports whether the network is currently reachable.
type Probe func(ctx context.Context) bool

// Monitor tracks online/offline state and notifies subscribers when the
// state flips from offline to online. Connectivity loss is not an error
// anywhere in this codebase; it only routes submissions to the offline
// queue.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   []chan struct{}
}

// NewMonitor creates a monitor with an initial state.
func NewMonitor(initiallyOnline bool) *Monitor {
	return &Monitor{online: initiallyOnline}
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a state observation. An offline-to-online transition wakes
// every subscriber; repeated online observations do not.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	var subs []chan struct{}
	if online && !wasOnline {
		subs = append(subs, m.subs...)
	}
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default: // subscriber already has a pending wakeup
		}
	}
}

// Subscribe returns a channel that receives one message per
// offline-to-online transition. The channel is buffered; a slow consumer
// coalesces bursts into a single wakeup.
func (m *Monitor) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Watch polls the probe on the given interval until ctx is done, feeding
// observations into Set.
func (m *Monitor) Watch(ctx context.Context, probe Probe, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Set(probe(ctx))
		}
	}
}
