package connectivity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOnlineState(t *testing.T) {
	m := NewMonitor(true)
	assert.True(t, m.Online())
	m.Set(false)
	assert.False(t, m.Online())
	m.Set(true)
	assert.True(t, m.Online())
}

func TestSubscribe_NotifiedOnTransitionToOnline(t *testing.T) {
	m := NewMonitor(false)
	ch := m.Subscribe()

	m.Set(true)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected wakeup on offline-to-online transition")
	}
}

func TestSubscribe_NoWakeupWhileAlreadyOnline(t *testing.T) {
	m := NewMonitor(true)
	ch := m.Subscribe()

	m.Set(true)
	m.Set(true)
	select {
	case <-ch:
		t.Fatal("repeated online observations must not wake subscribers")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_BurstsCoalesce(t *testing.T) {
	m := NewMonitor(false)
	ch := m.Subscribe()

	// flapping connectivity: three transitions before the consumer reads
	for i := 0; i < 3; i++ {
		m.Set(true)
		m.Set(false)
	}
	m.Set(true)

	<-ch
	select {
	case <-ch:
		t.Fatal("pending wakeups must coalesce into one")
	case <-time.After(50 * time.Millisecond):
	}
}
