package main

import (
	"sync"
	"sync/atomic"
)

// ListeningState is the intake switch. The zero value is Stopped, so every
// process starts with intake closed.
type ListeningState int32

const (
	Stopped ListeningState = iota
	Listening
)

// String returns the label used on the wire: "Listening" or "Stopped".
func (s ListeningState) String() string {
	if s == Listening {
		return "Listening"
	}
	return "Stopped"
}

// StatusPublisher is told about every gate transition.
type StatusPublisher interface {
	PublishStatus(state ListeningState)
}

// Gate decides whether inbound webhooks become events.
//
// Transitions take the write lock; Admit holds the read lock for the duration
// of the admitted work. A Stop therefore waits for in-flight admissions, and
// nothing is admitted once Stop has returned.
type Gate struct {
	mu        sync.RWMutex
	state     atomic.Int32
	publisher StatusPublisher
}

// NewGate returns a Stopped gate. publisher may be nil.
func NewGate(publisher StatusPublisher) *Gate {
	listeningGauge.Set(0)
	return &Gate{publisher: publisher}
}

// Start opens intake. It reports false when the gate was already Listening,
// in which case no notification is raised.
func (g *Gate) Start() bool {
	return g.transition(Listening)
}

// Stop closes intake. It reports false when the gate was already Stopped.
func (g *Gate) Stop() bool {
	return g.transition(Stopped)
}

func (g *Gate) transition(to ListeningState) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ListeningState(g.state.Load()) == to {
		return false
	}
	g.state.Store(int32(to))

	if to == Listening {
		listeningGauge.Set(1)
	} else {
		listeningGauge.Set(0)
	}

	// Published under the lock so observers see transitions in order.
	if g.publisher != nil {
		g.publisher.PublishStatus(to)
	}
	return true
}

// State returns the current state without taking the lock.
func (g *Gate) State() ListeningState {
	return ListeningState(g.state.Load())
}

// Admit runs fn if the gate is Listening and reports whether it ran.
// fn must not block on I/O.
func (g *Gate) Admit(fn func()) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if ListeningState(g.state.Load()) != Listening {
		return false
	}
	fn()
	return true
}
