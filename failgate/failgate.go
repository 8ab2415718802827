// Package failgate provides named synchronization gates for deterministic
// test control. A workflow step checks its gate at a seam; a test arms the
// gate, waits for the step to arrive, mutates collaborator state, and
// disarms. Production wiring passes a nil *Registry, which turns every gate
// operation into a no-op.
package failgate

import (
	"context"
	"sync"
)

// Mode is the arming state of a gate.
type Mode int

const (
	// Off lets Pause calls through untouched.
	Off Mode = iota
	// AlwaysOn counts each Pause arrival and blocks it until the gate is
	// disarmed.
	AlwaysOn
	// Times counts the next n Pause arrivals without blocking them, then
	// disarms itself.
	Times
)

// Registry owns the process's named gates. Gates are created lazily on first
// Find, so tests and production code agree on names without a registration
// step.
type Registry struct {
	mu    sync.Mutex
	gates map[string]*Gate
}

// NewRegistry builds an empty gate registry.
func NewRegistry() *Registry {
	return &Registry{gates: make(map[string]*Gate)}
}

// Find returns the gate with the given name, creating it if needed. A nil
// registry returns a nil gate, on which every operation is a no-op.
func (r *Registry) Find(name string) *Gate {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[name]
	if !ok {
		g = &Gate{name: name, changed: make(chan struct{})}
		r.gates[name] = g
	}
	return g
}

// Gate is one named synchronization point.
type Gate struct {
	name string

	mu        sync.Mutex
	mode      Mode
	remaining int
	entered   int64
	// changed is closed and replaced on every state transition; waiters
	// snapshot it under the lock and select on it.
	changed chan struct{}
}

// Name returns the gate's registry name.
func (g *Gate) Name() string {
	if g == nil {
		return ""
	}
	return g.name
}

// SetMode arms or disarms the gate and returns the entered count at the
// moment of the switch. The count lets a test wait for entries that happen
// strictly after the arm.
func (g *Gate) SetMode(mode Mode, times int) int64 {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = mode
	g.remaining = 0
	if mode == Times {
		g.remaining = times
		if times <= 0 {
			g.mode = Off
		}
	}
	g.broadcastLocked()
	return g.entered
}

// Entered returns how many Pause arrivals the gate has counted while armed.
func (g *Gate) Entered() int64 {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entered
}

// Pause is the production-side check. Off returns immediately without
// counting. Times counts the arrival and returns. AlwaysOn counts the
// arrival once and blocks until the gate leaves AlwaysOn or ctx is done.
func (g *Gate) Pause(ctx context.Context) error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	switch g.mode {
	case Off:
		g.mu.Unlock()
		return nil
	case Times:
		g.entered++
		g.remaining--
		if g.remaining <= 0 {
			g.mode = Off
		}
		g.broadcastLocked()
		g.mu.Unlock()
		return nil
	}

	g.entered++
	g.broadcastLocked()
	for g.mode == AlwaysOn {
		ch := g.changed
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
		g.mu.Lock()
	}
	g.mu.Unlock()
	return nil
}

// WaitForEnteredCount blocks until the gate has counted at least n arrivals
// or ctx is done.
func (g *Gate) WaitForEnteredCount(ctx context.Context, n int64) error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	for g.entered < n {
		ch := g.changed
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
		g.mu.Lock()
	}
	g.mu.Unlock()
	return nil
}

func (g *Gate) broadcastLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}
