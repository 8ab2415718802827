// Package election drives the recipient's role transitions from a SQL
// lease: whichever process holds the lease is primary, and the lease epoch
// is the term. Acquiring the lease steps the node up; losing it steps the
// node down. Because the epoch only moves forward, the same number serves
// as the fencing token for every durable migration write.
package election

import (
	"context"
	"time"
)

// Mode is the local view of the node's role.
type Mode string

const (
	ModeLeader   Mode = "leader"
	ModeFollower Mode = "follower"
)

// Lease is one lease row: who holds it, under which epoch, until when.
type Lease struct {
	HolderID  string
	Epoch     int64
	ExpiresAt time.Time
}

// Store persists the lease.
type Store interface {
	// EnsureSchema prepares the lease table. Idempotent.
	EnsureSchema(ctx context.Context) error
	// Acquire takes the lease if it is free or expired, bumping the epoch.
	// acquired is false when another holder still owns it.
	Acquire(ctx context.Context, name, holder string, duration time.Duration) (lease Lease, acquired bool, err error)
	// Renew extends the lease if holder still owns it at the given epoch.
	// renewed is false when the lease moved on.
	Renew(ctx context.Context, name, holder string, epoch int64, duration time.Duration) (lease Lease, renewed bool, err error)
	// Read returns the current lease row, if any.
	Read(ctx context.Context, name string) (Lease, bool, error)
}

// Callbacks are the role-transition hooks. OnStepUp failing renounces
// leadership; the lease is left to expire and another node takes over.
type Callbacks struct {
	OnStepUp   func(ctx context.Context, term int64) error
	OnStepDown func()
}

// Status captures the local view of leadership, for readiness probes.
type Status struct {
	Mode      Mode
	HolderID  string
	Epoch     int64
	ExpiresAt time.Time
}

// Clock abstracts time for deterministic tests.
type Clock struct {
	Now   func() time.Time
	After func(d time.Duration) <-chan time.Time
}

func defaultClock() Clock {
	return Clock{Now: time.Now, After: time.After}
}
