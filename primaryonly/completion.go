package primaryonly

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Completion is the one-shot result of an instance's workflow. It resolves
// exactly once, to nil for success or to a terminal error, and any number of
// waiters observe the same value.
type Completion struct {
	key  uuid.UUID
	once sync.Once
	done chan struct{}
	err  error
}

// NewCompletion builds an unresolved completion for the given key.
func NewCompletion(key uuid.UUID) *Completion {
	return &Completion{key: key, done: make(chan struct{})}
}

// MigrationKey returns the key of the migration this completion belongs to.
func (c *Completion) MigrationKey() uuid.UUID { return c.key }

// Resolve records the result. Only the first call has any effect.
func (c *Completion) Resolve(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done returns a channel closed once the completion is resolved.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Result returns the resolved outcome. ok is false while unresolved.
func (c *Completion) Result() (err error, ok bool) {
	select {
	case <-c.done:
		return c.err, true
	default:
		return nil, false
	}
}

// Wait blocks until the completion resolves or ctx is done. It returns the
// resolved error, or ctx's error if ctx wins.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
