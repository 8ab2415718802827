package election

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock releases exactly one sleep per Step call, so tests drive the
// runner's acquire/renew cadence deterministically.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
	ch  chan time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Unix(1000, 0), ch: make(chan time.Time)}
}

func (c *stepClock) Clock() Clock {
	return Clock{
		Now: func() time.Time {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.now
		},
		After: func(time.Duration) <-chan time.Time { return c.ch },
	}
}

func (c *stepClock) Step() {
	c.mu.Lock()
	c.now = c.now.Add(time.Second)
	now := c.now
	c.mu.Unlock()
	c.ch <- now
}

type fakeLeaseStore struct {
	mu        sync.Mutex
	now       func() time.Time
	lease     Lease
	exists    bool
	failRenew bool
}

func (s *fakeLeaseStore) EnsureSchema(context.Context) error { return nil }

func (s *fakeLeaseStore) Acquire(_ context.Context, name, holder string, duration time.Duration) (Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.exists && s.lease.ExpiresAt.After(now) {
		return Lease{}, false, nil
	}
	s.lease = Lease{HolderID: holder, Epoch: s.lease.Epoch + 1, ExpiresAt: now.Add(duration)}
	s.exists = true
	return s.lease, true, nil
}

func (s *fakeLeaseStore) Renew(_ context.Context, name, holder string, epoch int64, duration time.Duration) (Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRenew || !s.exists || s.lease.HolderID != holder || s.lease.Epoch != epoch {
		return Lease{}, false, nil
	}
	s.lease.ExpiresAt = s.now().Add(duration)
	return s.lease, true, nil
}

func (s *fakeLeaseStore) Read(context.Context, string) (Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lease, s.exists, nil
}

func (s *fakeLeaseStore) setFailRenew(fail bool) {
	s.mu.Lock()
	s.failRenew = fail
	s.mu.Unlock()
}

func testConfig(clock *stepClock) Config {
	return Config{
		LeaseName:       "recipient-primary",
		HolderID:        "node-a",
		LeaseDuration:   10 * time.Second,
		RenewInterval:   time.Second,
		AcquireInterval: time.Second,
		Clock:           clock.Clock(),
	}
}

func waitEvent(t *testing.T, events <-chan string, want string) {
	t.Helper()
	select {
	case got := <-events:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestRunnerStepsUpOnAcquire(t *testing.T) {
	clock := newStepClock()
	store := &fakeLeaseStore{now: clock.Clock().Now}
	events := make(chan string, 16)
	var gotTerm int64

	runner, err := NewRunner(store, Callbacks{
		OnStepUp: func(_ context.Context, term int64) error {
			gotTerm = term
			events <- "up"
			return nil
		},
		OnStepDown: func() { events <- "down" },
	}, testConfig(clock))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	waitEvent(t, events, "up")
	assert.Equal(t, int64(1), gotTerm)
	assert.True(t, runner.IsLeader())
	assert.Equal(t, int64(1), runner.Status().Epoch)
}

func TestRunnerStepsDownOnRenewFailureAndReacquires(t *testing.T) {
	clock := newStepClock()
	store := &fakeLeaseStore{now: clock.Clock().Now}
	events := make(chan string, 16)
	var terms []int64

	runner, err := NewRunner(store, Callbacks{
		OnStepUp: func(_ context.Context, term int64) error {
			terms = append(terms, term)
			events <- "up"
			return nil
		},
		OnStepDown: func() { events <- "down" },
	}, testConfig(clock))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	waitEvent(t, events, "up")
	store.setFailRenew(true)
	clock.Step() // renew attempt fails
	waitEvent(t, events, "down")
	assert.False(t, runner.IsLeader())

	// The lease expired out from under the old holder; the next acquire
	// carries a strictly larger epoch.
	store.setFailRenew(false)
	store.mu.Lock()
	store.lease.ExpiresAt = clock.Clock().Now()
	store.mu.Unlock()
	clock.Step() // acquire interval elapses
	waitEvent(t, events, "up")
	require.Equal(t, []int64{1, 2}, terms)
}

func TestRunnerRenouncesWhenStepUpFails(t *testing.T) {
	clock := newStepClock()
	store := &fakeLeaseStore{now: clock.Clock().Now}
	events := make(chan string, 16)

	runner, err := NewRunner(store, Callbacks{
		OnStepUp: func(context.Context, int64) error {
			events <- "up"
			return errors.New("scan failed")
		},
		OnStepDown: func() { events <- "down" },
	}, testConfig(clock))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	waitEvent(t, events, "up")
	waitEvent(t, events, "down")
	assert.False(t, runner.IsLeader())
}

func TestRunnerStepsDownOnShutdown(t *testing.T) {
	clock := newStepClock()
	store := &fakeLeaseStore{now: clock.Clock().Now}
	events := make(chan string, 16)

	runner, err := NewRunner(store, Callbacks{
		OnStepUp:   func(context.Context, int64) error { events <- "up"; return nil },
		OnStepDown: func() { events <- "down" },
	}, testConfig(clock))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	waitEvent(t, events, "up")
	cancel()
	waitEvent(t, events, "down")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
	assert.False(t, runner.IsLeader())
}

func TestNewRunnerValidatesConfig(t *testing.T) {
	clock := newStepClock()
	_, err := NewRunner(nil, Callbacks{}, testConfig(clock))
	assert.Error(t, err)

	cfg := testConfig(clock)
	cfg.LeaseName = ""
	_, err = NewRunner(&fakeLeaseStore{now: clock.Clock().Now}, Callbacks{}, cfg)
	assert.Error(t, err)
}
