package donor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantmigration"
	"tenantmigration/donor"
	"tenantmigration/donor/donortest"
)

func newResolver(set *donortest.FakeSet, timeout time.Duration) donor.Resolver {
	return donor.Resolver{
		Source:          set,
		Dialer:          set,
		FindHostTimeout: timeout,
		RetryInterval:   10 * time.Millisecond,
	}
}

func mustParse(t *testing.T, raw string) donor.Address {
	t.Helper()
	addr, err := donor.ParseAddress(raw)
	require.NoError(t, err)
	return addr
}

func TestResolvePrimaryOnly(t *testing.T) {
	set := donortest.NewFakeSet("donorSet", 3)
	r := newResolver(set, time.Second)

	c, err := r.Resolve(context.Background(), mustParse(t, set.ConnectionString()),
		tenantmigration.ReadPreference{Mode: tenantmigration.PrimaryOnly})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, set.PrimaryHost(), c.Address())
}

func TestResolveSecondaryOnlyIsDeterministic(t *testing.T) {
	set := donortest.NewFakeSet("donorSet", 3)
	r := newResolver(set, time.Second)
	hosts := set.Hosts()

	for i := 0; i < 3; i++ {
		c, err := r.Resolve(context.Background(), mustParse(t, set.ConnectionString()),
			tenantmigration.ReadPreference{Mode: tenantmigration.SecondaryOnly})
		require.NoError(t, err)
		assert.Equal(t, hosts[1], c.Address(), "first non-primary in topology order")
		require.NoError(t, c.Close())
	}
}

func TestResolveSecondaryOnlySkipsDeadSecondary(t *testing.T) {
	set := donortest.NewFakeSet("donorSet", 3)
	hosts := set.Hosts()
	set.Kill(hosts[1])
	r := newResolver(set, time.Second)

	c, err := r.Resolve(context.Background(), mustParse(t, set.ConnectionString()),
		tenantmigration.ReadPreference{Mode: tenantmigration.SecondaryOnly})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, hosts[2], c.Address())
}

func TestResolvePrimaryPreferredFallsBack(t *testing.T) {
	set := donortest.NewFakeSet("donorSet", 3)
	hosts := set.Hosts()
	set.Kill(set.PrimaryHost())
	r := newResolver(set, time.Second)

	c, err := r.Resolve(context.Background(), mustParse(t, set.ConnectionString()),
		tenantmigration.ReadPreference{Mode: tenantmigration.PrimaryPreferred})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, hosts[1], c.Address())
}

func TestResolveSecondaryPreferredFallsBackToPrimary(t *testing.T) {
	set := donortest.NewFakeSet("donorSet", 3)
	hosts := set.Hosts()
	set.Kill(hosts[1])
	set.Kill(hosts[2])
	r := newResolver(set, time.Second)

	c, err := r.Resolve(context.Background(), mustParse(t, set.ConnectionString()),
		tenantmigration.ReadPreference{Mode: tenantmigration.SecondaryPreferred})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, hosts[0], c.Address())
}

func TestResolveNearestTakesFirstMember(t *testing.T) {
	set := donortest.NewFakeSet("donorSet", 3)
	hosts := set.Hosts()
	r := newResolver(set, time.Second)

	c, err := r.Resolve(context.Background(), mustParse(t, set.ConnectionString()),
		tenantmigration.ReadPreference{Mode: tenantmigration.Nearest})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, hosts[0], c.Address())
}

func TestResolveHonorsTags(t *testing.T) {
	set := donortest.NewFakeSet("donorSet", 3)
	hosts := set.Hosts()
	set.SetTags(hosts[1], map[string]string{"region": "west"})
	set.SetTags(hosts[2], map[string]string{"region": "east"})
	r := newResolver(set, time.Second)

	c, err := r.Resolve(context.Background(), mustParse(t, set.ConnectionString()),
		tenantmigration.ReadPreference{
			Mode: tenantmigration.SecondaryOnly,
			Tags: map[string]string{"region": "east"},
		})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, hosts[2], c.Address())
}

func TestResolveDeadPrimaryTimesOut(t *testing.T) {
	set := donortest.NewFakeSet("donorSet", 3)
	set.Kill(set.PrimaryHost())
	r := newResolver(set, 200*time.Millisecond)

	start := time.Now()
	_, err := r.Resolve(context.Background(), mustParse(t, set.ConnectionString()),
		tenantmigration.ReadPreference{Mode: tenantmigration.PrimaryOnly})
	elapsed := time.Since(start)

	var prefErr *tenantmigration.ReadPrefUnsatisfiableError
	require.True(t, errors.As(err, &prefErr), "want ReadPrefUnsatisfiableError, got %v", err)
	assert.Equal(t, "donorSet", prefErr.SetName)
	assert.Less(t, elapsed, 5*time.Second, "must not hang past the timeout")
}

func TestResolveSeesFailoverBetweenAttempts(t *testing.T) {
	set := donortest.NewFakeSet("donorSet", 3)
	hosts := set.Hosts()
	set.Kill(set.PrimaryHost())
	set.SetPrimary("")
	r := newResolver(set, 5*time.Second)

	type result struct {
		c   donor.Client
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := r.Resolve(context.Background(), mustParse(t, set.ConnectionString()),
			tenantmigration.ReadPreference{Mode: tenantmigration.PrimaryOnly})
		done <- result{c, err}
	}()

	// Let a few selection attempts fail before the new primary appears.
	time.Sleep(50 * time.Millisecond)
	set.SetPrimary(hosts[2])

	select {
	case res := <-done:
		require.NoError(t, res.err)
		defer res.c.Close()
		assert.Equal(t, hosts[2], res.c.Address())
	case <-time.After(10 * time.Second):
		t.Fatal("resolve did not return after failover")
	}
}

func TestResolveReturnsContextError(t *testing.T) {
	set := donortest.NewFakeSet("donorSet", 3)
	set.Kill(set.PrimaryHost())
	r := newResolver(set, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, mustParse(t, set.ConnectionString()),
			tenantmigration.ReadPreference{Mode: tenantmigration.PrimaryOnly})
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("resolve did not return after cancel")
	}
}

func TestResolveTracksDials(t *testing.T) {
	set := donortest.NewFakeSet("donorSet", 3)
	r := newResolver(set, time.Second)

	c, err := r.Resolve(context.Background(), mustParse(t, set.ConnectionString()),
		tenantmigration.ReadPreference{Mode: tenantmigration.PrimaryOnly})
	require.NoError(t, err)

	assert.Equal(t, []string{set.PrimaryHost()}, set.DialedHosts())
	assert.Equal(t, 1, set.OpenClients())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, set.OpenClients())
}
