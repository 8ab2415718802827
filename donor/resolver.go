package donor

import (
	"context"
	"time"

	"tenantmigration"
)

const (
	defaultFindHostTimeout = 30 * time.Second
	defaultRetryInterval   = 50 * time.Millisecond
)

// Clock abstracts time for deterministic tests.
type Clock struct {
	Now   func() time.Time
	After func(d time.Duration) <-chan time.Time
}

func defaultClock() Clock {
	return Clock{Now: time.Now, After: time.After}
}

// Resolver selects and dials one donor member under a read preference. Every
// attempt takes a fresh topology snapshot, so a donor-side failover between
// attempts is picked up transparently. A Resolve that finds no qualifying,
// dialable member within FindHostTimeout fails with
// ReadPrefUnsatisfiableError.
type Resolver struct {
	Source TopologySource
	Dialer Dialer

	// FindHostTimeout bounds one Resolve call. Zero means the default.
	FindHostTimeout time.Duration
	// RetryInterval is the pause between selection attempts. Zero means the
	// default.
	RetryInterval time.Duration
	// Clock defaults to the wall clock.
	Clock Clock
}

// Resolve returns a client connected to a member satisfying pref.
func (r Resolver) Resolve(ctx context.Context, addr Address, pref tenantmigration.ReadPreference) (Client, error) {
	clock := r.Clock
	if clock.Now == nil || clock.After == nil {
		clock = defaultClock()
	}
	timeout := r.FindHostTimeout
	if timeout <= 0 {
		timeout = defaultFindHostTimeout
	}
	retry := r.RetryInterval
	if retry <= 0 {
		retry = defaultRetryInterval
	}

	deadline := clock.Now().Add(timeout)
	var lastErr error
	for {
		topo, err := r.Source.Topology(ctx)
		if err != nil {
			lastErr = err
		} else {
			for _, m := range candidates(topo, pref) {
				c, err := r.Dialer.Dial(ctx, m.Host)
				if err != nil {
					lastErr = err
					continue
				}
				return c, nil
			}
		}

		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return nil, &tenantmigration.ReadPrefUnsatisfiableError{
				SetName: addr.SetName,
				Pref:    pref,
				Timeout: timeout,
				Cause:   lastErr,
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-clock.After(min(retry, remaining)):
		}
	}
}

// candidates orders the members of topo that qualify under pref. The order
// is the try order: preferred roles first, topology order within a role.
// Tag constraints apply to every mode. The first element is the
// deterministic choice when all candidates are dialable.
func candidates(topo Topology, pref tenantmigration.ReadPreference) []Member {
	tagged := func(ms []Member) []Member {
		var out []Member
		for _, m := range ms {
			if pref.MatchesTags(m.Tags) {
				out = append(out, m)
			}
		}
		return out
	}
	primary := func() []Member {
		if p, ok := topo.Primary(); ok {
			return []Member{p}
		}
		return nil
	}

	switch pref.Mode {
	case tenantmigration.PrimaryOnly:
		return tagged(primary())
	case tenantmigration.SecondaryOnly:
		return tagged(topo.Secondaries())
	case tenantmigration.PrimaryPreferred:
		return append(tagged(primary()), tagged(topo.Secondaries())...)
	case tenantmigration.SecondaryPreferred:
		return append(tagged(topo.Secondaries()), tagged(primary())...)
	case tenantmigration.Nearest:
		return tagged(topo.Members)
	default:
		return nil
	}
}
