package donorwire

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tenantmigration/donor"
)

const defaultProbeTimeout = 3 * time.Second

// Prober builds topology snapshots by asking each seed host who it is. It
// implements donor.TopologySource. Unreachable hosts and hosts reporting a
// different set name are left out of the snapshot; seed order is preserved
// so the resolver's tie-breaks stay deterministic.
type Prober struct {
	// SetName is the replica set the snapshot must describe.
	SetName string
	// Hosts are the seed addresses, probed in order.
	Hosts []string
	// Dialer opens the per-probe connections.
	Dialer Dialer
	// ProbeTimeout bounds one host's hello. Zero means the default.
	ProbeTimeout time.Duration
	// Logger defaults to a no-op logger.
	Logger zerolog.Logger
}

// Topology implements donor.TopologySource.
func (p Prober) Topology(ctx context.Context) (donor.Topology, error) {
	timeout := p.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	var topo donor.Topology
	for _, host := range p.Hosts {
		status, err := p.probe(ctx, host, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return donor.Topology{}, ctx.Err()
			}
			p.Logger.Debug().Err(err).Str("donor_host", host).Msg("donor_probe_failed")
			continue
		}
		if status.SetName != p.SetName {
			p.Logger.Warn().
				Str("donor_host", host).
				Str("reported_set", status.SetName).
				Str("expected_set", p.SetName).
				Msg("donor_set_mismatch")
			continue
		}
		topo.Members = append(topo.Members, donor.Member{
			Host:      host,
			IsPrimary: status.IsPrimary,
			Tags:      status.Tags,
		})
	}
	return topo, nil
}

func (p Prober) probe(ctx context.Context, host string, timeout time.Duration) (MemberStatus, error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := p.Dialer.DialMember(probeCtx, host)
	if err != nil {
		return MemberStatus{}, err
	}
	defer client.Close()
	return client.Hello(probeCtx)
}
