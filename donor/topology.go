package donor

import "context"

// Member is one donor node as seen in a topology snapshot.
type Member struct {
	Host      string
	IsPrimary bool
	Tags      map[string]string
}

// Topology is a point-in-time view of the reachable members of the donor
// set, in a stable order the selection tie-breaks depend on.
type Topology struct {
	Members []Member
}

// Primary returns the current primary, if the snapshot has one.
func (t Topology) Primary() (Member, bool) {
	for _, m := range t.Members {
		if m.IsPrimary {
			return m, true
		}
	}
	return Member{}, false
}

// Secondaries returns the non-primary members in topology order.
func (t Topology) Secondaries() []Member {
	var out []Member
	for _, m := range t.Members {
		if !m.IsPrimary {
			out = append(out, m)
		}
	}
	return out
}

// TopologySource produces fresh topology snapshots of one donor set. The
// resolver takes a new snapshot on every selection attempt so donor-side
// failover during connection is transparent.
type TopologySource interface {
	Topology(ctx context.Context) (Topology, error)
}
