// Package donortest provides an in-memory fake donor replica set. It stands
// in for a live donor in unit tests and backs the donor-sim binary: member
// roles, tags, reachability, the latest log position, and the session
// transaction table are all scriptable, and dials plus open clients are
// tracked so tests can assert on connection behavior.
package donortest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tenantmigration"
	"tenantmigration/donor"
)

// MemberInfo is a snapshot of one fake member.
type MemberInfo struct {
	Host      string
	IsPrimary bool
	Tags      map[string]string
	Down      bool
}

// FakeSet is a scriptable donor replica set. It implements both
// donor.TopologySource and donor.Dialer, so a Resolver can run against it
// unchanged.
type FakeSet struct {
	setName string

	mu      sync.Mutex
	members []*member
	latest  tenantmigration.OpTime
	txns    []tenantmigration.TransactionRecord
	// queryErr, when set, fails every client query.
	queryErr error
	dials    []string
	open     int
}

type member struct {
	host    string
	primary bool
	tags    map[string]string
	down    bool
}

// NewFakeSet builds a set named setName with n members,
// "donor0.test:27017" through "donor<n-1>", the first one primary.
func NewFakeSet(setName string, n int) *FakeSet {
	hosts := make([]string, n)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("donor%d.test:27017", i)
	}
	return NewFakeSetWithHosts(setName, hosts)
}

// NewFakeSetWithHosts builds a set over explicit member hosts, the first one
// primary. The donor simulator uses this to name members after their real
// listen addresses.
func NewFakeSetWithHosts(setName string, hosts []string) *FakeSet {
	s := &FakeSet{setName: setName}
	for i, host := range hosts {
		s.members = append(s.members, &member{
			host:    host,
			primary: i == 0,
		})
	}
	return s
}

// ConnectionString returns the set's replica-set address.
func (s *FakeSet) ConnectionString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	hosts := make([]string, len(s.members))
	for i, m := range s.members {
		hosts[i] = m.host
	}
	return s.setName + "/" + strings.Join(hosts, ",")
}

// Hosts returns the member hosts in topology order.
func (s *FakeSet) Hosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	hosts := make([]string, len(s.members))
	for i, m := range s.members {
		hosts[i] = m.host
	}
	return hosts
}

// PrimaryHost returns the current primary's host, or "" when the set has
// none.
func (s *FakeSet) PrimaryHost() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.primary {
			return m.host
		}
	}
	return ""
}

// SetPrimary promotes host to primary and demotes everyone else. An empty
// host leaves the set with no primary.
func (s *FakeSet) SetPrimary(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		m.primary = m.host == host
	}
}

// Kill makes host unreachable: it drops out of topology snapshots and
// refuses dials. Existing clients keep working, as a real severed member's
// already-established connections would until torn down.
func (s *FakeSet) Kill(host string) {
	s.setDown(host, true)
}

// Restore brings a killed host back.
func (s *FakeSet) Restore(host string) {
	s.setDown(host, false)
}

func (s *FakeSet) setDown(host string, down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.host == host {
			m.down = down
		}
	}
}

// SetTags replaces host's member tags.
func (s *FakeSet) SetTags(host string, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.host == host {
			m.tags = tags
		}
	}
}

// SetLatest sets the set's latest log position.
func (s *FakeSet) SetLatest(pos tenantmigration.OpTime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = pos
}

// Latest returns the set's current latest log position.
func (s *FakeSet) Latest() tenantmigration.OpTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// SetTransactions replaces the session transaction table.
func (s *FakeSet) SetTransactions(recs ...tenantmigration.TransactionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txns = append([]tenantmigration.TransactionRecord(nil), recs...)
}

// Transactions returns a copy of the session transaction table.
func (s *FakeSet) Transactions() []tenantmigration.TransactionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tenantmigration.TransactionRecord(nil), s.txns...)
}

// FailQueries makes every subsequent client query fail with err. Pass nil
// to restore normal behavior.
func (s *FakeSet) FailQueries(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryErr = err
}

// DialedHosts returns every host dialed so far, in dial order.
func (s *FakeSet) DialedHosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dials...)
}

// OpenClients returns how many dialed clients have not been closed.
func (s *FakeSet) OpenClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Member returns a snapshot of one member.
func (s *FakeSet) Member(host string) (MemberInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.host == host {
			return MemberInfo{
				Host:      m.host,
				IsPrimary: m.primary,
				Tags:      copyTags(m.tags),
				Down:      m.down,
			}, true
		}
	}
	return MemberInfo{}, false
}

// Topology implements donor.TopologySource. Killed members do not answer
// probes and are absent from the snapshot.
func (s *FakeSet) Topology(ctx context.Context) (donor.Topology, error) {
	if err := ctx.Err(); err != nil {
		return donor.Topology{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var topo donor.Topology
	for _, m := range s.members {
		if m.down {
			continue
		}
		topo.Members = append(topo.Members, donor.Member{
			Host:      m.host,
			IsPrimary: m.primary,
			Tags:      copyTags(m.tags),
		})
	}
	return topo, nil
}

// Dial implements donor.Dialer.
func (s *FakeSet) Dial(ctx context.Context, host string) (donor.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.host != host {
			continue
		}
		if m.down {
			return nil, fmt.Errorf("dial %s: connection refused", host)
		}
		s.dials = append(s.dials, host)
		s.open++
		return &Client{set: s, host: host}, nil
	}
	return nil, fmt.Errorf("dial %s: no such host", host)
}

// Client is a fake donor connection handed out by FakeSet.Dial.
type Client struct {
	set  *FakeSet
	host string

	mu     sync.Mutex
	closed bool
}

// Address implements donor.Client.
func (c *Client) Address() string { return c.host }

// LatestPosition implements donor.Client.
func (c *Client) LatestPosition(ctx context.Context) (tenantmigration.OpTime, error) {
	if err := c.usable(ctx); err != nil {
		return tenantmigration.OpTime{}, err
	}
	c.set.mu.Lock()
	defer c.set.mu.Unlock()
	if c.set.queryErr != nil {
		return tenantmigration.OpTime{}, c.set.queryErr
	}
	return c.set.latest, nil
}

// InProgressTransactions implements donor.Client. Like a real donor query
// it returns only in-progress records.
func (c *Client) InProgressTransactions(ctx context.Context) ([]tenantmigration.TransactionRecord, error) {
	if err := c.usable(ctx); err != nil {
		return nil, err
	}
	c.set.mu.Lock()
	defer c.set.mu.Unlock()
	if c.set.queryErr != nil {
		return nil, c.set.queryErr
	}
	var out []tenantmigration.TransactionRecord
	for _, r := range c.set.txns {
		if r.State == tenantmigration.TxnInProgress {
			out = append(out, r)
		}
	}
	return out, nil
}

// Close implements donor.Client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.set.mu.Lock()
	c.set.open--
	c.set.mu.Unlock()
	return nil
}

func (c *Client) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client %s: closed", c.host)
	}
	return nil
}

func copyTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
