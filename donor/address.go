// Package donor models the donor replica set from the recipient's side:
// replica-set addresses, probed topology snapshots, and read-preference
// driven connection resolution.
package donor

import (
	"strings"

	"tenantmigration"
)

// Address is a parsed replica-set address: a set name plus the seed host
// list, in the wire form "setName/host1:port,host2:port".
type Address struct {
	SetName string
	Hosts   []string
}

// ParseAddress parses the replica-set form. Any other shape, including a
// bare host:port, fails with ParseError before any network activity.
func ParseAddress(raw string) (Address, error) {
	fail := func(reason string) (Address, error) {
		return Address{}, &tenantmigration.ParseError{Input: raw, Reason: reason}
	}

	setName, hostList, found := strings.Cut(raw, "/")
	if !found {
		return fail("not a replica-set address, want setName/host1,host2")
	}
	setName = strings.TrimSpace(setName)
	if setName == "" {
		return fail("empty set name")
	}
	if strings.ContainsAny(setName, ", ") {
		return fail("set name must not contain commas or spaces")
	}

	var hosts []string
	for _, h := range strings.Split(hostList, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			return fail("empty host in host list")
		}
		if strings.Contains(h, "/") {
			return fail("host must not contain a slash")
		}
		hosts = append(hosts, h)
	}
	if len(hosts) == 0 {
		return fail("empty host list")
	}
	return Address{SetName: setName, Hosts: hosts}, nil
}

func (a Address) String() string {
	return a.SetName + "/" + strings.Join(a.Hosts, ",")
}
