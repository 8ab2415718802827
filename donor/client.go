package donor

import (
	"context"

	"tenantmigration"
)

// Client is one live connection to a single donor member. A client is
// exclusively owned by the instance that resolved it and is closed on any
// terminal transition.
type Client interface {
	// Address returns the host:port the client is connected to.
	Address() string
	// LatestPosition reads the member's current latest log position.
	LatestPosition(ctx context.Context) (tenantmigration.OpTime, error)
	// InProgressTransactions reads the member's session-transaction records
	// whose state is in-progress.
	InProgressTransactions(ctx context.Context) ([]tenantmigration.TransactionRecord, error)
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Dialer opens a client to a specific donor host.
type Dialer interface {
	Dial(ctx context.Context, host string) (Client, error)
}
