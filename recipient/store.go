package recipient

import (
	"context"

	"github.com/google/uuid"

	"tenantmigration"
)

// Fence ties a mutating store call to the primary role that issued it. Every
// write verifies the election lease still carries this term in the same
// transaction, so an instance surviving from a stale term cannot persist.
type Fence struct {
	LeaseName string
	Term      int64
}

// Store is the durable home of migration state documents. Implementations
// must make every write all-or-nothing: positions land as a pair or not at
// all, and the terminal status is written at most once.
//
// Fenced calls report a lost primary role as PrimaryLostError.
type Store interface {
	// EnsureSchema prepares tables and indexes. Idempotent.
	EnsureSchema(ctx context.Context) error

	// Insert persists doc if no document with its key exists yet and returns
	// the durable document. inserted is false when the key was already
	// present; the returned document is then the durable copy, which wins
	// over doc entirely.
	Insert(ctx context.Context, fence Fence, doc tenantmigration.StateDocument) (stored tenantmigration.StateDocument, inserted bool, err error)

	// Load reads the document with the given key.
	Load(ctx context.Context, id uuid.UUID) (tenantmigration.StateDocument, bool, error)

	// List returns every document, newest first.
	List(ctx context.Context) ([]tenantmigration.StateDocument, error)

	// Pending returns every non-terminal document, for the step-up rescan.
	Pending(ctx context.Context) ([]tenantmigration.StateDocument, error)

	// SetStartPositions records both start positions in one atomic write.
	// The fields are write-once: a second write for the same key fails.
	SetStartPositions(ctx context.Context, fence Fence, id uuid.UUID, fetch, apply tenantmigration.OpTime) error

	// SetTerminalStatus records the migration's terminal outcome. Only the
	// first write for a key applies; applied is false when the document was
	// already terminal or absent.
	SetTerminalStatus(ctx context.Context, fence Fence, id uuid.UUID, status string) (applied bool, err error)

	// Delete removes a terminal document, for operator cleanup. It never
	// touches resumable documents; deleted is false when the document is
	// absent or still resumable.
	Delete(ctx context.Context, id uuid.UUID) (deleted bool, err error)
}
