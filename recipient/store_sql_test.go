package recipient

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantmigration"
	"tenantmigration/election"
)

const testLeaseName = "recipient-primary"

// newSQLStoreWithLease provisions the store schema plus a held lease so
// fenced writes at the returned fence pass verification.
func newSQLStoreWithLease(t *testing.T) (*SQLStore, Fence) {
	t.Helper()
	db := newTestDB(t)
	ctx := context.Background()

	store, err := NewSQLStore(db)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))

	leases, err := election.NewSQLStore(db)
	require.NoError(t, err)
	require.NoError(t, leases.EnsureSchema(ctx))
	lease, acquired, err := leases.Acquire(ctx, testLeaseName, "test-node", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	return store, Fence{LeaseName: testLeaseName, Term: lease.Epoch}
}

func sqlTestDoc() tenantmigration.StateDocument {
	return tenantmigration.NewStateDocument(
		"tenant-7",
		"donorSet/donor0.test:27017,donor1.test:27017",
		tenantmigration.ReadPreference{
			Mode: tenantmigration.SecondaryPreferred,
			Tags: map[string]string{"dc": "east"},
		},
	)
}

func TestSQLStoreInsertAndLoad(t *testing.T) {
	store, fence := newSQLStoreWithLease(t)
	ctx := context.Background()
	doc := sqlTestDoc()

	stored, inserted, err := store.Insert(ctx, fence, doc)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.False(t, stored.CreatedAt.IsZero())

	loaded, ok, err := store.Load(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, doc.TenantID, loaded.TenantID)
	assert.Equal(t, doc.DonorAddress, loaded.DonorAddress)
	assert.Equal(t, doc.ReadPreference, loaded.ReadPreference)
	assert.False(t, loaded.Terminal())
	assert.False(t, loaded.HasStartPositions())
}

func TestSQLStoreInsertIsIdempotentByKey(t *testing.T) {
	store, fence := newSQLStoreWithLease(t)
	ctx := context.Background()
	doc := sqlTestDoc()

	_, inserted, err := store.Insert(ctx, fence, doc)
	require.NoError(t, err)
	require.True(t, inserted)

	// Resubmission with different fields: the durable copy wins entirely.
	altered := doc
	altered.TenantID = "someone-else"
	stored, inserted, err := store.Insert(ctx, fence, altered)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, doc.TenantID, stored.TenantID)
}

func TestSQLStoreStartPositionsAreWriteOnce(t *testing.T) {
	store, fence := newSQLStoreWithLease(t)
	ctx := context.Background()
	doc := sqlTestDoc()
	_, _, err := store.Insert(ctx, fence, doc)
	require.NoError(t, err)

	fetch := tenantmigration.NewOpTime(3, 1, 1)
	apply := tenantmigration.NewOpTime(5, 2, 1)
	require.NoError(t, store.SetStartPositions(ctx, fence, doc.ID, fetch, apply))

	loaded, ok, err := store.Load(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, loaded.HasStartPositions())
	assert.Equal(t, fetch, *loaded.StartFetchingPosition)
	assert.Equal(t, apply, *loaded.StartApplyingPosition)

	err = store.SetStartPositions(ctx, fence, doc.ID, tenantmigration.NewOpTime(9, 9, 9), tenantmigration.NewOpTime(9, 9, 9))
	assert.Error(t, err, "positions must not be rewritable")
}

func TestSQLStoreRejectsInvertedPositions(t *testing.T) {
	store, fence := newSQLStoreWithLease(t)
	ctx := context.Background()
	doc := sqlTestDoc()
	_, _, err := store.Insert(ctx, fence, doc)
	require.NoError(t, err)

	err = store.SetStartPositions(ctx, fence, doc.ID,
		tenantmigration.NewOpTime(9, 1, 1), tenantmigration.NewOpTime(3, 1, 1))
	assert.Error(t, err)
}

func TestSQLStoreTerminalStatusAppliesOnce(t *testing.T) {
	store, fence := newSQLStoreWithLease(t)
	ctx := context.Background()
	doc := sqlTestDoc()
	_, _, err := store.Insert(ctx, fence, doc)
	require.NoError(t, err)

	applied, err := store.SetTerminalStatus(ctx, fence, doc.ID, tenantmigration.CodeCompleted)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.SetTerminalStatus(ctx, fence, doc.ID, tenantmigration.CodeRemoteQueryFailure)
	require.NoError(t, err)
	assert.False(t, applied)

	loaded, _, err := store.Load(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, tenantmigration.CodeCompleted, loaded.TerminalStatus)
}

func TestSQLStoreFenceRejectsStaleTerm(t *testing.T) {
	store, fence := newSQLStoreWithLease(t)
	ctx := context.Background()
	doc := sqlTestDoc()

	stale := Fence{LeaseName: fence.LeaseName, Term: fence.Term - 1}
	_, _, err := store.Insert(ctx, stale, doc)
	var primaryLost *tenantmigration.PrimaryLostError
	require.ErrorAs(t, err, &primaryLost)

	_, ok, err := store.Load(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a fenced-out insert must not land")
}

func TestSQLStorePendingExcludesTerminal(t *testing.T) {
	store, fence := newSQLStoreWithLease(t)
	ctx := context.Background()

	running := sqlTestDoc()
	finished := sqlTestDoc()
	_, _, err := store.Insert(ctx, fence, running)
	require.NoError(t, err)
	_, _, err = store.Insert(ctx, fence, finished)
	require.NoError(t, err)
	_, err = store.SetTerminalStatus(ctx, fence, finished.ID, tenantmigration.CodeCompleted)
	require.NoError(t, err)

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, running.ID, pending[0].ID)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLStoreDeleteOnlyTouchesTerminalDocuments(t *testing.T) {
	store, fence := newSQLStoreWithLease(t)
	ctx := context.Background()
	doc := sqlTestDoc()
	_, _, err := store.Insert(ctx, fence, doc)
	require.NoError(t, err)

	deleted, err := store.Delete(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, deleted, "resumable documents must survive delete")

	_, err = store.SetTerminalStatus(ctx, fence, doc.ID, tenantmigration.CodeCompleted)
	require.NoError(t, err)
	deleted, err = store.Delete(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.Delete(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, deleted)
}
