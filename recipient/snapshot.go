package recipient

import (
	"time"

	"github.com/google/uuid"

	"tenantmigration"
)

// Snapshot is a read-only view of one live instance, for listings and the
// dashboard.
type Snapshot struct {
	ID             uuid.UUID                      `json:"id"`
	TenantID       string                         `json:"tenantId"`
	DonorAddress   string                         `json:"donorAddress"`
	ReadPreference tenantmigration.ReadPreference `json:"readPreference"`
	State          WorkflowState                  `json:"state"`
	Term           int64                          `json:"term"`
	StartedAt      time.Time                      `json:"startedAt"`
}

// Snapshot captures the instance's current state.
func (i *Instance) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Snapshot{
		ID:             i.doc.ID,
		TenantID:       i.doc.TenantID,
		DonorAddress:   i.doc.DonorAddress,
		ReadPreference: i.doc.ReadPreference,
		State:          i.state,
		Term:           i.term,
		StartedAt:      i.startedAt,
	}
}
