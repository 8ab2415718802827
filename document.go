package tenantmigration

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TxnState is the lifecycle state of a donor session transaction.
type TxnState string

const (
	TxnInProgress TxnState = "inProgress"
	TxnCommitted  TxnState = "committed"
	TxnAborted    TxnState = "aborted"
)

// TransactionRecord is one donor session-transaction table entry.
type TransactionRecord struct {
	SessionID         string   `json:"sessionId"`
	State             TxnState `json:"state"`
	StartPosition     OpTime   `json:"startPosition"`
	LastWritePosition OpTime   `json:"lastWritePosition"`
}

// StateDocument is the durable record of one migration's progress, keyed by
// migration id. Positions are write-once and always written as a pair;
// TerminalStatus is written at most once. The document survives the in-memory
// instance that drives it.
type StateDocument struct {
	ID             uuid.UUID      `json:"id"`
	TenantID       string         `json:"tenantId"`
	DonorAddress   string         `json:"donorAddress"`
	ReadPreference ReadPreference `json:"readPreference"`

	StartFetchingPosition *OpTime `json:"startFetchingPosition,omitempty"`
	StartApplyingPosition *OpTime `json:"startApplyingPosition,omitempty"`

	// TerminalStatus is empty while the migration is resumable. Once set it
	// holds CodeCompleted or the code of a durably recorded failure.
	TerminalStatus string `json:"terminalStatus,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewStateDocument builds the initial document for a fresh migration.
func NewStateDocument(tenantID, donorAddress string, pref ReadPreference) StateDocument {
	return StateDocument{
		ID:             uuid.New(),
		TenantID:       tenantID,
		DonorAddress:   donorAddress,
		ReadPreference: pref,
	}
}

// Validate checks the fields a caller must supply before persisting.
func (d StateDocument) Validate() error {
	if d.ID == uuid.Nil {
		return errors.New("migration id is required")
	}
	if d.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if d.DonorAddress == "" {
		return errors.New("donor address is required")
	}
	if err := d.ReadPreference.Validate(); err != nil {
		return err
	}
	if (d.StartFetchingPosition == nil) != (d.StartApplyingPosition == nil) {
		return errors.New("start positions must be set together")
	}
	if d.StartFetchingPosition != nil && d.StartFetchingPosition.After(*d.StartApplyingPosition) {
		return fmt.Errorf("startFetchingPosition %s after startApplyingPosition %s",
			d.StartFetchingPosition, d.StartApplyingPosition)
	}
	return nil
}

// Terminal reports whether the migration reached a durably recorded outcome.
func (d StateDocument) Terminal() bool {
	return d.TerminalStatus != ""
}

// HasStartPositions reports whether both start positions are recorded.
func (d StateDocument) HasStartPositions() bool {
	return d.StartFetchingPosition != nil && d.StartApplyingPosition != nil
}
