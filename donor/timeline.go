package donor

import (
	"context"
	"errors"

	"tenantmigration"
)

var errEmptyPosition = errors.New("donor returned empty log position")

// Timeline issues the point-in-time donor reads the start-position
// algorithm needs, classifying any failure as a RemoteQueryError carrying
// the operation name.
type Timeline struct {
	Client Client
}

// LatestPosition reads the donor's current latest log position.
func (t Timeline) LatestPosition(ctx context.Context) (tenantmigration.OpTime, error) {
	pos, err := t.Client.LatestPosition(ctx)
	if err != nil {
		return tenantmigration.OpTime{}, &tenantmigration.RemoteQueryError{Op: "latestPosition", Cause: err}
	}
	if pos.IsZero() {
		return tenantmigration.OpTime{}, &tenantmigration.RemoteQueryError{Op: "latestPosition", Cause: errEmptyPosition}
	}
	return pos, nil
}

// InProgressTransactions scans the donor's session-transaction records for
// those still in progress.
func (t Timeline) InProgressTransactions(ctx context.Context) ([]tenantmigration.TransactionRecord, error) {
	recs, err := t.Client.InProgressTransactions(ctx)
	if err != nil {
		return nil, &tenantmigration.RemoteQueryError{Op: "inProgressTransactions", Cause: err}
	}
	var out []tenantmigration.TransactionRecord
	for _, r := range recs {
		if r.State == tenantmigration.TxnInProgress {
			out = append(out, r)
		}
	}
	return out, nil
}
