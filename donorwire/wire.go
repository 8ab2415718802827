// Package donorwire carries donor queries over websocket: CBOR-encoded
// request/response frames on the "cbor" subprotocol, correlated by id so one
// connection multiplexes concurrent calls. It provides the production
// implementations of the donor package's Dialer and TopologySource, plus the
// server half used by the donor simulator and tests.
package donorwire

import "tenantmigration"

const (
	methodHello                  = "hello"
	methodLatestPosition         = "latestPosition"
	methodInProgressTransactions = "inProgressTransactions"
)

type request struct {
	ID     uint64 `cbor:"id"`
	Method string `cbor:"method"`
}

type response struct {
	ID           uint64            `cbor:"id"`
	Error        string            `cbor:"error,omitempty"`
	Member       *MemberStatus     `cbor:"member,omitempty"`
	Position     *wirePosition     `cbor:"position,omitempty"`
	Transactions []wireTransaction `cbor:"transactions,omitempty"`
}

// MemberStatus is a member's answer to the hello probe: who it is and what
// role it currently holds.
type MemberStatus struct {
	Host      string            `cbor:"host"`
	SetName   string            `cbor:"setName"`
	IsPrimary bool              `cbor:"isPrimary"`
	Tags      map[string]string `cbor:"tags,omitempty"`
}

type wirePosition struct {
	Seconds   uint32 `cbor:"seconds"`
	Increment uint32 `cbor:"increment"`
	Term      int64  `cbor:"term"`
}

type wireTransaction struct {
	SessionID         string       `cbor:"sessionId"`
	State             string       `cbor:"state"`
	StartPosition     wirePosition `cbor:"startPosition"`
	LastWritePosition wirePosition `cbor:"lastWritePosition"`
}

func toWirePosition(t tenantmigration.OpTime) wirePosition {
	return wirePosition{Seconds: t.Seconds, Increment: t.Increment, Term: t.Term}
}

func (p wirePosition) OpTime() tenantmigration.OpTime {
	return tenantmigration.OpTime{Seconds: p.Seconds, Increment: p.Increment, Term: p.Term}
}

func toWireTransaction(r tenantmigration.TransactionRecord) wireTransaction {
	return wireTransaction{
		SessionID:         r.SessionID,
		State:             string(r.State),
		StartPosition:     toWirePosition(r.StartPosition),
		LastWritePosition: toWirePosition(r.LastWritePosition),
	}
}

func (t wireTransaction) Record() tenantmigration.TransactionRecord {
	return tenantmigration.TransactionRecord{
		SessionID:         t.SessionID,
		State:             tenantmigration.TxnState(t.State),
		StartPosition:     t.StartPosition.OpTime(),
		LastWritePosition: t.LastWritePosition.OpTime(),
	}
}
