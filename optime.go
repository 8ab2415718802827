package tenantmigration

import "fmt"

// OpTime is a position in the donor's operation log: a (seconds, increment)
// timestamp plus the election term it was written under. Positions from one
// donor are totally ordered and, absent rollback, monotonic over time.
type OpTime struct {
	Seconds   uint32 `json:"seconds"`
	Increment uint32 `json:"increment"`
	Term      int64  `json:"term"`
}

// NewOpTime builds an OpTime from its parts.
func NewOpTime(seconds, increment uint32, term int64) OpTime {
	return OpTime{Seconds: seconds, Increment: increment, Term: term}
}

// IsZero reports whether t is the unset position.
func (t OpTime) IsZero() bool {
	return t == OpTime{}
}

// Compare orders by timestamp first, term second. It returns -1, 0, or 1.
func (t OpTime) Compare(o OpTime) int {
	switch {
	case t.Seconds != o.Seconds:
		return cmpUint32(t.Seconds, o.Seconds)
	case t.Increment != o.Increment:
		return cmpUint32(t.Increment, o.Increment)
	case t.Term != o.Term:
		if t.Term < o.Term {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Before reports whether t orders strictly before o.
func (t OpTime) Before(o OpTime) bool {
	return t.Compare(o) < 0
}

// After reports whether t orders strictly after o.
func (t OpTime) After(o OpTime) bool {
	return t.Compare(o) > 0
}

func (t OpTime) String() string {
	return fmt.Sprintf("(%d,%d) term=%d", t.Seconds, t.Increment, t.Term)
}

// MaxOpTime returns the later of a and b.
func MaxOpTime(a, b OpTime) OpTime {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}

func cmpUint32(a, b uint32) int {
	if a < b {
		return -1
	}
	return 1
}
