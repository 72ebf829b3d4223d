package escrow

import (
	"fmt"
	"math/big"
)

// Order captures the immutable metadata and completion state of a single
// escrow agreement. The identifier is an opaque caller-supplied 32-byte value;
// the ledger enforces uniqueness but never generates ids itself. Buyer,
// receiver, amount and release time are fixed at creation. Completed is the
// only mutable field and transitions false to true exactly once, on a
// successful claim or refund.
type Order struct {
	ID          [32]byte
	Buyer       [20]byte
	Receiver    [20]byte
	Amount      *big.Int
	ReleaseTime int64
	CreatedAt   int64
	Completed   bool
}

// Clone returns a deep copy of the order so callers can safely mutate the copy
// without affecting the stored instance.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Amount != nil {
		clone.Amount = new(big.Int).Set(o.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// SanitizeOrder validates the supplied order against the ledger invariants and
// returns a cloned instance with a non-nil amount. The function does not
// mutate the original value. Storage implementations run every record through
// it on both write and read so a corrupt record can never re-enter the ledger.
func SanitizeOrder(o *Order) (*Order, error) {
	if o == nil {
		return nil, fmt.Errorf("escrow: nil order")
	}
	clone := o.Clone()
	if clone.Receiver == ([20]byte{}) {
		return nil, fmt.Errorf("escrow: receiver must not be the zero address")
	}
	if clone.Buyer == clone.Receiver {
		return nil, fmt.Errorf("escrow: buyer and receiver must differ")
	}
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: amount must be positive")
	}
	if clone.ReleaseTime <= clone.CreatedAt {
		return nil, fmt.Errorf("escrow: release time must be after creation")
	}
	return clone, nil
}
