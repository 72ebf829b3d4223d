package escrow

import "errors"

// Every failure is a precondition violation detected before any state is
// committed; callers correct the condition and re-invoke. ErrTransferFailed is
// the one exception raised mid-transition, and the engine rolls the whole
// operation back before returning it.
var (
	ErrInvalidDuration       = errors.New("escrow: unlock duration must be positive")
	ErrInvalidReceiver       = errors.New("escrow: invalid receiver address")
	ErrSelfDealing           = errors.New("escrow: buyer and receiver must differ")
	ErrZeroAmount            = errors.New("escrow: amount must be positive")
	ErrDuplicateOrder        = errors.New("escrow: order id already exists")
	ErrOrderNotFound         = errors.New("escrow: order not found")
	ErrUnauthorized          = errors.New("escrow: unauthorized")
	ErrReleaseTimeNotReached = errors.New("escrow: release time not reached")
	ErrAlreadyCompleted      = errors.New("escrow: order already completed")
	ErrInsufficientFunds     = errors.New("escrow: insufficient funds")
	ErrTransferFailed        = errors.New("escrow: transfer failed")
)
