package escrow

import (
	"math/big"
	"time"

	"escrowd/core/events"
	"escrowd/core/types"
)

// Ledger is the state backend the engine operates on. Implementations must
// buffer writes until the owning controller commits them; Snapshot and
// RevertToSnapshot bound the writes of a single failable transition so the
// engine can undo a partially applied operation.
//
// OrderCreate and OrderComplete are the only two mutation paths for the order
// map and its per-user indexes. Each applies the record write and the index
// updates together, so the derived indexes can never diverge from the map.
type Ledger interface {
	OrderGet(id [32]byte) (*Order, bool, error)
	OrderCreate(o *Order) error
	OrderComplete(o *Order) error
	IncompleteOrders(addr [20]byte) ([][32]byte, error)
	CompleteOrders(addr [20]byte) ([][32]byte, error)
	Transfer(from, to [20]byte, amount *big.Int) error
	VaultAddress() [20]byte
	Snapshot() int
	RevertToSnapshot(rev int)
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine implements the escrow state machine over a Ledger backend. It is not
// safe for concurrent use; the owning controller serializes every mutating
// call (see core.Node).
type Engine struct {
	state   Ledger
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an engine bound to the provided state backend, with a
// no-op event emitter and the wall clock as time source.
func NewEngine(state Ledger) *Engine {
	return &Engine{
		state:   state,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source used for release-time gating. Primarily
// intended for tests to provide deterministic timestamps. Passing nil resets
// the engine to the wall clock.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil resets the emitter to a
// no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: evt})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// CreateOrder locks the supplied amount against a caller-chosen id, naming the
// receiver entitled to claim it once the unlock duration has elapsed. The
// caller becomes the buyer and the amount is debited from its account into the
// ledger vault. Preconditions are checked in a fixed sequence and the first
// violation wins; nothing is written on failure.
func (e *Engine) CreateOrder(caller [20]byte, id [32]byte, receiver [20]byte, unlockDuration int64, amount *big.Int) (*Order, error) {
	if unlockDuration <= 0 {
		return nil, ErrInvalidDuration
	}
	if receiver == ([20]byte{}) {
		return nil, ErrInvalidReceiver
	}
	if receiver == caller {
		return nil, ErrSelfDealing
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if _, ok, err := e.state.OrderGet(id); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrDuplicateOrder
	}
	now := e.now()
	order := &Order{
		ID:          id,
		Buyer:       caller,
		Receiver:    receiver,
		Amount:      new(big.Int).Set(amount),
		ReleaseTime: now + unlockDuration,
		CreatedAt:   now,
	}
	snap := e.state.Snapshot()
	if err := e.state.Transfer(caller, e.state.VaultAddress(), order.Amount); err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	if err := e.state.OrderCreate(order); err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	e.emit(NewCreatedEvent(order))
	return order.Clone(), nil
}

// ClaimOrder pays the escrowed amount out to the order's receiver once the
// release time has passed. Completion and the index move are recorded before
// the payout, inside one snapshot-guarded transition, so a re-entrant call
// observes AlreadyCompleted and a payout failure leaves the order pending.
func (e *Engine) ClaimOrder(caller [20]byte, id [32]byte) error {
	order, ok, err := e.state.OrderGet(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrOrderNotFound
	}
	if caller != order.Receiver {
		return ErrUnauthorized
	}
	if order.Completed {
		return ErrAlreadyCompleted
	}
	if e.now() < order.ReleaseTime {
		return ErrReleaseTimeNotReached
	}
	if err := e.settle(order, order.Receiver); err != nil {
		return err
	}
	e.emit(NewClaimedEvent(order))
	return nil
}

// RefundOrder returns the escrowed amount to the buyer. The refund is a
// cancellation right of the funder: it carries no release-time gate and stays
// available until the order completes, so after maturity whichever of claim and
// refund executes first wins.
func (e *Engine) RefundOrder(caller [20]byte, id [32]byte) error {
	order, ok, err := e.state.OrderGet(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrOrderNotFound
	}
	if caller != order.Buyer {
		return ErrUnauthorized
	}
	if order.Completed {
		return ErrAlreadyCompleted
	}
	if err := e.settle(order, order.Buyer); err != nil {
		return err
	}
	e.emit(NewRefundedEvent(order))
	return nil
}

// settle marks the order completed, moves it from the incomplete to the
// completed index for both parties and disburses the amount from the vault.
// Any failure reverts the whole transition.
func (e *Engine) settle(order *Order, recipient [20]byte) error {
	snap := e.state.Snapshot()
	order.Completed = true
	if err := e.state.OrderComplete(order); err != nil {
		e.state.RevertToSnapshot(snap)
		order.Completed = false
		return err
	}
	if err := e.state.Transfer(e.state.VaultAddress(), recipient, order.Amount); err != nil {
		e.state.RevertToSnapshot(snap)
		order.Completed = false
		return ErrTransferFailed
	}
	return nil
}

// GetOrder returns a copy of the stored order, or ok=false when the id was
// never used.
func (e *Engine) GetOrder(id [32]byte) (*Order, bool, error) {
	order, ok, err := e.state.OrderGet(id)
	if err != nil || !ok {
		return nil, false, err
	}
	return order.Clone(), true, nil
}

// UserIncompleteOrders returns, in creation order, the ids of all pending
// orders in which addr is a party (buyer or receiver).
func (e *Engine) UserIncompleteOrders(addr [20]byte) ([][32]byte, error) {
	return e.state.IncompleteOrders(addr)
}

// UserCompleteOrders returns, in completion order, the ids of all completed
// orders in which addr is a party.
func (e *Engine) UserCompleteOrders(addr [20]byte) ([][32]byte, error) {
	return e.state.CompleteOrders(addr)
}
