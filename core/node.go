package core

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"escrowd/config"
	"escrowd/core/events"
	"escrowd/core/state"
	"escrowd/escrow"
	"escrowd/storage"
)

var genesisAppliedKey = []byte("genesis/applied")

// Node is the central controller, wiring the storage backend, the state
// manager and the escrow engine together. Every state-mutating operation is
// serialized behind stateMu and committed (or discarded) as a single unit, so
// at no point can the persisted order map and its derived indexes diverge.
type Node struct {
	db      storage.Database
	state   *state.Manager
	engine  *escrow.Engine
	emitter events.Emitter
	queue   *events.Queue
	logger  *slog.Logger
	stateMu sync.Mutex
}

// NewNode opens the ledger state over the provided database. Genesis account
// allocations from the config are applied on first start only; subsequent
// starts resume from committed state. A nil emitter discards events and a nil
// logger falls back to the process default.
func NewNode(db storage.Database, cfg *config.Config, logger *slog.Logger, emitter events.Emitter) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node: database not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	manager := state.NewManager(db)
	engine := escrow.NewEngine(manager)

	// The engine emits into a queue so events only reach subscribers once the
	// operation producing them has been committed.
	queue := &events.Queue{}
	engine.SetEmitter(queue)

	node := &Node{
		db:      db,
		state:   manager,
		engine:  engine,
		emitter: emitter,
		queue:   queue,
		logger:  logger,
	}
	if cfg != nil {
		if err := node.applyGenesis(cfg.Genesis); err != nil {
			return nil, err
		}
	}
	return node, nil
}

func (n *Node) applyGenesis(genesis config.Genesis) error {
	var applied bool
	if ok, err := n.state.KVGet(genesisAppliedKey, &applied); err != nil {
		return err
	} else if ok && applied {
		return nil
	}
	for _, alloc := range genesis.Accounts {
		addr, balance, err := alloc.Decode()
		if err != nil {
			return fmt.Errorf("node: invalid genesis account: %w", err)
		}
		account, err := n.state.GetAccount(addr)
		if err != nil {
			return err
		}
		account.Balance = new(big.Int).Add(account.Balance, balance)
		if err := n.state.PutAccount(addr, account); err != nil {
			return err
		}
		n.logger.Info("genesis allocation applied",
			"address", hex.EncodeToString(addr[:]),
			"balance", balance.String())
	}
	if err := n.state.KVPut(genesisAppliedKey, true); err != nil {
		return err
	}
	return n.state.Commit()
}

// SetNowFunc overrides the engine time source. Intended for tests.
func (n *Node) SetNowFunc(now func() int64) {
	n.engine.SetNowFunc(now)
}

// CreateOrder locks amount from the caller against the given id. See
// escrow.Engine.CreateOrder for the precondition chain.
func (n *Node) CreateOrder(caller [20]byte, id [32]byte, receiver [20]byte, unlockDuration int64, amount *big.Int) (*escrow.Order, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	order, err := n.engine.CreateOrder(caller, id, receiver, unlockDuration, amount)
	if err != nil {
		n.rollback()
		return nil, err
	}
	if err := n.finalize(caller); err != nil {
		return nil, err
	}
	n.logger.Info("order created",
		"id", hex.EncodeToString(id[:]),
		"buyer", hex.EncodeToString(caller[:]),
		"receiver", hex.EncodeToString(receiver[:]),
		"amount", order.Amount.String(),
		"releaseTime", order.ReleaseTime)
	return order, nil
}

// ClaimOrder pays a matured order out to its receiver.
func (n *Node) ClaimOrder(caller [20]byte, id [32]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if err := n.engine.ClaimOrder(caller, id); err != nil {
		n.rollback()
		return err
	}
	if err := n.finalize(caller); err != nil {
		return err
	}
	n.logger.Info("order claimed",
		"id", hex.EncodeToString(id[:]),
		"receiver", hex.EncodeToString(caller[:]))
	return nil
}

// RefundOrder cancels a pending order and repays its buyer.
func (n *Node) RefundOrder(caller [20]byte, id [32]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if err := n.engine.RefundOrder(caller, id); err != nil {
		n.rollback()
		return err
	}
	if err := n.finalize(caller); err != nil {
		return err
	}
	n.logger.Info("order refunded",
		"id", hex.EncodeToString(id[:]),
		"buyer", hex.EncodeToString(caller[:]))
	return nil
}

// finalize bumps the caller nonce and flushes the operation to disk as one
// atomic batch, then delivers the events the operation queued. On flush failure
// the pending writes and queued events are both dropped so subscribers never
// hear about a transition that was not persisted.
func (n *Node) finalize(caller [20]byte) error {
	account, err := n.state.GetAccount(caller)
	if err != nil {
		n.rollback()
		return err
	}
	account.Nonce++
	if err := n.state.PutAccount(caller, account); err != nil {
		n.rollback()
		return err
	}
	if err := n.state.Commit(); err != nil {
		n.rollback()
		return err
	}
	n.queue.Flush(n.emitter)
	return nil
}

// rollback drops the pending state writes and any events queued for them.
func (n *Node) rollback() {
	n.state.Discard()
	n.queue.Reset()
}

// GetOrder returns a copy of the stored order, or ok=false when the id was
// never used.
func (n *Node) GetOrder(id [32]byte) (*escrow.Order, bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.GetOrder(id)
}

// UserIncompleteOrders returns the pending order ids in which addr is a party,
// in creation order.
func (n *Node) UserIncompleteOrders(addr [20]byte) ([][32]byte, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.UserIncompleteOrders(addr)
}

// UserCompleteOrders returns the completed order ids in which addr is a party,
// in completion order.
func (n *Node) UserCompleteOrders(addr [20]byte) ([][32]byte, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.UserCompleteOrders(addr)
}

// GetBalance returns the committed balance of addr.
func (n *Node) GetBalance(addr [20]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	account, err := n.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return account.Balance, nil
}

// VaultAddress returns the module account custodying locked funds.
func (n *Node) VaultAddress() [20]byte {
	return n.state.VaultAddress()
}

// Close releases the underlying database.
func (n *Node) Close() {
	n.db.Close()
}
