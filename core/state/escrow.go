package state

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/types"
	"escrowd/escrow"
)

var (
	orderPrefix           = []byte("escrow/order/")
	incompleteIndexPrefix = []byte("escrow/incomplete/")
	completeIndexPrefix   = []byte("escrow/complete/")
	accountPrefix         = []byte("escrow/account/")
)

// vaultAddress is the module account custodying all locked funds. It is
// derived from a fixed label so it stays stable across restarts and cannot
// collide with a caller account in practice.
var vaultAddress = func() [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256([]byte("escrowd/vault"))[12:])
	return addr
}()

// storedOrder is the RLP wire form of an order. Timestamps are carried as
// big.Int because RLP has no signed integer encoding.
type storedOrder struct {
	ID          [32]byte
	Buyer       [20]byte
	Receiver    [20]byte
	Amount      *big.Int
	ReleaseTime *big.Int
	CreatedAt   *big.Int
	Completed   bool
}

func newStoredOrder(o *escrow.Order) *storedOrder {
	if o == nil {
		return nil
	}
	amount := big.NewInt(0)
	if o.Amount != nil {
		amount = new(big.Int).Set(o.Amount)
	}
	return &storedOrder{
		ID:          o.ID,
		Buyer:       o.Buyer,
		Receiver:    o.Receiver,
		Amount:      amount,
		ReleaseTime: big.NewInt(o.ReleaseTime),
		CreatedAt:   big.NewInt(o.CreatedAt),
		Completed:   o.Completed,
	}
}

func (s *storedOrder) toOrder() (*escrow.Order, error) {
	if s == nil {
		return nil, fmt.Errorf("escrow: nil storage record")
	}
	out := &escrow.Order{
		ID:        s.ID,
		Buyer:     s.Buyer,
		Receiver:  s.Receiver,
		Amount:    big.NewInt(0),
		Completed: s.Completed,
	}
	if s.Amount != nil {
		out.Amount = new(big.Int).Set(s.Amount)
	}
	if s.ReleaseTime != nil {
		out.ReleaseTime = s.ReleaseTime.Int64()
	}
	if s.CreatedAt != nil {
		out.CreatedAt = s.CreatedAt.Int64()
	}
	return escrow.SanitizeOrder(out)
}

func orderKey(id [32]byte) []byte {
	buf := make([]byte, len(orderPrefix)+len(id))
	copy(buf, orderPrefix)
	copy(buf[len(orderPrefix):], id[:])
	return buf
}

func incompleteIndexKey(addr [20]byte) []byte {
	buf := make([]byte, len(incompleteIndexPrefix)+len(addr))
	copy(buf, incompleteIndexPrefix)
	copy(buf[len(incompleteIndexPrefix):], addr[:])
	return buf
}

func completeIndexKey(addr [20]byte) []byte {
	buf := make([]byte, len(completeIndexPrefix)+len(addr))
	copy(buf, completeIndexPrefix)
	copy(buf[len(completeIndexPrefix):], addr[:])
	return buf
}

func accountKey(addr [20]byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr[:])
	return buf
}

// OrderGet loads the order stored under the given id.
func (m *Manager) OrderGet(id [32]byte) (*escrow.Order, bool, error) {
	var stored storedOrder
	ok, err := m.KVGet(orderKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	order, err := stored.toOrder()
	if err != nil {
		return nil, false, err
	}
	return order, true, nil
}

func (m *Manager) orderPut(o *escrow.Order) error {
	sanitized, err := escrow.SanitizeOrder(o)
	if err != nil {
		return err
	}
	return m.KVPut(orderKey(sanitized.ID), newStoredOrder(sanitized))
}

// OrderCreate writes a new order record and appends its id to both parties'
// incomplete index. The write and the index updates land in the same journal
// and are flushed in one batch, so the map and its indexes cannot diverge.
func (m *Manager) OrderCreate(o *escrow.Order) error {
	if o == nil {
		return fmt.Errorf("escrow: nil order")
	}
	if _, ok, err := m.OrderGet(o.ID); err != nil {
		return err
	} else if ok {
		return escrow.ErrDuplicateOrder
	}
	if err := m.orderPut(o); err != nil {
		return err
	}
	if err := m.indexAppend(incompleteIndexKey(o.Buyer), o.ID); err != nil {
		return err
	}
	return m.indexAppend(incompleteIndexKey(o.Receiver), o.ID)
}

// OrderComplete persists the completed record and moves its id from the
// incomplete to the completed index for both parties.
func (m *Manager) OrderComplete(o *escrow.Order) error {
	if o == nil {
		return fmt.Errorf("escrow: nil order")
	}
	if !o.Completed {
		return fmt.Errorf("escrow: order %x not completed", o.ID)
	}
	if err := m.orderPut(o); err != nil {
		return err
	}
	for _, addr := range [][20]byte{o.Buyer, o.Receiver} {
		if err := m.indexRemove(incompleteIndexKey(addr), o.ID); err != nil {
			return err
		}
		if err := m.indexAppend(completeIndexKey(addr), o.ID); err != nil {
			return err
		}
	}
	return nil
}

// IncompleteOrders returns the pending order ids indexed for addr, oldest
// first.
func (m *Manager) IncompleteOrders(addr [20]byte) ([][32]byte, error) {
	return m.indexList(incompleteIndexKey(addr))
}

// CompleteOrders returns the completed order ids indexed for addr, oldest
// first.
func (m *Manager) CompleteOrders(addr [20]byte) ([][32]byte, error) {
	return m.indexList(completeIndexKey(addr))
}

func (m *Manager) indexList(key []byte) ([][32]byte, error) {
	var raw [][]byte
	if ok, err := m.KVGet(key, &raw); err != nil {
		return nil, err
	} else if !ok {
		return [][32]byte{}, nil
	}
	out := make([][32]byte, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 32 {
			return nil, fmt.Errorf("escrow: malformed index entry of %d bytes", len(entry))
		}
		var id [32]byte
		copy(id[:], entry)
		out = append(out, id)
	}
	return out, nil
}

// indexAppend adds the id to the list stored under key. Duplicates are ignored
// to keep the index deterministic.
func (m *Manager) indexAppend(key []byte, id [32]byte) error {
	list, err := m.indexList(key)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if existing == id {
			return nil
		}
	}
	list = append(list, id)
	return m.indexPut(key, list)
}

func (m *Manager) indexRemove(key []byte, id [32]byte) error {
	list, err := m.indexList(key)
	if err != nil {
		return err
	}
	filtered := list[:0]
	for _, existing := range list {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}
	return m.indexPut(key, filtered)
}

func (m *Manager) indexPut(key []byte, list [][32]byte) error {
	raw := make([][]byte, 0, len(list))
	for _, id := range list {
		entry := make([]byte, 32)
		copy(entry, id[:])
		raw = append(raw, entry)
	}
	return m.KVPut(key, raw)
}

// GetAccount loads the account stored for addr, returning a zeroed account for
// addresses never seen before.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	var acc types.Account
	ok, err := m.KVGet(accountKey(addr), &acc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.NewAccount(), nil
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return &acc, nil
}

// PutAccount stores the account record for addr.
func (m *Manager) PutAccount(addr [20]byte, acc *types.Account) error {
	if acc == nil {
		return fmt.Errorf("escrow: nil account")
	}
	stored := acc.Clone()
	return m.KVPut(accountKey(addr), stored)
}

// Transfer moves amount between two accounts. An underfunded sender fails with
// escrow.ErrInsufficientFunds and nothing is written.
func (m *Manager) Transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	fromAcc, err := m.GetAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amount) < 0 {
		return escrow.ErrInsufficientFunds
	}
	toAcc, err := m.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)
	if err := m.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return m.PutAccount(to, toAcc)
}

// VaultAddress returns the module account holding all escrowed funds.
func (m *Manager) VaultAddress() [20]byte {
	return vaultAddress
}
