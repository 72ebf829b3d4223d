package core

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/syndtr/goleveldb/leveldb"

	"escrowd/config"
	"escrowd/core/events"
	"escrowd/escrow"
	"escrowd/storage"
)

func newQuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nodeTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func nodeTestID(fill byte) [32]byte {
	var id [32]byte
	copy(id[:], bytes.Repeat([]byte{fill}, 32))
	return id
}

func testConfig(accounts ...[20]byte) *config.Config {
	cfg := &config.Config{ServiceName: "escrowd", Env: "test", DataDir: "unused"}
	for _, addr := range accounts {
		cfg.Genesis.Accounts = append(cfg.Genesis.Accounts, config.GenesisAccount{
			Address: hex.EncodeToString(addr[:]),
			Balance: "1000",
		})
	}
	return cfg
}

func newTestNode(t *testing.T, db storage.Database, cfg *config.Config) *Node {
	t.Helper()
	logger := newQuietLogger()
	node, err := NewNode(db, cfg, logger, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

func TestGenesisAppliedOnce(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	buyer := nodeTestAddress(0x01)
	cfg := testConfig(buyer)

	node := newTestNode(t, db, cfg)
	balance, err := node.GetBalance(buyer)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("genesis balance %s, want 1000", balance)
	}

	// A second start over the same database must not double-fund.
	node = newTestNode(t, db, cfg)
	balance, err = node.GetBalance(buyer)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("re-applied genesis: balance %s", balance)
	}
}

func TestNodeRejectsInvalidGenesis(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	cfg := &config.Config{DataDir: "unused"}
	cfg.Genesis.Accounts = []config.GenesisAccount{{Address: "nonsense", Balance: "10"}}
	if _, err := NewNode(db, cfg, newQuietLogger(), nil); err == nil {
		t.Fatalf("invalid genesis accepted")
	}
}

func TestNodeOrderLifecycle(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	buyer := nodeTestAddress(0x01)
	receiver := nodeTestAddress(0x02)
	node := newTestNode(t, db, testConfig(buyer))

	var now int64 = 1_700_000_000
	node.SetNowFunc(func() int64 { return now })

	id := nodeTestID(0xA1)
	order, err := node.CreateOrder(buyer, id, receiver, 60, big.NewInt(50))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ReleaseTime != now+60 {
		t.Fatalf("release time %d, want %d", order.ReleaseTime, now+60)
	}

	buyerBalance, _ := node.GetBalance(buyer)
	if buyerBalance.Cmp(big.NewInt(950)) != 0 {
		t.Fatalf("buyer balance %s after create", buyerBalance)
	}
	vaultBalance, _ := node.GetBalance(node.VaultAddress())
	if vaultBalance.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("vault balance %s after create", vaultBalance)
	}

	if err := node.ClaimOrder(receiver, id); !errors.Is(err, escrow.ErrReleaseTimeNotReached) {
		t.Fatalf("early claim: got %v", err)
	}

	now += 61
	if err := node.ClaimOrder(receiver, id); err != nil {
		t.Fatalf("claim: %v", err)
	}
	receiverBalance, _ := node.GetBalance(receiver)
	if receiverBalance.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("receiver balance %s after claim", receiverBalance)
	}
	stored, ok, err := node.GetOrder(id)
	if err != nil || !ok {
		t.Fatalf("get order after claim: %v", err)
	}
	if !stored.Completed {
		t.Fatalf("claimed order not completed")
	}

	incomplete, _ := node.UserIncompleteOrders(buyer)
	if len(incomplete) != 0 {
		t.Fatalf("incomplete index not emptied: %v", incomplete)
	}
	complete, _ := node.UserCompleteOrders(buyer)
	if len(complete) != 1 || complete[0] != id {
		t.Fatalf("complete index after claim: %v", complete)
	}
}

func TestNodeStatePersistsAcrossRestart(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	buyer := nodeTestAddress(0x01)
	receiver := nodeTestAddress(0x02)
	cfg := testConfig(buyer)

	node := newTestNode(t, db, cfg)
	id := nodeTestID(0xA1)
	if _, err := node.CreateOrder(buyer, id, receiver, 3600, big.NewInt(50)); err != nil {
		t.Fatalf("create order: %v", err)
	}

	// A fresh node over the same database sees the committed order and can
	// complete it.
	reopened := newTestNode(t, db, cfg)
	stored, ok, err := reopened.GetOrder(id)
	if err != nil || !ok {
		t.Fatalf("order lost across restart: %v", err)
	}
	if stored.Completed {
		t.Fatalf("order unexpectedly completed")
	}
	if err := reopened.RefundOrder(buyer, id); err != nil {
		t.Fatalf("refund after restart: %v", err)
	}
	balance, _ := reopened.GetBalance(buyer)
	if balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("buyer balance %s after refund", balance)
	}
}

func TestNodeRejectedOperationLeavesStateUntouched(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	buyer := nodeTestAddress(0x01)
	receiver := nodeTestAddress(0x02)
	node := newTestNode(t, db, testConfig(buyer))

	if _, err := node.CreateOrder(buyer, nodeTestID(0xA1), receiver, 0, big.NewInt(50)); !errors.Is(err, escrow.ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
	balance, _ := node.GetBalance(buyer)
	if balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("rejected create changed balance: %s", balance)
	}
	if _, ok, _ := node.GetOrder(nodeTestID(0xA1)); ok {
		t.Fatalf("rejected create stored an order")
	}
}

func TestNodeBumpsCallerNonce(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	buyer := nodeTestAddress(0x01)
	receiver := nodeTestAddress(0x02)
	node := newTestNode(t, db, testConfig(buyer))

	if _, err := node.CreateOrder(buyer, nodeTestID(0xA1), receiver, 3600, big.NewInt(10)); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if err := node.RefundOrder(buyer, nodeTestID(0xA1)); err != nil {
		t.Fatalf("refund order: %v", err)
	}
	account, err := node.state.GetAccount(buyer)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Nonce != 2 {
		t.Fatalf("caller nonce %d after two operations, want 2", account.Nonce)
	}
}

func TestNodeForwardsEvents(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	buyer := nodeTestAddress(0x01)
	receiver := nodeTestAddress(0x02)

	recorder := &events.Recorder{}
	node, err := NewNode(db, testConfig(buyer), newQuietLogger(), recorder)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if _, err := node.CreateOrder(buyer, nodeTestID(0xA1), receiver, 3600, big.NewInt(10)); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if len(recorder.Events) != 1 || recorder.Events[0].EventType() != escrow.EventTypeOrderCreated {
		t.Fatalf("unexpected events after create: %+v", recorder.Events)
	}

	// Rejected operations deliver nothing.
	if _, err := node.CreateOrder(buyer, nodeTestID(0xA1), receiver, 3600, big.NewInt(10)); !errors.Is(err, escrow.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
	if len(recorder.Events) != 1 {
		t.Fatalf("rejected operation delivered an event: %+v", recorder.Events)
	}
}

// failingWriteDB wraps a database and rejects batch writes on demand.
type failingWriteDB struct {
	storage.Database
	failWrites bool
}

func (db *failingWriteDB) Write(batch *leveldb.Batch) error {
	if db.failWrites {
		return errors.New("disk full")
	}
	return db.Database.Write(batch)
}

func TestNodeDropsEventsWhenCommitFails(t *testing.T) {
	inner := storage.NewMemDB()
	t.Cleanup(inner.Close)
	db := &failingWriteDB{Database: inner}
	buyer := nodeTestAddress(0x01)
	receiver := nodeTestAddress(0x02)

	recorder := &events.Recorder{}
	node, err := NewNode(db, testConfig(buyer), newQuietLogger(), recorder)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	db.failWrites = true
	id := nodeTestID(0xA1)
	if _, err := node.CreateOrder(buyer, id, receiver, 3600, big.NewInt(10)); err == nil {
		t.Fatalf("create succeeded against a failing store")
	}
	if len(recorder.Events) != 0 {
		t.Fatalf("events delivered for an uncommitted operation: %+v", recorder.Events)
	}

	// Once writes recover the failed operation has left no trace, and the
	// dropped event is not re-delivered by the next successful one.
	db.failWrites = false
	if _, ok, _ := node.GetOrder(id); ok {
		t.Fatalf("uncommitted order visible after rollback")
	}
	balance, _ := node.GetBalance(buyer)
	if balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("buyer balance %s after rolled-back create", balance)
	}
	if _, err := node.CreateOrder(buyer, id, receiver, 3600, big.NewInt(10)); err != nil {
		t.Fatalf("create after recovery: %v", err)
	}
	if len(recorder.Events) != 1 || recorder.Events[0].EventType() != escrow.EventTypeOrderCreated {
		t.Fatalf("events after recovery: %+v", recorder.Events)
	}
}
