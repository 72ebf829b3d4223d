package state

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/syndtr/goleveldb/leveldb"

	"escrowd/storage"
)

// Manager provides keyed access to ledger state over a storage backend. Keys
// are keccak256-hashed before hitting the store and values are RLP encoded.
//
// Writes are journaled in memory: they become visible to subsequent reads
// through the manager immediately, but only reach the backing database when
// Commit flushes them as one atomic batch. Snapshot and RevertToSnapshot bound
// the writes of a single failable transition so a caller can undo a partially
// applied operation before anything is persisted.
//
// Manager is not safe for concurrent use.
type Manager struct {
	db      storage.Database
	pending map[string][]byte
	order   []string
	journal []journalEntry
}

type journalEntry struct {
	key      string
	prev     []byte
	hadPrev  bool
	appended bool
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:      db,
		pending: make(map[string][]byte),
	}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before insertion.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.put(string(kvKey(key)), encoded)
	return nil
}

func (m *Manager) put(hashed string, encoded []byte) {
	prev, hadPrev := m.pending[hashed]
	m.journal = append(m.journal, journalEntry{
		key:      hashed,
		prev:     prev,
		hadPrev:  hadPrev,
		appended: !hadPrev,
	})
	if !hadPrev {
		m.order = append(m.order, hashed)
	}
	m.pending[hashed] = encoded
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state. Pending writes shadow the backing database.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	data, ok := m.pending[string(hashed)]
	if !ok {
		stored, err := m.db.Get(hashed)
		if err == storage.ErrKeyNotFound {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		data = stored
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot returns a revision marker for the current journal position.
func (m *Manager) Snapshot() int {
	return len(m.journal)
}

// RevertToSnapshot undoes every write recorded after the given revision
// marker, restoring prior pending values.
func (m *Manager) RevertToSnapshot(rev int) {
	if rev < 0 || rev > len(m.journal) {
		return
	}
	for i := len(m.journal) - 1; i >= rev; i-- {
		entry := m.journal[i]
		if entry.hadPrev {
			m.pending[entry.key] = entry.prev
		} else {
			delete(m.pending, entry.key)
		}
		if entry.appended {
			m.order = m.order[:len(m.order)-1]
		}
	}
	m.journal = m.journal[:rev]
}

// Commit flushes all pending writes to the backing database as one atomic
// batch and resets the journal. A crash before Commit loses only uncommitted
// writes; it can never persist a partial operation.
func (m *Manager) Commit() error {
	if len(m.pending) == 0 {
		m.journal = m.journal[:0]
		return nil
	}
	batch := new(leveldb.Batch)
	for _, key := range m.order {
		batch.Put([]byte(key), m.pending[key])
	}
	if err := m.db.Write(batch); err != nil {
		return err
	}
	m.pending = make(map[string][]byte)
	m.order = m.order[:0]
	m.journal = m.journal[:0]
	return nil
}

// Discard drops all pending writes without persisting them.
func (m *Manager) Discard() {
	m.pending = make(map[string][]byte)
	m.order = m.order[:0]
	m.journal = m.journal[:0]
}
