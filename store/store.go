/*
Package store is the persistent queue of payment transactions, keyed by
(sender address, nonce).

The store uses a key-value database with prefixed namespaces:

  - t/  : transaction id → transaction row (CBOR)
  - f/  : sender + 0x00 + nonce (8-byte BE) + id → id (sender index, gives
    ascending-nonce iteration per sender)
  - i/  : recipient + 0x00 + id → id (recipient index)
  - lb/ : singleton last block number seen by the block monitor

Rows are immutable except for status, block number and the updated stamp,
so the secondary indexes are written once at insertion and never touched
again. Every status write is a single-row transaction.
*/
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/etherpay/txqueue/db"
	"github.com/etherpay/txqueue/db/prefixeddb"
	"github.com/etherpay/txqueue/log"
	"github.com/etherpay/txqueue/types"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when inserting a row whose id is taken.
	ErrAlreadyExists = errors.New("already exists")

	// Prefixes
	txPrefix        = []byte("t/")
	senderPrefix    = []byte("f/")
	recipientPrefix = []byte("i/")
	lastBlockPrefix = []byte("lb/")

	lastBlockKey = []byte("height")

	cacheSize = 1000
)

// Store manages the persistent transaction queue.
type Store struct {
	db         db.Database
	globalLock sync.Mutex
	cache      *lru.Cache[string, *types.Transaction]
}

// New creates a new Store instance over the given database.
func New(database db.Database) *Store {
	cache, err := lru.New[string, *types.Transaction](cacheSize)
	if err != nil {
		log.Fatalf("failed to create LRU cache: %v", err)
	}
	return &Store{
		db:    database,
		cache: cache,
	}
}

// Close closes the underlying database.
func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		log.Errorw(err, "failed to close store")
	}
}

// AddTransaction inserts a new row. If tx.ID is empty a fresh id is minted.
// Addresses are normalized and the created/updated stamps are set. Returns
// the row id.
func (s *Store) AddTransaction(tx *types.Transaction) (string, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.From = types.NormalizeAddress(tx.From)
	tx.To = types.NormalizeAddress(tx.To)
	now := time.Now().UTC()
	if tx.Created.IsZero() {
		tx.Created = now
	}
	tx.Updated = now

	data, err := encodeArtifact(tx)
	if err != nil {
		return "", err
	}

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	id := []byte(tx.ID)
	rowKey := composeKey(txPrefix, id)
	if _, err := wTx.Get(rowKey); err == nil {
		return "", ErrAlreadyExists
	}
	if err := wTx.Set(rowKey, data); err != nil {
		return "", err
	}
	if err := wTx.Set(composeKey(senderPrefix, senderIndexKey(tx.From, tx.Nonce, tx.ID)), id); err != nil {
		return "", err
	}
	if err := wTx.Set(composeKey(recipientPrefix, recipientIndexKey(tx.To, tx.ID)), id); err != nil {
		return "", err
	}
	if err := wTx.Commit(); err != nil {
		return "", err
	}
	s.cache.Add(tx.ID, tx.Clone())
	return tx.ID, nil
}

// Transaction retrieves a row by id. Returns ErrNotFound if it does not
// exist.
func (s *Store) Transaction(id string) (*types.Transaction, error) {
	if tx, ok := s.cache.Get(id); ok {
		return tx.Clone(), nil
	}
	// The miss path runs under the lock so a concurrent status write cannot
	// land between the read and the cache fill, which would leave the cache
	// serving the older row.
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	if tx, ok := s.cache.Get(id); ok {
		return tx.Clone(), nil
	}
	tx, err := s.readTransaction(id)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, tx.Clone())
	return tx, nil
}

// UpdateStatus persists a status change for a single row, stamping the
// updated time. For a transition to confirmed the block number must be
// provided. The write is its own transaction.
func (s *Store) UpdateStatus(id string, status types.Status, blockNumber *uint64) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	tx, err := s.readTransaction(id)
	if err != nil {
		return err
	}
	tx.Status = status
	if blockNumber != nil {
		tx.BlockNumber = blockNumber
	}
	tx.Updated = time.Now().UTC()

	data, err := encodeArtifact(tx)
	if err != nil {
		return err
	}
	wTx := s.db.WriteTx()
	defer wTx.Discard()
	if err := wTx.Set(composeKey(txPrefix, []byte(id)), data); err != nil {
		return err
	}
	if err := wTx.Commit(); err != nil {
		return err
	}
	s.cache.Add(id, tx.Clone())
	return nil
}

// LastBlockNumber returns the singleton block height maintained by the block
// monitor, or ErrNotFound if the monitor has not written it yet.
func (s *Store) LastBlockNumber() (uint64, error) {
	data, err := s.db.Get(composeKey(lastBlockPrefix, lastBlockKey))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	var height uint64
	if err := decodeArtifact(data, &height); err != nil {
		return 0, fmt.Errorf("could not decode last block number: %w", err)
	}
	return height, nil
}

// SetLastBlockNumber stores the singleton block height. Only the block
// monitor calls this; the queue manager is a reader.
func (s *Store) SetLastBlockNumber(height uint64) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	data, err := encodeArtifact(height)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedDatabase(s.db, lastBlockPrefix).WriteTx()
	defer wTx.Discard()
	if err := wTx.Set(lastBlockKey, data); err != nil {
		return err
	}
	return wTx.Commit()
}

// readTransaction loads and decodes a row, bypassing the cache.
func (s *Store) readTransaction(id string) (*types.Transaction, error) {
	data, err := s.db.Get(composeKey(txPrefix, []byte(id)))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	tx := &types.Transaction{}
	if err := decodeArtifact(data, tx); err != nil {
		return nil, fmt.Errorf("could not decode transaction %s: %w", id, err)
	}
	return tx, nil
}

// senderIndexKey builds the sender-index key. The 0x00 separator keeps the
// contract-creation sentinel "0x" from matching as a prefix of every
// address, and the big-endian nonce makes lexicographic iteration follow
// ascending nonce order.
func senderIndexKey(from string, nonce uint64, id string) []byte {
	key := make([]byte, 0, len(from)+1+8+len(id))
	key = append(key, from...)
	key = append(key, 0x00)
	key = binary.BigEndian.AppendUint64(key, nonce)
	return append(key, id...)
}

// recipientIndexKey builds the recipient-index key.
func recipientIndexKey(to string, id string) []byte {
	key := make([]byte, 0, len(to)+1+len(id))
	key = append(key, to...)
	key = append(key, 0x00)
	return append(key, id...)
}

// addrIterPrefix is the iteration prefix covering all index entries of an
// address.
func addrIterPrefix(addr string) []byte {
	key := make([]byte, 0, len(addr)+1)
	key = append(key, addr...)
	return append(key, 0x00)
}

func composeKey(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}
