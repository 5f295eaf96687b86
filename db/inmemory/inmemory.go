// Package inmemory implements an ephemeral db.Database backed by a map,
// used by tests.
package inmemory

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/etherpay/txqueue/db"
)

type entry struct {
	value   []byte
	version uint64
	deleted bool
}

// InMemoryDB implements an ephemeral in-memory db.Database.
type InMemoryDB struct {
	mu          sync.RWMutex
	data        map[string]entry
	nextVersion uint64
}

var _ db.Database = (*InMemoryDB)(nil)

// New returns a new in-memory database. Options are ignored.
func New(_ db.Options) (*InMemoryDB, error) {
	return &InMemoryDB{
		data: make(map[string]entry),
	}, nil
}

func (d *InMemoryDB) Close() error {
	return nil
}

func (d *InMemoryDB) WriteTx() db.WriteTx {
	d.mu.RLock()
	baseVer := d.nextVersion
	d.mu.RUnlock()
	return &WriteTx{
		db:      d,
		writes:  make(map[string]*[]byte),
		reads:   make(map[string]uint64),
		baseVer: baseVer,
	}
}

func (d *InMemoryDB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ent, ok := d.data[string(key)]
	if !ok || ent.deleted {
		return nil, db.ErrKeyNotFound
	}
	return bytes.Clone(ent.value), nil
}

func (d *InMemoryDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	d.mu.RLock()
	entries := make(map[string][]byte, len(d.data))
	for k, ent := range d.data {
		if ent.deleted {
			continue
		}
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		entries[k] = bytes.Clone(ent.value)
	}
	d.mu.RUnlock()
	return iterateEntries(entries, callback)
}

func (d *InMemoryDB) currentVersion(key string) uint64 {
	ent, ok := d.data[key]
	if !ok {
		return 0
	}
	return ent.version
}

func (d *InMemoryDB) applyWrite(key string, value []byte, deleteKey bool) {
	d.nextVersion++
	ent := d.data[key]
	ent.version = d.nextVersion
	ent.deleted = deleteKey
	if deleteKey {
		ent.value = nil
	} else {
		ent.value = bytes.Clone(value)
	}
	d.data[key] = ent
}

// iterateEntries walks the entries in lexicographic key order.
func iterateEntries(entries map[string][]byte, callback func(key, value []byte) bool) error {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if !callback([]byte(k), entries[k]) {
			break
		}
	}
	return nil
}

// WriteTx buffers writes against an InMemoryDB and detects conflicting
// concurrent commits via per-key versions.
type WriteTx struct {
	db        *InMemoryDB
	writes    map[string]*[]byte // nil value marks a delete
	reads     map[string]uint64
	baseVer   uint64
	committed bool
	discarded bool
}

var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) recordRead(key string) {
	if _, ok := tx.reads[key]; ok {
		return
	}
	tx.db.mu.RLock()
	version := tx.db.currentVersion(key)
	tx.db.mu.RUnlock()
	tx.reads[key] = version
}

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	strKey := string(key)
	if pending, ok := tx.writes[strKey]; ok {
		if pending == nil {
			return nil, db.ErrKeyNotFound
		}
		return bytes.Clone(*pending), nil
	}
	tx.recordRead(strKey)

	tx.db.mu.RLock()
	ent, ok := tx.db.data[strKey]
	tx.db.mu.RUnlock()
	if !ok || ent.deleted {
		return nil, db.ErrKeyNotFound
	}
	return bytes.Clone(ent.value), nil
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	tx.db.mu.RLock()
	entries := make(map[string][]byte, len(tx.db.data))
	for k, ent := range tx.db.data {
		if ent.deleted {
			continue
		}
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		entries[k] = bytes.Clone(ent.value)
	}
	tx.db.mu.RUnlock()

	// Overlay pending writes.
	for k, v := range tx.writes {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if v == nil {
			delete(entries, k)
			continue
		}
		entries[k] = bytes.Clone(*v)
	}
	return iterateEntries(entries, callback)
}

func (tx *WriteTx) Set(key, value []byte) error {
	strKey := string(key)
	tx.recordRead(strKey)
	valCopy := bytes.Clone(value)
	tx.writes[strKey] = &valCopy
	return nil
}

func (tx *WriteTx) Delete(key []byte) error {
	strKey := string(key)
	tx.recordRead(strKey)
	tx.writes[strKey] = nil
	return nil
}

func (tx *WriteTx) Commit() error {
	if tx.committed || tx.discarded {
		return fmt.Errorf("cannot commit inmemory tx: already committed or discarded")
	}
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()

	for key, readVersion := range tx.reads {
		if current := tx.db.currentVersion(key); current != readVersion {
			tx.discarded = true
			return db.ErrConflict
		}
	}
	for key, value := range tx.writes {
		if value == nil {
			tx.db.applyWrite(key, nil, true)
		} else {
			tx.db.applyWrite(key, *value, false)
		}
	}
	tx.committed = true
	return nil
}

func (tx *WriteTx) Discard() {
	tx.discarded = true
	tx.writes = nil
	tx.reads = nil
}
