// Package prefixeddb exposes a namespaced view over a db.Database: every key
// is transparently prefixed on writes and stripped on iteration.
package prefixeddb

import (
	"github.com/etherpay/txqueue/db"
)

// PrefixedDatabase wraps a db.Database, scoping all operations under a key
// prefix.
type PrefixedDatabase struct {
	db     db.Database
	prefix []byte
}

var _ db.Database = (*PrefixedDatabase)(nil)

// NewPrefixedDatabase returns a view of d scoped under prefix.
func NewPrefixedDatabase(d db.Database, prefix []byte) *PrefixedDatabase {
	return &PrefixedDatabase{
		db:     d,
		prefix: prefix,
	}
}

func (d *PrefixedDatabase) Close() error {
	return d.db.Close()
}

func (d *PrefixedDatabase) Get(key []byte) ([]byte, error) {
	return d.db.Get(composeKey(d.prefix, key))
}

// Iterate walks the keys under the view's prefix. The callback receives keys
// with the view's prefix stripped.
func (d *PrefixedDatabase) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	full := composeKey(d.prefix, prefix)
	return d.db.Iterate(full, func(key, value []byte) bool {
		return callback(key[len(d.prefix):], value)
	})
}

func (d *PrefixedDatabase) WriteTx() db.WriteTx {
	return &prefixedWriteTx{
		tx:     d.db.WriteTx(),
		prefix: d.prefix,
	}
}

type prefixedWriteTx struct {
	tx     db.WriteTx
	prefix []byte
}

var _ db.WriteTx = (*prefixedWriteTx)(nil)

func (tx *prefixedWriteTx) Get(key []byte) ([]byte, error) {
	return tx.tx.Get(composeKey(tx.prefix, key))
}

func (tx *prefixedWriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	full := composeKey(tx.prefix, prefix)
	return tx.tx.Iterate(full, func(key, value []byte) bool {
		return callback(key[len(tx.prefix):], value)
	})
}

func (tx *prefixedWriteTx) Set(key, value []byte) error {
	return tx.tx.Set(composeKey(tx.prefix, key), value)
}

func (tx *prefixedWriteTx) Delete(key []byte) error {
	return tx.tx.Delete(composeKey(tx.prefix, key))
}

func (tx *prefixedWriteTx) Commit() error {
	return tx.tx.Commit()
}

func (tx *prefixedWriteTx) Discard() {
	tx.tx.Discard()
}

func composeKey(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}
