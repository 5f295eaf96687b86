// Package db defines the key-value database abstraction used by the
// transaction store. Implementations live in the pebbledb (production) and
// inmemory (tests) subpackages.
package db

import "errors"

// ErrKeyNotFound is returned by Get when the key does not exist.
var ErrKeyNotFound = errors.New("key not found")

// ErrConflict is returned by WriteTx.Commit when a concurrent transaction
// touched the same keys.
var ErrConflict = errors.New("transaction conflict")

// Options contains the options passed to a database constructor.
type Options struct {
	Path string
}

// Reader is the read access part of a database or transaction. Iterate calls
// the callback for every key with the given prefix, in lexicographic key
// order, until the callback returns false. Keys are passed complete,
// including the prefix.
type Reader interface {
	Get(key []byte) ([]byte, error)
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
}

// WriteTx is a write transaction. It buffers writes until Commit; Discard
// drops them. A WriteTx must not be used after Commit or Discard.
type WriteTx interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
	Commit() error
	Discard()
}

// Database is a transactional key-value database.
type Database interface {
	Reader
	WriteTx() WriteTx
	Close() error
}
