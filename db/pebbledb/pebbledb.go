// Package pebbledb implements db.Database on top of cockroachdb/pebble.
// This is the production backend.
package pebbledb

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/etherpay/txqueue/db"
	"github.com/etherpay/txqueue/log"
)

// PebbleDB implements db.Database backed by a pebble store on disk.
type PebbleDB struct {
	db *pebble.DB
}

var _ db.Database = (*PebbleDB)(nil)

// New opens (or creates) a pebble database at opts.Path.
func New(opts db.Options) (*PebbleDB, error) {
	pdb, err := pebble.Open(opts.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", opts.Path, err)
	}
	return &PebbleDB{db: pdb}, nil
}

func (d *PebbleDB) Close() error {
	return d.db.Close()
}

func (d *PebbleDB) Get(key []byte) ([]byte, error) {
	value, closer, err := d.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, db.ErrKeyNotFound
		}
		return nil, err
	}
	out := bytes.Clone(value)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *PebbleDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	iter, err := d.db.NewIter(iterOptions(prefix))
	if err != nil {
		return err
	}
	defer func() {
		if err := iter.Close(); err != nil {
			log.Errorw(err, "error closing pebble iterator")
		}
	}()
	for iter.First(); iter.Valid(); iter.Next() {
		if !callback(bytes.Clone(iter.Key()), bytes.Clone(iter.Value())) {
			break
		}
	}
	return iter.Error()
}

func (d *PebbleDB) WriteTx() db.WriteTx {
	// An indexed batch so reads within the tx observe its pending writes.
	return &WriteTx{batch: d.db.NewIndexedBatch()}
}

// WriteTx implements db.WriteTx over a pebble indexed batch. Note that pebble
// batches do not detect conflicts; serialization of writers to the same keys
// is the caller's responsibility.
type WriteTx struct {
	batch *pebble.Batch
	done  bool
}

var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	value, closer, err := tx.batch.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, db.ErrKeyNotFound
		}
		return nil, err
	}
	out := bytes.Clone(value)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	iter, err := tx.batch.NewIter(iterOptions(prefix))
	if err != nil {
		return err
	}
	defer func() {
		if err := iter.Close(); err != nil {
			log.Errorw(err, "error closing pebble iterator")
		}
	}()
	for iter.First(); iter.Valid(); iter.Next() {
		if !callback(bytes.Clone(iter.Key()), bytes.Clone(iter.Value())) {
			break
		}
	}
	return iter.Error()
}

func (tx *WriteTx) Set(key, value []byte) error {
	return tx.batch.Set(key, value, nil)
}

func (tx *WriteTx) Delete(key []byte) error {
	return tx.batch.Delete(key, nil)
}

func (tx *WriteTx) Commit() error {
	if tx.done {
		return fmt.Errorf("cannot commit pebble tx: already committed or discarded")
	}
	tx.done = true
	defer func() {
		if err := tx.batch.Close(); err != nil {
			log.Errorw(err, "error closing pebble batch")
		}
	}()
	return tx.batch.Commit(pebble.Sync)
}

func (tx *WriteTx) Discard() {
	if tx.done {
		return
	}
	tx.done = true
	if err := tx.batch.Close(); err != nil {
		log.Errorw(err, "error closing pebble batch")
	}
}

// iterOptions bounds an iterator to the keys with the given prefix.
func iterOptions(prefix []byte) *pebble.IterOptions {
	if len(prefix) == 0 {
		return &pebble.IterOptions{}
	}
	return &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	}
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil if no such key exists (prefix is all 0xff).
func prefixUpperBound(prefix []byte) []byte {
	out := bytes.Clone(prefix)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
