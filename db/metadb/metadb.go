// Package metadb constructs a db.Database implementation by type name, so
// callers don't import the backends directly.
package metadb

import (
	"fmt"

	"github.com/etherpay/txqueue/db"
	"github.com/etherpay/txqueue/db/inmemory"
	"github.com/etherpay/txqueue/db/pebbledb"
)

const (
	// TypePebble selects the pebble on-disk backend.
	TypePebble = "pebble"
	// TypeInMemory selects the ephemeral in-memory backend.
	TypeInMemory = "inmemory"
)

// New returns a database of the given type rooted at dir.
func New(typ, dir string) (db.Database, error) {
	switch typ {
	case TypePebble:
		return pebbledb.New(db.Options{Path: dir})
	case TypeInMemory:
		return inmemory.New(db.Options{Path: dir})
	default:
		return nil, fmt.Errorf("invalid database type: %q", typ)
	}
}
