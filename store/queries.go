package store

import (
	"time"

	"github.com/etherpay/txqueue/db/prefixeddb"
	"github.com/etherpay/txqueue/log"
	"github.com/etherpay/txqueue/types"
)

// OutboundQueue returns the signed rows of addr that are waiting to be
// broadcast (no status yet, or parked as queued), in ascending nonce order.
func (s *Store) OutboundQueue(addr string) ([]*types.Transaction, error) {
	return s.senderRows(addr, func(tx *types.Transaction) bool {
		return tx.Signed() && (tx.Status == types.StatusNone || tx.Status == types.StatusQueued)
	})
}

// Inflight returns the rows of addr already broadcast whose cost is debited
// from the on-chain balance snapshot at lastBlock: unconfirmed rows plus
// rows confirmed after that block. Ascending nonce order.
func (s *Store) Inflight(addr string, lastBlock uint64) ([]*types.Transaction, error) {
	return s.senderRows(addr, func(tx *types.Transaction) bool {
		return inflightAt(tx, lastBlock)
	})
}

// Unconfirmed returns the rows of addr with status unconfirmed, in ascending
// nonce order.
func (s *Store) Unconfirmed(addr string) ([]*types.Transaction, error) {
	return s.senderRows(addr, func(tx *types.Transaction) bool {
		return tx.Status == types.StatusUnconfirmed
	})
}

// Incoming returns the rows paying into addr that have not yet settled at
// the lastBlock snapshot: rows with no status, queued, unconfirmed, or
// confirmed after that block.
func (s *Store) Incoming(addr string, lastBlock uint64) ([]*types.Transaction, error) {
	var out []*types.Transaction
	err := s.indexRows(recipientPrefix, addr, func(tx *types.Transaction) bool {
		switch tx.Status {
		case types.StatusNone, types.StatusQueued, types.StatusUnconfirmed:
			return true
		case types.StatusConfirmed:
			return tx.BlockNumber != nil && *tx.BlockNumber > lastBlock
		}
		return false
	}, &out)
	return out, err
}

// StaleSenders returns the distinct sender addresses that have non-terminal
// rows created earlier than olderThan ago.
func (s *Store) StaleSenders(olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	seen := make(map[string]bool)
	var out []string
	err := s.indexRows(senderPrefix, "", func(tx *types.Transaction) bool {
		if tx.Status.Terminal() || !tx.Created.Before(cutoff) {
			return false
		}
		if !seen[tx.From] {
			seen[tx.From] = true
			out = append(out, tx.From)
		}
		return false // collected via the seen set, not the row list
	}, nil)
	return out, err
}

// inflightAt reports whether a row's cost is already debited from the
// balance read at the given block snapshot.
func inflightAt(tx *types.Transaction, lastBlock uint64) bool {
	switch tx.Status {
	case types.StatusUnconfirmed:
		return true
	case types.StatusConfirmed:
		return tx.BlockNumber != nil && *tx.BlockNumber > lastBlock
	}
	return false
}

// senderRows iterates addr's sender index (ascending nonce) collecting the
// rows matching the filter.
func (s *Store) senderRows(addr string, match func(*types.Transaction) bool) ([]*types.Transaction, error) {
	var out []*types.Transaction
	if err := s.indexRows(senderPrefix, addr, match, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// indexRows walks one of the secondary indexes, loading each referenced row
// and applying the filter. An empty addr walks the whole index. When out is
// nil the rows are visited but not collected.
func (s *Store) indexRows(prefix []byte, addr string, match func(*types.Transaction) bool, out *[]*types.Transaction) error {
	index := prefixeddb.NewPrefixedDatabase(s.db, prefix)
	var iterPrefix []byte
	if addr != "" {
		iterPrefix = addrIterPrefix(types.NormalizeAddress(addr))
	}
	var ids []string
	if err := index.Iterate(iterPrefix, func(_, id []byte) bool {
		ids = append(ids, string(id))
		return true
	}); err != nil {
		return err
	}
	for _, id := range ids {
		tx, err := s.Transaction(id)
		if err != nil {
			// An index entry without its row means a half-written insert;
			// skip it rather than failing the whole query.
			log.Warnw("dangling index entry", "id", id)
			continue
		}
		if !match(tx) {
			continue
		}
		if out != nil {
			*out = append(*out, tx)
		}
	}
	return nil
}
