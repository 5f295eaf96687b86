package manager

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/etherpay/txqueue/log"
	"github.com/etherpay/txqueue/types"
)

const (
	// staleAge is how old a non-terminal row must be before the sanity
	// check considers its sender worth reconciling.
	staleAge = 2 * time.Minute

	// sanityProbeLimit bounds concurrent node lookups across senders.
	sanityProbeLimit = 4
)

// SanityCheck reconciles transactions that have been broadcast but not seen
// confirmed. The block monitor may be between calls and not have marked a
// transaction yet, so every stale unconfirmed row is checked against the
// node directly: disappeared rows fail, mined rows confirm, and both
// endpoints are re-triggered. When frequency is non-zero the check
// reschedules itself on the task bus.
func (m *Manager) SanityCheck(ctx context.Context, frequency time.Duration) {
	defer func() {
		if frequency > 0 {
			m.bus.ScheduleSanityCheck(frequency, frequency)
		}
	}()

	senders, err := m.store.StaleSenders(staleAge)
	if err != nil {
		log.Errorw(err, "sanity check could not list stale senders")
		return
	}
	if len(senders) > 0 {
		log.Infof("sanity check found %d addresses with potential problematic transactions", len(senders))
	}

	var mu sync.Mutex
	retrigger := make(map[string]bool)
	addRetrigger := func(addrs ...string) {
		mu.Lock()
		defer mu.Unlock()
		for _, a := range addrs {
			retrigger[a] = true
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(sanityProbeLimit)
	for _, sender := range senders {
		g.Go(func() error {
			m.checkSender(ctx, sender, addRetrigger)
			return nil
		})
	}
	_ = g.Wait()

	for a := range retrigger {
		// Never process contract deployments.
		if !types.IsContractCreation(a) {
			m.bus.ProcessQueue(a)
		}
	}
}

// checkSender reconciles the unconfirmed rows of one sender against the
// node.
func (m *Manager) checkSender(ctx context.Context, addr string, addRetrigger func(...string)) {
	unconfirmed, err := m.store.Unconfirmed(addr)
	if err != nil {
		log.Errorw(err, "sanity check could not list unconfirmed transactions")
		return
	}
	if len(unconfirmed) == 0 {
		// Stale rows with nothing in flight: trigger queue processing as a
		// last resort so the address recomputes its state.
		log.Errorf("%s has transactions in its queue, but no unconfirmed transactions", addr)
		addRetrigger(addr)
		return
	}

	for _, tx := range unconfirmed {
		rpcTx, err := m.eth.TransactionByHash(ctx, tx.Hash)
		if err != nil {
			log.Errorw(err, "sanity check could not look up transaction on node")
			continue
		}
		switch {
		case rpcTx == nil:
			// The node no longer knows the hash: it will never confirm.
			log.Infow("failing unconfirmed tx no longer visible on the node", "hash", tx.Hash)
			m.UpdateTransaction(ctx, tx.ID, types.StatusError)
			addRetrigger(tx.From, tx.To)
		case rpcTx.BlockNumber != nil:
			// Confirmed on the network before the block monitor saw it.
			m.UpdateTransaction(ctx, tx.ID, types.StatusConfirmed)
			addRetrigger(tx.From, tx.To)
		default:
			log.Warnf("transaction %s is on the node but old and still unconfirmed", tx.Hash)
		}
	}
}
