// Package manager implements the per-address transaction-queue state
// machine: admission ordering by nonce, balance accounting against in-flight
// and incoming funds, signature re-verification, broadcast, failure cascades,
// cross-address re-triggering and the periodic sanity reconciliation.
package manager

import (
	"context"
	"errors"
	"math/big"
	"runtime/debug"

	"github.com/etherpay/txqueue/log"
	"github.com/etherpay/txqueue/notify"
	"github.com/etherpay/txqueue/store"
	"github.com/etherpay/txqueue/tasks"
	"github.com/etherpay/txqueue/txcodec"
	"github.com/etherpay/txqueue/types"
	"github.com/etherpay/txqueue/web3"
)

// EthClient is the node surface the manager consumes. A nil block argument
// means the latest block.
type EthClient interface {
	BalanceAt(ctx context.Context, addr string, block *uint64) (*big.Int, error)
	TransactionCount(ctx context.Context, addr string, block *uint64) (uint64, error)
	TransactionByHash(ctx context.Context, hash string) (*web3.RPCTransaction, error)
	SendRawTransaction(ctx context.Context, raw []byte) (string, error)
}

// Manager drives the transaction queues of all sending addresses.
type Manager struct {
	store    *store.Store
	eth      EthClient
	notifier *notify.Notifier
	bus      tasks.Dispatcher
	chainID  *big.Int
	gate     *addressGate
}

// New creates a Manager. networkID is the chain id used for signature
// recovery and stamped on payment messages.
func New(st *store.Store, eth EthClient, notifier *notify.Notifier, bus tasks.Dispatcher, networkID uint64) *Manager {
	return &Manager{
		store:    st,
		eth:      eth,
		notifier: notifier,
		bus:      bus,
		chainID:  new(big.Int).SetUint64(networkID),
		gate:     newAddressGate(),
	}
}

// ProcessQueue runs one pass over the outbound queue of addr. At most one
// pass per address executes at a time; concurrent callers block until the
// running pass hands over, FIFO. Any unexpected panic is contained here so
// the gate is always released and the address is not left wedged.
func (m *Manager) ProcessQueue(ctx context.Context, addr string) {
	addr = types.NormalizeAddress(addr)
	m.gate.enter(addr)
	defer m.gate.leave(addr)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic processing queue for %s: %v\n%s", addr, r, debug.Stack())
		}
	}()
	if err := m.processQueue(ctx, addr); err != nil {
		log.Errorw(err, "unexpected issue processing transaction queue")
	}
}

// processQueue is the §4.5 state machine for a single address. The whole
// pass observes one snapshot of the last block number and of the network
// balance.
func (m *Manager) processQueue(ctx context.Context, addr string) error {
	log.Debugw("processing tx queue", "address", addr)

	// The last block number the block monitor has seen. Reading balances at
	// this height avoids racing transactions confirmed on the network before
	// the monitor has marked them in the database.
	var blockArg *uint64
	var lastBlock uint64
	switch height, err := m.store.LastBlockNumber(); {
	case err == nil:
		lastBlock = height
		blockArg = &height
	case errors.Is(err, store.ErrNotFound):
		// No snapshot yet: predicates use 0, RPC calls use "latest".
	default:
		return err
	}

	outbound, err := m.store.OutboundQueue(addr)
	if err != nil {
		return err
	}
	if len(outbound) == 0 {
		return nil
	}

	balance, err := m.eth.BalanceAt(ctx, addr, blockArg)
	if err != nil {
		return err
	}

	inflight, err := m.store.Inflight(addr, lastBlock)
	if err != nil {
		return err
	}

	// Expected next nonce: past the highest in-flight nonce, with the
	// in-flight cost already debited from the balance snapshot; otherwise
	// straight from the network.
	var nonce uint64
	if len(inflight) > 0 {
		nonce = inflight[len(inflight)-1].Nonce + 1
		for _, tx := range inflight {
			balance.Sub(balance, tx.Cost())
		}
	} else {
		nonce, err = m.eth.TransactionCount(ctx, addr, blockArg)
		if err != nil {
			return err
		}
	}

	// Any status change must cascade to the receiving address as well; this
	// collects every recipient to re-check once this queue is done.
	retrigger := make(map[string]bool)

	// Once one row fails, every later nonce is unexecutable.
	cascade := false

	for i, tx := range outbound {
		if cascade {
			log.Infow("failing tx due to previous error", "hash", tx.Hash)
			m.UpdateTransaction(ctx, tx.ID, types.StatusError)
			retrigger[tx.To] = true
			continue
		}

		if tx.Nonce != nonce {
			// A gap means an out-of-band submission; this and all later
			// nonces can never execute.
			cascade = true
			log.Infow("failing tx due to nonce mismatch",
				"hash", tx.Hash, "nonce", tx.Nonce, "expected", nonce)
			m.UpdateTransaction(ctx, tx.ID, types.StatusError)
			retrigger[tx.To] = true
			continue
		}

		cost := tx.Cost()

		if balance.Cmp(cost) >= 0 {
			signed, err := txcodec.FromRow(tx)
			if err != nil {
				cascade = true
				log.Errorw(err, "could not reconstruct signed transaction")
				m.UpdateTransaction(ctx, tx.ID, types.StatusError)
				retrigger[tx.To] = true
				continue
			}
			sender, err := txcodec.Sender(signed, m.chainID)
			if err != nil || sender != addr {
				cascade = true
				log.Errorw(err, "signature invalid for sender of tx")
				log.Infow("sender mismatch", "queue", addr, "recovered", sender, "hash", tx.Hash)
				m.UpdateTransaction(ctx, tx.ID, types.StatusError)
				retrigger[tx.To] = true
				continue
			}
			raw, err := txcodec.Encode(signed)
			if err != nil {
				cascade = true
				log.Errorw(err, "could not encode transaction")
				m.UpdateTransaction(ctx, tx.ID, types.StatusError)
				retrigger[tx.To] = true
				continue
			}
			if _, err := m.eth.SendRawTransaction(ctx, raw); err != nil {
				if !web3.IsRPCError(err) {
					// Transport failure, not a node-side rejection: abort
					// the pass and leave the queue untouched for a retry.
					return err
				}
				cascade = true
				log.Errorw(err, "node rejected queued transaction")
				m.UpdateTransaction(ctx, tx.ID, types.StatusError)
				retrigger[tx.To] = true
				continue
			}
			m.UpdateTransaction(ctx, tx.ID, types.StatusUnconfirmed)
			balance.Sub(balance, cost)
			nonce++
			continue
		}

		// Balance can't cover this transaction right now. If optimistic
		// pending inbound funds can't cover it either there is no way it
		// will ever send, so fail it and everything behind it.
		incoming, err := m.store.Incoming(addr, lastBlock)
		if err != nil {
			return err
		}
		pending := new(big.Int)
		for _, in := range incoming {
			pending.Add(pending, in.Value.MathBigInt())
		}

		if new(big.Int).Add(balance, pending).Cmp(cost) < 0 {
			cascade = true
			log.Infow("failing tx due to insufficient pending balance", "hash", tx.Hash)
			m.UpdateTransaction(ctx, tx.ID, types.StatusError)
			retrigger[tx.To] = true
			continue
		}

		// Park the queue: inbound funds may still cover this. An inbound
		// row confirmed after the block snapshot means the balance read is
		// already stale, so re-examine this address with fresh state.
		for _, in := range incoming {
			if in.BlockNumber != nil && *in.BlockNumber > lastBlock {
				retrigger[addr] = true
				break
			}
		}
		// Nothing later in the queue can proceed until this row does, but
		// brand-new rows still owe their first notification.
		for _, rest := range outbound[i:] {
			if rest.Status == types.StatusNone {
				m.UpdateTransaction(ctx, rest.ID, types.StatusQueued)
			}
		}
		break
	}

	for a := range retrigger {
		// Never process contract deployments.
		if !types.IsContractCreation(a) {
			m.bus.ProcessQueue(a)
		}
	}
	return nil
}

// UpdateTransaction transitions a row to the given status, persists it,
// fires the notification rules and re-triggers the recipient's queue.
// Transitions are idempotent: a row already at the target status, or already
// confirmed, is left alone. For a transition to confirmed the block number
// is read from the node.
func (m *Manager) UpdateTransaction(ctx context.Context, id string, status types.Status) {
	tx, err := m.store.Transaction(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warnw("cannot update unknown transaction", "id", id)
			return
		}
		log.Errorw(err, "could not load transaction for status update")
		return
	}
	if tx.Status == status {
		return
	}
	if tx.Status == types.StatusConfirmed {
		log.Warnf("trying to update status of tx %s to %s, but tx is already confirmed", tx.Hash, status)
		return
	}

	var blockNumber *uint64
	if status == types.StatusConfirmed {
		rpcTx, err := m.eth.TransactionByHash(ctx, tx.Hash)
		if err != nil {
			log.Errorw(err, "could not fetch confirmed transaction from node")
			return
		}
		if rpcTx == nil || rpcTx.BlockNumber == nil {
			log.Warnw("node does not report tx as confirmed", "hash", tx.Hash)
			return
		}
		height := rpcTx.BlockNumber.ToInt().Uint64()
		blockNumber = &height
	}

	prev := tx.Status
	if err := m.store.UpdateStatus(id, status, blockNumber); err != nil {
		log.Errorw(err, "could not persist transaction status")
		return
	}
	log.Infow("updated transaction status",
		"hash", tx.Hash, "status", string(status), "previous", string(prev))

	// Parked rows were already reported as unconfirmed when they were
	// queued; the actual broadcast is invisible externally.
	if prev == types.StatusQueued && status == types.StatusUnconfirmed {
		return
	}

	tx.Status = status
	tx.BlockNumber = blockNumber
	m.notifier.PaymentChanged(tx, prev, status)

	// The recipient's queue may have transactions waiting on this one.
	if !types.IsContractCreation(tx.To) {
		m.bus.ProcessQueue(tx.To)
	}
}
