package manager

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	qt "github.com/frankban/quicktest"

	"github.com/etherpay/txqueue/db"
	"github.com/etherpay/txqueue/db/inmemory"
	"github.com/etherpay/txqueue/notify"
	"github.com/etherpay/txqueue/store"
	"github.com/etherpay/txqueue/types"
	"github.com/etherpay/txqueue/web3"
)

const testNetworkID = 1337

// fakeEth is an in-memory stand-in for the Ethereum node.
type fakeEth struct {
	mu       sync.Mutex
	balances map[string]*big.Int
	nonces   map[string]uint64
	txs      map[string]*web3.RPCTransaction
	sendErr  error
	sent     [][]byte
}

func newFakeEth() *fakeEth {
	return &fakeEth{
		balances: make(map[string]*big.Int),
		nonces:   make(map[string]uint64),
		txs:      make(map[string]*web3.RPCTransaction),
	}
}

func (f *fakeEth) BalanceAt(_ context.Context, addr string, _ *uint64) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeEth) TransactionCount(_ context.Context, addr string, _ *uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[addr], nil
}

func (f *fakeEth) TransactionByHash(_ context.Context, hash string) (*web3.RPCTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs[hash], nil
}

func (f *fakeEth) SendRawTransaction(_ context.Context, raw []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, raw)
	tx := new(gtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// fakeBus records dispatches instead of running them.
type fakeBus struct {
	mu        sync.Mutex
	processed []string
	notified  []string
	messages  [][]byte
	scheduled []time.Duration
}

func (f *fakeBus) ProcessQueue(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, addr)
}

func (f *fakeBus) SendNotification(addr string, message []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, addr)
	f.messages = append(f.messages, message)
}

func (f *fakeBus) ScheduleSanityCheck(frequency, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, frequency)
}

func (f *fakeBus) processedAddrs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.processed...)
}

func (f *fakeBus) notifiedAddrs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notified...)
}

type testEnv struct {
	store *store.Store
	eth   *fakeEth
	bus   *fakeBus
	mgr   *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := inmemory.New(db.Options{})
	qt.Assert(t, err, qt.IsNil)
	st := store.New(database)
	t.Cleanup(st.Close)
	eth := newFakeEth()
	bus := &fakeBus{}
	notifier := notify.New(bus, testNetworkID)
	return &testEnv{
		store: st,
		eth:   eth,
		bus:   bus,
		mgr:   New(st, eth, notifier, bus, testNetworkID),
	}
}

// signRow signs a legacy transaction with key and returns the store row.
func signRow(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, to string, value int64) *types.Transaction {
	t.Helper()
	c := qt.New(t)

	var toPtr *common.Address
	if !types.IsContractCreation(to) {
		a := common.HexToAddress(to)
		toPtr = &a
	}
	signed, err := gtypes.SignNewTx(key, gtypes.LatestSignerForChainID(big.NewInt(testNetworkID)), &gtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(1),
		Gas:      21000,
		To:       toPtr,
		Value:    big.NewInt(value),
	})
	c.Assert(err, qt.IsNil)

	v, r, s := signed.RawSignatureValues()
	return &types.Transaction{
		Hash:     signed.Hash().Hex(),
		From:     types.NormalizeAddress(crypto.PubkeyToAddress(key.PublicKey).Hex()),
		To:       types.NormalizeAddress(to),
		Nonce:    nonce,
		Value:    (*types.BigInt)(big.NewInt(value)),
		Gas:      21000,
		GasPrice: types.NewInt(1),
		V:        (*types.BigInt)(v),
		R:        (*types.BigInt)(r),
		S:        (*types.BigInt)(s),
	}
}

func genKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	qt.Assert(t, err, qt.IsNil)
	return key, types.NormalizeAddress(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func TestProcessQueueBroadcastsInNonceOrder(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	key, from := genKey(t)
	recipient := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	// Enough for both transactions: 2 * (1000 + 21000*1).
	env.eth.balances[from] = big.NewInt(50000)

	var ids []string
	for _, nonce := range []uint64{0, 1} {
		id, err := env.store.AddTransaction(signRow(t, key, nonce, recipient, 1000))
		c.Assert(err, qt.IsNil)
		ids = append(ids, id)
	}

	env.mgr.ProcessQueue(context.Background(), from)

	c.Assert(env.eth.sent, qt.HasLen, 2)
	for _, id := range ids {
		tx, err := env.store.Transaction(id)
		c.Assert(err, qt.IsNil)
		c.Assert(tx.Status, qt.Equals, types.StatusUnconfirmed)
	}
	// Broadcast order follows nonces.
	first := new(gtypes.Transaction)
	c.Assert(first.UnmarshalBinary(env.eth.sent[0]), qt.IsNil)
	c.Assert(first.Nonce(), qt.Equals, uint64(0))

	// Both endpoints were notified and the recipient queue re-triggered.
	c.Assert(contains(env.bus.notifiedAddrs(), from), qt.IsTrue)
	c.Assert(contains(env.bus.notifiedAddrs(), recipient), qt.IsTrue)
	c.Assert(contains(env.bus.processedAddrs(), recipient), qt.IsTrue)
}

func TestProcessQueueNonceGapCascades(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	key, from := genKey(t)
	recipient := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	env.eth.balances[from] = big.NewInt(1000000)
	env.eth.nonces[from] = 0

	// Nonce 0 is missing, so nothing in the queue can ever execute.
	var ids []string
	for _, nonce := range []uint64{1, 2} {
		id, err := env.store.AddTransaction(signRow(t, key, nonce, recipient, 1000))
		c.Assert(err, qt.IsNil)
		ids = append(ids, id)
	}

	env.mgr.ProcessQueue(context.Background(), from)

	c.Assert(env.eth.sent, qt.HasLen, 0)
	for _, id := range ids {
		tx, err := env.store.Transaction(id)
		c.Assert(err, qt.IsNil)
		c.Assert(tx.Status, qt.Equals, types.StatusError)
	}
	// New rows that go straight to error only tell the sender.
	c.Assert(contains(env.bus.notifiedAddrs(), from), qt.IsTrue)
	c.Assert(contains(env.bus.notifiedAddrs(), recipient), qt.IsFalse)
}

func TestProcessQueueBroadcastsThenCascadesOnGap(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	key, from := genKey(t)
	recipient := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	env.eth.balances[from] = big.NewInt(1000000)
	env.eth.nonces[from] = 5

	// Nonce 5 is executable; 6 is missing, so 7 must fail in the same pass
	// even though the broadcast of 5 advanced the expected nonce.
	sentID, err := env.store.AddTransaction(signRow(t, key, 5, recipient, 1000))
	c.Assert(err, qt.IsNil)
	gapID, err := env.store.AddTransaction(signRow(t, key, 7, recipient, 1000))
	c.Assert(err, qt.IsNil)

	env.mgr.ProcessQueue(context.Background(), from)

	c.Assert(env.eth.sent, qt.HasLen, 1)
	broadcast := new(gtypes.Transaction)
	c.Assert(broadcast.UnmarshalBinary(env.eth.sent[0]), qt.IsNil)
	c.Assert(broadcast.Nonce(), qt.Equals, uint64(5))

	tx, err := env.store.Transaction(sentID)
	c.Assert(err, qt.IsNil)
	c.Assert(tx.Status, qt.Equals, types.StatusUnconfirmed)
	tx, err = env.store.Transaction(gapID)
	c.Assert(err, qt.IsNil)
	c.Assert(tx.Status, qt.Equals, types.StatusError)
}

func TestProcessQueueParksOnPendingInbound(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	key, from := genKey(t)
	otherKey, _ := genKey(t)
	recipient := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	// Not enough on its own for value 1000 + gas 21000.
	env.eth.balances[from] = big.NewInt(100)
	env.eth.nonces[from] = 0

	id, err := env.store.AddTransaction(signRow(t, key, 0, recipient, 1000))
	c.Assert(err, qt.IsNil)

	// An unconfirmed inbound payment large enough to cover the shortfall.
	inbound := signRow(t, otherKey, 0, from, 50000)
	inbound.Status = types.StatusUnconfirmed
	_, err = env.store.AddTransaction(inbound)
	c.Assert(err, qt.IsNil)

	env.mgr.ProcessQueue(context.Background(), from)

	c.Assert(env.eth.sent, qt.HasLen, 0)
	tx, err := env.store.Transaction(id)
	c.Assert(err, qt.IsNil)
	c.Assert(tx.Status, qt.Equals, types.StatusQueued)

	// Parked rows are reported as unconfirmed to the outside.
	c.Assert(contains(env.bus.notifiedAddrs(), from), qt.IsTrue)
	for _, msg := range env.bus.messages {
		c.Assert(string(msg), qt.Contains, `"status":"unconfirmed"`)
	}
	// A plain park does not re-enqueue the address itself.
	c.Assert(contains(env.bus.processedAddrs(), from), qt.IsFalse)
}

func TestProcessQueueRetriggersAfterFreshInboundConfirmation(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	key, from := genKey(t)
	otherKey, _ := genKey(t)
	recipient := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	c.Assert(env.store.SetLastBlockNumber(100), qt.IsNil)
	env.eth.balances[from] = big.NewInt(100)
	env.eth.nonces[from] = 0

	_, err := env.store.AddTransaction(signRow(t, key, 0, recipient, 1000))
	c.Assert(err, qt.IsNil)

	// Inbound funds confirmed after the block snapshot: the balance read is
	// stale, so the pass must ask for this address to be re-examined.
	inbound := signRow(t, otherKey, 0, from, 50000)
	inbound.Status = types.StatusConfirmed
	bn := uint64(110)
	inbound.BlockNumber = &bn
	_, err = env.store.AddTransaction(inbound)
	c.Assert(err, qt.IsNil)

	env.mgr.ProcessQueue(context.Background(), from)

	c.Assert(contains(env.bus.processedAddrs(), from), qt.IsTrue)
}

func TestProcessQueueFailsImpossibleBalance(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	key, from := genKey(t)
	recipient := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	env.eth.balances[from] = big.NewInt(100)
	env.eth.nonces[from] = 0

	// No inbound funds at all: the transaction can never execute.
	id, err := env.store.AddTransaction(signRow(t, key, 0, recipient, 1000))
	c.Assert(err, qt.IsNil)

	env.mgr.ProcessQueue(context.Background(), from)

	tx, err := env.store.Transaction(id)
	c.Assert(err, qt.IsNil)
	c.Assert(tx.Status, qt.Equals, types.StatusError)
}

func TestProcessQueueRejectsForeignSignature(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	_, from := genKey(t)
	otherKey, _ := genKey(t)
	recipient := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	env.eth.balances[from] = big.NewInt(1000000)
	env.eth.nonces[from] = 0

	// Row claims to be from this queue's address but was signed by another
	// key; broadcast must be refused.
	row := signRow(t, otherKey, 0, recipient, 1000)
	row.From = from
	id, err := env.store.AddTransaction(row)
	c.Assert(err, qt.IsNil)

	env.mgr.ProcessQueue(context.Background(), from)

	c.Assert(env.eth.sent, qt.HasLen, 0)
	tx, err := env.store.Transaction(id)
	c.Assert(err, qt.IsNil)
	c.Assert(tx.Status, qt.Equals, types.StatusError)
}

func TestProcessQueueNodeRejectionCascades(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	key, from := genKey(t)
	recipient := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	env.eth.balances[from] = big.NewInt(1000000)
	env.eth.nonces[from] = 0
	env.eth.sendErr = &web3.Error{Code: -32000, Message: "known transaction"}

	var ids []string
	for _, nonce := range []uint64{0, 1} {
		id, err := env.store.AddTransaction(signRow(t, key, nonce, recipient, 1000))
		c.Assert(err, qt.IsNil)
		ids = append(ids, id)
	}

	env.mgr.ProcessQueue(context.Background(), from)

	for _, id := range ids {
		tx, err := env.store.Transaction(id)
		c.Assert(err, qt.IsNil)
		c.Assert(tx.Status, qt.Equals, types.StatusError)
	}
}

func TestProcessQueueTransportErrorLeavesQueueUntouched(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	key, from := genKey(t)
	recipient := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	env.eth.balances[from] = big.NewInt(1000000)
	env.eth.nonces[from] = 0
	env.eth.sendErr = context.DeadlineExceeded

	id, err := env.store.AddTransaction(signRow(t, key, 0, recipient, 1000))
	c.Assert(err, qt.IsNil)

	env.mgr.ProcessQueue(context.Background(), from)

	// A transport failure is retryable: the row must not be failed.
	tx, err := env.store.Transaction(id)
	c.Assert(err, qt.IsNil)
	c.Assert(tx.Status, qt.Equals, types.StatusNone)
}

func TestProcessQueueUsesInflightNonce(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	key, from := genKey(t)
	recipient := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	// Balance covers only one more transaction once the in-flight cost of
	// nonce 3 is debited.
	env.eth.balances[from] = big.NewInt(44000)

	inflight := signRow(t, key, 3, recipient, 1000)
	inflight.Status = types.StatusUnconfirmed
	_, err := env.store.AddTransaction(inflight)
	c.Assert(err, qt.IsNil)

	id, err := env.store.AddTransaction(signRow(t, key, 4, recipient, 1000))
	c.Assert(err, qt.IsNil)

	env.mgr.ProcessQueue(context.Background(), from)

	c.Assert(env.eth.sent, qt.HasLen, 1)
	tx, err := env.store.Transaction(id)
	c.Assert(err, qt.IsNil)
	c.Assert(tx.Status, qt.Equals, types.StatusUnconfirmed)
}

func TestUpdateTransactionIdempotentAndTerminal(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	key, _ := genKey(t)
	recipient := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	row := signRow(t, key, 0, recipient, 1000)
	row.Status = types.StatusUnconfirmed
	id, err := env.store.AddTransaction(row)
	c.Assert(err, qt.IsNil)

	// Same-status update is a no-op: no notification fired.
	env.mgr.UpdateTransaction(context.Background(), id, types.StatusUnconfirmed)
	c.Assert(env.bus.notifiedAddrs(), qt.HasLen, 0)

	// Confirm it, with the node reporting the mined block.
	env.eth.txs[row.Hash] = &web3.RPCTransaction{
		Hash:        common.HexToHash(row.Hash),
		BlockNumber: (*hexutil.Big)(big.NewInt(123)),
	}
	env.mgr.UpdateTransaction(context.Background(), id, types.StatusConfirmed)
	tx, err := env.store.Transaction(id)
	c.Assert(err, qt.IsNil)
	c.Assert(tx.Status, qt.Equals, types.StatusConfirmed)
	c.Assert(*tx.BlockNumber, qt.Equals, uint64(123))

	// Confirmed is protected: a later error must not overwrite it.
	env.mgr.UpdateTransaction(context.Background(), id, types.StatusError)
	tx, err = env.store.Transaction(id)
	c.Assert(err, qt.IsNil)
	c.Assert(tx.Status, qt.Equals, types.StatusConfirmed)
}

func TestUpdateTransactionErrorCanBecomeConfirmed(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	key, _ := genKey(t)
	recipient := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	row := signRow(t, key, 0, recipient, 1000)
	row.Status = types.StatusError
	id, err := env.store.AddTransaction(row)
	c.Assert(err, qt.IsNil)

	env.eth.txs[row.Hash] = &web3.RPCTransaction{
		Hash:        common.HexToHash(row.Hash),
		BlockNumber: (*hexutil.Big)(big.NewInt(77)),
	}
	env.mgr.UpdateTransaction(context.Background(), id, types.StatusConfirmed)

	tx, err := env.store.Transaction(id)
	c.Assert(err, qt.IsNil)
	c.Assert(tx.Status, qt.Equals, types.StatusConfirmed)
	c.Assert(*tx.BlockNumber, qt.Equals, uint64(77))
}

func TestUpdateTransactionConfirmationNeedsNodeEvidence(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	key, _ := genKey(t)
	recipient := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	row := signRow(t, key, 0, recipient, 1000)
	row.Status = types.StatusUnconfirmed
	id, err := env.store.AddTransaction(row)
	c.Assert(err, qt.IsNil)

	// Node does not know the hash: the confirmation must be refused.
	env.mgr.UpdateTransaction(context.Background(), id, types.StatusConfirmed)
	tx, err := env.store.Transaction(id)
	c.Assert(err, qt.IsNil)
	c.Assert(tx.Status, qt.Equals, types.StatusUnconfirmed)
}

func TestUpdateTransactionSuppressesParkedBroadcast(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	key, _ := genKey(t)
	recipient := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	row := signRow(t, key, 0, recipient, 1000)
	row.Status = types.StatusQueued
	id, err := env.store.AddTransaction(row)
	c.Assert(err, qt.IsNil)

	// The park already reported this row as unconfirmed; the eventual
	// broadcast must stay invisible.
	env.mgr.UpdateTransaction(context.Background(), id, types.StatusUnconfirmed)

	tx, err := env.store.Transaction(id)
	c.Assert(err, qt.IsNil)
	c.Assert(tx.Status, qt.Equals, types.StatusUnconfirmed)
	c.Assert(env.bus.notifiedAddrs(), qt.HasLen, 0)
	c.Assert(env.bus.processedAddrs(), qt.HasLen, 0)
}

func TestUpdateTransactionUnknownID(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)

	env.mgr.UpdateTransaction(context.Background(), "no-such-id", types.StatusError)
	c.Assert(env.bus.notifiedAddrs(), qt.HasLen, 0)
}
