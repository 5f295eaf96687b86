package types

import (
	"math/big"
	"strings"
	"time"
)

// ContractCreation is the sentinel recipient address denoting a contract
// deployment. Such recipients never receive notifications and are never
// re-enqueued.
const ContractCreation = "0x"

// IsContractCreation reports whether the given recipient address is the
// contract-creation sentinel.
func IsContractCreation(addr string) bool {
	return addr == ContractCreation
}

// NormalizeAddress lowercases a 0x-prefixed hex address so that addresses
// compare byte-equal regardless of checksum casing.
func NormalizeAddress(addr string) string {
	return strings.ToLower(addr)
}

// Status is the lifecycle state of a queued transaction.
type Status string

const (
	// StatusNone marks a freshly submitted row the processor has not
	// visited yet.
	StatusNone Status = ""
	// StatusQueued marks a row blocked on balance, parked until funding
	// arrives.
	StatusQueued Status = "queued"
	// StatusUnconfirmed marks a row broadcast to the network but not yet
	// seen in a block.
	StatusUnconfirmed Status = "unconfirmed"
	// StatusConfirmed marks a row seen in a block. Terminal.
	StatusConfirmed Status = "confirmed"
	// StatusError marks a row that can never execute. Terminal, except that
	// a later confirmation observation wins over it.
	StatusError Status = "error"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusError
}

// Transaction is a row of the persistent transaction queue. Identity fields
// are immutable after insertion; only Status, BlockNumber and Updated change.
type Transaction struct {
	ID       string
	Hash     string
	From     string
	To       string
	Nonce    uint64
	Value    *BigInt
	Gas      uint64
	GasPrice *BigInt
	Data     HexBytes

	// Signature components. A nil R marks an unsigned draft, which the
	// processor never considers.
	V *BigInt
	R *BigInt
	S *BigInt

	Status      Status
	BlockNumber *uint64
	Created     time.Time
	Updated     time.Time
}

// Signed reports whether the row carries a signature and is therefore
// eligible for processing.
func (tx *Transaction) Signed() bool {
	return tx.R != nil
}

// Clone returns a copy of the row. The big-integer fields are shared; they
// are immutable by convention.
func (tx *Transaction) Clone() *Transaction {
	out := *tx
	if tx.BlockNumber != nil {
		bn := *tx.BlockNumber
		out.BlockNumber = &bn
	}
	return &out
}

// Cost returns value + gas * gasPrice, the maximum debit this transaction
// can impose on the sender.
func (tx *Transaction) Cost() *big.Int {
	cost := new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas), tx.GasPrice.MathBigInt())
	return cost.Add(cost, tx.Value.MathBigInt())
}
