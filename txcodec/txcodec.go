// Package txcodec reconstructs signed Ethereum transactions from stored
// queue rows, recovers their sender and produces the RLP wire encoding.
package txcodec

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/etherpay/txqueue/types"
)

// FromRow rebuilds the signed legacy transaction from the stored fields.
// The row must carry a signature.
func FromRow(row *types.Transaction) (*gtypes.Transaction, error) {
	if !row.Signed() {
		return nil, fmt.Errorf("transaction %s is not signed", row.ID)
	}
	var to *common.Address
	if !types.IsContractCreation(row.To) {
		addr := common.HexToAddress(row.To)
		to = &addr
	}
	return gtypes.NewTx(&gtypes.LegacyTx{
		Nonce:    row.Nonce,
		GasPrice: row.GasPrice.MathBigInt(),
		Gas:      row.Gas,
		To:       to,
		Value:    row.Value.MathBigInt(),
		Data:     row.Data,
		V:        row.V.MathBigInt(),
		R:        row.R.MathBigInt(),
		S:        row.S.MathBigInt(),
	}), nil
}

// Sender recovers the signing address from the transaction signature under
// the rules of the given chain id (EIP-155 replay-protected or homestead).
// The result is a normalized 0x-prefixed lowercase hex address.
func Sender(tx *gtypes.Transaction, chainID *big.Int) (string, error) {
	signer := gtypes.LatestSignerForChainID(chainID)
	addr, err := gtypes.Sender(signer, tx)
	if err != nil {
		return "", fmt.Errorf("recover sender: %w", err)
	}
	return types.NormalizeAddress(addr.Hex()), nil
}

// Encode returns the wire encoding of the signed transaction, as accepted by
// eth_sendRawTransaction.
func Encode(tx *gtypes.Transaction) ([]byte, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return raw, nil
}
