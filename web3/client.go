// Package web3 is a thin adapter over the Ethereum JSON-RPC endpoints the
// queue manager consumes. It carries no retry policy; errors surface as
// structured *Error values for the caller to classify.
package web3

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

var defaultTimeout = 3 * time.Second

// RPCTransaction is the subset of the eth_getTransactionByHash result the
// manager cares about. BlockNumber is nil while the transaction is pending.
type RPCTransaction struct {
	Hash        common.Hash    `json:"hash"`
	BlockNumber *hexutil.Big   `json:"blockNumber"`
	From        string         `json:"from"`
	Nonce       hexutil.Uint64 `json:"nonce"`
}

// Client wraps a raw JSON-RPC connection to an Ethereum node.
type Client struct {
	rpc *gethrpc.Client
}

// Dial connects to the node at the given URL.
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum node %s: %w", url, err)
	}
	return &Client{rpc: c}, nil
}

// NewClient wraps an existing JSON-RPC connection.
func NewClient(c *gethrpc.Client) *Client {
	return &Client{rpc: c}
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// BalanceAt returns the balance of addr at the given block height, or at the
// latest block when block is nil.
func (c *Client) BalanceAt(ctx context.Context, addr string, block *uint64) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	var result hexutil.Big
	if err := c.rpc.CallContext(ctx, &result, "eth_getBalance", addr, blockArg(block)); err != nil {
		return nil, wrapError(err)
	}
	return (*big.Int)(&result), nil
}

// TransactionCount returns the network nonce of addr at the given block
// height, or at the latest block when block is nil.
func (c *Client) TransactionCount(ctx context.Context, addr string, block *uint64) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	var result hexutil.Uint64
	if err := c.rpc.CallContext(ctx, &result, "eth_getTransactionCount", addr, blockArg(block)); err != nil {
		return 0, wrapError(err)
	}
	return uint64(result), nil
}

// TransactionByHash looks a transaction up on the node. It returns
// (nil, nil) when the node does not know the hash.
func (c *Client) TransactionByHash(ctx context.Context, hash string) (*RPCTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	var result *RPCTransaction
	if err := c.rpc.CallContext(ctx, &result, "eth_getTransactionByHash", hash); err != nil {
		return nil, wrapError(err)
	}
	return result, nil
}

// SendRawTransaction broadcasts RLP-encoded signed transaction bytes and
// returns the transaction hash reported by the node.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	var result common.Hash
	if err := c.rpc.CallContext(ctx, &result, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		return "", wrapError(err)
	}
	return result.Hex(), nil
}

// blockArg renders the block parameter of the eth_* calls: an explicit
// height, or the literal "latest" when nil.
func blockArg(block *uint64) string {
	if block == nil {
		return "latest"
	}
	return hexutil.EncodeUint64(*block)
}
