package web3

import (
	"errors"
	"fmt"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Error is a structured JSON-RPC error surfaced by the Ethereum node.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// IsRPCError reports whether err is (or wraps) a node-side JSON-RPC error,
// as opposed to a transport or local failure.
func IsRPCError(err error) bool {
	var rpcErr *Error
	return errors.As(err, &rpcErr)
}

// wrapError converts node-side errors into *Error and passes everything else
// through untouched.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return &Error{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
	}
	return err
}
