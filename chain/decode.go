package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// CallKind names a decoded token call shape.
type CallKind string

const (
	// KindTransfer is ERC-20 transfer(to, value).
	KindTransfer CallKind = "transfer"

	// KindTransferWithAuthorization is EIP-3009 transferWithAuthorization,
	// in either the (v, r, s) or the packed signature form.
	KindTransferWithAuthorization CallKind = "transferWithAuthorization"
)

// tokenABI covers the calls a deposit may be made with. The two
// transferWithAuthorization overloads differ only in how the signature is passed.
const tokenABI = `[
{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"transferWithAuthorization","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"transferWithAuthorization","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},{"name":"signature","type":"bytes"}],"outputs":[]},
{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

var (
	tokenContract = mustParseABI(tokenABI)

	// TransferTopic is topic0 of the ERC-20 Transfer event.
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// ErrUnknownCall is returned when call data matches none of the accepted shapes.
var ErrUnknownCall = errors.New("chain: unrecognized call data")

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Call is a decoded token transfer.
type Call struct {
	Kind CallKind

	// From is the authorizing payer. It is the zero address for a plain
	// transfer, where the payer is the transaction sender.
	From common.Address

	To    common.Address
	Value *big.Int
}

// DecodeCall decodes transaction input against the accepted call shapes.
func DecodeCall(data []byte) (*Call, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrUnknownCall, len(data))
	}

	method, err := tokenContract.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("%w: selector %x", ErrUnknownCall, data[:4])
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownCall, method.Name, err)
	}

	switch method.RawName {
	case "transfer":
		to, ok1 := args[0].(common.Address)
		value, ok2 := args[1].(*big.Int)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: malformed transfer arguments", ErrUnknownCall)
		}
		return &Call{Kind: KindTransfer, To: to, Value: value}, nil

	case "transferWithAuthorization":
		from, ok1 := args[0].(common.Address)
		to, ok2 := args[1].(common.Address)
		value, ok3 := args[2].(*big.Int)
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("%w: malformed transferWithAuthorization arguments", ErrUnknownCall)
		}
		return &Call{Kind: KindTransferWithAuthorization, From: from, To: to, Value: value}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownCall, method.Name)
}
