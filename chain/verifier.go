// Package chain independently verifies deposits against an EVM node.
//
// The ledger never trusts a caller's claim that a deposit happened. A claimed
// transaction reference is fetched through a Reader, its receipt and call data
// are checked against the expected recipient and amount, and only then is the
// session activated.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	escrow "github.com/nacorid/x402-escrow"
)

// Reader is the subset of an Ethereum JSON-RPC client the verifier needs.
// *ethclient.Client satisfies it.
type Reader interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ Reader = (*ethclient.Client)(nil)

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return client, nil
}

// Verification errors. All wrap escrow.ErrVerificationFailed.
var (
	ErrTxNotFound     = fmt.Errorf("%w: transaction not found", escrow.ErrVerificationFailed)
	ErrNotConfirmed   = fmt.Errorf("%w: transaction not confirmed", escrow.ErrVerificationFailed)
	ErrReverted       = fmt.Errorf("%w: transaction reverted", escrow.ErrVerificationFailed)
	ErrWrongTarget    = fmt.Errorf("%w: transaction target is neither the asset nor the custodian", escrow.ErrVerificationFailed)
	ErrWrongRecipient = fmt.Errorf("%w: transfer recipient is not the custodian", escrow.ErrVerificationFailed)
	ErrAmountMismatch = fmt.Errorf("%w: transfer amount does not match", escrow.ErrVerificationFailed)
	ErrNoTransferLog  = fmt.Errorf("%w: no matching Transfer log", escrow.ErrVerificationFailed)
)

// Expectation is what a deposit must look like on chain.
type Expectation struct {
	// TxRef is the claimed transaction hash.
	TxRef string

	// Asset is the token contract the deposit must move.
	Asset string

	// Custodian is the address that must receive the funds.
	Custodian string

	// Amount is the claimed amount in atomic units.
	Amount int64

	// Tolerance is the largest accepted difference between Amount and the
	// on-chain value, in atomic units.
	Tolerance int64
}

// Deposit is a verified on-chain transfer into custody.
type Deposit struct {
	TxHash      common.Hash
	BlockNumber uint64
	BlockHash   common.Hash
	Kind        CallKind
	Target      common.Address
	Payer       common.Address
	Recipient   common.Address
	Amount      *big.Int
}

// Verifier checks deposits through a Reader.
type Verifier struct {
	reader           Reader
	minConfirmations uint64
	timeout          time.Duration
	logger           *slog.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithMinConfirmations requires the receipt's block to be at least n deep.
// 1, the default, accepts any mined transaction.
func WithMinConfirmations(n uint64) VerifierOption {
	return func(v *Verifier) {
		if n > 0 {
			v.minConfirmations = n
		}
	}
}

// WithTimeout bounds every chain read.
func WithTimeout(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

func NewVerifier(reader Reader, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		reader:           reader,
		minConfirmations: 1,
		timeout:          escrow.DefaultTimeouts.ChainTimeout,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyDeposit fetches exp.TxRef and checks that it is a successful,
// sufficiently confirmed transfer of about exp.Amount of exp.Asset into
// exp.Custodian.
func (v *Verifier) VerifyDeposit(ctx context.Context, exp Expectation) (*Deposit, error) {
	if !isHash(exp.TxRef) {
		return nil, fmt.Errorf("%w: malformed transaction reference %q", escrow.ErrVerificationFailed, exp.TxRef)
	}
	if !common.IsHexAddress(exp.Asset) || !common.IsHexAddress(exp.Custodian) {
		return nil, fmt.Errorf("%w: asset and custodian must be addresses", escrow.ErrInvalidRequirements)
	}

	hash := common.HexToHash(exp.TxRef)
	asset := common.HexToAddress(exp.Asset)
	custodian := common.HexToAddress(exp.Custodian)
	logger := v.logger.With("tx", hash.Hex())

	tx, pending, err := v.transaction(ctx, hash)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, ErrNotConfirmed
	}

	receipt, err := v.receipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, ErrReverted
	}
	if err := v.checkDepth(ctx, receipt); err != nil {
		return nil, err
	}

	call, err := DecodeCall(tx.Data())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", escrow.ErrVerificationFailed, err)
	}

	if tx.To() == nil {
		return nil, ErrWrongTarget
	}
	target := *tx.To()
	switch call.Kind {
	case KindTransferWithAuthorization:
		if target != asset {
			return nil, ErrWrongTarget
		}
	case KindTransfer:
		if target != asset && target != custodian {
			return nil, ErrWrongTarget
		}
	}

	if call.To != custodian {
		return nil, fmt.Errorf("%w: got %s", ErrWrongRecipient, call.To.Hex())
	}
	if !withinTolerance(call.Value, exp.Amount, exp.Tolerance) {
		return nil, fmt.Errorf("%w: on chain %s, claimed %d", ErrAmountMismatch, call.Value, exp.Amount)
	}

	payer, ok := findTransfer(receipt.Logs, asset, call.From, custodian, call.Value)
	if !ok {
		return nil, ErrNoTransferLog
	}

	logger.Info("deposit verified", "kind", call.Kind, "payer", payer.Hex(), "amount", call.Value, "block", receipt.BlockNumber)
	return &Deposit{
		TxHash:      hash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		BlockHash:   receipt.BlockHash,
		Kind:        call.Kind,
		Target:      target,
		Payer:       payer,
		Recipient:   call.To,
		Amount:      new(big.Int).Set(call.Value),
	}, nil
}

func (v *Verifier) transaction(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	tx, pending, err := v.reader.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, false, ErrTxNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("chain read transaction: %w", err)
	}
	return tx, pending, nil
}

func (v *Verifier) receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	receipt, err := v.reader.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return nil, ErrNotConfirmed
	}
	if err != nil {
		return nil, fmt.Errorf("chain read receipt: %w", err)
	}
	return receipt, nil
}

func (v *Verifier) checkDepth(ctx context.Context, receipt *types.Receipt) error {
	if receipt.BlockNumber == nil {
		return ErrNotConfirmed
	}
	if v.minConfirmations <= 1 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	head, err := v.reader.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("chain read block number: %w", err)
	}

	mined := receipt.BlockNumber.Uint64()
	if head < mined || head-mined+1 < v.minConfirmations {
		return fmt.Errorf("%w: %d of %d confirmations", ErrNotConfirmed, confirmations(head, mined), v.minConfirmations)
	}
	return nil
}

func confirmations(head, mined uint64) uint64 {
	if head < mined {
		return 0
	}
	return head - mined + 1
}

// findTransfer looks for Transfer(from, to, value) emitted by asset and
// returns the payer. A zero from matches any payer.
func findTransfer(logs []*types.Log, asset, from, to common.Address, value *big.Int) (common.Address, bool) {
	for _, l := range logs {
		if l == nil || l.Address != asset || len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
			continue
		}
		logFrom := common.BytesToAddress(l.Topics[1].Bytes())
		logTo := common.BytesToAddress(l.Topics[2].Bytes())
		if logTo != to || (from != (common.Address{}) && logFrom != from) {
			continue
		}
		if new(big.Int).SetBytes(l.Data).Cmp(value) != 0 {
			continue
		}
		return logFrom, true
	}
	return common.Address{}, false
}

func withinTolerance(actual *big.Int, claimed, tolerance int64) bool {
	diff := new(big.Int).Sub(actual, big.NewInt(claimed))
	return diff.CmpAbs(big.NewInt(tolerance)) <= 0
}

func isHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}
