package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/money"
)

// Sender is the subset of ethclient.Client Transferor needs to submit a
// signed transaction.
type Sender interface {
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Signer produces a signed transaction for the coordinator's hot wallet,
// kept behind an interface so no private key material passes through this
// package.
type Signer interface {
	Address() common.Address
	SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// erc20ABI is the minimal ERC20 ABI fragment Transferor needs.
const erc20ABI = `[{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}]`

// Transferor implements ledger.Chain by submitting a real ERC20 transfer
// for the ledger's on-chain streaming mode (spec.md §4.7).
type Transferor struct {
	sender       Sender
	signer       Signer
	usdcContract common.Address
	chainID      *big.Int
	gasLimit     uint64
	logger       *zap.Logger
}

// NewTransferor builds a Transferor for the given USDC contract and chain.
func NewTransferor(sender Sender, signer Signer, usdcContract common.Address, chainID *big.Int, logger *zap.Logger) *Transferor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transferor{sender: sender, signer: signer, usdcContract: usdcContract, chainID: chainID, gasLimit: 80000, logger: logger}
}

// Transfer implements ledger.Chain: builds, signs, and submits an ERC20
// `transfer(to, amount)` call from the coordinator's hot wallet.
//
// `from` is accepted for interface-compatibility with ledger.Chain's
// internal bookkeeping but is not separately signable here: the signer is
// bound to a single hot-wallet address, and the caller is responsible for
// ensuring `from` matches it before invoking Transfer.
func (t *Transferor) Transfer(ctx context.Context, from, to common.Address, amount money.Amount) (common.Hash, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return common.Hash{}, err
	}

	value := new(big.Int)
	value.SetString(amount.String(), 10)
	data, err := parsed.Pack("transfer", to, value)
	if err != nil {
		return common.Hash{}, err
	}

	nonce, err := t.sender.PendingNonceAt(ctx, t.signer.Address())
	if err != nil {
		return common.Hash{}, err
	}
	gasPrice, err := t.sender.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	tx := gethtypes.NewTransaction(nonce, t.usdcContract, big.NewInt(0), t.gasLimit, gasPrice, data)
	signed, err := t.signer.SignTx(tx, t.chainID)
	if err != nil {
		return common.Hash{}, err
	}
	if err := t.sender.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}
