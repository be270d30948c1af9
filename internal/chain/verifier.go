package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/money"
)

// erc20TransferTopic is keccak256("Transfer(address,address,uint256)"),
// the topic0 of every ERC20 Transfer log.
var erc20TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

var ErrTxNotMined = errors.New("chain: transaction not yet mined")
var ErrTxReverted = errors.New("chain: transaction reverted")

// ReceiptFetcher is the subset of ethclient.Client the verifier needs;
// accepting the interface (not the concrete client) keeps the verifier
// testable without a live RPC endpoint.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Verifier implements quote.ChainVerifier against a USDC ERC20 contract by
// inspecting a transaction's mined logs for a matching Transfer event.
type Verifier struct {
	client          ReceiptFetcher
	usdcContract    common.Address
	confirmations   uint64
	logger          *zap.Logger
}

// NewVerifier builds a Verifier for the given USDC contract address.
func NewVerifier(client ReceiptFetcher, usdcContract common.Address, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{client: client, usdcContract: usdcContract, logger: logger}
}

// VerifyUSDCTransfer implements quote.ChainVerifier: the transaction must
// be mined and successful, and must contain a USDC Transfer log from
// `from` to `to` with value >= minAmount.
func (v *Verifier) VerifyUSDCTransfer(ctx context.Context, txHash common.Hash, from, to common.Address, minAmount money.Amount) (bool, error) {
	receipt, err := v.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return false, err
	}
	if receipt == nil {
		return false, ErrTxNotMined
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return false, ErrTxReverted
	}

	minValue := new(big.Int)
	minValue.SetString(minAmount.String(), 10)

	for _, log := range receipt.Logs {
		if log.Address != v.usdcContract {
			continue
		}
		if len(log.Topics) != 3 || log.Topics[0] != erc20TransferTopic {
			continue
		}
		logFrom := common.BytesToAddress(log.Topics[1].Bytes())
		logTo := common.BytesToAddress(log.Topics[2].Bytes())
		if logFrom != from || logTo != to {
			continue
		}
		value := new(big.Int).SetBytes(log.Data)
		if value.Cmp(minValue) >= 0 {
			return true, nil
		}
	}
	return false, nil
}
