package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/chain"
	"github.com/marketflow/coordinator/internal/money"
)

// ecdsaSigner implements chain.Signer over a raw private key, used only
// when the operator configures a real chain RPC endpoint.
type ecdsaSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newECDSASigner(hexKey string) (*ecdsaSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: invalid hot wallet key: %w", err)
	}
	return &ecdsaSigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *ecdsaSigner) Address() common.Address { return s.addr }

func (s *ecdsaSigner) SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	return gethtypes.SignTx(tx, gethtypes.NewEIP155Signer(chainID), s.key)
}

// alwaysAcceptVerifier is the quote.ChainVerifier used in dev/demo mode
// when no chain RPC is configured: payment confirmation is trusted
// without consulting a chain, since spec.md §1 excludes implementing the
// EVM from this system's scope.
type alwaysAcceptVerifier struct{}

func (alwaysAcceptVerifier) VerifyUSDCTransfer(context.Context, common.Hash, common.Address, common.Address, money.Amount) (bool, error) {
	return true, nil
}

// dialChain connects to rpcURL and builds the Verifier (read path) and,
// if hotWalletKeyHex is set, the Transferor (write path) over it, along
// with a liveness ping usable by a health checker.
func dialChain(rpcURL, usdcContractHex, hotWalletKeyHex string, chainID int64, logger *zap.Logger) (*chain.Verifier, *chain.Transferor, func(context.Context) error, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("coordinator: failed to dial chain RPC: %w", err)
	}

	usdcContract := common.HexToAddress(usdcContractHex)
	verifier := chain.NewVerifier(client, usdcContract, logger)

	var transferor *chain.Transferor
	if hotWalletKeyHex != "" {
		signer, err := newECDSASigner(hotWalletKeyHex)
		if err != nil {
			return nil, nil, nil, err
		}
		transferor = chain.NewTransferor(client, signer, usdcContract, big.NewInt(chainID), logger)
	}

	ping := func(ctx context.Context) error {
		_, err := client.BlockNumber(ctx)
		return err
	}

	return verifier, transferor, ping, nil
}
