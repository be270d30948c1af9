// Package chain provides the thin identifier parsing/validation layer and
// on-chain read/write adapters the coordinator needs: address and
// transaction-hash validation (spec.md §6's wire formats), and USDC
// transfer verification/submission against an Ethereum-compatible RPC
// endpoint, wired through go-ethereum's client and ABI packages.
package chain

import (
	"errors"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
)

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	txHashPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

	ErrInvalidAddress = errors.New("chain: address does not match ^0x[0-9a-fA-F]{40}$")
	ErrInvalidTxHash  = errors.New("chain: tx hash does not match ^0x[0-9a-fA-F]{64}$")
)

// ParseAddress validates and parses a user-supplied hex address per
// spec.md §6's userAddress wire format.
func ParseAddress(raw string) (common.Address, error) {
	if !addressPattern.MatchString(raw) {
		return common.Address{}, ErrInvalidAddress
	}
	return common.HexToAddress(raw), nil
}

// ParseTxHash validates and parses a user-supplied hex transaction hash
// per spec.md §6's txHash wire format.
func ParseTxHash(raw string) (common.Hash, error) {
	if !txHashPattern.MatchString(raw) {
		return common.Hash{}, ErrInvalidTxHash
	}
	return common.HexToHash(raw), nil
}
