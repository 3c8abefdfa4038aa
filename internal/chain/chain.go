// Package chain defines the chain-provider capabilities the simulator needs
// and helpers for generating simulated accounts.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Provider is the minimum a development chain must offer to drive a run.
type Provider interface {
	// AdvanceTime mines blocks, spacing their timestamps by blockTime seconds.
	AdvanceTime(ctx context.Context, blocks, blockTime uint64) error
	CurrentBlockNumber(ctx context.Context) (uint64, error)
	SetBalance(ctx context.Context, addr common.Address, amount *big.Int) error
}

// Head is the latest block as seen by the provider.
type Head struct {
	Number    uint64
	Timestamp time.Time
}

// HeadReader is implemented by providers that expose block timestamps.
type HeadReader interface {
	Head(ctx context.Context) (Head, error)
}

// Impersonator is implemented by providers that can act for arbitrary addresses.
type Impersonator interface {
	Impersonate(ctx context.Context, addr common.Address) error
}

// TokenReader reads ERC20 balances.
type TokenReader interface {
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
}

// LogFilterer fetches historical logs.
type LogFilterer interface {
	FilterLogs(ctx context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error)
}

// ValueSender transfers native currency. A nil key means the sender is impersonated.
type ValueSender interface {
	SendValue(ctx context.Context, from common.Address, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (common.Hash, error)
}

// GenerateAccount creates a fresh secp256k1 key and its address.
func GenerateAccount() (common.Address, *ecdsa.PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("generate account key: %w", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey), key, nil
}

// Ether converts a whole-ether amount to wei.
func Ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}
