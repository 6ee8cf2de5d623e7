// Package chain answers the read-only chain queries the wallet RPC exposes.
package chain

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by the nil clients when no endpoint was set.
var ErrNotConfigured = errors.New("chain client not configured")

// ErrInvalidAddress marks an address the chain library rejected.
var ErrInvalidAddress = errors.New("invalid address")

// Solana queries a Solana JSON-RPC node.
type Solana interface {
	Balance(ctx context.Context, publicKey string) (uint64, error)
	TransactionCount(ctx context.Context) (uint64, error)
}

// EVM queries an Ethereum JSON-RPC node.
type EVM interface {
	// Balance returns the wei balance as a 0x-prefixed hex quantity.
	Balance(ctx context.Context, address, block string) (string, error)
}

type unconfiguredSolana struct{}

func (unconfiguredSolana) Balance(context.Context, string) (uint64, error) {
	return 0, ErrNotConfigured
}

func (unconfiguredSolana) TransactionCount(context.Context) (uint64, error) {
	return 0, ErrNotConfigured
}

type unconfiguredEVM struct{}

func (unconfiguredEVM) Balance(context.Context, string, string) (string, error) {
	return "", ErrNotConfigured
}

// Unconfigured returns clients that fail every query with ErrNotConfigured.
func Unconfigured() (Solana, EVM) {
	return unconfiguredSolana{}, unconfiguredEVM{}
}
