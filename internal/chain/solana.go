package chain

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

type solanaRPC interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTransactionCount(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// SolanaClient wraps the solana-go JSON-RPC client.
type SolanaClient struct {
	rpc        solanaRPC
	commitment rpc.CommitmentType
}

// NewSolana returns a client for endpoint, or the unconfigured client when
// endpoint is empty.
func NewSolana(endpoint, commitment string) Solana {
	if endpoint == "" {
		return unconfiguredSolana{}
	}
	return newSolanaClient(rpc.New(endpoint), commitment)
}

func newSolanaClient(client solanaRPC, commitment string) *SolanaClient {
	c := rpc.CommitmentType(commitment)
	switch c {
	case rpc.CommitmentFinalized, rpc.CommitmentConfirmed, rpc.CommitmentProcessed:
	default:
		c = rpc.CommitmentConfirmed
	}
	return &SolanaClient{rpc: client, commitment: c}
}

// Balance returns the lamport balance of publicKey.
func (c *SolanaClient) Balance(ctx context.Context, publicKey string) (uint64, error) {
	pk, err := solana.PublicKeyFromBase58(publicKey)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	res, err := c.rpc.GetBalance(ctx, pk, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("solana getBalance: %w", err)
	}
	if res == nil {
		return 0, nil
	}
	return res.Value, nil
}

// TransactionCount returns the cluster's transaction count.
func (c *SolanaClient) TransactionCount(ctx context.Context) (uint64, error) {
	n, err := c.rpc.GetTransactionCount(ctx, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("solana getTransactionCount: %w", err)
	}
	return n, nil
}
