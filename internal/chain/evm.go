package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

type balanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingBalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

// EVMClient wraps go-ethereum's ethclient.
type EVMClient struct {
	eth balanceReader
}

// DialEVM connects to endpoint, or returns the unconfigured client when it is empty.
func DialEVM(ctx context.Context, endpoint string) (EVM, func(), error) {
	if endpoint == "" {
		return unconfiguredEVM{}, func() {}, nil
	}
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("dial ethereum rpc %s: %w", endpoint, err)
	}
	return &EVMClient{eth: client}, client.Close, nil
}

// Balance returns the balance of address at block ("latest", "pending",
// "earliest", "safe", "finalized" or a hex number).
func (c *EVMClient) Balance(ctx context.Context, address, block string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	account := common.HexToAddress(address)

	var (
		bal *big.Int
		err error
	)
	switch tag := strings.ToLower(strings.TrimSpace(block)); tag {
	case "", "latest":
		bal, err = c.eth.BalanceAt(ctx, account, nil)
	case "safe":
		bal, err = c.eth.BalanceAt(ctx, account, big.NewInt(rpc.SafeBlockNumber.Int64()))
	case "finalized":
		bal, err = c.eth.BalanceAt(ctx, account, big.NewInt(rpc.FinalizedBlockNumber.Int64()))
	case "pending":
		bal, err = c.eth.PendingBalanceAt(ctx, account)
	case "earliest":
		bal, err = c.eth.BalanceAt(ctx, account, big.NewInt(0))
	default:
		num, perr := hexutil.DecodeBig(tag)
		if perr != nil {
			return "", fmt.Errorf("invalid block %q: %w", block, perr)
		}
		bal, err = c.eth.BalanceAt(ctx, account, num)
	}
	if err != nil {
		return "", fmt.Errorf("eth_getBalance: %w", err)
	}
	return hexutil.EncodeBig(bal), nil
}
