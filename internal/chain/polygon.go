// Package chain provides the Polygon RPC client used for wallet lookups.
package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client wraps an ethclient connection to a Polygon RPC endpoint.
type Client struct {
	ec *ethclient.Client
}

// Dial connects to the RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}
	return &Client{ec: ec}, nil
}

// TransactionCount returns the number of transactions the address has sent,
// i.e. its current nonce at the latest block.
func (c *Client) TransactionCount(ctx context.Context, address string) (int, error) {
	if !common.IsHexAddress(address) {
		return -1, fmt.Errorf("invalid address %q", address)
	}

	nonce, err := c.ec.NonceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return -1, fmt.Errorf("nonce lookup: %w", err)
	}
	return int(nonce), nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.ec.Close()
}
