// Package client provides per-network JSON-RPC clients used by the shared
// block watcher. The EVM implementation wraps go-ethereum's ethclient and
// applies an optional request rate limit.
package client

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/0xmhha/orchestrator-go/types"
)

// BlockClient is the minimal surface the watcher needs from a network client.
type BlockClient interface {
	// LatestBlockNumber returns the current chain head height.
	LatestBlockNumber(ctx context.Context) (uint64, error)
	// BlockByNumber fetches a single block.
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
	// BlockRange fetches the contiguous range [from, to] in one batch.
	BlockRange(ctx context.Context, from, to uint64) ([]*types.Block, error)
	// Close releases the underlying connection.
	Close()
}

// Config holds client configuration
type Config struct {
	Network   types.Network
	Timeout   time.Duration
	RateLimit float64
	Logger    *zap.Logger
}

// EVMClient implements BlockClient against an Ethereum JSON-RPC endpoint.
type EVMClient struct {
	network   types.Network
	ethClient *ethclient.Client
	rpcClient *rpc.Client
	limiter   *rate.Limiter
	timeout   time.Duration
	logger    *zap.Logger
}

var _ BlockClient = (*EVMClient)(nil)

// NewEVMClient dials the network's RPC endpoint and verifies the connection.
func NewEVMClient(ctx context.Context, cfg *Config) (*EVMClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Network.RPCEndpoint == "" {
		return nil, fmt.Errorf("network %q: endpoint cannot be empty", cfg.Network.ID)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	rpcClient, err := rpc.DialContext(dialCtx, cfg.Network.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1)
	}

	c := &EVMClient{
		network:   cfg.Network,
		ethClient: ethclient.NewClient(rpcClient),
		rpcClient: rpcClient,
		limiter:   limiter,
		timeout:   cfg.Timeout,
		logger:    logger,
	}

	// Verify connection and chain identity
	chainID, err := c.ethClient.ChainID(dialCtx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to ping RPC endpoint: %w", err)
	}
	if cfg.Network.ChainID != 0 && chainID.Uint64() != cfg.Network.ChainID {
		rpcClient.Close()
		return nil, fmt.Errorf("network %q: chain ID mismatch: endpoint reports %d, config says %d",
			cfg.Network.ID, chainID.Uint64(), cfg.Network.ChainID)
	}

	logger.Info("connected to network RPC",
		zap.String("network", cfg.Network.ID),
		zap.Uint64("chain_id", chainID.Uint64()))

	return c, nil
}

// Close closes the client connection.
func (c *EVMClient) Close() {
	if c.ethClient != nil {
		c.ethClient.Close()
	}
}

// wait blocks until the rate limiter admits one request.
func (c *EVMClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// callCtx bounds a single RPC call with the configured timeout.
func (c *EVMClient) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// LatestBlockNumber returns the current chain head height.
func (c *EVMClient) LatestBlockNumber(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	number, err := c.ethClient.BlockNumber(callCtx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}
	return number, nil
}

// BlockByNumber fetches a single block.
func (c *EVMClient) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	block, err := c.ethClient.BlockByNumber(callCtx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", number, err)
	}
	return c.convert(block.Header(), len(block.Transactions())), nil
}

// BlockRange fetches the contiguous range [from, to] as a single batch call.
func (c *EVMClient) BlockRange(ctx context.Context, from, to uint64) ([]*types.Block, error) {
	if to < from {
		return nil, fmt.Errorf("invalid block range [%d, %d]", from, to)
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	count := int(to - from + 1)
	headers := make([]*ethtypes.Header, count)
	batch := make([]rpc.BatchElem, count)
	for i := 0; i < count; i++ {
		batch[i] = rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{fmt.Sprintf("0x%x", from+uint64(i)), false},
			Result: &headers[i],
		}
	}

	if err := c.rpcClient.BatchCallContext(callCtx, batch); err != nil {
		return nil, fmt.Errorf("batch call failed: %w", err)
	}

	blocks := make([]*types.Block, count)
	for i, elem := range batch {
		if elem.Error != nil {
			c.logger.Error("failed to fetch block in batch",
				zap.String("network", c.network.ID),
				zap.Uint64("block_number", from+uint64(i)),
				zap.Error(elem.Error))
			return nil, fmt.Errorf("failed to fetch block %d: %w", from+uint64(i), elem.Error)
		}
		if headers[i] == nil {
			return nil, fmt.Errorf("block %d not yet available", from+uint64(i))
		}
		blocks[i] = c.convert(headers[i], 0)
	}

	return blocks, nil
}

// convert maps a go-ethereum header onto the orchestrator block model.
func (c *EVMClient) convert(header *ethtypes.Header, txCount int) *types.Block {
	return &types.Block{
		NetworkID:  c.network.ID,
		Number:     header.Number.Uint64(),
		Hash:       header.Hash().Hex(),
		ParentHash: header.ParentHash.Hex(),
		Timestamp:  header.Time,
		TxCount:    txCount,
		FetchedAt:  time.Now().UTC(),
	}
}
