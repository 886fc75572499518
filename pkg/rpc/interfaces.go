package rpc

import (
	"context"
)

// Client captures the node RPC calls used by the light client.
type Client interface {
	LatestBlock(ctx context.Context) (*Block, error)
	BlockByHeight(ctx context.Context, height uint64) (*Block, error)
	BlockByHash(ctx context.Context, hash string) (*Block, error)
	AccountInfo(ctx context.Context, publicKey, blockHash string) (*AccountInfo, error)
	GlobalState(ctx context.Context, stateRootHash, key string, path []string) (*GlobalState, error)
}

// EndpointClient is a Client that can also target one endpoint of its pool directly.
type EndpointClient interface {
	Client
	Pool() *Pool
	BlockByHeightFrom(ctx context.Context, endpoint string, height uint64) (*Block, error)
}

var _ EndpointClient = (*HTTPClient)(nil)
