package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// AccountInfo is the result of state_get_account_info.
type AccountInfo struct {
	APIVersion  string          `json:"api_version"`
	Account     json.RawMessage `json:"account"`
	MerkleProof string          `json:"merkle_proof"`
}

// GlobalState is the result of query_global_state.
type GlobalState struct {
	APIVersion  string          `json:"api_version"`
	BlockHeader json.RawMessage `json:"block_header,omitempty"`
	StoredValue json.RawMessage `json:"stored_value"`
	MerkleProof string          `json:"merkle_proof"`
}

// AccountInfo returns the account record of publicKey as of the block with blockHash.
func (c *HTTPClient) AccountInfo(ctx context.Context, publicKey, blockHash string) (*AccountInfo, error) {
	var out AccountInfo
	params := accountInfoParams{
		PublicKey:       publicKey,
		BlockIdentifier: BlockIdentifier{Hash: blockHash},
	}
	check := func() error {
		if out.MerkleProof == "" {
			return fmt.Errorf("account %s: no merkle proof", publicKey)
		}
		return nil
	}
	if err := c.call(ctx, methodGetAccountInfo, params, &out, check); err != nil {
		return nil, err
	}
	return &out, nil
}

// GlobalState queries key (and optional path) under the given state root hash.
func (c *HTTPClient) GlobalState(ctx context.Context, stateRootHash, key string, path []string) (*GlobalState, error) {
	if path == nil {
		path = []string{}
	}
	var out GlobalState
	params := globalStateParams{
		StateIdentifier: stateIdentifier{StateRootHash: stateRootHash},
		Key:             key,
		Path:            path,
	}
	check := func() error {
		if out.MerkleProof == "" {
			return fmt.Errorf("global state %s: no merkle proof", key)
		}
		return nil
	}
	if err := c.call(ctx, methodQueryGlobal, params, &out, check); err != nil {
		return nil, err
	}
	return &out, nil
}
