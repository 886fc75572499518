// Package rpctest serves a synthetic chain over JSON-RPC for tests.
package rpctest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/litmus-labs/litmus/pkg/rpc"
)

// Validators of every synthetic era.
var Validators = []string{"01aa", "01bb", "01cc"}

// Chain is an in-memory chain whose eras each end with a switch block. The last era is
// still open unless the chain was built to end on a switch block.
type Chain struct {
	mu          sync.Mutex
	blocks      []*rpc.Block
	byHash      map[string]*rpc.Block
	prunedBelow uint64
	purses      map[string]string
	balances    map[string]string

	calls atomic.Int64
}

// NewChain builds eras 0..len(eraLens)-1 where era i holds eraLens[i] blocks. Every era
// but the last ends with a switch block; closed controls the last one.
func NewChain(eraLens []int, closed bool) *Chain {
	c := &Chain{byHash: map[string]*rpc.Block{}, purses: map[string]string{}, balances: map[string]string{}}
	for era, n := range eraLens {
		for i := 0; i < n; i++ {
			last := i == n-1 && (era < len(eraLens)-1 || closed)
			c.appendLocked(uint64(era), last)
		}
	}
	return c
}

// Hash is the synthetic hash of the block at height h.
func Hash(h uint64) string {
	return fmt.Sprintf("%064x", h+1)
}

// Weight is the synthetic weight of validator index v in era.
func Weight(era uint64, v int) string {
	return fmt.Sprintf("%d", 1000*(era+1)+uint64(v))
}

func (c *Chain) appendLocked(era uint64, switchBlock bool) {
	h := uint64(len(c.blocks))
	b := &rpc.Block{
		Hash: Hash(h),
		Header: rpc.Header{
			EraID:         era,
			Height:        h,
			StateRootHash: fmt.Sprintf("%064x", h+1<<32),
			Timestamp:     "2024-01-01T00:00:00.000Z",
		},
		Proofs: []rpc.Proof{{PublicKey: Validators[0], Signature: "sig"}},
	}
	if h > 0 {
		b.Header.ParentHash = Hash(h - 1)
	}
	if switchBlock {
		end := &rpc.EraEnd{}
		for i, v := range Validators {
			end.NextEraValidatorWeights = append(end.NextEraValidatorWeights, rpc.ValidatorWeight{
				Validator: v,
				Weight:    Weight(era+1, i),
			})
		}
		b.Header.EraEnd = end
	}
	c.blocks = append(c.blocks, b)
	c.byHash[b.Hash] = b
}

// Extend appends n blocks to the open era and closes it when closeEra is set. A chain
// whose last era is already closed continues with the next era.
func (c *Chain) Extend(n int, closeEra bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	era := c.blocks[len(c.blocks)-1].Header.EraID
	if c.blocks[len(c.blocks)-1].IsSwitchBlock() {
		era++
	}
	for i := 0; i < n; i++ {
		c.appendLocked(era, closeEra && i == n-1)
	}
}

// Prune makes every block below height h answer with the pruned-data error.
func (c *Chain) Prune(h uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prunedBelow = h
}

// SetAccount registers a main purse and its balance in motes for publicKey.
func (c *Chain) SetAccount(publicKey, purse, motes string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purses[publicKey] = purse
	c.balances[purse] = motes
}

// Tip returns the latest block.
func (c *Chain) Tip() *rpc.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[len(c.blocks)-1]
}

// Block returns the block at height h, or nil.
func (c *Chain) Block(h uint64) *rpc.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h >= uint64(len(c.blocks)) {
		return nil
	}
	return c.blocks[h]
}

// SwitchBlock returns the switch block closing era, or nil.
func (c *Chain) SwitchBlock(era uint64) *rpc.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.blocks {
		if b.Header.EraID == era && b.IsSwitchBlock() {
			return b
		}
	}
	return nil
}

// Calls is the number of JSON-RPC requests served.
func (c *Chain) Calls() int64 {
	return c.calls.Load()
}

// Server starts an httptest server answering chain_get_block, state_get_account_info and
// query_global_state.
func (c *Chain) Server() *httptest.Server {
	return httptest.NewServer(c)
}

type request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type params struct {
	BlockIdentifier *rpc.BlockIdentifier `json:"block_identifier"`
	PublicKey       string               `json:"public_key"`
	Key             string               `json:"key"`
}

func (c *Chain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.calls.Add(1)
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var p params
	if len(req.Params) > 0 && req.Params[0] == '{' {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	var result any
	var rpcErr *rpc.RPCError
	switch req.Method {
	case "chain_get_block":
		result, rpcErr = c.getBlock(p.BlockIdentifier)
	case "state_get_account_info":
		result, rpcErr = c.accountInfo(p.PublicKey)
	case "query_global_state":
		result, rpcErr = c.globalState(p.Key)
	default:
		rpcErr = &rpc.RPCError{Code: -32601, Message: "Method not found"}
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": 1}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (c *Chain) getBlock(id *rpc.BlockIdentifier) (any, *rpc.RPCError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b *rpc.Block
	switch {
	case id == nil:
		b = c.blocks[len(c.blocks)-1]
	case id.Height != nil:
		if *id.Height < uint64(len(c.blocks)) {
			b = c.blocks[*id.Height]
		}
	default:
		b = c.byHash[strings.ToLower(id.Hash)]
	}
	if b == nil || b.Header.Height < c.prunedBelow {
		return nil, &rpc.RPCError{Code: rpc.CodeDataUnavailable, Message: "No such block"}
	}
	return map[string]any{"api_version": "1.5.6", "block": b}, nil
}

func (c *Chain) accountInfo(publicKey string) (any, *rpc.RPCError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	purse, ok := c.purses[publicKey]
	if !ok {
		return nil, &rpc.RPCError{Code: -32003, Message: "No such account"}
	}
	return map[string]any{
		"api_version":  "1.5.6",
		"account":      map[string]any{"main_purse": purse},
		"merkle_proof": "account:" + purse,
	}, nil
}

func (c *Chain) globalState(key string) (any, *rpc.RPCError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for purse, motes := range c.balances {
		if key == "balance-"+purseAddress(purse) {
			return map[string]any{
				"api_version":  "1.5.6",
				"stored_value": map[string]any{"CLValue": map[string]any{"parsed": motes}},
				"merkle_proof": "balance:" + motes,
			}, nil
		}
	}
	return nil, &rpc.RPCError{Code: -32003, Message: "Failed to query state"}
}

// purseAddress strips the uref- prefix and access suffix from a purse URef.
func purseAddress(uref string) string {
	s := strings.TrimPrefix(uref, "uref-")
	if i := strings.LastIndex(s, "-"); i >= 0 {
		s = s[:i]
	}
	return s
}
