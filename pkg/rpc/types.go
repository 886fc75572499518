package rpc

import (
	"encoding/json"
)

const jsonRPCVersion = "2.0"

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result and Error is set
// by a well-behaved node.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// BlockIdentifier selects a block by exactly one of hash or height.
type BlockIdentifier struct {
	Hash   string  `json:"Hash,omitempty"`
	Height *uint64 `json:"Height,omitempty"`
}

type blockParams struct {
	BlockIdentifier BlockIdentifier `json:"block_identifier"`
}

type accountInfoParams struct {
	PublicKey       string          `json:"public_key"`
	BlockIdentifier BlockIdentifier `json:"block_identifier"`
}

type stateIdentifier struct {
	StateRootHash string `json:"StateRootHash"`
}

type globalStateParams struct {
	StateIdentifier stateIdentifier `json:"state_identifier"`
	Key             string          `json:"key"`
	Path            []string        `json:"path"`
}

// heightID returns a BlockIdentifier for height h.
func heightID(h uint64) BlockIdentifier {
	return BlockIdentifier{Height: &h}
}
