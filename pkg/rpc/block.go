package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// ValidatorWeight is one entry of an era end's next validator set, weight as a decimal string.
type ValidatorWeight struct {
	Validator string `json:"validator"`
	Weight    string `json:"weight"`
}

// EraEnd is present only on switch blocks, the last block of an era.
type EraEnd struct {
	EraReport               json.RawMessage   `json:"era_report,omitempty"`
	NextEraValidatorWeights []ValidatorWeight `json:"next_era_validator_weights"`
}

// Header is the subset of the block header the light client relies on. Everything else
// travels untouched in Block.Body for the verifier.
type Header struct {
	ParentHash      string  `json:"parent_hash"`
	StateRootHash   string  `json:"state_root_hash"`
	BodyHash        string  `json:"body_hash,omitempty"`
	RandomBit       bool    `json:"random_bit"`
	AccumulatedSeed string  `json:"accumulated_seed,omitempty"`
	EraEnd          *EraEnd `json:"era_end"`
	Timestamp       string  `json:"timestamp"`
	EraID           uint64  `json:"era_id"`
	Height          uint64  `json:"height"`
	ProtocolVersion string  `json:"protocol_version"`
}

// Proof is a finality signature attached to a block.
type Proof struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// Block is a block as returned by chain_get_block.
type Block struct {
	Hash   string          `json:"hash"`
	Header Header          `json:"header"`
	Body   json.RawMessage `json:"body,omitempty"`
	Proofs []Proof         `json:"proofs"`
}

type blockResult struct {
	APIVersion string `json:"api_version"`
	Block      *Block `json:"block"`
}

// IsSwitchBlock reports whether b closes its era.
func (b *Block) IsSwitchBlock() bool {
	return b != nil && b.Header.EraEnd != nil
}

// NextEraWeights returns the validator set b's era end activates for era EraID+1.
func (b *Block) NextEraWeights() (map[string]*big.Int, error) {
	if !b.IsSwitchBlock() {
		return nil, fmt.Errorf("block %d (era %d) has no era end", b.Header.Height, b.Header.EraID)
	}
	out := make(map[string]*big.Int, len(b.Header.EraEnd.NextEraValidatorWeights))
	for _, vw := range b.Header.EraEnd.NextEraValidatorWeights {
		w, ok := new(big.Int).SetString(vw.Weight, 10)
		if !ok || w.Sign() < 0 {
			return nil, fmt.Errorf("validator %s: invalid weight %q", vw.Validator, vw.Weight)
		}
		out[vw.Validator] = w
	}
	return out, nil
}

// wellFormed checks the invariants every block from a peer must satisfy.
func (b *Block) wellFormed() error {
	if b == nil {
		return fmt.Errorf("missing block")
	}
	if b.Hash == "" {
		return fmt.Errorf("block %d has no hash", b.Header.Height)
	}
	if b.IsSwitchBlock() {
		if _, err := b.NextEraWeights(); err != nil {
			return err
		}
	}
	return nil
}

// LatestBlock returns the current tip.
func (c *HTTPClient) LatestBlock(ctx context.Context) (*Block, error) {
	var out blockResult
	if err := c.call(ctx, methodGetBlock, nil, &out, func() error { return out.Block.wellFormed() }); err != nil {
		return nil, err
	}
	return out.Block, nil
}

// BlockByHeight returns the block at height h. A node answering with another height is banned.
func (c *HTTPClient) BlockByHeight(ctx context.Context, h uint64) (*Block, error) {
	var out blockResult
	err := c.call(ctx, methodGetBlock, blockParams{BlockIdentifier: heightID(h)}, &out, heightCheck(&out, h))
	if err != nil {
		return nil, err
	}
	return out.Block, nil
}

// BlockByHeightFrom fetches the block at height h from endpoint ep in a single attempt.
func (c *HTTPClient) BlockByHeightFrom(ctx context.Context, ep string, h uint64) (*Block, error) {
	var out blockResult
	err := c.callEndpoint(ctx, ep, methodGetBlock, blockParams{BlockIdentifier: heightID(h)}, &out, heightCheck(&out, h))
	if err != nil {
		return nil, err
	}
	return out.Block, nil
}

// BlockByHash returns the block with the given hash.
func (c *HTTPClient) BlockByHash(ctx context.Context, hash string) (*Block, error) {
	var out blockResult
	check := func() error {
		if err := out.Block.wellFormed(); err != nil {
			return err
		}
		if !strings.EqualFold(out.Block.Hash, hash) {
			return fmt.Errorf("%w: asked for block %s, got %s", ErrMismatch, hash, out.Block.Hash)
		}
		return nil
	}
	if err := c.call(ctx, methodGetBlock, blockParams{BlockIdentifier: BlockIdentifier{Hash: hash}}, &out, check); err != nil {
		return nil, err
	}
	return out.Block, nil
}

func heightCheck(out *blockResult, h uint64) func() error {
	return func() error {
		if err := out.Block.wellFormed(); err != nil {
			return err
		}
		if out.Block.Header.Height != h {
			return fmt.Errorf("%w: asked for height %d, got %d", ErrMismatch, h, out.Block.Header.Height)
		}
		return nil
	}
}
