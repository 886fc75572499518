package account

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/litmus-labs/litmus/pkg/rpc"
	"github.com/litmus-labs/litmus/pkg/state"
	"github.com/litmus-labs/litmus/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// motesPerCSPR is the number of decimal places between motes and CSPR.
const motesPerCSPR = 9

var (
	// ErrInvalidBlockID means the block identifier is neither a hash nor a height.
	ErrInvalidBlockID = errors.New("invalid block identifier provided")
	// ErrMainPurse means the proven account carries no usable main purse.
	ErrMainPurse = errors.New("failed to extract main_purse from account data")
	// ErrBalance means the proven balance is not a non-negative integer.
	ErrBalance = errors.New("failed to extract balance from merkle proof")
)

var urefRe = regexp.MustCompile(`^uref-([0-9a-fA-F]{64})-[0-7]{3}$`)

// Prover turns a serialized merkle proof into the value it proves.
type Prover interface {
	ProcessQueryProofs(ctx context.Context, merkleProof string, path []string) (map[string]interface{}, error)
}

// Validator checks an account balance against a block's state root using merkle proofs
// returned by the nodes.
type Validator struct {
	client rpc.Client
	prover Prover
	state  *state.Manager
	logger *zap.Logger
}

// New creates a new Validator. st may be nil.
func New(client rpc.Client, prover Prover, st *state.Manager, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{client: client, prover: prover, state: st, logger: logger.Named("account")}
}

// Validate proves the main purse balance of publicKey as of blockID: a 64 character hex
// hash, a height, or empty for the tip. The previous result is cleared first.
func (v *Validator) Validate(ctx context.Context, publicKey, blockID string) (*state.Account, error) {
	v.store(nil)

	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return nil, fmt.Errorf("public key is required")
	}
	block, err := v.resolve(ctx, blockID)
	if err != nil {
		return nil, err
	}

	info, err := v.client.AccountInfo(ctx, publicKey, block.Hash)
	if err != nil {
		return nil, fmt.Errorf("account info: %w", err)
	}
	purse, err := v.mainPurse(ctx, info.MerkleProof)
	if err != nil {
		return nil, err
	}

	addr := urefRe.FindStringSubmatch(purse)
	if addr == nil {
		return nil, fmt.Errorf("%w: %q is not a uref", ErrMainPurse, purse)
	}
	gs, err := v.client.GlobalState(ctx, block.Header.StateRootHash, "balance-"+strings.ToLower(addr[1]), nil)
	if err != nil {
		return nil, fmt.Errorf("purse balance: %w", err)
	}
	motes, err := v.balance(ctx, gs.MerkleProof)
	if err != nil {
		return nil, err
	}

	acc := &state.Account{
		PublicKey:     publicKey,
		BlockHash:     block.Hash,
		BlockHeight:   block.Header.Height,
		StateRootHash: block.Header.StateRootHash,
		MainPurse:     purse,
		BalanceMotes:  motes.String(),
		BalanceCSPR:   MotesToCSPR(motes),
	}
	v.store(acc)
	v.logger.Info("Account balance validated",
		zap.String("public_key", publicKey),
		zap.Uint64("block_height", block.Header.Height),
		zap.String("balance_cspr", acc.BalanceCSPR))
	return acc, nil
}

func (v *Validator) resolve(ctx context.Context, blockID string) (*rpc.Block, error) {
	kind, height := utils.ParseBlockID(blockID)
	switch kind {
	case utils.BlockIDLatest:
		return v.client.LatestBlock(ctx)
	case utils.BlockIDHash:
		return v.client.BlockByHash(ctx, strings.TrimSpace(blockID))
	case utils.BlockIDHeight:
		return v.client.BlockByHeight(ctx, height)
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidBlockID, blockID)
}

func (v *Validator) mainPurse(ctx context.Context, proof string) (string, error) {
	res, err := v.prover.ProcessQueryProofs(ctx, proof, nil)
	if err != nil {
		return "", fmt.Errorf("account proof: %w", err)
	}
	purse, err := rpc.LookupString(res, "value", "Account", "main_purse")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMainPurse, err)
	}
	return purse, nil
}

func (v *Validator) balance(ctx context.Context, proof string) (decimal.Decimal, error) {
	res, err := v.prover.ProcessQueryProofs(ctx, proof, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance proof: %w", err)
	}
	parsed, err := rpc.LookupString(res, "value", "CLValue", "parsed")
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrBalance, err)
	}
	motes, err := decimal.NewFromString(parsed)
	if err != nil || motes.IsNegative() || !motes.Equal(motes.Truncate(0)) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrBalance, parsed)
	}
	return motes, nil
}

func (v *Validator) store(acc *state.Account) {
	if v.state == nil {
		return
	}
	v.state.Update(func(s *state.State) {
		s.Account = acc
	})
}

// MotesToCSPR renders a balance in motes as CSPR with two decimals.
func MotesToCSPR(motes decimal.Decimal) string {
	return motes.Shift(-motesPerCSPR).StringFixed(2)
}
