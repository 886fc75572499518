package validate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/litmus-labs/litmus/pkg/db/models"
	"github.com/litmus-labs/litmus/pkg/events"
	"github.com/litmus-labs/litmus/pkg/metrics"
	"github.com/litmus-labs/litmus/pkg/rpc"
	"github.com/litmus-labs/litmus/pkg/state"
	"go.uber.org/zap"
)

var (
	// ErrVerificationFailed wraps every error returned by a Verifier.
	ErrVerificationFailed = errors.New("switch block verification failed")
	// ErrUnordered means the blocks are not consecutive eras in ascending order.
	ErrUnordered = errors.New("switch blocks are not consecutive eras")
	// ErrNotSwitchBlock means a block without an era end was handed to the sequencer.
	ErrNotSwitchBlock = errors.New("not a switch block")
)

// Verifier checks the finality signatures of block against the validator set of eraID.
type Verifier interface {
	Validate(ctx context.Context, block *rpc.Block, weights map[string]*big.Int, eraID uint64) error
}

// Store is the part of db.Store the sequencer writes to.
type Store interface {
	UpsertSwitchBlock(ctx context.Context, sb models.SwitchBlock) error
	UpsertValidatorWeights(ctx context.Context, rows []models.ValidatorWeight) error
}

// Opts is the set of options for a new Sequencer.
type Opts struct {
	Verifier Verifier
	Store    Store
	// State, when set, guards every step and receives progress.
	State   *state.Manager
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// Sequencer validates switch blocks era by era. Block i is verified with the validator
// set announced by block i-1, so the chain of trust starts at the first block.
type Sequencer struct {
	verifier Verifier
	store    Store
	state    *state.Manager
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// Validated is the payload of an era.validated event.
type Validated struct {
	Era         uint64 `json:"era"`
	BlockHeight uint64 `json:"block_height"`
	Hash        string `json:"hash"`
}

// New creates a new Sequencer.
func New(o Opts) *Sequencer {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Sequencer{
		verifier: o.Verifier,
		store:    o.Store,
		state:    o.State,
		metrics:  o.Metrics,
		logger:   o.Logger.Named("sequencer"),
		now:      o.Now,
	}
}

// Run validates blocks[1:] against their predecessors and persists each one as it
// passes. blocks[0] is the anchor and is trusted as is. The first failure stops the run;
// everything persisted before it stays valid.
func (s *Sequencer) Run(ctx context.Context, blocks []*rpc.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	if err := checkSequence(blocks); err != nil {
		return err
	}

	if err := s.guard(ctx); err != nil {
		return err
	}
	anchor := blocks[0]
	if err := s.persist(ctx, anchor); err != nil {
		return fmt.Errorf("persist anchor era %d: %w", anchor.Header.EraID, err)
	}
	s.validated(ctx, anchor, false)

	total := len(blocks) - 1
	started := s.now()
	s.progress(started, 0, total)

	for i := 1; i < len(blocks); i++ {
		if err := s.guard(ctx); err != nil {
			return err
		}
		prev, b := blocks[i-1], blocks[i]

		weights, err := prev.NextEraWeights()
		if err != nil {
			return fmt.Errorf("weights of era %d: %w", b.Header.EraID, err)
		}
		if err := s.verifier.Validate(ctx, b, weights, b.Header.EraID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: era %d block %s: %v", ErrVerificationFailed, b.Header.EraID, b.Hash, err)
		}
		if err := s.persist(ctx, b); err != nil {
			return fmt.Errorf("persist era %d: %w", b.Header.EraID, err)
		}

		s.validated(ctx, b, true)
		s.progress(started, i, total)
		s.logger.Info("Switch block validated",
			zap.Uint64("era", b.Header.EraID),
			zap.Uint64("height", b.Header.Height),
			zap.Int("done", i),
			zap.Int("total", total))
	}
	return nil
}

// checkSequence requires switch blocks of consecutive eras.
func checkSequence(blocks []*rpc.Block) error {
	for i, b := range blocks {
		if !b.IsSwitchBlock() {
			if b == nil {
				return fmt.Errorf("%w: block %d is missing", ErrNotSwitchBlock, i)
			}
			return fmt.Errorf("%w: height %d (era %d)", ErrNotSwitchBlock, b.Header.Height, b.Header.EraID)
		}
		if i == 0 {
			continue
		}
		prev := blocks[i-1]
		if b.Header.EraID != prev.Header.EraID+1 || b.Header.Height <= prev.Header.Height {
			return fmt.Errorf("%w: era %d at height %d follows era %d at height %d",
				ErrUnordered, b.Header.EraID, b.Header.Height, prev.Header.EraID, prev.Header.Height)
		}
	}
	return nil
}

// persist writes b as validated along with the validator set its era end announces.
func (s *Sequencer) persist(ctx context.Context, b *rpc.Block) error {
	weights, err := b.NextEraWeights()
	if err != nil {
		return err
	}
	if err := s.store.UpsertSwitchBlock(ctx, models.SwitchBlock{
		Era:         b.Header.EraID,
		BlockHeight: b.Header.Height,
		Validated:   true,
	}); err != nil {
		return err
	}
	return s.store.UpsertValidatorWeights(ctx, models.WeightsFromMap(b.Header.EraID+1, weights))
}

func (s *Sequencer) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.state != nil {
		return s.state.Guard()
	}
	return nil
}

// validated advances the last validated era. It never moves backwards.
func (s *Sequencer) validated(ctx context.Context, b *rpc.Block, verified bool) {
	if verified {
		s.metrics.BlockValidated()
	}
	if s.state == nil {
		return
	}
	advanced := false
	s.state.Update(func(st *state.State) {
		if st.LastValidated == nil || st.LastValidated.Era < b.Header.EraID {
			st.LastValidated = &state.EraRef{Era: b.Header.EraID, BlockHeight: b.Header.Height}
			advanced = true
		}
	})
	if !advanced {
		return
	}
	s.metrics.SetLastValidated(b.Header.EraID)
	if verified {
		s.state.Publish(ctx, events.TypeValidated, Validated{
			Era:         b.Header.EraID,
			BlockHeight: b.Header.Height,
			Hash:        b.Hash,
		})
	}
}

func (s *Sequencer) progress(started time.Time, done, total int) {
	if s.state == nil {
		return
	}
	p := state.NewProgress(started, s.now(), done, total)
	s.state.Update(func(st *state.State) {
		st.Validate = p
	})
}
