package validate

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/litmus-labs/litmus/pkg/db"
	"github.com/litmus-labs/litmus/pkg/db/memory"
	"github.com/litmus-labs/litmus/pkg/db/models"
	"github.com/litmus-labs/litmus/pkg/events"
	"github.com/litmus-labs/litmus/pkg/rpc"
	"github.com/litmus-labs/litmus/pkg/rpc/rpctest"
	"github.com/litmus-labs/litmus/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// MockVerifier is a mock implementation of Verifier for testing
type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Validate(ctx context.Context, block *rpc.Block, weights map[string]*big.Int, eraID uint64) error {
	args := m.Called(ctx, block, weights, eraID)
	return args.Error(0)
}

// switchBlocks returns the switch blocks of eras from..to of a chain with 100 blocks per era.
func switchBlocks(t *testing.T, from, to uint64) []*rpc.Block {
	lens := make([]int, to+2)
	for i := range lens {
		lens[i] = 100
	}
	chain := rpctest.NewChain(lens, false)
	var out []*rpc.Block
	for era := from; era <= to; era++ {
		b := chain.SwitchBlock(era)
		require.NotNil(t, b)
		out = append(out, b)
	}
	return out
}

func processingManager(t *testing.T, pub events.Publisher) *state.Manager {
	m := state.NewManager(state.ManagerOpts{Publisher: pub})
	require.True(t, m.TryBeginProcessing())
	return m
}

func weightsOf(t *testing.T, b *rpc.Block) map[string]*big.Int {
	w, err := b.NextEraWeights()
	require.NoError(t, err)
	return w
}

func TestSequencer_ValidatesEraByEra(t *testing.T) {
	ctx := context.Background()
	blocks := switchBlocks(t, 10, 13)
	store := memory.New()

	verifier := &MockVerifier{}
	for i := 1; i < len(blocks); i++ {
		b := blocks[i]
		verifier.On("Validate", mock.Anything, b, weightsOf(t, blocks[i-1]), b.Header.EraID).Return(nil).Once()
	}

	var validated []events.Event
	m := processingManager(t, events.Func(func(_ context.Context, ev events.Event) error {
		if ev.Type == events.TypeValidated {
			validated = append(validated, ev)
		}
		return nil
	}))

	seq := New(Opts{Verifier: verifier, Store: store, State: m, Logger: zaptest.NewLogger(t)})
	require.NoError(t, seq.Run(ctx, blocks))
	verifier.AssertExpectations(t)

	for _, b := range blocks {
		sb, err := store.SwitchBlock(ctx, b.Header.EraID)
		require.NoError(t, err)
		assert.True(t, sb.Validated)
		assert.Equal(t, b.Header.Height, sb.BlockHeight)

		w, err := store.ValidatorWeights(ctx, b.Header.EraID+1)
		require.NoError(t, err)
		assert.Equal(t, rpctest.Weight(b.Header.EraID+1, 0), w[rpctest.Validators[0]].String())
	}

	snap := m.Snapshot()
	require.NotNil(t, snap.LastValidated)
	assert.Equal(t, uint64(13), snap.LastValidated.Era)
	assert.Equal(t, 100.0, snap.Validate.Percent)
	assert.Equal(t, 3, snap.Validate.Blocks)
	assert.Len(t, validated, 3)
}

func TestSequencer_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	blocks := switchBlocks(t, 10, 13)
	store := memory.New()
	verifier := &MockVerifier{}
	verifier.On("Validate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	seq := New(Opts{Verifier: verifier, Store: store})

	snapshot := func() ([]models.SwitchBlock, map[uint64]map[string]string) {
		rows, err := store.SwitchBlocks(ctx, 0, 100)
		require.NoError(t, err)
		weights := map[uint64]map[string]string{}
		for era := uint64(11); era <= 14; era++ {
			w, err := store.ValidatorWeights(ctx, era)
			require.NoError(t, err)
			weights[era] = map[string]string{}
			for k, v := range w {
				weights[era][k] = v.String()
			}
		}
		return rows, weights
	}

	require.NoError(t, seq.Run(ctx, blocks))
	rows1, weights1 := snapshot()
	require.NoError(t, seq.Run(ctx, blocks))
	rows2, weights2 := snapshot()

	require.Len(t, rows1, 4)
	for i := range rows1 {
		assert.Equal(t, rows1[i].Era, rows2[i].Era)
		assert.Equal(t, rows1[i].BlockHeight, rows2[i].BlockHeight)
		assert.Equal(t, rows1[i].Validated, rows2[i].Validated)
	}
	assert.Equal(t, weights1, weights2)
}

func TestSequencer_StopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	blocks := switchBlocks(t, 10, 13)
	store := memory.New()

	verifier := &MockVerifier{}
	verifier.On("Validate", mock.Anything, blocks[1], mock.Anything, uint64(11)).Return(nil)
	verifier.On("Validate", mock.Anything, blocks[2], mock.Anything, uint64(12)).Return(errors.New("bad signature"))

	m := processingManager(t, nil)
	err := New(Opts{Verifier: verifier, Store: store, State: m}).Run(ctx, blocks)

	assert.ErrorIs(t, err, ErrVerificationFailed)
	verifier.AssertNotCalled(t, "Validate", mock.Anything, blocks[3], mock.Anything, mock.Anything)

	last, err := store.LastValidatedSwitchBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), last.Era)
	_, err = store.SwitchBlock(ctx, 12)
	assert.Error(t, err)
	assert.Equal(t, uint64(11), m.Snapshot().LastValidated.Era)
}

func TestSequencer_RejectsBadSequences(t *testing.T) {
	blocks := switchBlocks(t, 10, 13)
	verifier := &MockVerifier{}

	t.Run("gap", func(t *testing.T) {
		store := memory.New()
		err := New(Opts{Verifier: verifier, Store: store}).Run(context.Background(), []*rpc.Block{blocks[0], blocks[2]})
		assert.ErrorIs(t, err, ErrUnordered)
		rows, _ := store.SwitchBlocks(context.Background(), 0, 10)
		assert.Empty(t, rows)
	})

	t.Run("descending", func(t *testing.T) {
		err := New(Opts{Verifier: verifier, Store: memory.New()}).Run(context.Background(), []*rpc.Block{blocks[1], blocks[0]})
		assert.ErrorIs(t, err, ErrUnordered)
	})

	t.Run("not a switch block", func(t *testing.T) {
		plain := &rpc.Block{Hash: "x", Header: rpc.Header{EraID: 11, Height: 1150}}
		err := New(Opts{Verifier: verifier, Store: memory.New()}).Run(context.Background(), []*rpc.Block{blocks[0], plain})
		assert.ErrorIs(t, err, ErrNotSwitchBlock)
	})

	verifier.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSequencer_StopsWhenStateChangesExternally(t *testing.T) {
	blocks := switchBlocks(t, 10, 12)
	store := memory.New()
	m := processingManager(t, nil)

	verifier := &MockVerifier{}
	verifier.On("Validate", mock.Anything, blocks[1], mock.Anything, uint64(11)).
		Run(func(mock.Arguments) { m.Update(func(s *state.State) { s.Status = state.StatusIdle }) }).
		Return(nil)

	err := New(Opts{Verifier: verifier, Store: store, State: m}).Run(context.Background(), blocks)
	assert.ErrorIs(t, err, state.ErrStateChangedExternally)
	verifier.AssertNumberOfCalls(t, "Validate", 1)

	// The block verified before the status changed is kept.
	last, err := store.LastValidatedSwitchBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(11), last.Era)
}

func TestSequencer_LastValidatedNeverMovesBack(t *testing.T) {
	blocks := switchBlocks(t, 10, 11)
	m := processingManager(t, nil)
	m.Update(func(s *state.State) { s.LastValidated = &state.EraRef{Era: 20, BlockHeight: 2099} })

	verifier := &MockVerifier{}
	verifier.On("Validate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, New(Opts{Verifier: verifier, Store: memory.New(), State: m}).Run(context.Background(), blocks))
	assert.Equal(t, uint64(20), m.Snapshot().LastValidated.Era)
}

func TestSequencer_AnchorOnly(t *testing.T) {
	blocks := switchBlocks(t, 10, 10)
	store := memory.New()
	verifier := &MockVerifier{}

	require.NoError(t, New(Opts{Verifier: verifier, Store: store}).Run(context.Background(), blocks))
	sb, err := store.SwitchBlock(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, sb.Validated)
	verifier.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSequencer_StoppedPassWritesNothing(t *testing.T) {
	blocks := switchBlocks(t, 10, 11)
	store := memory.New()
	m := processingManager(t, nil)
	m.Update(func(s *state.State) { s.Status = state.StatusIdle })
	verifier := &MockVerifier{}

	err := New(Opts{Verifier: verifier, Store: store, State: m}).Run(context.Background(), blocks)
	assert.ErrorIs(t, err, state.ErrStateChangedExternally)

	_, err = store.SwitchBlock(context.Background(), 10)
	assert.ErrorIs(t, err, db.ErrNotFound)
	verifier.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
