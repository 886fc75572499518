package locator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/litmus-labs/litmus/pkg/db/models"
	"github.com/litmus-labs/litmus/pkg/rpc"
	"go.uber.org/zap"
)

// ErrSwitchBlockNotFound means no switch block closes the era before the tip within the
// search window.
var ErrSwitchBlockNotFound = errors.New("last switch block not found")

const defaultMaxBlocksPerEra = 500

// BlockSource is the subset of the RPC client the locator probes.
type BlockSource interface {
	LatestBlock(ctx context.Context) (*rpc.Block, error)
	BlockByHeight(ctx context.Context, height uint64) (*rpc.Block, error)
}

// EraIndex is an optional shortcut that lists era boundaries without probing.
type EraIndex interface {
	Enabled() bool
	EraHeights(ctx context.Context, fromEra uint64) ([]rpc.EraHeight, error)
}

// Opts is the set of options for a new Locator.
type Opts struct {
	Client BlockSource
	Index  EraIndex
	// MaxBlocksPerEra bounds the window searched below the tip for the previous switch block.
	MaxBlocksPerEra uint64
	Logger          *zap.Logger
}

// Found is a discovered switch block. Block is nil when the era came from the index.
type Found struct {
	Record models.SwitchBlock
	Block  *rpc.Block
}

// DiscoverOpts controls one Discover run.
type DiscoverOpts struct {
	// Guard is checked before every step; a non-nil error aborts the run.
	Guard func() error
	// OnFound runs for every discovery, in era order, before the next step.
	OnFound func(ctx context.Context, f Found) error
	// OnProgress receives the number of eras found so far and the number expected.
	OnProgress func(found, expected int)
	// SkipIndex bisects every era even when an era index is configured.
	SkipIndex bool
}

// Locator finds switch blocks by binary search over block height.
type Locator struct {
	client          BlockSource
	index           EraIndex
	maxBlocksPerEra uint64
	logger          *zap.Logger

	probes atomic.Uint64
}

// New creates a new Locator.
func New(o Opts) *Locator {
	if o.MaxBlocksPerEra == 0 {
		o.MaxBlocksPerEra = defaultMaxBlocksPerEra
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &Locator{
		client:          o.Client,
		index:           o.Index,
		maxBlocksPerEra: o.MaxBlocksPerEra,
		logger:          o.Logger.Named("locator"),
	}
}

// Probes returns the number of blocks fetched by binary search so far.
func (l *Locator) Probes() uint64 {
	return l.probes.Load()
}

// Locate returns the switch block closing targetEra with height in [low, high], or nil
// when the era has not ended within the range.
func (l *Locator) Locate(ctx context.Context, targetEra, low, high uint64) (*rpc.Block, error) {
	lo, hi := int64(low), int64(high)
	for lo <= hi {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mid := lo + (hi-lo)/2
		l.probes.Add(1)
		b, err := l.client.BlockByHeight(ctx, uint64(mid))
		if err != nil {
			return nil, fmt.Errorf("probe height %d for era %d: %w", mid, targetEra, err)
		}

		switch era := b.Header.EraID; {
		case era < targetEra:
			lo = mid + 1
		case era > targetEra:
			hi = mid - 1
		case b.IsSwitchBlock():
			return b, nil
		default:
			lo = mid + 1
		}
	}
	return nil, nil
}

// LastSwitchBlock returns the most recent switch block at or below the tip.
func (l *Locator) LastSwitchBlock(ctx context.Context) (*rpc.Block, error) {
	tip, err := l.client.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	if tip.IsSwitchBlock() {
		return tip, nil
	}
	if tip.Header.EraID == 0 {
		return nil, ErrSwitchBlockNotFound
	}

	var low uint64
	if tip.Header.Height > l.maxBlocksPerEra {
		low = tip.Header.Height - l.maxBlocksPerEra
	}
	b, err := l.Locate(ctx, tip.Header.EraID-1, low, tip.Header.Height)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: era %d below height %d", ErrSwitchBlockNotFound, tip.Header.EraID-1, tip.Header.Height)
	}
	return b, nil
}

// Discover finds the switch blocks of every era after start up to the tip, in ascending
// era order. Index results are used for the prefix they cover; the rest is bisected.
func (l *Locator) Discover(ctx context.Context, start models.SwitchBlock, tip *rpc.Block, o DiscoverOpts) ([]Found, error) {
	if tip == nil {
		return nil, fmt.Errorf("discover: no tip")
	}
	expected := 0
	if tip.Header.EraID > start.Era {
		expected = int(tip.Header.EraID - start.Era)
	}

	var found []Found
	record := func(f Found) error {
		if o.OnFound != nil {
			if err := o.OnFound(ctx, f); err != nil {
				return err
			}
		}
		found = append(found, f)
		if o.OnProgress != nil {
			if len(found) > expected {
				expected = len(found)
			}
			o.OnProgress(len(found), expected)
		}
		return nil
	}
	guard := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.Guard != nil {
			return o.Guard()
		}
		return nil
	}

	era, low := start.Era+1, start.BlockHeight+1

	var indexed []rpc.EraHeight
	if !o.SkipIndex {
		indexed = l.fromIndex(ctx, start, tip)
	}
	for _, eh := range indexed {
		if err := guard(); err != nil {
			return nil, err
		}
		if err := record(Found{Record: models.SwitchBlock{Era: eh.ID, BlockHeight: eh.EndBlock}}); err != nil {
			return nil, err
		}
		era, low = eh.ID+1, eh.EndBlock+1
	}

	for {
		if err := guard(); err != nil {
			return nil, err
		}
		b, err := l.Locate(ctx, era, low, tip.Header.Height)
		if err != nil {
			return nil, err
		}
		if b == nil {
			break
		}
		if err := record(Found{Record: models.SwitchBlock{Era: b.Header.EraID, BlockHeight: b.Header.Height}, Block: b}); err != nil {
			return nil, err
		}
		l.logger.Debug("Found switch block",
			zap.Uint64("era", b.Header.EraID),
			zap.Uint64("height", b.Header.Height))
		era, low = b.Header.EraID+1, b.Header.Height+1
	}
	return found, nil
}

// fromIndex returns the longest prefix of index entries that continues start without
// gaps and stays below the tip. Any failure yields nil and leaves the work to bisection.
func (l *Locator) fromIndex(ctx context.Context, start models.SwitchBlock, tip *rpc.Block) []rpc.EraHeight {
	if l.index == nil || !l.index.Enabled() {
		return nil
	}
	entries, err := l.index.EraHeights(ctx, start.Era+1)
	if err != nil {
		l.logger.Warn("Era index unavailable, falling back to binary search", zap.Error(err))
		return nil
	}

	var out []rpc.EraHeight
	wantEra, minHeight := start.Era+1, start.BlockHeight+1
	for _, e := range entries {
		if e.ID != wantEra || e.EndBlock < minHeight || e.EndBlock > tip.Header.Height {
			break
		}
		out = append(out, e)
		wantEra, minHeight = e.ID+1, e.EndBlock+1
	}
	if len(out) < len(entries) {
		l.logger.Debug("Era index truncated",
			zap.Int("usable", len(out)),
			zap.Int("returned", len(entries)))
	}
	return out
}
