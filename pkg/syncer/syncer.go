package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/litmus-labs/litmus/pkg/db"
	"github.com/litmus-labs/litmus/pkg/db/models"
	"github.com/litmus-labs/litmus/pkg/fetcher"
	"github.com/litmus-labs/litmus/pkg/locator"
	"github.com/litmus-labs/litmus/pkg/metrics"
	"github.com/litmus-labs/litmus/pkg/rpc"
	"github.com/litmus-labs/litmus/pkg/state"
	"github.com/litmus-labs/litmus/pkg/utils"
	"github.com/litmus-labs/litmus/pkg/validate"
	"go.uber.org/zap"
)

// Messages left in the state for the operator.
const (
	InfoCompleted   = "Validation completed. Waiting for the new switch block."
	InfoCancelled   = "Sync cancelled."
	errInvalidHash  = "invalid block hash %q"
	errAnchorFormat = "anchor at height %d is era %d, expected switch block of era %d"
)

// ErrNoTrustPoint means there is neither a validated switch block nor a trusted block to
// start from.
var ErrNoTrustPoint = errors.New("no last validated block found and no trusted block specified")

// Opts is the set of options for a new Syncer.
type Opts struct {
	Client    rpc.EndpointClient
	Locator   *locator.Locator
	Store     db.Store
	State     *state.Manager
	Sequencer *validate.Sequencer
	Fetch     fetcher.Options
	// ResetOnOlderTrust starts from a trusted block even when a later era is already
	// validated. By default the later validated era wins.
	ResetOnOlderTrust bool
	Metrics           *metrics.Metrics
	Logger            *zap.Logger
	Now               func() time.Time
}

// Syncer drives the state machine idle -> searching -> idle and idle -> processing ->
// idle. At most one pass runs at a time.
type Syncer struct {
	client     rpc.EndpointClient
	locator    *locator.Locator
	store      db.Store
	state      *state.Manager
	sequencer  *validate.Sequencer
	fetch      fetcher.Options
	resetOlder bool
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	// passMu is held for the whole life of a pass, including its unwinding after Cancel.
	passMu sync.Mutex
	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a new Syncer.
func New(o Opts) *Syncer {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Syncer{
		client:     o.Client,
		locator:    o.Locator,
		store:      o.Store,
		state:      o.State,
		sequencer:  o.Sequencer,
		fetch:      o.Fetch,
		resetOlder: o.ResetOnOlderTrust,
		metrics:    o.Metrics,
		logger:     o.Logger.Named("syncer"),
		now:        o.Now,
	}
}

// Restore loads the persisted state and refreshes the last validated era from the store.
func (s *Syncer) Restore(ctx context.Context) error {
	if err := s.state.Restore(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	lv, err := s.store.LastValidatedSwitchBlock(ctx)
	if err != nil {
		return fmt.Errorf("load last validated switch block: %w", err)
	}
	s.setLastValidated(lv)
	return nil
}

// LastSwitchBlock finds the most recent switch block at the tip. The status moves to
// searching and back unless a pass owns it.
func (s *Syncer) LastSwitchBlock(ctx context.Context) (*rpc.Block, error) {
	s.state.Update(func(st *state.State) {
		st.Error, st.Info = "", ""
		st.LastSwitchBlock = nil
		if st.Status != state.StatusProcessing {
			st.Status = state.StatusSearching
		}
	})

	b, err := s.locator.LastSwitchBlock(ctx)

	s.state.Update(func(st *state.State) {
		if st.Status == state.StatusSearching {
			st.Status = state.StatusIdle
		}
		if err != nil {
			st.Error = err.Error()
			return
		}
		st.LastSwitchBlock = state.RefOf(b)
	})
	if err != nil {
		s.logger.Warn("Last switch block lookup failed", zap.Error(err))
		return nil, err
	}
	s.logger.Info("Found last switch block",
		zap.Uint64("era", b.Header.EraID),
		zap.Uint64("height", b.Header.Height),
		zap.String("hash", b.Hash))
	return b, nil
}

// SetTrustedBlock anchors trust at the switch block with the given hash and runs a pass
// from it. It is a no-op returning false while a pass is running.
func (s *Syncer) SetTrustedBlock(ctx context.Context, hash string) (bool, error) {
	if s.state.Status() == state.StatusProcessing {
		return false, nil
	}
	s.state.Update(func(st *state.State) { st.Error, st.Info = "", "" })

	if !utils.IsBlockHash(hash) {
		return false, s.recordError(fmt.Errorf(errInvalidHash, hash))
	}
	b, err := s.client.BlockByHash(ctx, hash)
	if err != nil {
		return false, s.recordError(fmt.Errorf("trusted block %s: %w", hash, err))
	}
	if !b.IsSwitchBlock() {
		return false, s.recordError(fmt.Errorf("block %s: %w", hash, validate.ErrNotSwitchBlock))
	}

	if !s.begin() {
		return false, nil
	}
	s.state.Update(func(st *state.State) {
		st.TrustedBlock = state.RefOf(b)
	})
	s.logger.Info("Trusted block set",
		zap.String("hash", b.Hash),
		zap.Uint64("era", b.Header.EraID),
		zap.Uint64("height", b.Header.Height))
	return true, s.run(ctx, b)
}

// CheckForUpdates publishes the tip and the last validated era, then runs a pass when the
// chain has moved past what is validated.
func (s *Syncer) CheckForUpdates(ctx context.Context) (bool, error) {
	tip, err := s.client.LatestBlock(ctx)
	if err != nil {
		return false, s.checkFailed(fmt.Errorf("latest block: %w", err))
	}
	lv, err := s.store.LastValidatedSwitchBlock(ctx)
	if err != nil {
		return false, s.checkFailed(fmt.Errorf("last validated switch block: %w", err))
	}

	s.metrics.SetTip(tip.Header.EraID, tip.Header.Height)
	s.state.Update(func(st *state.State) {
		st.LastBlock = state.RefOf(tip)
	})
	s.setLastValidated(lv)

	if !NeedsSync(tip, lv) {
		return false, nil
	}
	if !s.begin() {
		return false, nil
	}
	s.logger.Info("Chain advanced past last validated era",
		zap.Uint64("tip_era", tip.Header.EraID),
		zap.Uint64("last_validated_era", lv.Era))
	return true, s.run(ctx, nil)
}

// NeedsSync reports whether tip is far enough past lv to be worth a pass.
func NeedsSync(tip *rpc.Block, lv *models.SwitchBlock) bool {
	if tip == nil || lv == nil {
		return false
	}
	return tip.Header.EraID > lv.Era+1 || (tip.IsSwitchBlock() && tip.Header.EraID > lv.Era)
}

// Cancel stops the running pass. The status leaves processing immediately; the pass
// unwinds at its next checkpoint. It reports whether a pass was running.
func (s *Syncer) Cancel() bool {
	cancelled := false
	s.state.Update(func(st *state.State) {
		if st.Status == state.StatusProcessing {
			st.Status = state.StatusIdle
			st.Info = InfoCancelled
			cancelled = true
		}
	})
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	if cancelled {
		s.logger.Info("Sync pass cancelled")
	}
	return cancelled
}

// begin claims the single pass slot. A pass still unwinding after Cancel keeps the slot.
func (s *Syncer) begin() bool {
	if !s.passMu.TryLock() {
		return false
	}
	if !s.state.TryBeginProcessing() {
		s.passMu.Unlock()
		return false
	}
	return true
}

// run executes one pass and always returns the state to idle. Caller holds the slot.
func (s *Syncer) run(ctx context.Context, trusted *rpc.Block) error {
	defer s.passMu.Unlock()

	passCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	started := s.now()
	err := s.pass(passCtx, trusted)
	s.finish(trusted != nil, err, s.now().Sub(started))
	return err
}

func (s *Syncer) pass(ctx context.Context, trusted *rpc.Block) error {
	lv, err := s.store.LastValidatedSwitchBlock(ctx)
	if err != nil {
		return fmt.Errorf("last validated switch block: %w", err)
	}
	s.setLastValidated(lv)

	start, err := ChooseStart(lv, trusted, s.resetOlder)
	if err != nil {
		return err
	}
	anchor, err := s.anchor(ctx, start, trusted)
	if err != nil {
		return err
	}
	if err := s.store.UpsertSwitchBlock(ctx, models.SwitchBlock{Era: start.Era, BlockHeight: start.BlockHeight, Validated: true}); err != nil {
		return fmt.Errorf("persist anchor: %w", err)
	}

	tip, err := s.client.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}
	s.metrics.SetTip(tip.Header.EraID, tip.Header.Height)
	s.state.Update(func(st *state.State) {
		st.LastBlock = state.RefOf(tip)
		if tip.Header.EraID > start.Era {
			st.BlocksToProcess = int(tip.Header.EraID - start.Era)
		}
	})
	s.logger.Info("Sync pass started",
		zap.Uint64("start_era", start.Era),
		zap.Uint64("start_height", start.BlockHeight),
		zap.Uint64("tip_era", tip.Header.EraID),
		zap.Uint64("tip_height", tip.Header.Height),
		zap.Bool("trusted", trusted != nil))

	found, err := s.discover(ctx, start, tip, false)
	if err != nil {
		return err
	}
	blocks, err := s.collect(ctx, anchor, found)
	if errors.Is(err, fetcher.ErrRecordMismatch) {
		s.logger.Warn("Era index disagrees with the chain, rediscovering by binary search",
			zap.Uint64("start_era", start.Era),
			zap.Error(err))
		if found, err = s.discover(ctx, start, tip, true); err != nil {
			return err
		}
		blocks, err = s.collect(ctx, anchor, found)
	}
	if err != nil {
		return err
	}
	s.state.Update(func(st *state.State) { st.BlocksToProcess = len(blocks) })

	return s.sequencer.Run(ctx, blocks)
}

// ChooseStart picks the switch block a pass starts from. A trusted block older than the
// last validated era is ignored unless reset is set, so trust never retreats by default.
func ChooseStart(lv *models.SwitchBlock, trusted *rpc.Block, reset bool) (models.SwitchBlock, error) {
	if trusted != nil {
		if lv != nil && lv.Era > trusted.Header.EraID && !reset {
			return *lv, nil
		}
		return models.SwitchBlock{Era: trusted.Header.EraID, BlockHeight: trusted.Header.Height, Validated: true}, nil
	}
	if lv != nil {
		return *lv, nil
	}
	return models.SwitchBlock{}, ErrNoTrustPoint
}

// anchor returns the block of the start record, fetching it unless it is the trusted one.
func (s *Syncer) anchor(ctx context.Context, start models.SwitchBlock, trusted *rpc.Block) (*rpc.Block, error) {
	if trusted != nil && trusted.Header.EraID == start.Era && trusted.Header.Height == start.BlockHeight {
		return trusted, nil
	}
	b, err := s.client.BlockByHeight(ctx, start.BlockHeight)
	if err != nil {
		return nil, fmt.Errorf("anchor block: %w", err)
	}
	if !b.IsSwitchBlock() || b.Header.EraID != start.Era {
		return nil, fmt.Errorf(errAnchorFormat, start.BlockHeight, b.Header.EraID, start.Era)
	}
	return b, nil
}

// discover locates every switch block after start and records each one unvalidated as
// soon as it is found. Records already validated at the same height are left alone.
// skipIndex forces binary search for every era.
func (s *Syncer) discover(ctx context.Context, start models.SwitchBlock, tip *rpc.Block, skipIndex bool) ([]locator.Found, error) {
	began := s.now()
	return s.locator.Discover(ctx, start, tip, locator.DiscoverOpts{
		Guard:     s.state.Guard,
		SkipIndex: skipIndex,
		OnFound: func(ctx context.Context, f locator.Found) error {
			existing, err := s.store.SwitchBlock(ctx, f.Record.Era)
			switch {
			case err == nil && existing.Validated && existing.BlockHeight == f.Record.BlockHeight:
				return nil
			case err != nil && !errors.Is(err, db.ErrNotFound):
				return fmt.Errorf("read switch block %d: %w", f.Record.Era, err)
			}
			rec := f.Record
			rec.Validated = false
			if err := s.store.UpsertSwitchBlock(ctx, rec); err != nil {
				return fmt.Errorf("persist switch block %d: %w", rec.Era, err)
			}
			return nil
		},
		OnProgress: func(found, expected int) {
			p := state.NewProgress(began, s.now(), found, expected)
			s.state.Update(func(st *state.State) { st.Fetch = p })
		},
	})
}

// collect fetches the discovered switch blocks not already in hand and returns them after
// the anchor in height order.
func (s *Syncer) collect(ctx context.Context, anchor *rpc.Block, found []locator.Found) ([]*rpc.Block, error) {
	blocks := []*rpc.Block{anchor}
	var missing []models.SwitchBlock
	for _, f := range found {
		if f.Block != nil {
			blocks = append(blocks, f.Block)
			continue
		}
		missing = append(missing, f.Record)
	}

	if len(missing) > 0 {
		if err := s.state.Guard(); err != nil {
			return nil, err
		}
		o := s.fetch
		began := s.now()
		o.OnProgress = func(done, total int) {
			p := state.NewProgress(began, s.now(), done, total)
			s.state.Update(func(st *state.State) { st.Fetch = p })
		}
		if o.Logger == nil {
			o.Logger = s.logger
		}
		fetched, err := fetcher.Blocks(ctx, s.client, missing, o)
		if err != nil {
			return nil, fmt.Errorf("fetch switch blocks: %w", err)
		}
		blocks = append(blocks, fetched...)
	}

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Header.Height < blocks[j].Header.Height })
	return blocks, nil
}

// finish returns the state to idle and records the outcome of a pass.
func (s *Syncer) finish(trustedRun bool, err error, took time.Duration) {
	cancelled := errors.Is(err, state.ErrStateChangedExternally) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
	stale := errors.Is(err, rpc.ErrStaleTrustPoint)

	s.state.Update(func(st *state.State) {
		st.Status = state.StatusIdle
		st.ClearProgress()
		switch {
		case err == nil:
			st.Error, st.Info = "", ""
			if trustedRun {
				st.Info = InfoCompleted
			}
		case cancelled:
			st.Info = InfoCancelled
		case stale:
			st.Error = rpc.ErrStaleTrustPoint.Error()
			st.TrustedBlock = nil
		default:
			st.Error = err.Error()
		}
	})
	s.metrics.ObservePass(err, took)

	switch {
	case err == nil:
		s.logger.Info("Sync pass completed", zap.Duration("took", took))
	case cancelled:
		s.logger.Info("Sync pass stopped", zap.Duration("took", took), zap.Error(err))
	default:
		s.logger.Error("Sync pass failed", zap.Duration("took", took), zap.Error(err))
	}
}

// setLastValidated mirrors the store's last validated record into the state. It never
// moves the state backwards.
func (s *Syncer) setLastValidated(lv *models.SwitchBlock) {
	if lv == nil {
		return
	}
	s.metrics.SetLastValidated(lv.Era)
	s.state.Update(func(st *state.State) {
		if st.LastValidated == nil || st.LastValidated.Era < lv.Era {
			st.LastValidated = state.EraRefOf(lv)
		}
	})
}

// checkFailed records a failed background check unless a pass is running; the pass owns
// the error field until it finishes.
func (s *Syncer) checkFailed(err error) error {
	if s.state.Status() == state.StatusProcessing {
		s.logger.Warn("Background check failed during a pass", zap.Error(err))
		return err
	}
	return s.recordError(err)
}

// recordError stores err in the state and hands it back. A lookup that failed while
// searching returns the status to idle; a running pass is left alone.
func (s *Syncer) recordError(err error) error {
	s.state.Update(func(st *state.State) {
		st.Error = err.Error()
		if st.Status == state.StatusSearching {
			st.Status = state.StatusIdle
		}
	})
	s.logger.Warn("Sync command failed", zap.Error(err))
	return err
}
