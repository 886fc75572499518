package memory

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/litmus-labs/litmus/pkg/db"
	"github.com/litmus-labs/litmus/pkg/db/models"
	"github.com/puzpuzpuz/xsync/v4"
)

// Store is an in-process db.Store. State is lost on restart; it backs tests and
// ephemeral runs where ClickHouse is not configured.
type Store struct {
	switchBlocks *xsync.Map[uint64, models.SwitchBlock]
	// weights holds one immutable validator set per era; updates swap the whole map.
	weights *xsync.Map[uint64, map[string]*big.Int]
	now     func() time.Time
}

var _ db.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		switchBlocks: xsync.NewMap[uint64, models.SwitchBlock](),
		weights:      xsync.NewMap[uint64, map[string]*big.Int](),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) UpsertSwitchBlock(ctx context.Context, sb models.SwitchBlock) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sb.UpdatedAt.IsZero() {
		sb.UpdatedAt = s.now()
	}
	s.switchBlocks.Store(sb.Era, sb)
	return nil
}

func (s *Store) UpsertValidatorWeights(ctx context.Context, rows []models.ValidatorWeight) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	byEra := map[uint64][]models.ValidatorWeight{}
	for _, r := range rows {
		byEra[r.Era] = append(byEra[r.Era], r)
	}
	for era, eraRows := range byEra {
		s.weights.Compute(era, func(old map[string]*big.Int, loaded bool) (map[string]*big.Int, xsync.ComputeOp) {
			next := make(map[string]*big.Int, len(old)+len(eraRows))
			for k, v := range old {
				next[k] = v
			}
			for k, v := range models.WeightsToMap(eraRows) {
				next[k] = v
			}
			return next, xsync.UpdateOp
		})
	}
	return nil
}

func (s *Store) SwitchBlock(ctx context.Context, era uint64) (*models.SwitchBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sb, ok := s.switchBlocks.Load(era)
	if !ok {
		return nil, db.ErrNotFound
	}
	return &sb, nil
}

func (s *Store) LastValidatedSwitchBlock(ctx context.Context) (*models.SwitchBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var last *models.SwitchBlock
	s.switchBlocks.Range(func(_ uint64, sb models.SwitchBlock) bool {
		if sb.Validated && (last == nil || sb.Era > last.Era) {
			sb := sb
			last = &sb
		}
		return true
	})
	return last, nil
}

func (s *Store) SwitchBlocks(ctx context.Context, fromEra uint64, limit int) ([]models.SwitchBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.SwitchBlock
	s.switchBlocks.Range(func(era uint64, sb models.SwitchBlock) bool {
		if era >= fromEra {
			out = append(out, sb)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Era < out[j].Era })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ValidatorWeights(ctx context.Context, era uint64) (map[string]*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	set, ok := s.weights.Load(era)
	if !ok {
		return nil, db.ErrNotFound
	}
	out := make(map[string]*big.Int, len(set))
	for k, v := range set {
		out[k] = new(big.Int).Set(v)
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
