package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/litmus-labs/litmus/pkg/retry"
	"github.com/litmus-labs/litmus/pkg/rpc"
	"go.uber.org/zap"
)

const (
	defaultBatchSize  = 10
	defaultRetries    = 3
	defaultRetryDelay = time.Second
)

// ErrRecordMismatch means a stored height does not hold the switch block it was recorded for.
var ErrRecordMismatch = errors.New("switch block record does not match chain")

// ItemError identifies the item that failed a FetchAll call.
type ItemError struct {
	Index int
	Item  any
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("fetch item %d (%v): %v", e.Index, e.Item, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Options controls FetchAll.
type Options struct {
	// BatchSize is the number of items fetched concurrently.
	BatchSize int
	// BatchDelay is slept between batches.
	BatchDelay time.Duration
	// Retry bounds the attempts per item.
	Retry retry.Config
	// Permanent reports errors that must not be retried. Defaults to IsPermanent.
	Permanent func(error) bool
	// OnProgress receives (done, total) after every successful item. It is called from
	// worker goroutines.
	OnProgress func(done, total int)
	Logger     *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.Retry.MaxRetries <= 0 {
		o.Retry = retry.Fixed(defaultRetries, defaultRetryDelay)
	}
	if o.Permanent == nil {
		o.Permanent = IsPermanent
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// IsPermanent reports errors no retry can fix.
func IsPermanent(err error) bool {
	return errors.Is(err, rpc.ErrStaleTrustPoint) ||
		errors.Is(err, ErrRecordMismatch) ||
		errors.Is(err, rpc.ErrNoAvailablePeers) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// FetchAll runs fetch for every item, BatchSize at a time. The first failure cancels the
// batch in flight, skips the remaining batches and discards all results; the returned
// error is an *ItemError. On success results are in item order.
func FetchAll[T, R any](ctx context.Context, items []T, o Options, fetch func(ctx context.Context, item T) (R, error)) ([]R, error) {
	o = o.withDefaults()
	if len(items) == 0 {
		return nil, nil
	}

	pool := pond.NewResultPool[R](o.BatchSize)
	defer pool.StopAndWait()

	var done atomic.Int64
	total := len(items)
	out := make([]R, 0, total)

	for start := 0; start < total; start += o.BatchSize {
		if start > 0 && o.BatchDelay > 0 {
			if err := sleep(ctx, o.BatchDelay); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := min(start+o.BatchSize, total)
		batchCtx, cancelBatch := context.WithCancel(ctx)
		group := pool.NewGroupContext(batchCtx)

		for i := start; i < end; i++ {
			i, item := i, items[i]
			group.SubmitErr(func() (R, error) {
				r, err := fetchWithRetry(batchCtx, o, item, fetch)
				if err != nil {
					cancelBatch()
					var zero R
					return zero, &ItemError{Index: i, Item: item, Err: err}
				}
				n := int(done.Add(1))
				if o.OnProgress != nil {
					o.OnProgress(n, total)
				}
				return r, nil
			})
		}

		results, err := group.Wait()
		cancelBatch()
		if err != nil {
			var itemErr *ItemError
			if !errors.As(err, &itemErr) && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			o.Logger.Warn("Batch fetch failed",
				zap.Int("batch_start", start),
				zap.Int("batch_end", end),
				zap.Int("total", total),
				zap.Error(err))
			return nil, err
		}
		out = append(out, results...)
	}
	return out, nil
}

func fetchWithRetry[T, R any](ctx context.Context, o Options, item T, fetch func(ctx context.Context, item T) (R, error)) (R, error) {
	var r R
	err := retry.WithBackoff(ctx, o.Retry, o.Logger, "fetch_item", func() error {
		var err error
		r, err = fetch(ctx, item)
		if err != nil && (o.Permanent(err) || ctx.Err() != nil) {
			return retry.Permanent(err)
		}
		return err
	})
	return r, err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
