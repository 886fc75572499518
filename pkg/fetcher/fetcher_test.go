package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/litmus-labs/litmus/pkg/db/models"
	"github.com/litmus-labs/litmus/pkg/retry"
	"github.com/litmus-labs/litmus/pkg/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOpts(batch int) Options {
	return Options{BatchSize: batch, Retry: retry.Fixed(3, time.Millisecond)}
}

func TestFetchAll_Success(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	var mu sync.Mutex
	var progress [][2]int

	o := fastOpts(2)
	o.OnProgress = func(done, total int) {
		mu.Lock()
		progress = append(progress, [2]int{done, total})
		mu.Unlock()
	}

	out, err := FetchAll(context.Background(), items, o, func(_ context.Context, n int) (string, error) {
		return fmt.Sprintf("block-%d", n), nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"block-1", "block-2", "block-3", "block-4", "block-5"}, out)
	require.Len(t, progress, 5)
	for _, p := range progress {
		assert.Equal(t, 5, p[1])
	}
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5}, []int{progress[0][0], progress[1][0], progress[2][0], progress[3][0], progress[4][0]})
}

func TestFetchAll_FailureInSecondBatch(t *testing.T) {
	items := []int{0, 1, 2, 3, 4}
	var fetched sync.Map
	boom := errors.New("node exploded")

	out, err := FetchAll(context.Background(), items, fastOpts(2), func(_ context.Context, n int) (int, error) {
		fetched.Store(n, true)
		if n == 2 {
			return 0, boom
		}
		return n * 10, nil
	})

	require.Error(t, err)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, boom)

	var itemErr *ItemError
	require.ErrorAs(t, err, &itemErr)
	assert.Equal(t, 2, itemErr.Index)
	assert.Equal(t, 2, itemErr.Item)

	// The third batch never starts.
	_, started := fetched.Load(4)
	assert.False(t, started)
}

func TestFetchAll_FailureCancelsBatchSiblings(t *testing.T) {
	boom := errors.New("node exploded")
	sawCancel := make(chan struct{})

	start := time.Now()
	out, err := FetchAll(context.Background(), []int{0, 1}, fastOpts(2), func(ctx context.Context, n int) (int, error) {
		if n == 0 {
			return 0, boom
		}
		select {
		case <-ctx.Done():
			close(sawCancel)
			time.Sleep(20 * time.Millisecond)
			return 0, ctx.Err()
		case <-time.After(5 * time.Second):
			return n, nil
		}
	})

	require.Error(t, err)
	assert.Nil(t, out)
	assert.Less(t, time.Since(start), 2*time.Second)

	var itemErr *ItemError
	require.ErrorAs(t, err, &itemErr)
	assert.Equal(t, 0, itemErr.Index)
	assert.ErrorIs(t, err, boom)

	select {
	case <-sawCancel:
	case <-time.After(time.Second):
		t.Fatal("sibling fetch was not cancelled")
	}
}

func TestFetchAll_RetriesTransientErrors(t *testing.T) {
	var attempts atomic.Int32
	out, err := FetchAll(context.Background(), []int{7}, fastOpts(1), func(_ context.Context, n int) (int, error) {
		if attempts.Add(1) < 3 {
			return 0, errors.New("flaky")
		}
		return n, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{7}, out)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestFetchAll_ExhaustsRetries(t *testing.T) {
	var attempts atomic.Int32
	_, err := FetchAll(context.Background(), []int{7}, fastOpts(1), func(_ context.Context, n int) (int, error) {
		attempts.Add(1)
		return 0, errors.New("flaky")
	})

	require.Error(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestFetchAll_StaleIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	_, err := FetchAll(context.Background(), []int{1}, fastOpts(1), func(_ context.Context, n int) (int, error) {
		attempts.Add(1)
		return 0, &rpc.RPCError{Code: rpc.CodeDataUnavailable, Message: "pruned"}
	})

	assert.ErrorIs(t, err, rpc.ErrStaleTrustPoint)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestFetchAll_CancelledDuringBatchDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o := fastOpts(1)
	o.BatchDelay = time.Hour

	_, err := FetchAll(ctx, []int{1, 2}, o, func(_ context.Context, n int) (int, error) {
		cancel()
		return n, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchAll_Empty(t *testing.T) {
	out, err := FetchAll(context.Background(), []int(nil), Options{}, func(context.Context, int) (int, error) {
		t.Fatal("fetch called for no items")
		return 0, nil
	})
	require.NoError(t, err)
	assert.Empty(t, out)
}

// endpointClient serves switch blocks from a map and records which endpoint was asked.
type endpointClient struct {
	pool   *rpc.Pool
	blocks map[uint64]*rpc.Block
	mu     sync.Mutex
	asked  map[string]int
}

func (c *endpointClient) Pool() *rpc.Pool { return c.pool }

func (c *endpointClient) BlockByHeightFrom(_ context.Context, ep string, h uint64) (*rpc.Block, error) {
	c.mu.Lock()
	c.asked[ep]++
	c.mu.Unlock()
	b, ok := c.blocks[h]
	if !ok {
		return nil, fmt.Errorf("no block %d", h)
	}
	return b, nil
}

func (c *endpointClient) LatestBlock(context.Context) (*rpc.Block, error) {
	return nil, errors.New("unused")
}
func (c *endpointClient) BlockByHeight(context.Context, uint64) (*rpc.Block, error) {
	return nil, errors.New("unused")
}
func (c *endpointClient) BlockByHash(context.Context, string) (*rpc.Block, error) {
	return nil, errors.New("unused")
}
func (c *endpointClient) AccountInfo(context.Context, string, string) (*rpc.AccountInfo, error) {
	return nil, errors.New("unused")
}
func (c *endpointClient) GlobalState(context.Context, string, string, []string) (*rpc.GlobalState, error) {
	return nil, errors.New("unused")
}

func switchBlock(era, height uint64) *rpc.Block {
	return &rpc.Block{
		Hash:   fmt.Sprintf("%064d", height),
		Header: rpc.Header{EraID: era, Height: height, EraEnd: &rpc.EraEnd{}},
	}
}

func TestBlocks_SortedAndSpreadAcrossPeers(t *testing.T) {
	client := &endpointClient{
		pool:  rpc.NewPool(rpc.PoolOpts{Endpoints: []string{"a:7777", "b:7777"}}),
		asked: map[string]int{},
		blocks: map[uint64]*rpc.Block{
			1100: switchBlock(11, 1100),
			1200: switchBlock(12, 1200),
			1300: switchBlock(13, 1300),
		},
	}
	records := []models.SwitchBlock{{Era: 13, BlockHeight: 1300}, {Era: 11, BlockHeight: 1100}, {Era: 12, BlockHeight: 1200}}

	blocks, err := Blocks(context.Background(), client, records, fastOpts(2))
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, uint64(1100), blocks[0].Header.Height)
	assert.Equal(t, uint64(1200), blocks[1].Header.Height)
	assert.Equal(t, uint64(1300), blocks[2].Header.Height)
	assert.Len(t, client.asked, 2)
}

func TestBlocks_RecordMismatchIsPermanent(t *testing.T) {
	client := &endpointClient{
		pool:   rpc.NewPool(rpc.PoolOpts{Endpoints: []string{"a:7777"}}),
		asked:  map[string]int{},
		blocks: map[uint64]*rpc.Block{1100: switchBlock(12, 1100)},
	}

	_, err := Blocks(context.Background(), client, []models.SwitchBlock{{Era: 11, BlockHeight: 1100}}, fastOpts(1))
	assert.ErrorIs(t, err, ErrRecordMismatch)
	assert.Equal(t, 1, client.asked["a:7777"])
}

func TestBlocks_NoPeers(t *testing.T) {
	client := &endpointClient{pool: rpc.NewPool(rpc.PoolOpts{}), asked: map[string]int{}}
	_, err := Blocks(context.Background(), client, []models.SwitchBlock{{Era: 1, BlockHeight: 10}}, fastOpts(1))
	assert.ErrorIs(t, err, rpc.ErrNoAvailablePeers)
}

func TestBlocks_NonSwitchBlockIsMismatch(t *testing.T) {
	plain := switchBlock(11, 1099)
	plain.Header.EraEnd = nil
	client := &endpointClient{
		pool:   rpc.NewPool(rpc.PoolOpts{Endpoints: []string{"a:7777"}}),
		asked:  map[string]int{},
		blocks: map[uint64]*rpc.Block{1099: plain},
	}

	_, err := Blocks(context.Background(), client, []models.SwitchBlock{{Era: 11, BlockHeight: 1099}}, fastOpts(1))
	assert.ErrorIs(t, err, ErrRecordMismatch)
	assert.Equal(t, 1, client.asked["a:7777"])
}
