package fetcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/litmus-labs/litmus/pkg/db/models"
	"github.com/litmus-labs/litmus/pkg/rpc"
)

// Blocks fetches the switch block behind every record. Each attempt goes to one endpoint
// chosen from the client's pool; retries pick a new one. Blocks come back sorted by height.
func Blocks(ctx context.Context, client rpc.EndpointClient, records []models.SwitchBlock, o Options) ([]*rpc.Block, error) {
	blocks, err := FetchAll(ctx, records, o, func(ctx context.Context, rec models.SwitchBlock) (*rpc.Block, error) {
		ep, err := client.Pool().Select()
		if err != nil {
			return nil, err
		}
		b, err := client.BlockByHeightFrom(ctx, ep, rec.BlockHeight)
		if err != nil {
			return nil, err
		}
		if b.Header.EraID != rec.Era {
			return nil, fmt.Errorf("%w: height %d is in era %d, recorded as the end of era %d",
				ErrRecordMismatch, rec.BlockHeight, b.Header.EraID, rec.Era)
		}
		if !b.IsSwitchBlock() {
			return nil, fmt.Errorf("%w: height %d does not end era %d", ErrRecordMismatch, rec.BlockHeight, rec.Era)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Header.Height < blocks[j].Header.Height })
	return blocks, nil
}
