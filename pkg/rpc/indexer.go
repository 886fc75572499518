package rpc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/litmus-labs/litmus/pkg/retry"
	"github.com/litmus-labs/litmus/pkg/utils"
	"go.uber.org/zap"
)

// EraHeight is one record of the era index: the era id and the height of its last block.
type EraHeight struct {
	ID       uint64 `json:"id"`
	EndBlock uint64 `json:"endBlock"`
}

// IndexOpts is the set of options for a new IndexClient.
type IndexOpts struct {
	BaseURL    string
	PageLimit  int
	Timeout    time.Duration
	Retry      retry.Config
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// IndexClient reads era boundaries from an optional indexer. It talks to a single known
// service, so each page gets a bounded number of attempts instead of the pool's
// open-ended retry.
type IndexClient struct {
	baseURL   string
	pageLimit int
	retry     retry.Config
	client    *http.Client
	logger    *zap.Logger
}

// NewIndexClient returns nil when no base URL is configured; a nil client is valid and
// always reports ErrIndexUnavailable.
func NewIndexClient(o IndexOpts) *IndexClient {
	if strings.TrimSpace(o.BaseURL) == "" {
		return nil
	}
	if o.PageLimit <= 0 {
		o.PageLimit = 100
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.Retry.MaxRetries <= 0 {
		o.Retry = retry.Fixed(3, time.Second)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	}
	return &IndexClient{
		baseURL:   strings.TrimRight(o.BaseURL, "/"),
		pageLimit: o.PageLimit,
		retry:     o.Retry,
		client:    client,
		logger:    o.Logger.Named("indexer"),
	}
}

// Enabled reports whether the client can serve requests.
func (c *IndexClient) Enabled() bool {
	return c != nil
}

// EraHeights returns every known era boundary with id >= fromEra, in ascending order.
func (c *IndexClient) EraHeights(ctx context.Context, fromEra uint64) ([]EraHeight, error) {
	if !c.Enabled() {
		return nil, ErrIndexUnavailable
	}

	var all []EraHeight
	from := fromEra
	for {
		var page []EraHeight
		err := retry.WithBackoff(ctx, c.retry, c.logger, "era_index_page", func() error {
			var err error
			page, err = c.page(ctx, from)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("fetch era heights from era %d: %w", from, err)
		}
		all = append(all, page...)
		if len(page) < c.pageLimit {
			return all, nil
		}
		next := page[len(page)-1].ID + 1
		if next <= from {
			return nil, fmt.Errorf("%w: era index page starting at %d does not advance", ErrMalformedResponse, from)
		}
		from = next
	}
}

func (c *IndexClient) page(ctx context.Context, from uint64) ([]EraHeight, error) {
	q := url.Values{}
	q.Set("from_era", strconv.FormatUint(from, 10))
	q.Set("limit", strconv.Itoa(c.pageLimit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+eraHeightsPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: c.baseURL, Err: err}
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{Endpoint: c.baseURL, StatusCode: resp.StatusCode}
	}

	var out []EraHeight
	if err := utils.DecodeJSON(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out, nil
}
