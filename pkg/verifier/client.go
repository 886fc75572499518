package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/litmus-labs/litmus/pkg/retry"
	"github.com/litmus-labs/litmus/pkg/rpc"
	"github.com/litmus-labs/litmus/pkg/utils"
	"go.uber.org/zap"
)

const (
	validateBlockPath = "/v1/validate-block"
	queryProofsPath   = "/v1/query-proofs"
)

var (
	// ErrRejected means the service examined the input and found it invalid.
	ErrRejected = errors.New("rejected by verifier")
	// ErrUnavailable means the service could not be reached or failed internally.
	ErrUnavailable = errors.New("verifier unavailable")
)

// Opts is the set of options for a new Client.
type Opts struct {
	BaseURL    string
	Timeout    time.Duration
	Retry      retry.Config
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the external verification service. It checks finality signatures of
// switch blocks and decodes merkle proofs; nothing cryptographic happens in process.
type Client struct {
	baseURL string
	retry   retry.Config
	client  *http.Client
	logger  *zap.Logger
}

// New creates a new Client.
func New(o Opts) (*Client, error) {
	if strings.TrimSpace(o.BaseURL) == "" {
		return nil, fmt.Errorf("verifier base url is required")
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
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
	return &Client{
		baseURL: strings.TrimRight(o.BaseURL, "/"),
		retry:   o.Retry,
		client:  client,
		logger:  o.Logger.Named("verifier"),
	}, nil
}

type validateRequest struct {
	EraID   uint64            `json:"era_id"`
	Weights map[string]string `json:"validator_weights"`
	Block   *rpc.Block        `json:"block"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Validate asks the service to check block's finality signatures against the validator
// set of eraID.
func (c *Client) Validate(ctx context.Context, block *rpc.Block, weights map[string]*big.Int, eraID uint64) error {
	req := validateRequest{EraID: eraID, Weights: make(map[string]string, len(weights)), Block: block}
	for v, w := range weights {
		req.Weights[v] = w.String()
	}

	var out validateResponse
	if err := c.post(ctx, validateBlockPath, req, &out); err != nil {
		return err
	}
	if !out.Valid {
		return fmt.Errorf("%w: block %s of era %d: %s", ErrRejected, block.Hash, eraID, out.Reason)
	}
	c.logger.Debug("Block signatures verified",
		zap.String("hash", block.Hash),
		zap.Uint64("era", eraID),
		zap.Int("validators", len(weights)))
	return nil
}

type queryProofsRequest struct {
	MerkleProof string   `json:"merkle_proof"`
	Path        []string `json:"path"`
}

type queryProofsResponse struct {
	Result map[string]interface{} `json:"result"`
}

// ProcessQueryProofs verifies a serialized merkle proof and returns the stored value it
// proves, decoded as JSON with numbers kept as json.Number.
func (c *Client) ProcessQueryProofs(ctx context.Context, merkleProof string, path []string) (map[string]interface{}, error) {
	if path == nil {
		path = []string{}
	}
	var out queryProofsResponse
	if err := c.post(ctx, queryProofsPath, queryProofsRequest{MerkleProof: merkleProof, Path: path}, &out); err != nil {
		return nil, err
	}
	if len(out.Result) == 0 {
		return nil, fmt.Errorf("%w: merkle proof produced no value", ErrRejected)
	}
	return out.Result, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return retry.WithBackoff(ctx, c.retry, c.logger, "verifier"+path, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer func() { _ = utils.DrainAndClose(resp.Body) }()

		switch {
		case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
			var eb errorBody
			_ = utils.DecodeJSON(resp.Body, &eb)
			return retry.Permanent(fmt.Errorf("%w: %s", ErrRejected, eb.Error))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
		}

		dec := json.NewDecoder(io.LimitReader(resp.Body, utils.MaxResponseBytes))
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("%w: undecodable response: %v", ErrRejected, err))
		}
		return nil
	})
}
