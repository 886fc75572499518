package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/litmus-labs/litmus/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPClient issues JSON-RPC calls against a Pool of nodes. It keeps retrying across
// peers until a call succeeds or hits a terminal condition (pruned data, no peers
// left, cancelled context).
type HTTPClient struct {
	pool         *Pool
	client       *http.Client
	proxyURL     string
	limiter      *rate.Limiter
	offlineDelay time.Duration
	logger       *zap.Logger
	observe      func(endpoint, method string, err error)

	ids atomic.Uint64
}

// Opts is the set of options for a new HTTPClient.
type Opts struct {
	Endpoints []string
	// ProxyURL, when set, receives every call as <ProxyURL>?target=<endpoint>.
	ProxyURL     string
	Timeout      time.Duration
	RPS          int
	Burst        int
	MaxScore     int
	BanRecovery  time.Duration
	OfflineDelay time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
	// Pool overrides the pool built from Endpoints/MaxScore/BanRecovery.
	Pool *Pool
	// OnPeersChange is passed to the pool built from Endpoints.
	OnPeersChange func(available, total int)
	// Observe is called after every attempt; err is nil on success.
	Observe func(endpoint, method string, err error)
}

// NewHTTPWithOpts creates a new HTTPClient with the given options.
func NewHTTPWithOpts(o Opts) *HTTPClient {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.OfflineDelay <= 0 {
		o.OfflineDelay = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	pool := o.Pool
	if pool == nil {
		pool = NewPool(PoolOpts{
			Endpoints:   o.Endpoints,
			MaxScore:    o.MaxScore,
			BanRecovery: o.BanRecovery,
			OnChange:    o.OnPeersChange,
		})
	}

	return &HTTPClient{
		pool:         pool,
		client:       client,
		proxyURL:     strings.TrimRight(o.ProxyURL, "/"),
		limiter:      rate.NewLimiter(rate.Limit(o.RPS), o.Burst),
		offlineDelay: o.OfflineDelay,
		logger:       o.Logger.Named("rpc"),
		observe:      o.Observe,
	}
}

// Pool exposes the endpoint pool backing this client.
func (c *HTTPClient) Pool() *Pool {
	return c.pool
}

// Call performs method with params and decodes the result into out.
func (c *HTTPClient) Call(ctx context.Context, method string, params any, out any) error {
	return c.call(ctx, method, params, out, nil)
}

// call is Call with an optional check run on the decoded result. A check returning
// ErrMismatch bans the endpoint; any other check error counts as a malformed response.
func (c *HTTPClient) call(ctx context.Context, method string, params any, out any, check func() error) error {
	body, err := c.encode(method, params)
	if err != nil {
		// Fatal for this call; nothing to do with the peers.
		return err
	}

	unreachable := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ep, err := c.pool.Select()
		if err != nil {
			return err
		}

		err = c.attempt(ctx, ep, method, body, out, check)
		if err == nil {
			return nil
		}
		if terminal(ctx, err) {
			return err
		}

		var te *TransportError
		if errors.As(err, &te) && te.unreachable() {
			unreachable++
		} else {
			unreachable = 0
		}

		// Every endpoint in a row refused to talk to us: most likely we are offline.
		if unreachable >= c.pool.Size() {
			unreachable = 0
			if available, _ := c.pool.Counts(); available == 0 {
				continue
			}
			c.logger.Warn("No RPC node reachable, backing off",
				zap.String("method", method),
				zap.Duration("delay", c.offlineDelay))
			if err := sleep(ctx, c.offlineDelay); err != nil {
				return err
			}
		}
	}
}

// CallEndpoint makes a single attempt against one endpoint. Failures are reported to the
// pool exactly as Call would, but nothing is retried.
func (c *HTTPClient) CallEndpoint(ctx context.Context, ep, method string, params any, out any) error {
	return c.callEndpoint(ctx, ep, method, params, out, nil)
}

func (c *HTTPClient) callEndpoint(ctx context.Context, ep, method string, params any, out any, check func() error) error {
	body, err := c.encode(method, params)
	if err != nil {
		return err
	}
	return c.attempt(ctx, ep, method, body, out, check)
}

// attempt performs one exchange with ep and settles the endpoint's score.
func (c *HTTPClient) attempt(ctx context.Context, ep, method string, body []byte, out any, check func() error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}

	err := c.do(ctx, ep, body, out)
	if err == nil && check != nil {
		if cerr := check(); cerr != nil {
			if errors.Is(cerr, ErrMismatch) {
				err = cerr
			} else {
				err = fmt.Errorf("%w: %v", ErrMalformedResponse, cerr)
			}
		}
	}
	if c.observe != nil {
		c.observe(ep, method, err)
	}
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrStaleTrustPoint):
		// A property of the request, not of the peer.
		c.logger.Warn("Node reports requested data as pruned",
			zap.String("endpoint", ep),
			zap.String("method", method))
	case ctx.Err() != nil:
	case errors.Is(err, ErrMismatch):
		c.pool.ReportBan(ep)
		c.logger.Warn("Banning RPC node",
			zap.String("endpoint", ep),
			zap.String("method", method),
			zap.Error(err))
	default:
		c.pool.ReportFailure(ep)
		c.logger.Debug("RPC attempt failed",
			zap.String("endpoint", ep),
			zap.String("method", method),
			zap.Error(err))
	}
	return err
}

func (c *HTTPClient) encode(method string, params any) ([]byte, error) {
	if params == nil {
		params = []any{}
	}
	return json.Marshal(Request{
		JSONRPC: jsonRPCVersion,
		ID:      c.ids.Add(1),
		Method:  method,
		Params:  params,
	})
}

// do posts body to ep and decodes the JSON-RPC result into out.
func (c *HTTPClient) do(ctx context.Context, ep string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL(ep), bytes.NewReader(body))
	if err != nil {
		return &TransportError{Endpoint: ep, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Endpoint: ep, Err: err}
	}
	// From here on, always drain+close the body before returning.
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{Endpoint: ep, StatusCode: resp.StatusCode}
	}

	var envelope Response
	if err := utils.DecodeJSON(resp.Body, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return fmt.Errorf("%w: empty result", ErrMalformedResponse)
	}
	if out != nil {
		// A previous attempt may have partially filled out.
		if v := reflect.ValueOf(out); v.Kind() == reflect.Pointer && !v.IsNil() {
			v.Elem().SetZero()
		}
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	return nil
}

func (c *HTTPClient) endpointURL(ep string) string {
	if c.proxyURL != "" {
		return c.proxyURL + "?" + url.Values{proxyTargetParam: {ep}}.Encode()
	}
	if strings.HasPrefix(ep, "http://") || strings.HasPrefix(ep, "https://") {
		return ep + nodeRPCPath
	}
	return "http://" + ep + nodeRPCPath
}

// terminal reports whether err ends the retry loop. Peer timeouts are transport
// failures, not terminal, even when they wrap a deadline error.
func terminal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return false
	}
	return errors.Is(err, ErrStaleTrustPoint) ||
		errors.Is(err, ErrNoAvailablePeers) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
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
