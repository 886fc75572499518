package verifier

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/litmus-labs/litmus/pkg/retry"
	"github.com/litmus-labs/litmus/pkg/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	c, err := New(Opts{BaseURL: server.URL + "/", Retry: retry.Fixed(3, time.Millisecond)})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Opts{BaseURL: "  "})
	assert.Error(t, err)
}

func TestClient_Validate(t *testing.T) {
	block := &rpc.Block{Hash: "ab12", Header: rpc.Header{EraID: 11, Height: 1199}}
	weights := map[string]*big.Int{"01aa": big.NewInt(100)}
	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	weights["01bb"] = huge

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, validateBlockPath, r.URL.Path)
		var req validateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, uint64(11), req.EraID)
		assert.Equal(t, "ab12", req.Block.Hash)
		assert.Equal(t, map[string]string{"01aa": "100", "01bb": "123456789012345678901234567890"}, req.Weights)
		_ = json.NewEncoder(w).Encode(validateResponse{Valid: true})
	})

	require.NoError(t, c.Validate(context.Background(), block, weights, 11))
}

func TestClient_ValidateRejected(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(validateResponse{Valid: false, Reason: "insufficient weight"})
	})

	err := c.Validate(context.Background(), &rpc.Block{Hash: "ab"}, nil, 3)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "insufficient weight")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_UnprocessableIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(errorBody{Error: "bad proof"})
	})

	_, err := c.ProcessQueryProofs(context.Background(), "00ff", nil)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(validateResponse{Valid: true})
	})

	require.NoError(t, c.Validate(context.Background(), &rpc.Block{Hash: "ab"}, nil, 1))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_GivesUpAfterRetries(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.Validate(context.Background(), &rpc.Block{Hash: "ab"}, nil, 1)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClient_ProcessQueryProofs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, queryProofsPath, r.URL.Path)
		var req queryProofsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "00ff", req.MerkleProof)
		assert.Equal(t, []string{}, req.Path)
		_, _ = w.Write([]byte(`{"result":{"value":{"CLValue":{"parsed":12345678901234567890}}}}`))
	})

	out, err := c.ProcessQueryProofs(context.Background(), "00ff", nil)
	require.NoError(t, err)
	parsed, err := rpc.LookupString(out, "value", "CLValue", "parsed")
	require.NoError(t, err)
	assert.Equal(t, "12345678901234567890", parsed)
}

func TestClient_ProcessQueryProofsEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{}}`))
	})

	_, err := c.ProcessQueryProofs(context.Background(), "00ff", []string{"a"})
	assert.ErrorIs(t, err, ErrRejected)
}
