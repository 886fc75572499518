package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/litmus-labs/litmus/app/litmus/types"
	"github.com/litmus-labs/litmus/pkg/account"
	"github.com/litmus-labs/litmus/pkg/db/memory"
	"github.com/litmus-labs/litmus/pkg/db/models"
	"github.com/litmus-labs/litmus/pkg/events"
	"github.com/litmus-labs/litmus/pkg/fetcher"
	"github.com/litmus-labs/litmus/pkg/locator"
	"github.com/litmus-labs/litmus/pkg/metrics"
	"github.com/litmus-labs/litmus/pkg/retry"
	"github.com/litmus-labs/litmus/pkg/rpc"
	"github.com/litmus-labs/litmus/pkg/rpc/rpctest"
	"github.com/litmus-labs/litmus/pkg/state"
	"github.com/litmus-labs/litmus/pkg/syncer"
	"github.com/litmus-labs/litmus/pkg/validate"
	"github.com/litmus-labs/litmus/pkg/verifier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testPublicKey = "01a1b2c3"
	testPurse     = "uref-aaaabbbbccccddddeeeeffff00001111aaaabbbbccccddddeeeeffff00001111-007"
)

type env struct {
	app    *types.App
	chain  *rpctest.Chain
	server *httptest.Server
	ctl    *Controller
}

// fakeVerifier accepts every block and decodes the synthetic proofs served by rpctest.
func fakeVerifier(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/v1/validate-block":
		_ = json.NewEncoder(w).Encode(map[string]any{"valid": true})
	case "/v1/query-proofs":
		var in struct {
			MerkleProof string `json:"merkle_proof"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		kind, value, _ := strings.Cut(in.MerkleProof, ":")
		var result map[string]any
		switch kind {
		case "account":
			result = map[string]any{"value": map[string]any{"Account": map[string]any{"main_purse": value}}}
		case "balance":
			result = map[string]any{"value": map[string]any{"CLValue": map[string]any{"parsed": value}}}
		default:
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown proof"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
	default:
		http.NotFound(w, r)
	}
}

func newEnv(t *testing.T) *env {
	t.Setenv("API_USER", "operator")
	t.Setenv("API_PASSWORD", "s3cret")
	t.Setenv("API_TOKEN", "static-token")
	t.Setenv("API_JWT_SECRET", "test-secret")

	logger := zaptest.NewLogger(t)

	// eras 0..4, ten blocks each, switch blocks at 9, 19, 29, 39, 49
	chain := rpctest.NewChain([]int{10, 10, 10, 10, 10}, true)
	chain.SetAccount(testPublicKey, testPurse, "2500000000")
	node := chain.Server()
	t.Cleanup(node.Close)
	verifierServer := httptest.NewServer(http.HandlerFunc(fakeVerifier))
	t.Cleanup(verifierServer.Close)

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	require.NoError(t, err)

	hub := events.NewHub(16)
	st := state.NewManager(state.ManagerOpts{Publisher: hub, Logger: logger})
	store := memory.New()

	client := rpc.NewHTTPWithOpts(rpc.Opts{
		Endpoints:    []string{node.URL},
		RPS:          1000,
		Burst:        1000,
		MaxScore:     3,
		OfflineDelay: time.Millisecond,
		Logger:       logger,
	})
	v, err := verifier.New(verifier.Opts{BaseURL: verifierServer.URL, Retry: retry.Fixed(1, time.Millisecond), Logger: logger})
	require.NoError(t, err)

	engine := syncer.New(syncer.Opts{
		Client:  client,
		Locator: locator.New(locator.Opts{Client: client, MaxBlocksPerEra: 20, Logger: logger}),
		Store:   store,
		State:   st,
		Sequencer: validate.New(validate.Opts{
			Verifier: v,
			Store:    store,
			State:    st,
			Metrics:  m,
			Logger:   logger,
		}),
		Fetch:   fetcher.Options{BatchSize: 2, Retry: retry.Fixed(2, time.Millisecond), Logger: logger},
		Metrics: m,
		Logger:  logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	app := &types.App{
		Store:    store,
		Hub:      hub,
		RPC:      client,
		Verifier: v,
		State:    st,
		Syncer:   engine,
		Account:  account.New(client, v, st, logger),
		Metrics:  m,
		Registry: registry,
		Logger:   logger,
	}
	app.SetContext(ctx)

	ctl := NewController(app)
	router, err := ctl.NewRouter()
	require.NoError(t, err)
	server := httptest.NewServer(WithCORS(router))
	t.Cleanup(server.Close)

	return &env{app: app, chain: chain, server: server, ctl: ctl}
}

func (e *env) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = e.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","rpc_available":1,"rpc_total":1}`, string(body))
}

func TestState(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodGet, "/v1/state", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st state.State
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, state.StatusIdle, st.Status)
}

func TestCommandsRequireAuth(t *testing.T) {
	e := newEnv(t)
	for _, path := range []string{"/v1/trusted", "/v1/cancel", "/v1/check", "/v1/account", "/v1/merkle", "/v1/switch-block/latest"} {
		resp, _ := e.do(t, http.MethodPost, path, "", map[string]string{})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}

	resp, _ := e.do(t, http.MethodPost, "/v1/cancel", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/v1/cancel", "static-token", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"cancelled":false}`, string(body))
}

func TestLogin(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{"username": "operator", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{"username": "operator", "password": "s3cret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.Token)
	assert.NotEmpty(t, resp.Cookies())

	resp, _ = e.do(t, http.MethodPost, "/v1/cancel", out.Token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTrustedBlock_SyncsToTip(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/v1/trusted", "static-token", map[string]string{"hash": "xyz"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	trusted := e.chain.SwitchBlock(1)
	resp, _ = e.do(t, http.MethodPost, "/v1/trusted", "static-token", map[string]string{"hash": trusted.Hash})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		st := e.app.State.Snapshot()
		return st.Status == state.StatusIdle && st.LastValidated != nil && st.LastValidated.Era == 4
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, syncer.InfoCompleted, e.app.State.Snapshot().Info)

	resp, body := e.do(t, http.MethodGet, "/v1/switch-blocks?from_era=2&limit=2", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rows []models.SwitchBlock
	require.NoError(t, json.Unmarshal(body, &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, uint64(2), rows[0].Era)
	assert.Equal(t, uint64(29), rows[0].BlockHeight)
	assert.True(t, rows[1].Validated)

	resp, body = e.do(t, http.MethodGet, "/v1/eras/3/validators", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var weights struct {
		Era     uint64            `json:"era"`
		Weights map[string]string `json:"weights"`
	}
	require.NoError(t, json.Unmarshal(body, &weights))
	assert.Equal(t, rpctest.Weight(3, 0), weights.Weights[rpctest.Validators[0]])

	resp, _ = e.do(t, http.MethodGet, "/v1/eras/99/validators", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSwitchBlocks_BadQuery(t *testing.T) {
	e := newEnv(t)
	for _, q := range []string{"?from_era=-1", "?limit=0", "?limit=abc"} {
		resp, _ := e.do(t, http.MethodGet, "/v1/switch-blocks"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestLastSwitchBlock(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodPost, "/v1/switch-block/latest", "static-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ref state.BlockRef
	require.NoError(t, json.Unmarshal(body, &ref))
	assert.Equal(t, uint64(4), ref.Era)
	assert.Equal(t, uint64(49), ref.Height)
	assert.True(t, ref.SwitchBlock)
}

func TestAccount(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/v1/account", "static-token", map[string]string{"public_key": testPublicKey, "block_id": "12"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var acc state.Account
	require.NoError(t, json.Unmarshal(body, &acc))
	assert.Equal(t, uint64(12), acc.BlockHeight)
	assert.Equal(t, "2.50", acc.BalanceCSPR)

	resp, _ = e.do(t, http.MethodPost, "/v1/account", "static-token", map[string]string{"public_key": testPublicKey, "block_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/v1/account", "static-token", map[string]string{"block_id": "12"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMerkle(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/v1/merkle", "static-token", map[string]any{"merkle_proof": "balance:42"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"value":{"CLValue":{"parsed":"42"}}}`, string(body))

	resp, _ = e.do(t, http.MethodPost, "/v1/merkle", "static-token", map[string]any{"merkle_proof": "garbage"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	e := newEnv(t)
	e.app.Metrics.SetLastValidated(7)

	resp, body := e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "litmus_last_validated_era 7")
}

func TestWebSocket(t *testing.T) {
	e := newEnv(t)

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, events.TypeState, msg.Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "unsubscribe", Type: "*"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "unsubscribed", msg.Type)
	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "subscribe", Type: events.TypeValidated}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "subscribed", msg.Type)

	require.Eventually(t, func() bool { return e.app.Hub.Len() == 1 }, time.Second, 5*time.Millisecond)
	peers, _ := events.New(events.TypePeers, map[string]int{"available": 1})
	validated, _ := events.New(events.TypeValidated, validate.Validated{Era: 3, BlockHeight: 39})
	require.NoError(t, e.app.Hub.Publish(context.Background(), peers))
	require.NoError(t, e.app.Hub.Publish(context.Background(), validated))

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, events.TypeValidated, msg.Type)
	assert.JSONEq(t, `{"era":3,"block_height":39,"hash":""}`, string(msg.Payload))

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "history"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t)
	req, err := http.NewRequest(http.MethodOptions, e.server.URL+"/v1/state", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://example.org")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://example.org", resp.Header.Get("Access-Control-Allow-Origin"))
}
