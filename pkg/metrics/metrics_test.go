package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/litmus-labs/litmus/pkg/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "stale", Outcome(&rpc.RPCError{Code: rpc.CodeDataUnavailable}))
	assert.Equal(t, "rpc_error", Outcome(&rpc.RPCError{Code: -32603}))
	assert.Equal(t, "transport", Outcome(&rpc.TransportError{Endpoint: "a", StatusCode: 502}))
	assert.Equal(t, "mismatch", Outcome(fmt.Errorf("wrap: %w", rpc.ErrMismatch)))
	assert.Equal(t, "no_peers", Outcome(rpc.ErrNoAvailablePeers))
	assert.Equal(t, "canceled", Outcome(context.Canceled))
	assert.Equal(t, "error", Outcome(errors.New("other")))
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveRPC("10.0.0.1:7777", "chain_get_block", nil)
	m.ObserveRPC("10.0.0.1:7777", "chain_get_block", nil)
	m.SetPeers(2, 3)
	m.SetStatus("processing")
	m.SetLastValidated(13)
	m.ObservePass(nil, 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.rpcRequests.WithLabelValues("10.0.0.1:7777", "chain_get_block", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.peersAvailable))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.peersTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.status.WithLabelValues("processing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.status.WithLabelValues("idle")))
	assert.Equal(t, 13.0, testutil.ToFloat64(m.lastValidatedEra))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.passes.WithLabelValues("ok")))

	// Registering twice on the same registry fails.
	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRPC("a", "b", nil)
		m.SetPeers(1, 1)
		m.SetStatus("idle")
		m.ObservePass(errors.New("x"), time.Second)
		m.BlockValidated()
	})
}
