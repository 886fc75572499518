package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/litmus-labs/litmus/pkg/rpc"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "litmus"

// Statuses reported by SetStatus. Exactly one is 1 at any time.
var statuses = []string{"idle", "searching", "processing"}

// Metrics holds the Prometheus collectors of the light client. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	rpcRequests      *prometheus.CounterVec
	peersAvailable   prometheus.Gauge
	peersTotal       prometheus.Gauge
	status           *prometheus.GaugeVec
	lastValidatedEra prometheus.Gauge
	tipEra           prometheus.Gauge
	tipHeight        prometheus.Gauge
	passes           *prometheus.CounterVec
	passDuration     prometheus.Histogram
	blocksValidated  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "RPC attempts by endpoint, method and outcome",
		}, []string{"endpoint", "method", "outcome"}),
		peersAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_peers_available",
			Help:      "RPC endpoints currently below the score ceiling",
		}),
		peersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_peers_total",
			Help:      "Configured RPC endpoints",
		}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_status",
			Help:      "Sync status (1 for the current status)",
		}, []string{"status"}),
		lastValidatedEra: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_validated_era",
			Help:      "Era of the last validated switch block",
		}),
		tipEra: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tip_era",
			Help:      "Era of the latest block seen",
		}),
		tipHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tip_height",
			Help:      "Height of the latest block seen",
		}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Finished sync passes by outcome",
		}, []string{"outcome"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Wall time of a sync pass",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		blocksValidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "switch_blocks_validated_total",
			Help:      "Switch blocks verified and persisted",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.rpcRequests, m.peersAvailable, m.peersTotal, m.status, m.lastValidatedEra,
		m.tipEra, m.tipHeight, m.passes, m.passDuration, m.blocksValidated,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveRPC matches the rpc.Opts Observe hook.
func (m *Metrics) ObserveRPC(endpoint, method string, err error) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(endpoint, method, Outcome(err)).Inc()
}

// SetPeers matches the rpc.PoolOpts OnChange hook.
func (m *Metrics) SetPeers(available, total int) {
	if m == nil {
		return
	}
	m.peersAvailable.Set(float64(available))
	m.peersTotal.Set(float64(total))
}

func (m *Metrics) SetStatus(status string) {
	if m == nil {
		return
	}
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.status.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) SetLastValidated(era uint64) {
	if m == nil {
		return
	}
	m.lastValidatedEra.Set(float64(era))
}

func (m *Metrics) SetTip(era, height uint64) {
	if m == nil {
		return
	}
	m.tipEra.Set(float64(era))
	m.tipHeight.Set(float64(height))
}

func (m *Metrics) BlockValidated() {
	if m == nil {
		return
	}
	m.blocksValidated.Inc()
}

// ObservePass records a finished pass.
func (m *Metrics) ObservePass(err error, took time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(Outcome(err)).Inc()
	m.passDuration.Observe(took.Seconds())
}

// Outcome maps an error to a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, rpc.ErrStaleTrustPoint):
		return "stale"
	case errors.Is(err, rpc.ErrNoAvailablePeers):
		return "no_peers"
	case errors.Is(err, rpc.ErrMismatch):
		return "mismatch"
	case errors.Is(err, rpc.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, rpc.ErrTransport):
		return "transport"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		return "rpc_error"
	}
	return "error"
}
