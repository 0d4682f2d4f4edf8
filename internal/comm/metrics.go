package comm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons recorded on the dispatch path.
const (
	dropMalformed      = "malformed"
	dropVersion        = "version_mismatch"
	dropUnknownProgram = "unknown_program"
	dropSuperiorDevice = "superior_device"
	dropBadPayload     = "bad_payload"
)

// RPC outcomes.
const (
	rpcResolved = "resolved"
	rpcRejected = "rejected"
	rpcTimeout  = "timeout"
	rpcIgnored  = "ignored"
)

// Metrics counts dispatch activity. One instance per Manager.
type Metrics struct {
	inbound *prometheus.CounterVec
	dropped *prometheus.CounterVec
	rpc     *prometheus.CounterVec
}

// NewMetrics registers the dispatch counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		inbound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Subsystem: "comm",
			Name:      "inbound_messages_total",
			Help:      "Inbound protocol messages by opcode.",
		}, []string{"op"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Subsystem: "comm",
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped before dispatch, by reason.",
		}, []string{"reason"}),
		rpc: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Subsystem: "comm",
			Name:      "schema_rpc_total",
			Help:      "Schema request outcomes.",
		}, []string{"outcome"}),
	}
}

// newPrivateRegistry backs managers constructed without explicit metrics, so
// collector names never collide across managers in one process.
func newPrivateRegistry() prometheus.Registerer {
	return prometheus.NewRegistry()
}

func (m *Metrics) markInbound(op string)  { m.inbound.WithLabelValues(op).Inc() }
func (m *Metrics) markDropped(why string) { m.dropped.WithLabelValues(why).Inc() }
func (m *Metrics) markRPC(outcome string) { m.rpc.WithLabelValues(outcome).Inc() }
