package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks one node's storage, admission, quorum and replication
// activity. Nothing here serves HTTP; callers decide how to export the
// registry.
type Metrics struct {
	Registry *prometheus.Registry

	// Store metrics
	RecordsStored prometheus.Gauge
	BytesStored   prometheus.Gauge
	Conflicts     prometheus.Counter

	// Admission metrics
	Admissions *prometheus.CounterVec // result
	Price      prometheus.Gauge

	// Routing metrics
	PeersConnected   prometheus.Gauge
	MembershipEvents *prometheus.CounterVec // kind

	// Quorum metrics
	QuorumOps     *prometheus.CounterVec // op, result
	QuorumLatency *prometheus.HistogramVec
	RetryAttempts prometheus.Counter

	// Replication metrics
	ReplicationPushes   *prometheus.CounterVec // result
	ReplicationFetches  *prometheus.CounterVec // result
	ReplicationQueueLen prometheus.Gauge
	RepairCycles        prometheus.Counter
}

// New creates and registers the metrics on a fresh registry. Several nodes
// can share a process without colliding.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the metrics on registry.
func NewWithRegistry(registry *prometheus.Registry) *Metrics {
	f := promauto.With(registry)
	return &Metrics{
		Registry: registry,

		RecordsStored: f.NewGauge(prometheus.GaugeOpts{
			Name: "swarmstore_records_stored",
			Help: "Number of addresses held in the local record store",
		}),
		BytesStored: f.NewGauge(prometheus.GaugeOpts{
			Name: "swarmstore_bytes_stored",
			Help: "Bytes held in the local record store",
		}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "swarmstore_conflicts_total",
			Help: "Conflicting writes retained at uniqueness-constrained addresses",
		}),

		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmstore_admissions_total",
			Help: "Write admissions by result",
		}, []string{"result"}),
		Price: f.NewGauge(prometheus.GaugeOpts{
			Name: "swarmstore_store_price",
			Help: "Current price quoted for a write",
		}),

		PeersConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "swarmstore_peers_connected",
			Help: "Connected peers in the routing table",
		}),
		MembershipEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmstore_membership_events_total",
			Help: "Routing table membership changes by kind",
		}, []string{"kind"}),

		QuorumOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmstore_quorum_operations_total",
			Help: "Quorum reads and writes by result",
		}, []string{"op", "result"}),
		QuorumLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swarmstore_quorum_latency_seconds",
			Help:    "Quorum operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		RetryAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "swarmstore_retry_attempts_total",
			Help: "Peer requests retried after a transient failure",
		}),

		ReplicationPushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmstore_replication_pushes_total",
			Help: "Records pushed to close group members by result",
		}, []string{"result"}),
		ReplicationFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmstore_replication_fetches_total",
			Help: "Records fetched during repair by result",
		}, []string{"result"}),
		ReplicationQueueLen: f.NewGauge(prometheus.GaugeOpts{
			Name: "swarmstore_replication_queue_length",
			Help: "Replication tasks waiting for a worker",
		}),
		RepairCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "swarmstore_repair_cycles_total",
			Help: "Completed churn repair passes",
		}),
	}
}

// OrNew returns m, or fresh metrics when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New()
}

// Result labels a counter by error outcome.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
