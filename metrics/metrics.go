package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RoutesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_routes_total",
			Help: "Total routing outcomes",
		},
		[]string{"result"}, // assigned|confirmed|requeued|failed|cancelled
	)

	RouteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "registry_route_duration_seconds",
			Help:    "Time from enqueue to slot assignment",
			Buckets: prometheus.DefBuckets,
		},
	)

	PartyAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_party_allocations_total",
			Help: "Total party allocation outcomes",
		},
		[]string{"result"}, // allocated|finalized|expired|failed
	)

	QueueOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_queue_operations_total",
			Help: "Demand queue operations",
		},
		[]string{"op"}, // enqueue|poll|requeue|remove
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "registry_queue_depth",
			Help: "Requests waiting per family queue",
		},
		[]string{"family"},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_heartbeats_total",
			Help: "Heartbeats received by outcome",
		},
		[]string{"result"}, // accepted|stale|registered|rejected
	)

	LivenessTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_liveness_transitions_total",
			Help: "Entity liveness transitions",
		},
		[]string{"to"}, // AVAILABLE|UNAVAILABLE|DEAD
	)

	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "registry_sweep_duration_seconds",
			Help:    "Duration of periodic sweeps",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"}, // liveness|inflight|party|prune|dispatch
	)

	ProvisioningCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_provisioning_commands_total",
			Help: "Slot provisioning commands dispatched",
		},
		[]string{"result"}, // success|failure
	)
)

func init() {
	prometheus.MustRegister(RoutesTotal)
	prometheus.MustRegister(RouteDuration)
	prometheus.MustRegister(PartyAllocationsTotal)
	prometheus.MustRegister(QueueOperationsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(LivenessTransitionsTotal)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(ProvisioningCommandsTotal)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
