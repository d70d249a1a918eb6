package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Record store metrics
	RecordsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmnode_record_store_records_total",
			Help: "Total number of records currently held in the local store",
		},
	)

	RecordStoreBytesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmnode_record_store_bytes_total",
			Help: "Total bytes of encrypted payload currently held in the local store",
		},
	)

	HardDiskWriteErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swarmnode_hard_disk_write_errors_total",
			Help: "Total number of record store write failures; sustained growth is treated as a fatal liveness signal",
		},
	)

	RecordPutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "swarmnode_record_put_duration_seconds",
			Help:    "Time taken to validate, encrypt and persist a record",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Fetcher metrics
	FetcherInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmnode_fetcher_inflight",
			Help: "Number of fetches currently in flight",
		},
	)

	FetcherPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmnode_fetcher_pending",
			Help: "Number of keys waiting for a fetch slot",
		},
	)

	FetcherFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmnode_fetcher_fetches_total",
			Help: "Total fetch attempts by outcome",
		},
		[]string{"outcome"}, // succeeded, failed, rejected, dropped
	)

	// Routing table metrics
	RoutingTablePeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmnode_routing_table_peers",
			Help: "Total number of peers currently held in the routing table",
		},
	)

	RoutingTableBuckets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmnode_routing_table_nonempty_buckets",
			Help: "Number of non-empty k-buckets",
		},
	)

	// Replication engine metrics
	ReplicationCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "swarmnode_replication_cycle_duration_seconds",
			Help:    "Time taken for one interval-replication cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReplicationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swarmnode_replication_cycles_total",
			Help: "Total number of interval-replication cycles completed",
		},
	)

	FreshReplicateSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swarmnode_fresh_replicate_sent_total",
			Help: "Total number of Cmd::FreshReplicate messages sent after a local write",
		},
	)

	FreshReplicateDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmnode_fresh_replicate_dropped_total",
			Help: "Total number of inbound FreshReplicate entries dropped, by reason",
		},
		[]string{"reason"}, // payment_invalid, no_local_record
	)

	IrrelevantRecordsRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swarmnode_irrelevant_records_removed_total",
			Help: "Total number of records removed by the irrelevant-record cleanup tick",
		},
	)

	// Swarm driver metrics
	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmnode_pending_requests",
			Help: "Number of outbound requests currently awaiting a response",
		},
	)

	RequestTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swarmnode_request_timeouts_total",
			Help: "Total number of outbound requests that timed out without a response",
		},
	)

	DriverEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmnode_driver_events_total",
			Help: "Total events handled by the swarm driver loop, by source",
		},
		[]string{"source"}, // swarm, network_cmd, local_cmd, timer, shutdown
	)

	DriverQueueDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmnode_driver_queue_dropped_total",
			Help: "Total best-effort sends dropped because a bounded queue was full",
		},
		[]string{"queue"},
	)

	// Relay / external address metrics
	RelayReservationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmnode_relay_reservations_active",
			Help: "Number of currently held relay reservations",
		},
	)

	ExternalAddressesConfirmed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmnode_external_addresses_confirmed",
			Help: "Number of external addresses confirmed by quorum",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RecordsTotal,
		RecordStoreBytesTotal,
		HardDiskWriteErrorsTotal,
		RecordPutDuration,
		FetcherInflight,
		FetcherPending,
		FetcherFetchesTotal,
		RoutingTablePeers,
		RoutingTableBuckets,
		ReplicationCycleDuration,
		ReplicationCyclesTotal,
		FreshReplicateSentTotal,
		FreshReplicateDroppedTotal,
		IrrelevantRecordsRemovedTotal,
		PendingRequests,
		RequestTimeoutsTotal,
		DriverEventsTotal,
		DriverQueueDroppedTotal,
		RelayReservationsActive,
		ExternalAddressesConfirmed,
	)
}

// Handler returns the Prometheus HTTP handler for the metrics exporter,
// enabled when Config.MetricsServerPort is set.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
