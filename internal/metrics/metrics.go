// Package metrics exposes the replication engine's counters as Prometheus
// metrics and a point-in-time host resource snapshot, the way
// agent/internal/metrics.Collect feeds host utilization into the teacher's
// heartbeat RPC. Here the snapshot is attached to ReplicationOutput
// diagnostics instead of a heartbeat payload, but the collection mechanism
// (github.com/shirou/gopsutil/v4) is the same.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Registry holds the Prometheus collectors the engine updates during a run.
// Callers that don't want metrics either pass New a private, un-exposed
// registry (prometheus.NewRegistry()) or pass a nil *Registry to
// tracker.New, heartbeat.New or replication.New, which then emit nothing.
type Registry struct {
	recordsEmitted   *prometheus.CounterVec
	bytesEmitted     *prometheus.CounterVec
	recordsCommitted *prometheus.GaugeVec
	stateMessages    *prometheus.CounterVec
	heartbeatTimeout prometheus.Counter
	syncDuration     prometheus.Histogram
}

// New registers the engine's collectors against reg and returns a Registry.
// Pass prometheus.NewRegistry() for an isolated registry (tests, or a
// single-purpose binary that doesn't want to pollute the default registry).
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		recordsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replication_records_emitted_total",
			Help: "Records read from the source, by stream.",
		}, []string{"stream"}),
		bytesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replication_bytes_emitted_total",
			Help: "Bytes read from the source, by stream.",
		}, []string{"stream"}),
		recordsCommitted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "replication_records_committed",
			Help: "Cumulative records acknowledged by the destination via the latest matched state checkpoint, by stream.",
		}, []string{"stream"}),
		stateMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replication_state_messages_total",
			Help: "State checkpoints observed, by direction (source|destination).",
		}, []string{"direction"}),
		heartbeatTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replication_heartbeat_timeouts_total",
			Help: "Runs aborted because the source went silent past its heartbeat threshold.",
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "replication_sync_duration_seconds",
			Help:    "Wall-clock duration of a replication run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s .. ~9h
		}),
	}

	reg.MustRegister(
		r.recordsEmitted,
		r.bytesEmitted,
		r.recordsCommitted,
		r.stateMessages,
		r.heartbeatTimeout,
		r.syncDuration,
	)
	return r
}

func (r *Registry) RecordEmitted(stream string, bytes int) {
	r.recordsEmitted.WithLabelValues(stream).Inc()
	r.bytesEmitted.WithLabelValues(stream).Add(float64(bytes))
}

// RecordsCommitted sets the stream's cumulative committed-record count to
// totalCommitted (the absolute mark at the latest acknowledged checkpoint,
// not a per-call delta) — a Gauge, since the tracker always knows the
// current total rather than how much it advanced by.
func (r *Registry) RecordsCommitted(stream string, totalCommitted int64) {
	r.recordsCommitted.WithLabelValues(stream).Set(float64(totalCommitted))
}

func (r *Registry) StateMessage(direction string) {
	r.stateMessages.WithLabelValues(direction).Inc()
}

func (r *Registry) HeartbeatTimeout() {
	r.heartbeatTimeout.Inc()
}

func (r *Registry) ObserveSyncDuration(seconds float64) {
	r.syncDuration.Observe(seconds)
}

// HostSnapshot is a point-in-time resource usage reading, attached to
// ReplicationOutput diagnostics.
type HostSnapshot struct {
	CPUPercent float64 `json:"cpuPercent"`
	MemPercent float64 `json:"memPercent"`
}

// CollectHostSnapshot samples current host CPU and memory utilization.
// Best-effort: on any collection error the corresponding field is left at
// zero rather than failing the run — host telemetry is diagnostic, not
// load-bearing.
func CollectHostSnapshot(ctx context.Context) HostSnapshot {
	var snap HostSnapshot

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemPercent = vm.UsedPercent
	}
	return snap
}
