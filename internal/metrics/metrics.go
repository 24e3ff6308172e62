// ============================================================================
// Metrics - Prometheus instrumentation for the causal-recovery core
// ============================================================================
//
// Counter metrics track the hot-path volume (records logged, determinants
// appended, deltas shipped) and the recovery protocol (replays, aborts).
// Gauges expose the retained footprint of the logs, which is what an
// operator watches to confirm epoch reclamation keeps up. The replay
// duration histogram feeds recovery-time SLOs.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector wraps the Prometheus metrics of one task's recovery core.
type Collector struct {
	recordsLogged        prometheus.Counter
	determinantsAppended prometheus.Counter
	deltasShipped        prometheus.Counter
	replays              prometheus.Counter
	replayAborts         prometheus.Counter
	replayedRecords      prometheus.Counter

	inFlightRecords prometheus.Gauge
	causalLogBytes  prometheus.Gauge
	recoveryTime    prometheus.Gauge

	replayDuration prometheus.Histogram
}

// NewCollector creates and registers the collector's metrics. A nil
// registerer falls back to the default registry; tests pass their own.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		recordsLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "causal_inflight_records_logged_total",
			Help: "Total number of records logged into the in-flight log",
		}),
		determinantsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "causal_determinants_appended_total",
			Help: "Total number of determinants appended to the causal log",
		}),
		deltasShipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "causal_deltas_shipped_total",
			Help: "Total number of non-empty causal log deltas produced for downstream consumers",
		}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "causal_replays_total",
			Help: "Total number of in-flight log replays performed",
		}),
		replayAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "causal_replay_aborts_total",
			Help: "Total number of replay attempts aborted by timeout or mismatch",
		}),
		replayedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "causal_replayed_records_total",
			Help: "Total number of records re-emitted during replays",
		}),
		inFlightRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "causal_inflight_log_records",
			Help: "Current number of records retained in the in-flight log",
		}),
		causalLogBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "causal_log_bytes",
			Help: "Current number of bytes retained in the causal log",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "causal_recovery_time_seconds",
			Help: "Time taken by the most recent determinant recovery",
		}),
		replayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "causal_replay_duration_seconds",
			Help:    "In-flight log replay duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.recordsLogged,
		c.determinantsAppended,
		c.deltasShipped,
		c.replays,
		c.replayAborts,
		c.replayedRecords,
		c.inFlightRecords,
		c.causalLogBytes,
		c.recoveryTime,
		c.replayDuration,
	)
	return c
}

// RecordLogged counts one record entering the in-flight log.
func (c *Collector) RecordLogged() {
	c.recordsLogged.Inc()
}

// RecordDeterminant counts one determinant append.
func (c *Collector) RecordDeterminant() {
	c.determinantsAppended.Inc()
}

// RecordDeltaShipped counts one non-empty delta handed to a consumer.
func (c *Collector) RecordDeltaShipped() {
	c.deltasShipped.Inc()
}

// RecordReplay counts one completed replay and its duration.
func (c *Collector) RecordReplay(seconds float64, records int) {
	c.replays.Inc()
	c.replayDuration.Observe(seconds)
	c.replayedRecords.Add(float64(records))
}

// RecordReplayAbort counts one replay attempt that timed out or
// mismatched.
func (c *Collector) RecordReplayAbort() {
	c.replayAborts.Inc()
}

// SetInFlightRecords updates the retained in-flight record gauge.
func (c *Collector) SetInFlightRecords(n int) {
	c.inFlightRecords.Set(float64(n))
}

// SetCausalLogBytes updates the retained causal log byte gauge.
func (c *Collector) SetCausalLogBytes(n int) {
	c.causalLogBytes.Set(float64(n))
}

// SetRecoveryTime records the duration of the latest recovery.
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// StartServer exposes /metrics on the given port.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
