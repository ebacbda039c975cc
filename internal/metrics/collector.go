package schcmetrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "goschc"
	subsystem = "schc"
)

// Label names for SCHC metrics.
const (
	labelDevice  = "device_id"
	labelRole    = "role"
	labelOutcome = "outcome"
	labelReason  = "reason"
)

// Role label values: which half of a fragmented transfer a connection
// serves.
const (
	RoleSender   = "sender"
	RoleReceiver = "receiver"
)

// Outcome label values for transfer and compression counters.
const (
	OutcomeSuccess      = "success"
	OutcomeFailure      = "failure"
	OutcomeCompressed   = "compressed"
	OutcomeUncompressed = "uncompressed"
)

// Reason label values for dropped inbound frames.
const (
	ReasonUnknownRule = "unknown_rule"
	ReasonMalformed   = "malformed"
	ReasonPool        = "pool_exhausted"
	ReasonStale       = "stale"
)

// -------------------------------------------------------------------------
// Collector — Prometheus SCHC Metrics
// -------------------------------------------------------------------------

// Collector holds all SCHC Prometheus metrics.
//
// Metrics are designed for LPWAN gateway monitoring:
//   - Connection gauges track fragmented transfers in flight.
//   - Fragment and ACK counters track protocol volume per device.
//   - Retransmission and MIC failure counters flag lossy links.
//   - Compression outcome counters show how often rules actually match.
type Collector struct {
	// Connections tracks fragmentation connections currently in flight,
	// split by sender/receiver role. Incremented when the manager binds
	// a connection, decremented when it is released to the pool.
	Connections *prometheus.GaugeVec

	// FragmentsSent counts SCHC fragments transmitted per device,
	// retransmissions included.
	FragmentsSent *prometheus.CounterVec

	// FragmentsReceived counts SCHC fragments accepted into a
	// reassembly buffer per device.
	FragmentsReceived *prometheus.CounterVec

	// AcksSent counts acknowledgments emitted by the receiver side.
	AcksSent *prometheus.CounterVec

	// AcksReceived counts acknowledgments consumed by the sender side.
	AcksReceived *prometheus.CounterVec

	// Retransmissions counts fragments re-sent after an ACK reported
	// them missing.
	Retransmissions *prometheus.CounterVec

	// AckRequests counts ACK REQ solicitations sent after an ACK
	// timer expired (bounded per window by the retry budget).
	AckRequests *prometheus.CounterVec

	// Transfers counts finished fragmented transfers by role and
	// outcome. Failures cover retry exhaustion, inactivity timeouts
	// and aborts.
	Transfers *prometheus.CounterVec

	// MICFailures counts reassembled packets whose integrity check
	// did not verify.
	MICFailures *prometheus.CounterVec

	// FramesDropped counts inbound frames discarded before reaching a
	// connection (unknown rule, malformed header, pool exhausted, or
	// stale ACK for a finished transfer).
	FramesDropped *prometheus.CounterVec

	// Compressions counts header compression attempts by outcome:
	// a matching rule, or the uncompressed fallback.
	Compressions *prometheus.CounterVec

	// Decompressions counts SCHC packets successfully decompressed.
	Decompressions *prometheus.CounterVec
}

// NewCollector creates a Collector with all SCHC metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "goschc_schc_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.FragmentsSent,
		c.FragmentsReceived,
		c.AcksSent,
		c.AcksReceived,
		c.Retransmissions,
		c.AckRequests,
		c.Transfers,
		c.MICFailures,
		c.FramesDropped,
		c.Compressions,
		c.Decompressions,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	deviceLabels := []string{labelDevice}
	connLabels := []string{labelDevice, labelRole}
	transferLabels := []string{labelDevice, labelRole, labelOutcome}

	return &Collector{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Number of fragmentation connections currently in flight.",
		}, connLabels),

		FragmentsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fragments_sent_total",
			Help:      "Total SCHC fragments transmitted, retransmissions included.",
		}, deviceLabels),

		FragmentsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fragments_received_total",
			Help:      "Total SCHC fragments accepted into a reassembly buffer.",
		}, deviceLabels),

		AcksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "acks_sent_total",
			Help:      "Total SCHC acknowledgments transmitted.",
		}, deviceLabels),

		AcksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "acks_received_total",
			Help:      "Total SCHC acknowledgments consumed by the sender side.",
		}, deviceLabels),

		Retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retransmissions_total",
			Help:      "Total fragments re-sent after an ACK reported them missing.",
		}, deviceLabels),

		AckRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ack_requests_total",
			Help:      "Total ACK REQ solicitations sent after an ACK timer expired.",
		}, deviceLabels),

		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transfers_total",
			Help:      "Total finished fragmented transfers by role and outcome.",
		}, transferLabels),

		MICFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mic_failures_total",
			Help:      "Total reassembled packets whose integrity check failed (RFC 8724 Section 8.2.3).",
		}, deviceLabels),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "Total inbound frames discarded before reaching a connection.",
		}, []string{labelDevice, labelReason}),

		Compressions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "compressions_total",
			Help:      "Total header compression attempts by outcome.",
		}, []string{labelDevice, labelOutcome}),

		Decompressions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "decompressions_total",
			Help:      "Total SCHC packets successfully decompressed.",
		}, deviceLabels),
	}
}

// deviceLabel formats a device identifier for use as a label value.
func deviceLabel(deviceID uint32) string {
	return strconv.FormatUint(uint64(deviceID), 10)
}

// -------------------------------------------------------------------------
// Connection Lifecycle
// -------------------------------------------------------------------------

// RegisterConnection increments the in-flight connections gauge for the
// given device and role. Called when the manager binds a pooled connection.
func (c *Collector) RegisterConnection(deviceID uint32, role string) {
	c.Connections.WithLabelValues(deviceLabel(deviceID), role).Inc()
}

// UnregisterConnection decrements the in-flight connections gauge for the
// given device and role. Called when a connection returns to the pool.
func (c *Collector) UnregisterConnection(deviceID uint32, role string) {
	c.Connections.WithLabelValues(deviceLabel(deviceID), role).Dec()
}

// RecordTransfer increments the finished transfers counter with the role
// and outcome labels.
func (c *Collector) RecordTransfer(deviceID uint32, role, outcome string) {
	c.Transfers.WithLabelValues(deviceLabel(deviceID), role, outcome).Inc()
}

// -------------------------------------------------------------------------
// Fragment and ACK Counters
// -------------------------------------------------------------------------

// IncFragmentsSent increments the transmitted fragments counter.
func (c *Collector) IncFragmentsSent(deviceID uint32) {
	c.FragmentsSent.WithLabelValues(deviceLabel(deviceID)).Inc()
}

// IncFragmentsReceived increments the received fragments counter.
func (c *Collector) IncFragmentsReceived(deviceID uint32) {
	c.FragmentsReceived.WithLabelValues(deviceLabel(deviceID)).Inc()
}

// IncAcksSent increments the transmitted acknowledgments counter.
func (c *Collector) IncAcksSent(deviceID uint32) {
	c.AcksSent.WithLabelValues(deviceLabel(deviceID)).Inc()
}

// IncAcksReceived increments the consumed acknowledgments counter.
func (c *Collector) IncAcksReceived(deviceID uint32) {
	c.AcksReceived.WithLabelValues(deviceLabel(deviceID)).Inc()
}

// IncRetransmissions increments the retransmitted fragments counter.
func (c *Collector) IncRetransmissions(deviceID uint32) {
	c.Retransmissions.WithLabelValues(deviceLabel(deviceID)).Inc()
}

// IncAckRequests increments the ACK REQ solicitations counter.
func (c *Collector) IncAckRequests(deviceID uint32) {
	c.AckRequests.WithLabelValues(deviceLabel(deviceID)).Inc()
}

// -------------------------------------------------------------------------
// Failures
// -------------------------------------------------------------------------

// IncMICFailures increments the integrity check failure counter.
func (c *Collector) IncMICFailures(deviceID uint32) {
	c.MICFailures.WithLabelValues(deviceLabel(deviceID)).Inc()
}

// IncFramesDropped increments the dropped frames counter with the given
// reason label.
func (c *Collector) IncFramesDropped(deviceID uint32, reason string) {
	c.FramesDropped.WithLabelValues(deviceLabel(deviceID), reason).Inc()
}

// -------------------------------------------------------------------------
// Compression
// -------------------------------------------------------------------------

// RecordCompression increments the compression attempts counter with the
// outcome label (a matching rule, or the uncompressed fallback).
func (c *Collector) RecordCompression(deviceID uint32, outcome string) {
	c.Compressions.WithLabelValues(deviceLabel(deviceID), outcome).Inc()
}

// IncDecompressions increments the successful decompressions counter.
func (c *Collector) IncDecompressions(deviceID uint32) {
	c.Decompressions.WithLabelValues(deviceLabel(deviceID)).Inc()
}
