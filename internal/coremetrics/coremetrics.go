// Package coremetrics implements the gauges and counters named in spec §3
// and §8 as real Prometheus collectors. Each connectivity component (one
// Transport, one Replicator, one MachineClient's revival controller) owns
// one of these per scope; they're registered against the process-wide
// Prometheus registry by the caller so metrics from many sessions plus the
// machine scope all show up distinctly, labeled by scope.
//
// Unlike github.com/prometheus/client_golang's usual promauto global-variable
// style (see the teacher's sibling Docker-Sentinel metrics package), these
// collectors are per-instance: a daemon hosting N sessions has N Transports,
// each needing its own counters rather than one shared global.
package coremetrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TransportMetrics tracks the handler registry, pending-ack table, and
// connection-lifecycle counters for one Transport (spec §3, §8).
type TransportMetrics struct {
	scope string

	mu           sync.RWMutex
	handlerCount map[string]int // event name -> live handler count

	pendingAcks int64

	memoryPressureCount  int64
	acksCleanedTotal     int64
	handlersRejectedTotal int64

	disconnectCount int64
	disconnectedAt  time.Time
	disconnections  []disconnectionRecord
	maxRecords      int
}

type disconnectionRecord struct {
	DisconnectedAt time.Time
	ReconnectedAt  time.Time
	DurationMS     int64
}

// NewTransportMetrics builds a metrics collector scoped to scope, retaining
// at most maxRecords disconnection records (oldest evicted first, per §4.3).
func NewTransportMetrics(scope string, maxRecords int) *TransportMetrics {
	if maxRecords <= 0 {
		maxRecords = 64
	}
	return &TransportMetrics{
		scope:        scope,
		handlerCount: make(map[string]int),
		maxRecords:   maxRecords,
	}
}

// SetHandlerCount records the live handler count for event.
func (m *TransportMetrics) SetHandlerCount(event string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if count <= 0 {
		delete(m.handlerCount, event)
		return
	}
	m.handlerCount[event] = count
}

// IncHandlersRejected increments handlersRejectedTotal by one.
func (m *TransportMetrics) IncHandlersRejected() {
	atomic.AddInt64(&m.handlersRejectedTotal, 1)
}

// SetPendingAcks records the current size of the pending-ack table.
func (m *TransportMetrics) SetPendingAcks(n int) {
	atomic.StoreInt64(&m.pendingAcks, int64(n))
}

// RecordMemoryPressureSweep records one onMemoryPressure() pass that cleaned
// cleaned orphaned ack entries.
func (m *TransportMetrics) RecordMemoryPressureSweep(cleaned int) {
	atomic.AddInt64(&m.memoryPressureCount, 1)
	atomic.AddInt64(&m.acksCleanedTotal, int64(cleaned))
}

// RecordDisconnect stamps the start of a disconnection episode.
func (m *TransportMetrics) RecordDisconnect(at time.Time) {
	atomic.AddInt64(&m.disconnectCount, 1)
	m.mu.Lock()
	m.disconnectedAt = at
	m.mu.Unlock()
}

// RecordReconnect completes the most recent disconnection episode, bounding
// the retained history to maxRecords entries.
func (m *TransportMetrics) RecordReconnect(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disconnectedAt.IsZero() {
		return
	}
	rec := disconnectionRecord{
		DisconnectedAt: m.disconnectedAt,
		ReconnectedAt:  at,
		DurationMS:     at.Sub(m.disconnectedAt).Milliseconds(),
	}
	m.disconnections = append(m.disconnections, rec)
	if len(m.disconnections) > m.maxRecords {
		m.disconnections = m.disconnections[len(m.disconnections)-m.maxRecords:]
	}
	m.disconnectedAt = time.Time{}
}

// TransportSnapshot is the plain-data view returned by Transport.Metrics().
type TransportSnapshot struct {
	LiveHandlerCount      int
	DistinctEventTypes    int
	PendingAckCount        int
	MemoryPressureCount    int64
	AcksCleanedTotal       int64
	HandlersRejectedTotal  int64
	DisconnectCount        int64
}

// Snapshot returns the current gauges/counters, matching §4.1's getMetrics().
func (m *TransportMetrics) Snapshot() TransportSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	live := 0
	for _, c := range m.handlerCount {
		live += c
	}
	return TransportSnapshot{
		LiveHandlerCount:     live,
		DistinctEventTypes:   len(m.handlerCount),
		PendingAckCount:       int(atomic.LoadInt64(&m.pendingAcks)),
		MemoryPressureCount:   atomic.LoadInt64(&m.memoryPressureCount),
		AcksCleanedTotal:      atomic.LoadInt64(&m.acksCleanedTotal),
		HandlersRejectedTotal: atomic.LoadInt64(&m.handlersRejectedTotal),
		DisconnectCount:       atomic.LoadInt64(&m.disconnectCount),
	}
}

var (
	transportHandlerCountDesc = prometheus.NewDesc(
		"happy_transport_live_handlers", "Live handler count per event, per scope.",
		[]string{"scope", "event"}, nil)
	transportPendingAckDesc = prometheus.NewDesc(
		"happy_transport_pending_acks", "Pending acknowledgement count.",
		[]string{"scope"}, nil)
	transportRejectedDesc = prometheus.NewDesc(
		"happy_transport_handlers_rejected_total", "Handler registrations rejected because MAX_HANDLERS_PER_EVENT was reached.",
		[]string{"scope"}, nil)
	transportAcksCleanedDesc = prometheus.NewDesc(
		"happy_transport_acks_cleaned_total", "Orphaned ack entries cleaned by memory-pressure sweeps.",
		[]string{"scope"}, nil)
	transportDisconnectsDesc = prometheus.NewDesc(
		"happy_transport_disconnects_total", "Number of disconnection episodes observed.",
		[]string{"scope"}, nil)
)

// Describe implements prometheus.Collector.
func (m *TransportMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- transportHandlerCountDesc
	ch <- transportPendingAckDesc
	ch <- transportRejectedDesc
	ch <- transportAcksCleanedDesc
	ch <- transportDisconnectsDesc
}

// Collect implements prometheus.Collector.
func (m *TransportMetrics) Collect(ch chan<- prometheus.Metric) {
	snap := m.Snapshot()
	m.mu.RLock()
	for event, count := range m.handlerCount {
		ch <- prometheus.MustNewConstMetric(transportHandlerCountDesc, prometheus.GaugeValue, float64(count), m.scope, event)
	}
	m.mu.RUnlock()
	ch <- prometheus.MustNewConstMetric(transportPendingAckDesc, prometheus.GaugeValue, float64(snap.PendingAckCount), m.scope)
	ch <- prometheus.MustNewConstMetric(transportRejectedDesc, prometheus.CounterValue, float64(snap.HandlersRejectedTotal), m.scope)
	ch <- prometheus.MustNewConstMetric(transportAcksCleanedDesc, prometheus.CounterValue, float64(snap.AcksCleanedTotal), m.scope)
	ch <- prometheus.MustNewConstMetric(transportDisconnectsDesc, prometheus.CounterValue, float64(snap.DisconnectCount), m.scope)
}

// ReplicatorMetrics tracks sync outcomes and durations for one Replicator.
type ReplicatorMetrics struct {
	scope string

	mismatchesTotal int64
	errorsTotal     int64
	abortedTotal    int64

	mu        sync.Mutex
	durations []time.Duration
	maxSamples int
}

// NewReplicatorMetrics builds a metrics collector scoped to scope.
func NewReplicatorMetrics(scope string, maxSamples int) *ReplicatorMetrics {
	if maxSamples <= 0 {
		maxSamples = 128
	}
	return &ReplicatorMetrics{scope: scope, maxSamples: maxSamples}
}

// RecordSync records the outcome and wall-clock duration of one
// reconciliation pass (spec §4.3 syncComplete).
func (m *ReplicatorMetrics) RecordSync(outcome string, d time.Duration) {
	switch outcome {
	case "mismatch":
		atomic.AddInt64(&m.mismatchesTotal, 1)
	case "error":
		atomic.AddInt64(&m.errorsTotal, 1)
	case "aborted":
		atomic.AddInt64(&m.abortedTotal, 1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations = append(m.durations, d)
	if len(m.durations) > m.maxSamples {
		m.durations = m.durations[len(m.durations)-m.maxSamples:]
	}
}

// DurationStats derives min/mean/max from the bounded sample window.
func (m *ReplicatorMetrics) DurationStats() (min, mean, max time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.durations) == 0 {
		return 0, 0, 0
	}
	min, max = m.durations[0], m.durations[0]
	var sum time.Duration
	for _, d := range m.durations {
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
		sum += d
	}
	mean = sum / time.Duration(len(m.durations))
	return min, mean, max
}

var (
	replicatorSyncMismatchDesc = prometheus.NewDesc(
		"happy_replicator_sync_mismatches_total", "Reconciliation passes where the server blob superseded local state.",
		[]string{"scope"}, nil)
	replicatorSyncErrorDesc = prometheus.NewDesc(
		"happy_replicator_sync_errors_total", "Reconciliation passes that ended in an error.",
		[]string{"scope"}, nil)
	replicatorSyncDurationDesc = prometheus.NewDesc(
		"happy_replicator_sync_duration_seconds", "Mean reconciliation duration over the retained sample window.",
		[]string{"scope"}, nil)
)

// Describe implements prometheus.Collector.
func (m *ReplicatorMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- replicatorSyncMismatchDesc
	ch <- replicatorSyncErrorDesc
	ch <- replicatorSyncDurationDesc
}

// Collect implements prometheus.Collector.
func (m *ReplicatorMetrics) Collect(ch chan<- prometheus.Metric) {
	_, mean, _ := m.DurationStats()
	ch <- prometheus.MustNewConstMetric(replicatorSyncMismatchDesc, prometheus.CounterValue, float64(atomic.LoadInt64(&m.mismatchesTotal)), m.scope)
	ch <- prometheus.MustNewConstMetric(replicatorSyncErrorDesc, prometheus.CounterValue, float64(atomic.LoadInt64(&m.errorsTotal)), m.scope)
	ch <- prometheus.MustNewConstMetric(replicatorSyncDurationDesc, prometheus.GaugeValue, mean.Seconds(), m.scope)
}

// RevivalMetrics tracks the MachineClient's revival-controller counters.
type RevivalMetrics struct {
	machineID string

	attempted int64
	succeeded int64
	failed    int64
	limited   int64
	paused    int64
}

// NewRevivalMetrics builds a metrics collector for one MachineClient.
func NewRevivalMetrics(machineID string) *RevivalMetrics {
	return &RevivalMetrics{machineID: machineID}
}

func (m *RevivalMetrics) IncAttempted() { atomic.AddInt64(&m.attempted, 1) }
func (m *RevivalMetrics) IncSucceeded() { atomic.AddInt64(&m.succeeded, 1) }
func (m *RevivalMetrics) IncFailed()    { atomic.AddInt64(&m.failed, 1) }
func (m *RevivalMetrics) IncLimited()   { atomic.AddInt64(&m.limited, 1) }
func (m *RevivalMetrics) IncPaused()    { atomic.AddInt64(&m.paused, 1) }

var (
	revivalAttemptedDesc = prometheus.NewDesc("happy_revival_attempted_total", "Revival attempts started.", []string{"machine_id"}, nil)
	revivalSucceededDesc = prometheus.NewDesc("happy_revival_succeeded_total", "Revival attempts that succeeded.", []string{"machine_id"}, nil)
	revivalFailedDesc    = prometheus.NewDesc("happy_revival_failed_total", "Revival attempts that failed.", []string{"machine_id"}, nil)
	revivalLimitedDesc   = prometheus.NewDesc("happy_revival_limited_total", "Revival attempts rejected by the per-session cap.", []string{"machine_id"}, nil)
	revivalPausedDesc    = prometheus.NewDesc("happy_revival_paused_total", "Revival attempts rejected by the circuit breaker.", []string{"machine_id"}, nil)
)

// Describe implements prometheus.Collector.
func (m *RevivalMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- revivalAttemptedDesc
	ch <- revivalSucceededDesc
	ch <- revivalFailedDesc
	ch <- revivalLimitedDesc
	ch <- revivalPausedDesc
}

// Collect implements prometheus.Collector.
func (m *RevivalMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(revivalAttemptedDesc, prometheus.CounterValue, float64(atomic.LoadInt64(&m.attempted)), m.machineID)
	ch <- prometheus.MustNewConstMetric(revivalSucceededDesc, prometheus.CounterValue, float64(atomic.LoadInt64(&m.succeeded)), m.machineID)
	ch <- prometheus.MustNewConstMetric(revivalFailedDesc, prometheus.CounterValue, float64(atomic.LoadInt64(&m.failed)), m.machineID)
	ch <- prometheus.MustNewConstMetric(revivalLimitedDesc, prometheus.CounterValue, float64(atomic.LoadInt64(&m.limited)), m.machineID)
	ch <- prometheus.MustNewConstMetric(revivalPausedDesc, prometheus.CounterValue, float64(atomic.LoadInt64(&m.paused)), m.machineID)
}
