package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Metrics holds all application metrics. One instance is constructed at
// startup and handed to every component.
type Metrics struct {
	mu sync.RWMutex

	// Poller metrics
	CommandsReceivedTotal int64
	PollErrorsTotal       int64
	pollsByMode           map[string]int64

	// Watcher metrics
	ScansTotal            int64
	ScanErrorsTotal       int64
	PermissionDeniedTotal int64
	ExpiredTotal          int64
	matchesByConfidence   map[string]int64
	outcomesByStatus      map[string]int64

	// Delivery queue metrics
	QueueEnqueuedTotal      int64
	QueueSentTotal          int64
	QueueRetriesTotal       int64
	QueueStuckTotal         int64
	QueueDroppedTotal       int64
	LegacyFallbacksTotal    int64
	StuckAlertsEmittedTotal int64

	// Telemetry metrics
	TelemetryBatchesTotal int64
	TelemetryItemsTotal   int64

	// Timing
	startTime time.Time
}

// New creates a fresh metrics registry
func New() *Metrics {
	return &Metrics{
		pollsByMode:         make(map[string]int64),
		matchesByConfidence: make(map[string]int64),
		outcomesByStatus:    make(map[string]int64),
		startTime:           time.Now(),
	}
}

// RecordCommandReceived increments the received command counter
func (m *Metrics) RecordCommandReceived() {
	m.mu.Lock()
	m.CommandsReceivedTotal++
	m.mu.Unlock()
}

// RecordPoll records a poll cycle in the given mode
func (m *Metrics) RecordPoll(mode string) {
	m.mu.Lock()
	m.pollsByMode[mode]++
	m.mu.Unlock()
}

// RecordPollError increments the poll error counter
func (m *Metrics) RecordPollError() {
	m.mu.Lock()
	m.PollErrorsTotal++
	m.mu.Unlock()
}

// RecordScan increments the scan cycle counter
func (m *Metrics) RecordScan() {
	m.mu.Lock()
	m.ScansTotal++
	m.mu.Unlock()
}

// RecordScanError increments the scan error counter
func (m *Metrics) RecordScanError() {
	m.mu.Lock()
	m.ScanErrorsTotal++
	m.mu.Unlock()
}

// RecordPermissionDenied increments the access-denied counter
func (m *Metrics) RecordPermissionDenied() {
	m.mu.Lock()
	m.PermissionDeniedTotal++
	m.mu.Unlock()
}

// RecordExpired adds to the expired pending-call counter
func (m *Metrics) RecordExpired(n int) {
	m.mu.Lock()
	m.ExpiredTotal += int64(n)
	m.mu.Unlock()
}

// RecordMatch records a correlation match at the given confidence tier
func (m *Metrics) RecordMatch(confidence string) {
	m.mu.Lock()
	m.matchesByConfidence[confidence]++
	m.mu.Unlock()
}

// RecordOutcome records a resolved outcome by status
func (m *Metrics) RecordOutcome(status string) {
	m.mu.Lock()
	m.outcomesByStatus[status]++
	m.mu.Unlock()
}

// RecordEnqueued increments the outbox enqueue counter
func (m *Metrics) RecordEnqueued() {
	m.mu.Lock()
	m.QueueEnqueuedTotal++
	m.mu.Unlock()
}

// RecordSent increments the confirmed-send counter
func (m *Metrics) RecordSent() {
	m.mu.Lock()
	m.QueueSentTotal++
	m.mu.Unlock()
}

// RecordRetry increments the retry counter
func (m *Metrics) RecordRetry() {
	m.mu.Lock()
	m.QueueRetriesTotal++
	m.mu.Unlock()
}

// RecordStuck increments the stuck-item counter
func (m *Metrics) RecordStuck() {
	m.mu.Lock()
	m.QueueStuckTotal++
	m.mu.Unlock()
}

// RecordDropped increments the dropped-item counter (rate-limited telemetry)
func (m *Metrics) RecordDropped() {
	m.mu.Lock()
	m.QueueDroppedTotal++
	m.mu.Unlock()
}

// RecordLegacyFallback increments the legacy payload fallback counter
func (m *Metrics) RecordLegacyFallback() {
	m.mu.Lock()
	m.LegacyFallbacksTotal++
	m.mu.Unlock()
}

// RecordStuckAlert increments the emitted stuck-alert counter
func (m *Metrics) RecordStuckAlert() {
	m.mu.Lock()
	m.StuckAlertsEmittedTotal++
	m.mu.Unlock()
}

// RecordTelemetryFlush records a flushed telemetry batch
func (m *Metrics) RecordTelemetryFlush(items int) {
	m.mu.Lock()
	m.TelemetryBatchesTotal++
	m.TelemetryItemsTotal += int64(items)
	m.mu.Unlock()
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		// Helper to write metric
		write := func(name string, value interface{}, labels ...string) {
			labelStr := ""
			if len(labels) > 0 {
				labelStr = "{"
				for i := 0; i < len(labels); i += 2 {
					if i > 0 {
						labelStr += ","
					}
					labelStr += labels[i] + "=\"" + labels[i+1] + "\""
				}
				labelStr += "}"
			}

			switch v := value.(type) {
			case int:
				w.Write([]byte(name + labelStr + " " + strconv.Itoa(v) + "\n"))
			case int64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatInt(v, 10) + "\n"))
			case float64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatFloat(v, 'f', 6, 64) + "\n"))
			}
		}

		// System metrics
		write("dialer_uptime_seconds", time.Since(m.startTime).Seconds())

		// Poller metrics
		write("dialer_commands_received_total", m.CommandsReceivedTotal)
		write("dialer_poll_errors_total", m.PollErrorsTotal)
		for mode, count := range m.pollsByMode {
			write("dialer_polls_total", count, "mode", mode)
		}

		// Watcher metrics
		write("dialer_scans_total", m.ScansTotal)
		write("dialer_scan_errors_total", m.ScanErrorsTotal)
		write("dialer_permission_denied_total", m.PermissionDeniedTotal)
		write("dialer_expired_total", m.ExpiredTotal)
		for tier, count := range m.matchesByConfidence {
			write("dialer_matches_total", count, "confidence", tier)
		}
		for status, count := range m.outcomesByStatus {
			write("dialer_outcomes_total", count, "status", status)
		}

		// Delivery queue metrics
		write("dialer_queue_enqueued_total", m.QueueEnqueuedTotal)
		write("dialer_queue_sent_total", m.QueueSentTotal)
		write("dialer_queue_retries_total", m.QueueRetriesTotal)
		write("dialer_queue_stuck_total", m.QueueStuckTotal)
		write("dialer_queue_dropped_total", m.QueueDroppedTotal)
		write("dialer_legacy_fallbacks_total", m.LegacyFallbacksTotal)
		write("dialer_stuck_alerts_emitted_total", m.StuckAlertsEmittedTotal)

		// Telemetry metrics
		write("dialer_telemetry_batches_total", m.TelemetryBatchesTotal)
		write("dialer_telemetry_items_total", m.TelemetryItemsTotal)
	}
}
