// Package stats tracks delivery and loss counters for the telemetry pipeline
// plus OTA outcomes, for periodic console output and the metrics endpoint.
package stats

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Tracker tracks pipeline statistics by transport and outcome.
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so per-batch increments don't fight over a mutex
	outcomeCounts   sync.Map // "transport|outcome" -> *atomic.Uint64
	dropReasons     sync.Map // reason -> *atomic.Uint64
	start           atomic.Int64
	deliveredOK     atomic.Uint64 // samples delivered
	droppedSamples  atomic.Uint64 // samples dropped after retry budget or rejection
	retriedSamples  atomic.Uint64 // sample re-queue events
	transportSwaps  atomic.Uint64
	otaChecks       atomic.Uint64
	otaInstalls     atomic.Uint64
	otaFailures     atomic.Uint64
	healthCriticals atomic.Uint64
}

// NewTracker creates a new stats tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// RecordOutcome counts one send attempt result for a transport, attributing
// the number of samples in the batch.
func (t *Tracker) RecordOutcome(transport, outcome string, samples int) {
	key := strings.ToLower(transport) + "|" + strings.ToLower(outcome)
	incrementCounter(&t.outcomeCounts, key)
	switch strings.ToLower(outcome) {
	case "delivered":
		t.deliveredOK.Add(uint64(samples))
	case "retry":
		t.retriedSamples.Add(uint64(samples))
	}
}

// RecordDrop counts samples lost with a reason ("retry_budget", "rejected",
// "eviction").
func (t *Tracker) RecordDrop(reason string, samples int) {
	if samples <= 0 {
		return
	}
	t.droppedSamples.Add(uint64(samples))
	if value, ok := t.dropReasons.Load(reason); ok {
		value.(*atomic.Uint64).Add(uint64(samples))
		return
	}
	counter := &atomic.Uint64{}
	if actual, loaded := t.dropReasons.LoadOrStore(reason, counter); loaded {
		actual.(*atomic.Uint64).Add(uint64(samples))
		return
	}
	counter.Add(uint64(samples))
}

// RecordTransportSwap counts an active-transport change.
func (t *Tracker) RecordTransportSwap() {
	t.transportSwaps.Add(1)
}

// RecordOTACheck counts a version check.
func (t *Tracker) RecordOTACheck() { t.otaChecks.Add(1) }

// RecordOTAInstall counts a completed update (partition switched).
func (t *Tracker) RecordOTAInstall() { t.otaInstalls.Add(1) }

// RecordOTAFailure counts a terminally failed update session.
func (t *Tracker) RecordOTAFailure() { t.otaFailures.Add(1) }

// RecordHealthCritical counts a critical health event.
func (t *Tracker) RecordHealthCritical() { t.healthCriticals.Add(1) }

// DeliveredSamples returns the cumulative delivered sample count.
func (t *Tracker) DeliveredSamples() uint64 { return t.deliveredOK.Load() }

// DroppedSamples returns the cumulative dropped sample count.
func (t *Tracker) DroppedSamples() uint64 { return t.droppedSamples.Load() }

// RetriedSamples returns the cumulative sample re-queue count.
func (t *Tracker) RetriedSamples() uint64 { return t.retriedSamples.Load() }

// TransportSwaps returns the number of transport changes.
func (t *Tracker) TransportSwaps() uint64 { return t.transportSwaps.Load() }

// OTAChecks returns the number of version checks performed.
func (t *Tracker) OTAChecks() uint64 { return t.otaChecks.Load() }

// OTAInstalls returns the number of completed updates.
func (t *Tracker) OTAInstalls() uint64 { return t.otaInstalls.Load() }

// OTAFailures returns the number of failed update sessions.
func (t *Tracker) OTAFailures() uint64 { return t.otaFailures.Load() }

// HealthCriticals returns the number of critical health events.
func (t *Tracker) HealthCriticals() uint64 { return t.healthCriticals.Load() }

// GetOutcomeCounts returns a copy of the transport/outcome counts.
func (t *Tracker) GetOutcomeCounts() map[string]uint64 {
	counts := make(map[string]uint64)
	t.outcomeCounts.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

// GetDropReasons returns a copy of the per-reason drop counts.
func (t *Tracker) GetDropReasons() map[string]uint64 {
	counts := make(map[string]uint64)
	t.dropReasons.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

// GetUptime returns how long the tracker has been running.
func (t *Tracker) GetUptime() time.Duration {
	return time.Since(time.Unix(0, t.start.Load()))
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	lines := make([]string, 0, 3)
	lines = append(lines, fmt.Sprintf("Telemetry: delivered=%d retried=%d dropped=%d swaps=%d",
		t.deliveredOK.Load(), t.retriedSamples.Load(), t.droppedSamples.Load(), t.transportSwaps.Load()))
	lines = append(lines, formatMapCounts("Outcomes", &t.outcomeCounts))
	lines = append(lines, fmt.Sprintf("OTA: checks=%d installs=%d failures=%d",
		t.otaChecks.Load(), t.otaInstalls.Load(), t.otaFailures.Load()))
	return lines
}

func formatMapCounts(label string, counts *sync.Map) string {
	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	first := true
	counts.Range(func(key, value any) bool {
		if !first {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%d", key.(string), value.(*atomic.Uint64).Load())
		first = false
		return true
	})
	if first {
		builder.WriteString("(none)")
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
