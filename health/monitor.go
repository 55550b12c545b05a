// Package health samples device resource levels on a fixed period and feeds
// restart and abort decisions. Snapshots are built whole and published
// atomically; consumers (dispatcher, OTA manager) observe critical conditions
// through bounded subscription channels rather than callbacks.
package health

import (
	"context"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Snapshot is a point-in-time record of resource levels. Never partially
// updated: the monitor builds the full record then swaps the pointer.
type Snapshot struct {
	FreeHeap    uint64
	MinFreeHeap uint64
	Goroutines  int
	WifiRSSI    int8
	Uptime      time.Duration
	TakenAt     time.Time
}

// Level classifies a snapshot against the configured thresholds.
type Level int

const (
	LevelHealthy Level = iota
	LevelWarn
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelHealthy:
		return "healthy"
	case LevelWarn:
		return "warn"
	case LevelCritical:
		return "critical"
	}
	return "unknown"
}

// Event is published to subscribers when the monitor crosses into or out of
// the critical band.
type Event struct {
	Level    Level
	Snapshot Snapshot
	At       time.Time
}

// Sampler supplies raw resource readings. The runtime-backed sampler is used
// in production; tests inject fakes.
type Sampler interface {
	Sample() Snapshot
}

// RuntimeSampler derives a device-style free-heap figure from the Go runtime:
// the configured heap budget minus live allocations. WifiRSSI comes from an
// optional probe (zero when absent).
type RuntimeSampler struct {
	HeapBudget uint64
	RSSIProbe  func() int8

	start   time.Time
	minFree atomic.Uint64
	once    sync.Once
}

// Sample builds a snapshot from runtime memory statistics.
func (s *RuntimeSampler) Sample() Snapshot {
	s.once.Do(func() {
		s.start = time.Now()
		s.minFree.Store(^uint64(0))
	})
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var free uint64
	if s.HeapBudget > mem.HeapAlloc {
		free = s.HeapBudget - mem.HeapAlloc
	}
	for {
		min := s.minFree.Load()
		if free >= min || s.minFree.CompareAndSwap(min, free) {
			break
		}
	}
	min := s.minFree.Load()
	if min == ^uint64(0) {
		min = free
	}

	snap := Snapshot{
		FreeHeap:    free,
		MinFreeHeap: min,
		Goroutines:  runtime.NumGoroutine(),
		Uptime:      time.Since(s.start),
		TakenAt:     time.Now(),
	}
	if s.RSSIProbe != nil {
		snap.WifiRSSI = s.RSSIProbe()
	}
	return snap
}

// Config holds the monitor thresholds.
type Config struct {
	Interval       time.Duration
	HeapWarn       uint64 // below this, IsHealthy reports false
	HeapCritical   uint64 // below this, a critical event fires
	CriticalCycles int    // consecutive critical samples before restart
	RestartGrace   time.Duration
}

// Monitor runs the periodic sampling loop.
type Monitor struct {
	cfg     Config
	sampler Sampler
	latest  atomic.Pointer[Snapshot]

	mu          sync.Mutex
	subscribers []chan Event
	consecutive int
	lastLevel   Level

	restartFn func(reason string)
}

// NewMonitor builds a monitor. restartFn is invoked (once per sustained
// critical episode) after CriticalCycles consecutive critical samples; the
// caller wires it to a graceful shutdown.
func NewMonitor(cfg Config, sampler Sampler, restartFn func(reason string)) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.CriticalCycles <= 0 {
		cfg.CriticalCycles = 3
	}
	m := &Monitor{cfg: cfg, sampler: sampler, restartFn: restartFn}
	snap := sampler.Sample()
	m.latest.Store(&snap)
	return m
}

// Run starts the sampling loop and blocks until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check samples once and applies threshold logic. Exposed so tests can drive
// the monitor without waiting for timers.
func (m *Monitor) Check() {
	snap := m.sampler.Sample()
	m.latest.Store(&snap)

	level := m.classify(snap)

	m.mu.Lock()
	prev := m.lastLevel
	transition := level != prev
	m.lastLevel = level
	if level == LevelCritical {
		m.consecutive++
	} else {
		m.consecutive = 0
	}
	sustained := level == LevelCritical && m.consecutive == m.cfg.CriticalCycles
	subs := make([]chan Event, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	if transition {
		log.Printf("Health: %s free_heap=%s min=%s goroutines=%d",
			level, humanize.Bytes(snap.FreeHeap), humanize.Bytes(snap.MinFreeHeap), snap.Goroutines)
	}
	// Publish on entry to and exit from the critical band only.
	if transition && (level == LevelCritical || prev == LevelCritical) {
		ev := Event{Level: level, Snapshot: snap, At: snap.TakenAt}
		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
	if sustained && m.restartFn != nil {
		reason := "sustained critical heap"
		log.Printf("Health: requesting restart (%s) after %d critical cycles, grace %s",
			reason, m.consecutive, m.cfg.RestartGrace)
		go func() {
			if m.cfg.RestartGrace > 0 {
				time.Sleep(m.cfg.RestartGrace)
			}
			m.restartFn(reason)
		}()
	}
}

func (m *Monitor) classify(snap Snapshot) Level {
	switch {
	case m.cfg.HeapCritical > 0 && snap.FreeHeap < m.cfg.HeapCritical:
		return LevelCritical
	case m.cfg.HeapWarn > 0 && snap.FreeHeap < m.cfg.HeapWarn:
		return LevelWarn
	}
	return LevelHealthy
}

// Latest returns the most recent snapshot. Never nil after construction.
func (m *Monitor) Latest() Snapshot {
	return *m.latest.Load()
}

// IsHealthy reports whether the latest snapshot clears the warn threshold.
func (m *Monitor) IsHealthy() bool {
	return m.classify(m.Latest()) == LevelHealthy
}

// Critical reports whether the latest snapshot is below the hard floor.
// The OTA manager consults this before each chunk write.
func (m *Monitor) Critical() bool {
	return m.classify(m.Latest()) == LevelCritical
}

// Subscribe returns a bounded channel receiving critical-band transitions.
// Slow consumers miss events rather than blocking the monitor.
func (m *Monitor) Subscribe() <-chan Event {
	ch := make(chan Event, 4)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}
