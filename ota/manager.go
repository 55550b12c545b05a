package ota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"csinode/nvstore"
	"csinode/stats"
)

// State is the update state machine position.
type State int

const (
	StateIdle State = iota
	StateChecking
	StateDownloading
	StateValidating
	StateSwitching
	StatePendingReboot
	StateRollingBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateDownloading:
		return "downloading"
	case StateValidating:
		return "validating"
	case StateSwitching:
		return "switching"
	case StatePendingReboot:
		return "pending_reboot"
	case StateRollingBack:
		return "rolling_back"
	}
	return "unknown"
}

var (
	// ErrUpdateInProgress is returned when a trigger arrives while a session
	// exists. Triggers are rejected, never queued.
	ErrUpdateInProgress = errors.New("ota: update already in progress")
	// ErrNoSession is returned by Cancel when nothing is running.
	ErrNoSession = errors.New("ota: no update session")

	errHealthAbort = errors.New("ota: aborted, free heap below critical floor")
)

// Stats mirrors the lifetime update counters, persisted across restarts.
type Stats struct {
	ChecksPerformed  uint32 `json:"checks_performed"`
	UpdatesAvailable uint32 `json:"updates_available"`
	UpdatesInstalled uint32 `json:"updates_installed"`
	UpdateFailures   uint32 `json:"update_failures"`
	LastCheckUnix    int64  `json:"last_check"`
	LastUpdateUnix   int64  `json:"last_update"`
	CurrentVersion   string `json:"current_version"`
	AvailableVersion string `json:"available_version"`
}

const (
	otaNamespace = "ota"
	otaStatsKey  = "stats"
)

// HealthProbe is the slice of the health monitor the manager consults before
// each chunk write.
type HealthProbe interface {
	Critical() bool
}

// EventSink receives terminal session outcomes for journaling. Optional.
type EventSink interface {
	RecordOTA(event, version, detail string)
}

// Config holds update tuning.
type Config struct {
	Enabled        bool
	CurrentVersion string
	CheckInterval  time.Duration
	ChunkBytes     int
	BootRetryLimit uint64
	ConfirmGrace   time.Duration
}

// Deps are the manager's collaborators. Health, Sink, and RebootFn may be nil.
type Deps struct {
	Partitions *PartitionSet
	Client     *Client
	Store      *nvstore.Store
	Health     HealthProbe
	Tracker    *stats.Tracker
	Sink       EventSink
	RebootFn   func(reason string)
}

type session struct {
	version string
	cancel  context.CancelFunc
}

// Manager drives the update state machine. At most one session exists at a
// time; all state transitions happen on the goroutine running the session.
type Manager struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	state   State
	session *session
	stats   Stats
}

// NewManager builds a manager and restores persisted statistics.
func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 4096
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Hour
	}
	if cfg.BootRetryLimit == 0 {
		cfg.BootRetryLimit = 3
	}
	m := &Manager{cfg: cfg, deps: deps}
	m.stats.CurrentVersion = cfg.CurrentVersion
	if raw, err := deps.Store.GetBytes(otaNamespace, otaStatsKey); err == nil {
		if err := json.Unmarshal(raw, &m.stats); err != nil {
			log.Printf("OTA: discarding corrupt stats record: %v", err)
		}
		m.stats.CurrentVersion = cfg.CurrentVersion
	}
	return m
}

// Status returns the current state machine position.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GetStats returns a copy of the lifetime counters.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Run performs periodic update checks until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.CheckAndUpdate(ctx); err != nil && !errors.Is(err, ErrUpdateInProgress) {
				log.Printf("OTA: periodic check failed: %v", err)
			}
		}
	}
}

// Check queries the version endpoint and reports whether a newer image is
// available.
func (m *Manager) Check(ctx context.Context) (VersionInfo, bool, error) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return VersionInfo{}, false, ErrUpdateInProgress
	}
	m.state = StateChecking
	m.mu.Unlock()
	defer m.setStateIfStill(StateChecking, StateIdle)

	m.deps.Tracker.RecordOTACheck()
	info, err := m.deps.Client.Version(ctx)

	m.mu.Lock()
	m.stats.ChecksPerformed++
	m.stats.LastCheckUnix = time.Now().Unix()
	if err == nil {
		m.stats.AvailableVersion = info.LatestVersion
	}
	m.mu.Unlock()

	if err != nil {
		m.saveStats()
		return VersionInfo{}, false, err
	}
	newer := compareVersions(info.LatestVersion, m.cfg.CurrentVersion) > 0
	if newer {
		m.mu.Lock()
		m.stats.UpdatesAvailable++
		m.mu.Unlock()
		log.Printf("OTA: update available %s -> %s", m.cfg.CurrentVersion, info.LatestVersion)
	}
	m.saveStats()
	return info, newer, nil
}

// CheckAndUpdate runs one full cycle: version check, then install when a
// newer image is offered.
func (m *Manager) CheckAndUpdate(ctx context.Context) error {
	info, newer, err := m.Check(ctx)
	if err != nil {
		return err
	}
	if !newer {
		return nil
	}
	return m.Update(ctx, info)
}

// Update runs a complete session for the given version info. Returns
// ErrUpdateInProgress when a session already exists.
func (m *Manager) Update(ctx context.Context, info VersionInfo) error {
	m.mu.Lock()
	if m.session != nil || m.state == StatePendingReboot {
		m.mu.Unlock()
		return ErrUpdateInProgress
	}
	ctx, cancel := context.WithCancel(ctx)
	m.session = &session{version: info.LatestVersion, cancel: cancel}
	m.mu.Unlock()
	defer cancel()

	err := m.run(ctx, info)

	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
	return err
}

// Cancel aborts the running session. The session unwinds at its next
// suspension point with the partial write discarded.
func (m *Manager) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ErrNoSession
	}
	m.session.cancel()
	return nil
}

// ConfirmHealthy marks the running image good: the pending version recorded
// at the partition switch becomes the last known good and the boot counter
// clears. The runtime calls this once the health monitor has stayed clean
// through the confirmation grace window.
func (m *Manager) ConfirmHealthy() error {
	version, err := m.deps.Partitions.Confirm()
	if err != nil {
		return err
	}
	log.Printf("OTA: firmware %s confirmed healthy", version)
	if m.deps.Sink != nil {
		m.deps.Sink.RecordOTA("confirmed", version, "")
	}
	return nil
}

// EvaluateBoot applies boot-loop protection at startup and reports the
// rollback, if any, to the update server once connectivity allows.
func (m *Manager) EvaluateBoot(ctx context.Context) (BootAction, error) {
	action, state, err := m.deps.Partitions.EvaluateBoot(m.cfg.BootRetryLimit)
	if err != nil {
		return action, err
	}
	if action == BootRolledBack {
		m.deps.Tracker.RecordOTAFailure()
		if m.deps.Sink != nil {
			m.deps.Sink.RecordOTA("rolled_back", state.LastKnownGood, "boot loop")
		}
		if err := m.deps.Client.ReportStatus(ctx, "rolled_back", m.cfg.CurrentVersion, "boot retry limit exceeded"); err != nil {
			log.Printf("OTA: rollback report failed: %v", err)
		}
	}
	return action, nil
}

func (m *Manager) run(ctx context.Context, info VersionInfo) error {
	slot, err := m.deps.Partitions.InactiveSlot()
	if err != nil {
		return m.fail(ctx, info, fmt.Errorf("ota: select slot: %w", err))
	}
	region := m.deps.Partitions.Region(slot)

	// The target slot is unbootable from here until validation passes, so a
	// crash at any point leaves the active image untouched.
	if err := m.deps.Partitions.MarkUnbootable(slot); err != nil {
		return m.fail(ctx, info, err)
	}
	m.setState(StateDownloading)
	if err := region.Erase(); err != nil {
		return m.fail(ctx, info, err)
	}
	gate := func() error {
		if m.deps.Health != nil && m.deps.Health.Critical() {
			return errHealthAbort
		}
		return nil
	}
	n, err := m.deps.Client.Download(ctx, info.DownloadURL, region, m.cfg.ChunkBytes, gate)
	if err != nil {
		return m.fail(ctx, info, err)
	}
	log.Printf("OTA: downloaded %s (%d bytes) into %s", info.LatestVersion, n, slot)

	m.setState(StateValidating)
	image, err := region.Bytes()
	if err != nil {
		return m.fail(ctx, info, err)
	}
	sum := sha256.Sum256(image)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), info.SHA256) {
		return m.fail(ctx, info, fmt.Errorf("ota: checksum mismatch for %s", info.LatestVersion))
	}

	m.setState(StateSwitching)
	if err := m.deps.Partitions.Switch(slot, info.LatestVersion); err != nil {
		return m.fail(ctx, info, err)
	}

	m.setState(StatePendingReboot)
	m.mu.Lock()
	m.stats.UpdatesInstalled++
	m.stats.LastUpdateUnix = time.Now().Unix()
	m.mu.Unlock()
	m.saveStats()
	m.deps.Tracker.RecordOTAInstall()
	if m.deps.Sink != nil {
		m.deps.Sink.RecordOTA("installed", info.LatestVersion, slot)
	}
	if err := m.deps.Client.ReportStatus(ctx, "success", info.LatestVersion, ""); err != nil {
		log.Printf("OTA: status report failed: %v", err)
	}
	log.Printf("OTA: switched boot slot to %s for %s, reboot pending", slot, info.LatestVersion)
	if m.deps.RebootFn != nil {
		m.deps.RebootFn("ota update " + info.LatestVersion)
	}
	return nil
}

// fail records a terminal session failure and returns the machine to Idle.
// The inactive slot keeps whatever partial image it holds, still unbootable.
func (m *Manager) fail(ctx context.Context, info VersionInfo, err error) error {
	m.mu.Lock()
	m.stats.UpdateFailures++
	m.mu.Unlock()
	m.saveStats()
	m.deps.Tracker.RecordOTAFailure()

	status := "error"
	if ctx.Err() != nil {
		status = "cancelled"
	}
	log.Printf("OTA: update %s failed: %v", info.LatestVersion, err)
	if m.deps.Sink != nil {
		m.deps.Sink.RecordOTA("failed", info.LatestVersion, err.Error())
	}
	reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if rerr := m.deps.Client.ReportStatus(reportCtx, status, info.LatestVersion, err.Error()); rerr != nil {
		log.Printf("OTA: status report failed: %v", rerr)
	}
	m.setState(StateIdle)
	return err
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) setStateIfStill(cur, next State) {
	m.mu.Lock()
	if m.state == cur {
		m.state = next
	}
	m.mu.Unlock()
}

func (m *Manager) saveStats() {
	m.mu.Lock()
	raw, err := json.Marshal(m.stats)
	m.mu.Unlock()
	if err != nil {
		return
	}
	if err := m.deps.Store.SetBytes(otaNamespace, otaStatsKey, raw); err != nil {
		log.Printf("OTA: persist stats: %v", err)
	}
}

// compareVersions orders dotted numeric versions. Returns >0 when a is newer
// than b. Non-numeric components compare as zero.
func compareVersions(a, b string) int {
	pa := versionParts(a)
	pb := versionParts(b)
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var va, vb int
		if i < len(pa) {
			va = pa[i]
		}
		if i < len(pb) {
			vb = pb[i]
		}
		if va != vb {
			return va - vb
		}
	}
	return 0
}

func versionParts(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	fields := strings.Split(v, ".")
	out := make([]int, len(fields))
	for i, f := range fields {
		if n, err := strconv.Atoi(strings.TrimSpace(f)); err == nil {
			out[i] = n
		}
	}
	return out
}
