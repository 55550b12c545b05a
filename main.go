// csinode is the host runtime for a WiFi CSI sensor node: it captures channel
// state samples, buffers them through a fixed-size ring, and dispatches them
// to a collector over MQTT, HTTP, or WebSocket with retry and fallback. A
// health monitor gates delivery and firmware updates; the OTA manager keeps a
// dual-partition image layout with boot-loop rollback.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	httppprof "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"csinode/buffer"
	"csinode/config"
	"csinode/csi"
	"csinode/dispatch"
	"csinode/health"
	"csinode/journal"
	"csinode/nvstore"
	"csinode/ota"
	"csinode/stats"
	"csinode/telemetry"
	"csinode/transport"
)

func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// loadNodeConfig resolves the config path from the environment override, then
// the working directory, then the system location.
func loadNodeConfig() (*config.Config, string, error) {
	if path := strings.TrimSpace(os.Getenv("CSINODE_CONFIG")); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, path, fmt.Errorf("config %s: %w", path, err)
		}
		return cfg, path, nil
	}
	candidates := []string{"config.yaml", "/etc/csinode/config.yaml"}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		if err != nil {
			return nil, path, fmt.Errorf("config %s: %w", path, err)
		}
		return cfg, path, nil
	}
	return nil, "", fmt.Errorf("no config file found (set CSINODE_CONFIG or create config.yaml)")
}

// newTransportFactory maps a transport kind to a configured instance. Shared
// by the initial selection and runtime fallback.
func newTransportFactory(cfg *config.Config) dispatch.TransportFactory {
	return func(kind transport.Kind) (transport.Transport, error) {
		tel := cfg.Telemetry
		switch kind {
		case transport.KindMQTT:
			return transport.NewMQTT(transport.MQTTConfig{
				Broker:      tel.MQTT.Broker,
				Port:        tel.MQTT.Port,
				DeviceID:    cfg.Device.ID,
				Username:    tel.MQTT.Username,
				Password:    tel.MQTT.Password,
				TopicPrefix: tel.MQTT.TopicPrefix,
			})
		case transport.KindHTTP:
			return transport.NewHTTP(transport.HTTPConfig{
				BaseURL:   tel.HTTP.URL,
				AuthToken: tel.HTTP.AuthToken,
				Timeout:   time.Duration(tel.HTTP.TimeoutMS) * time.Millisecond,
			})
		case transport.KindWebSocket:
			return transport.NewWS(transport.WSConfig{
				URL:       tel.WebSocket.URL,
				DeviceID:  cfg.Device.ID,
				AuthToken: tel.WebSocket.AuthToken,
				Timeout:   time.Duration(tel.WebSocket.TimeoutMS) * time.Millisecond,
			})
		}
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}

func parseMACAllowList(raw []string) [][6]byte {
	var macs [][6]byte
	for _, entry := range raw {
		mac, ok := csi.ParseMAC(entry)
		if !ok {
			log.Printf("Capture: ignoring malformed MAC filter entry %q", entry)
			continue
		}
		macs = append(macs, mac)
	}
	return macs
}

func main() {
	cfg, cfgPath, err := loadNodeConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "csinode: %v\n", err)
		os.Exit(1)
	}
	// The fanout owns timestamps; an interactive terminal gets bare lines,
	// redirected output gets the full prefix.
	log.SetFlags(0)
	fanout, logErr := setupLogging(cfg.Logging, os.Stdout)
	fanout.SetConsoleSink(os.Stdout, !isStdoutTTY())
	log.SetOutput(fanout)
	defer fanout.Close()
	if logErr != nil {
		log.Printf("Logging: file sink unavailable: %v", logErr)
	}

	log.Printf("csinode %s starting on %s (config %s)", cfg.Device.FirmwareVersion, cfg.Device.ID, cfgPath)
	cfg.Print()

	if err := run(cfg); err != nil {
		log.Printf("csinode: %v", err)
		fanout.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	tracker := stats.NewTracker()

	store, err := nvstore.Open(filepath.Join(cfg.Store.Dir, "nvs"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	regions := make(map[string]ota.FlashRegion, 2)
	for _, slot := range []string{ota.SlotA, ota.SlotB} {
		path := filepath.Join(cfg.Store.Dir, "partitions", slot+".bin")
		region, err := ota.NewFileRegion(path, cfg.OTA.PartitionBytes)
		if err != nil {
			return fmt.Errorf("open partition %s: %w", slot, err)
		}
		regions[slot] = region
	}
	partitions, err := ota.NewPartitionSet(store, regions)
	if err != nil {
		return fmt.Errorf("init partitions: %w", err)
	}

	var jw *journal.Writer
	if cfg.Journal.Enabled {
		jw, err = journal.NewWriter(journal.Config{
			DBPath:        cfg.Journal.DBPath,
			QueueSize:     cfg.Journal.QueueSize,
			RetentionDays: cfg.Journal.RetentionDays,
		})
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		jw.Start()
		defer jw.Stop()
	}
	// Typed nils must not reach the optional-sink fields.
	var deliverySink dispatch.DeliverySink
	var otaSink ota.EventSink
	if jw != nil {
		deliverySink = jw
		otaSink = jw
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Restart requests from the health monitor and OTA reboots both land
	// here; the supervisor brings the process back up.
	restartCh := make(chan string, 1)
	requestRestart := func(reason string) {
		select {
		case restartCh <- reason:
		default:
		}
	}

	monitor := health.NewMonitor(health.Config{
		Interval:       time.Duration(cfg.Health.IntervalMS) * time.Millisecond,
		HeapWarn:       cfg.Health.HeapWarn,
		HeapCritical:   cfg.Health.HeapCritical,
		CriticalCycles: cfg.Health.CriticalCycles,
		RestartGrace:   time.Duration(cfg.Health.RestartGraceS) * time.Second,
	}, &health.RuntimeSampler{HeapBudget: cfg.Health.HeapBudget}, requestRestart)
	go monitor.Run(ctx)

	otaClient := ota.NewClient(cfg.OTA.URL, cfg.Device.ID, time.Duration(cfg.OTA.TimeoutMS)*time.Millisecond)
	updater := ota.NewManager(ota.Config{
		Enabled:        cfg.OTA.Enabled,
		CurrentVersion: cfg.Device.FirmwareVersion,
		CheckInterval:  time.Duration(cfg.OTA.CheckIntervalMin) * time.Minute,
		ChunkBytes:     cfg.OTA.ChunkBytes,
		BootRetryLimit: cfg.OTA.BootRetryLimit,
		ConfirmGrace:   time.Duration(cfg.OTA.ConfirmGraceS) * time.Second,
	}, ota.Deps{
		Partitions: partitions,
		Client:     otaClient,
		Store:      store,
		Health:     monitor,
		Tracker:    tracker,
		Sink:       otaSink,
		RebootFn:   requestRestart,
	})

	// Boot-loop protection runs before any other component can fail.
	bootAction, err := updater.EvaluateBoot(ctx)
	if err != nil {
		return fmt.Errorf("evaluate boot: %w", err)
	}
	log.Printf("OTA: boot evaluation: %s", bootAction)
	if bootAction == ota.BootPendingConfirm {
		go confirmWhenHealthy(ctx, updater, monitor, time.Duration(cfg.OTA.ConfirmGraceS)*time.Second)
	}
	go updater.Run(ctx)

	ring := buffer.NewRing(cfg.Buffer.Capacity)
	allowMACs := parseMACAllowList(cfg.Capture.MACAllow)
	if !cfg.Capture.Synthetic {
		log.Printf("Capture: no radio on this platform, using synthetic source")
	}
	source := csi.NewSyntheticSource(cfg.Capture.RateHz, 6, allowMACs)
	filter := csi.NewFilter(int8(cfg.Capture.RSSIFloor), allowMACs)
	capture := csi.NewCapture(source, filter, ring)
	if err := capture.Run(ctx); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	primary, err := transport.ParseKind(cfg.Telemetry.Transport)
	if err != nil {
		return err
	}
	var fallback transport.Kind
	if cfg.Telemetry.Fallback != "" {
		if fallback, err = transport.ParseKind(cfg.Telemetry.Fallback); err != nil {
			return err
		}
	}
	dispatcher := dispatch.New(dispatch.Config{
		DeviceID:      cfg.Device.ID,
		BatchMax:      cfg.Telemetry.BatchMax,
		BatchBytesMax: cfg.Telemetry.BatchBytesMax,
		FlushInterval: time.Duration(cfg.Telemetry.FlushIntervalMS) * time.Millisecond,
		RetryLimit:    cfg.Telemetry.RetryLimit,
		BackoffMin:    time.Duration(cfg.Telemetry.Backoff.MinMS) * time.Millisecond,
		BackoffMax:    time.Duration(cfg.Telemetry.Backoff.MaxMS) * time.Millisecond,
		FallbackAfter: cfg.Telemetry.FallbackAfter,
		FallbackKind:  fallback,
	}, ring, tracker, monitor, deliverySink, newTransportFactory(cfg))
	if err := dispatcher.SelectTransport(ctx, primary); err != nil {
		return err
	}
	go dispatcher.Run(ctx)

	go publishStatus(ctx, cfg, dispatcher, monitor, capture)
	go publishAlerts(ctx, cfg.Device.ID, dispatcher, tracker, monitor.Subscribe())

	startAdminServer(cfg, tracker, ring, dispatcher, monitor, jw)

	log.Printf("csinode: capture %d Hz, ring %d, transport %s (fallback %s), heap budget %s",
		cfg.Capture.RateHz, ring.Capacity(), primary, orNone(string(fallback)),
		humanize.IBytes(cfg.Health.HeapBudget))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Printf("csinode: received %s, shutting down", sig)
	case reason := <-restartCh:
		log.Printf("csinode: restart requested: %s", reason)
	}

	// Stop capture first so the final dispatcher flush sees a quiesced ring.
	capture.Stop()
	cancel()
	time.Sleep(time.Duration(cfg.Telemetry.FlushIntervalMS) * time.Millisecond * 2)
	if active := dispatcher.Active(); active != nil {
		active.Disconnect()
	}
	log.Printf("csinode: shutdown complete (delivered=%d dropped=%d)",
		tracker.DeliveredSamples(), tracker.DroppedSamples())
	return nil
}

// confirmWhenHealthy waits out the grace window and confirms the pending
// firmware image once the monitor reports healthy. An image that never
// reaches healthy is rolled back by the boot counter on a later restart.
func confirmWhenHealthy(ctx context.Context, updater *ota.Manager, monitor *health.Monitor, grace time.Duration) {
	if grace <= 0 {
		grace = 90 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		if monitor.IsHealthy() {
			if err := updater.ConfirmHealthy(); err != nil {
				log.Printf("OTA: confirm failed: %v", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// publishStatus emits heartbeats and system metrics on their configured
// intervals through whichever transport is currently active.
func publishStatus(ctx context.Context, cfg *config.Config, dispatcher *dispatch.Dispatcher, monitor *health.Monitor, capture *csi.Capture) {
	heartbeat := time.NewTicker(time.Duration(cfg.Telemetry.HeartbeatIntervalS) * time.Second)
	metrics := time.NewTicker(time.Duration(cfg.Telemetry.MetricsIntervalS) * time.Second)
	defer heartbeat.Stop()
	defer metrics.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			snap := monitor.Latest()
			status := "healthy"
			if monitor.Critical() {
				status = "critical"
			} else if !monitor.IsHealthy() {
				status = "warn"
			}
			payload, err := telemetry.MarshalHeartbeat(telemetry.HeartbeatPayload{
				DeviceID:  cfg.Device.ID,
				Timestamp: uint64(time.Now().Unix()),
				Status:    status,
				UptimeSec: uint64(snap.Uptime.Seconds()),
				WifiRSSI:  snap.WifiRSSI,
			})
			if err != nil {
				continue
			}
			dispatcher.PublishAux(telemetry.MsgHeartbeat, payload)
		case <-metrics.C:
			snap := monitor.Latest()
			payload, err := telemetry.MarshalMetrics(telemetry.MetricsPayload{
				DeviceID:        cfg.Device.ID,
				Timestamp:       uint64(time.Now().Unix()),
				UptimeSec:       uint64(snap.Uptime.Seconds()),
				FreeHeapBytes:   snap.FreeHeap,
				MinFreeHeap:     snap.MinFreeHeap,
				WifiRSSI:        snap.WifiRSSI,
				TaskCount:       snap.Goroutines,
				SamplesCaptured: capture.Stats().Processed,
				FirmwareVersion: cfg.Device.FirmwareVersion,
			})
			if err != nil {
				continue
			}
			dispatcher.PublishAux(telemetry.MsgSystemMetrics, payload)
		}
	}
}

// publishAlerts forwards health band transitions as alert messages and
// counts entries into the critical band.
func publishAlerts(ctx context.Context, deviceID string, dispatcher *dispatch.Dispatcher, tracker *stats.Tracker, events <-chan health.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Level == health.LevelCritical {
				tracker.RecordHealthCritical()
			}
			payload, err := telemetry.MarshalAlert(telemetry.AlertPayload{
				DeviceID:  deviceID,
				Timestamp: uint64(ev.At.Unix()),
				Level:     ev.Level.String(),
				Component: "health",
				Message: fmt.Sprintf("free heap %s (min %s)",
					humanize.IBytes(ev.Snapshot.FreeHeap), humanize.IBytes(ev.Snapshot.MinFreeHeap)),
			})
			if err != nil {
				continue
			}
			dispatcher.PublishAux(telemetry.MsgAlert, payload)
		}
	}
}

// startAdminServer exposes Prometheus metrics, pprof, and plain-text status
// on the local admin port. Disabled when no port is configured.
func startAdminServer(cfg *config.Config, tracker *stats.Tracker, ring *buffer.Ring, dispatcher *dispatch.Dispatcher, monitor *health.Monitor, jw *journal.Writer) {
	if cfg.Admin.HTTPPort <= 0 {
		return
	}
	gauges := map[string]stats.GaugeSource{
		"csinode_ring_depth":      func() float64 { return float64(ring.Len()) },
		"csinode_pending_retries": func() float64 { return float64(dispatcher.PendingRetries()) },
		"csinode_free_heap_bytes": func() float64 { return float64(monitor.Latest().FreeHeap) },
		"csinode_goroutines":      func() float64 { return float64(monitor.Latest().Goroutines) },
		"csinode_ring_evictions":  func() float64 { return float64(ring.Evicted()) },
		"csinode_uptime_seconds":  func() float64 { return tracker.GetUptime().Seconds() },
	}
	if jw != nil {
		gauges["csinode_journal_drops"] = func() float64 { return float64(jw.Drops()) }
	}
	exporter := stats.NewExporter(tracker, gauges)

	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if monitor.IsHealthy() {
			fmt.Fprintln(w, "ok")
			return
		}
		http.Error(w, "degraded", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		for _, line := range tracker.SnapshotLines() {
			fmt.Fprintln(w, line)
		}
		fmt.Fprintf(w, "ring: %d/%d buffered, %d evicted\n", ring.Len(), ring.Capacity(), ring.Evicted())
	})
	mux.HandleFunc("/debug/pprof/", httppprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)

	bind := cfg.Admin.BindAddress
	if bind == "" {
		bind = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", bind, cfg.Admin.HTTPPort)
	go func() {
		log.Printf("Admin: listening on http://%s (metrics, pprof)", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Admin: server stopped: %v", err)
		}
	}()
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
