package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete node configuration. Components receive the
// section they need by value at construction; reconfiguration means loading a
// fresh Config and rebuilding, never mutating a shared instance.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Capture   CaptureConfig   `yaml:"capture"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	OTA       OTAConfig       `yaml:"ota"`
	Health    HealthConfig    `yaml:"health"`
	Store     StoreConfig     `yaml:"store"`
	Journal   JournalConfig   `yaml:"journal"`
	Admin     AdminConfig     `yaml:"admin"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DeviceConfig identifies this node.
type DeviceConfig struct {
	ID              string `yaml:"id"`
	FirmwareVersion string `yaml:"firmware_version"`
}

// CaptureConfig controls the sample source and capture filter.
type CaptureConfig struct {
	RateHz    int      `yaml:"rate_hz"`
	RSSIFloor int      `yaml:"rssi_floor"` // dBm; samples weaker than this are filtered
	MACAllow  []string `yaml:"mac_allow"`  // empty allows all
	Synthetic bool     `yaml:"synthetic"`
}

// BufferConfig sizes the sample ring buffer.
type BufferConfig struct {
	Capacity int `yaml:"capacity"`
}

// MQTTConfig contains MQTT transport settings.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// HTTPConfig contains HTTP transport settings.
type HTTPConfig struct {
	URL       string `yaml:"url"`
	AuthToken string `yaml:"auth_token"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// WebSocketConfig contains WebSocket transport settings.
type WebSocketConfig struct {
	URL       string `yaml:"url"`
	AuthToken string `yaml:"auth_token"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// BackoffConfig bounds retry delays.
type BackoffConfig struct {
	MinMS int `yaml:"min_ms"`
	MaxMS int `yaml:"max_ms"`
}

// TelemetryConfig controls batching, delivery, and transport selection.
type TelemetryConfig struct {
	Transport          string          `yaml:"transport"` // mqtt, http, websocket
	Fallback           string          `yaml:"fallback"`  // empty disables fallback
	FallbackAfter      int             `yaml:"fallback_after"`
	MQTT               MQTTConfig      `yaml:"mqtt"`
	HTTP               HTTPConfig      `yaml:"http"`
	WebSocket          WebSocketConfig `yaml:"websocket"`
	BatchMax           int             `yaml:"batch_max"`
	BatchBytesMax      int             `yaml:"batch_bytes_max"`
	FlushIntervalMS    int             `yaml:"flush_interval_ms"`
	RetryLimit         int             `yaml:"retry_limit"`
	Backoff            BackoffConfig   `yaml:"backoff"`
	HeartbeatIntervalS int             `yaml:"heartbeat_interval_s"`
	MetricsIntervalS   int             `yaml:"metrics_interval_s"`
}

// OTAConfig controls firmware updates.
type OTAConfig struct {
	Enabled          bool   `yaml:"enabled"`
	URL              string `yaml:"url"`
	CheckIntervalMin int    `yaml:"check_interval_min"`
	ChunkBytes       int    `yaml:"chunk_bytes"`
	TimeoutMS        int    `yaml:"timeout_ms"`
	BootRetryLimit   uint64 `yaml:"boot_retry_limit"`
	ConfirmGraceS    int    `yaml:"confirm_grace_s"`
	PartitionBytes   int64  `yaml:"partition_bytes"`
}

// HealthConfig sets the monitor thresholds.
type HealthConfig struct {
	IntervalMS     int    `yaml:"interval_ms"`
	HeapBudget     uint64 `yaml:"heap_budget"`
	HeapWarn       uint64 `yaml:"heap_warn"`
	HeapCritical   uint64 `yaml:"heap_critical"`
	CriticalCycles int    `yaml:"critical_cycles"`
	RestartGraceS  int    `yaml:"restart_grace_s"`
}

// StoreConfig locates the non-volatile state store and partitions.
type StoreConfig struct {
	Dir string `yaml:"dir"`
}

// JournalConfig controls the event journal.
type JournalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
	QueueSize     int    `yaml:"queue_size"`
}

// AdminConfig contains the diagnostic HTTP endpoint settings.
type AdminConfig struct {
	HTTPPort    int    `yaml:"http_port"`
	BindAddress string `yaml:"bind_address"`
}

// LoggingConfig contains log file settings.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load loads configuration from a YAML file and applies defaults.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with working values.
func (c *Config) ApplyDefaults() {
	if c.Device.ID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Device.ID = host
		} else {
			c.Device.ID = "csinode"
		}
	}
	if c.Device.FirmwareVersion == "" {
		c.Device.FirmwareVersion = "0.0.0"
	}
	if c.Capture.RateHz <= 0 {
		c.Capture.RateHz = 100
	}
	if c.Capture.RSSIFloor == 0 {
		c.Capture.RSSIFloor = -90
	}
	if c.Buffer.Capacity <= 0 {
		c.Buffer.Capacity = 1000
	}
	if c.Telemetry.Transport == "" {
		c.Telemetry.Transport = "mqtt"
	}
	if c.Telemetry.BatchMax <= 0 {
		c.Telemetry.BatchMax = 50
	}
	if c.Telemetry.BatchBytesMax <= 0 {
		c.Telemetry.BatchBytesMax = 64 * 1024
	}
	if c.Telemetry.FlushIntervalMS <= 0 {
		c.Telemetry.FlushIntervalMS = 500
	}
	if c.Telemetry.RetryLimit <= 0 {
		c.Telemetry.RetryLimit = 5
	}
	if c.Telemetry.Backoff.MinMS <= 0 {
		c.Telemetry.Backoff.MinMS = 250
	}
	if c.Telemetry.Backoff.MaxMS <= 0 {
		c.Telemetry.Backoff.MaxMS = 30_000
	}
	if c.Telemetry.FallbackAfter <= 0 {
		c.Telemetry.FallbackAfter = 10
	}
	if c.Telemetry.HeartbeatIntervalS <= 0 {
		c.Telemetry.HeartbeatIntervalS = 30
	}
	if c.Telemetry.MetricsIntervalS <= 0 {
		c.Telemetry.MetricsIntervalS = 60
	}
	if c.OTA.CheckIntervalMin <= 0 {
		c.OTA.CheckIntervalMin = 60
	}
	if c.OTA.ChunkBytes <= 0 {
		c.OTA.ChunkBytes = 4096
	}
	if c.OTA.TimeoutMS <= 0 {
		c.OTA.TimeoutMS = 30_000
	}
	if c.OTA.BootRetryLimit == 0 {
		c.OTA.BootRetryLimit = 3
	}
	if c.OTA.ConfirmGraceS <= 0 {
		c.OTA.ConfirmGraceS = 90
	}
	if c.OTA.PartitionBytes <= 0 {
		c.OTA.PartitionBytes = 8 << 20
	}
	if c.Health.IntervalMS <= 0 {
		c.Health.IntervalMS = 5000
	}
	if c.Health.HeapBudget == 0 {
		c.Health.HeapBudget = 512 << 20
	}
	if c.Health.HeapWarn == 0 {
		c.Health.HeapWarn = c.Health.HeapBudget / 4
	}
	if c.Health.HeapCritical == 0 {
		c.Health.HeapCritical = c.Health.HeapBudget / 16
	}
	if c.Health.CriticalCycles <= 0 {
		c.Health.CriticalCycles = 3
	}
	if c.Health.RestartGraceS <= 0 {
		c.Health.RestartGraceS = 5
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "data"
	}
	if c.Journal.DBPath == "" {
		c.Journal.DBPath = "data/journal.db"
	}
	if c.Journal.RetentionDays <= 0 {
		c.Journal.RetentionDays = 14
	}
	if c.Journal.QueueSize <= 0 {
		c.Journal.QueueSize = 4096
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = 7
	}
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Telemetry.Transport) {
	case "mqtt", "http", "websocket":
	default:
		return fmt.Errorf("config: unknown transport %q", c.Telemetry.Transport)
	}
	if c.Telemetry.Fallback != "" {
		switch strings.ToLower(c.Telemetry.Fallback) {
		case "mqtt", "http", "websocket":
		default:
			return fmt.Errorf("config: unknown fallback transport %q", c.Telemetry.Fallback)
		}
		if strings.EqualFold(c.Telemetry.Fallback, c.Telemetry.Transport) {
			return fmt.Errorf("config: fallback transport equals primary %q", c.Telemetry.Transport)
		}
	}
	if c.Telemetry.Backoff.MaxMS < c.Telemetry.Backoff.MinMS {
		return fmt.Errorf("config: backoff max %dms below min %dms",
			c.Telemetry.Backoff.MaxMS, c.Telemetry.Backoff.MinMS)
	}
	if c.OTA.Enabled && strings.TrimSpace(c.OTA.URL) == "" {
		return fmt.Errorf("config: ota enabled without url")
	}
	if c.Health.HeapCritical >= c.Health.HeapWarn {
		return fmt.Errorf("config: heap_critical %d must be below heap_warn %d",
			c.Health.HeapCritical, c.Health.HeapWarn)
	}
	return nil
}

// Print displays the configuration summary at startup.
func (c *Config) Print() {
	fmt.Printf("Device: %s (firmware %s)\n", c.Device.ID, c.Device.FirmwareVersion)
	source := "hardware"
	if c.Capture.Synthetic {
		source = "synthetic"
	}
	fmt.Printf("Capture: %d Hz (%s), RSSI floor %d dBm, buffer %d\n",
		c.Capture.RateHz, source, c.Capture.RSSIFloor, c.Buffer.Capacity)
	fallback := c.Telemetry.Fallback
	if fallback == "" {
		fallback = "none"
	}
	fmt.Printf("Telemetry: %s (fallback: %s), batch %d/%dB, flush %dms, retry %d\n",
		c.Telemetry.Transport, fallback, c.Telemetry.BatchMax, c.Telemetry.BatchBytesMax,
		c.Telemetry.FlushIntervalMS, c.Telemetry.RetryLimit)
	if c.OTA.Enabled {
		fmt.Printf("OTA: %s every %dmin, boot retry limit %d\n",
			c.OTA.URL, c.OTA.CheckIntervalMin, c.OTA.BootRetryLimit)
	}
	fmt.Printf("Health: every %dms, warn<%d critical<%d\n",
		c.Health.IntervalMS, c.Health.HeapWarn, c.Health.HeapCritical)
	if c.Journal.Enabled {
		fmt.Printf("Journal: %s (retention %dd)\n", c.Journal.DBPath, c.Journal.RetentionDays)
	}
	if c.Admin.HTTPPort > 0 {
		fmt.Printf("Admin: http port %d\n", c.Admin.HTTPPort)
	}
}
