// Package telemetry defines the wire payloads shared by every transport: the
// JSON sample/batch encoding used by HTTP and WebSocket, the heartbeat, alert
// and system-metrics messages, and the binary frame envelope used on the
// WebSocket stream. Serialization is explicit; no struct is assumed to share
// memory layout with the wire.
package telemetry

import (
	jsoniter "github.com/json-iterator/go"

	"csinode/csi"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WifiInfo carries the radio context of a capture.
type WifiInfo struct {
	Channel uint8 `json:"channel"`
	RSSI    int8  `json:"rssi"`
}

// CSIData carries the per-subcarrier arrays.
type CSIData struct {
	SubcarrierCount uint16    `json:"subcarrier_count"`
	Amplitude       []float32 `json:"amplitude"`
	Phase           []float32 `json:"phase,omitempty"`
}

// SamplePayload is the JSON form of one CSI sample.
type SamplePayload struct {
	DeviceID   string   `json:"device_id"`
	Timestamp  uint64   `json:"timestamp"`
	Sequence   uint32   `json:"sequence"`
	MACAddress string   `json:"mac_address"`
	WifiInfo   WifiInfo `json:"wifi_info"`
	CSIData    CSIData  `json:"csi_data"`
}

// BatchPayload wraps multiple samples for one transmission attempt.
type BatchPayload struct {
	DeviceID  string          `json:"device_id"`
	BatchSize int             `json:"batch_size"`
	Batch     []SamplePayload `json:"batch"`
}

// HeartbeatPayload reports device liveness.
type HeartbeatPayload struct {
	DeviceID  string `json:"device_id"`
	Timestamp uint64 `json:"timestamp"`
	Status    string `json:"status"`
	UptimeSec uint64 `json:"uptime_sec"`
	WifiRSSI  int8   `json:"wifi_rssi"`
	Error     string `json:"error_message,omitempty"`
}

// MetricsPayload reports a health snapshot.
type MetricsPayload struct {
	DeviceID        string `json:"device_id"`
	Timestamp       uint64 `json:"timestamp"`
	UptimeSec       uint64 `json:"uptime_sec"`
	FreeHeapBytes   uint64 `json:"free_heap_bytes"`
	MinFreeHeap     uint64 `json:"min_free_heap_bytes"`
	WifiRSSI        int8   `json:"wifi_rssi"`
	TaskCount       int    `json:"task_count"`
	SamplesCaptured uint64 `json:"csi_packets_processed"`
	FirmwareVersion string `json:"firmware_version"`
}

// AlertPayload reports a component alert. Level is one of "info", "warning",
// "error", "critical".
type AlertPayload struct {
	DeviceID  string `json:"device_id"`
	Timestamp uint64 `json:"timestamp"`
	Level     string `json:"alert_level"`
	Component string `json:"component"`
	Message   string `json:"message"`
}

// EncodeSample converts a sample to its JSON payload form.
func EncodeSample(deviceID string, s *csi.Sample) SamplePayload {
	return SamplePayload{
		DeviceID:   deviceID,
		Timestamp:  s.Timestamp,
		Sequence:   s.Sequence,
		MACAddress: s.MACString(),
		WifiInfo:   WifiInfo{Channel: s.Channel, RSSI: s.RSSI},
		CSIData: CSIData{
			SubcarrierCount: s.Subcarriers,
			Amplitude:       s.Amplitude,
			Phase:           s.Phase,
		},
	}
}

// MarshalSample serializes one sample payload.
func MarshalSample(deviceID string, s *csi.Sample) ([]byte, error) {
	return json.Marshal(EncodeSample(deviceID, s))
}

// MarshalHeartbeat serializes a heartbeat payload.
func MarshalHeartbeat(p HeartbeatPayload) ([]byte, error) {
	return json.Marshal(p)
}

// MarshalMetrics serializes a system metrics payload.
func MarshalMetrics(p MetricsPayload) ([]byte, error) {
	return json.Marshal(p)
}

// MarshalAlert serializes an alert payload.
func MarshalAlert(p AlertPayload) ([]byte, error) {
	return json.Marshal(p)
}
