// Package csi defines the canonical CSI sample structure and helpers used
// across the node pipeline: creation from raw capture records, MAC formatting,
// and validation. A sample is immutable once built; ownership moves from the
// capture source to the ring buffer slot, then to the dispatcher, then to the
// transport until the batch is acknowledged or dropped.
package csi

import (
	"fmt"
	"time"
)

// MaxSubcarriers bounds the amplitude/phase arrays per sample. Matches the
// largest subcarrier count the radio reports for HT40 frames.
const MaxSubcarriers = 64

// Sample represents one CSI capture event in canonical form.
type Sample struct {
	Sequence    uint32    // Monotonic per-device sequence number
	MAC         [6]byte   // Source MAC address of the captured frame
	RSSI        int8      // Received signal strength in dBm
	Channel     uint8     // Primary WiFi channel
	Timestamp   uint64    // Wall-clock timestamp in microseconds
	Monotonic   time.Time // Monotonic capture time for latency accounting
	Amplitude   []float32 // Per-subcarrier amplitude
	Phase       []float32 // Per-subcarrier phase (optional, may be nil)
	Subcarriers uint16    // Number of subcarriers in Amplitude/Phase

	// Attempts counts delivery attempts made for this sample. Owned by the
	// dispatcher; the capture path always leaves it zero.
	Attempts int
}

// NewSample builds a sample from a raw capture record. Amplitude is required;
// phase may be nil when the radio is configured amplitude-only.
func NewSample(seq uint32, mac [6]byte, rssi int8, channel uint8, amplitude, phase []float32) *Sample {
	if len(amplitude) > MaxSubcarriers {
		amplitude = amplitude[:MaxSubcarriers]
	}
	if phase != nil && len(phase) > len(amplitude) {
		phase = phase[:len(amplitude)]
	}
	now := time.Now()
	return &Sample{
		Sequence:    seq,
		MAC:         mac,
		RSSI:        rssi,
		Channel:     channel,
		Timestamp:   uint64(now.UnixMicro()),
		Monotonic:   now,
		Amplitude:   amplitude,
		Phase:       phase,
		Subcarriers: uint16(len(amplitude)),
	}
}

// MACString renders the MAC in the canonical xx:xx:xx:xx:xx:xx form used on
// the wire and in log lines.
func (s *Sample) MACString() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		s.MAC[0], s.MAC[1], s.MAC[2], s.MAC[3], s.MAC[4], s.MAC[5])
}

// Valid reports whether the sample carries enough data to be dispatched.
func (s *Sample) Valid() bool {
	return s != nil && len(s.Amplitude) > 0 && int(s.Subcarriers) == len(s.Amplitude)
}

// WireSize estimates the serialized JSON size of the sample in bytes. Used by
// the dispatcher to keep batches under the transport payload limit without
// serializing twice. Float fields are costed at their typical rendered width.
func (s *Sample) WireSize() int {
	const fixedOverhead = 160 // braces, keys, device fields
	size := fixedOverhead + len(s.Amplitude)*9
	if s.Phase != nil {
		size += len(s.Phase) * 9
	}
	return size
}
