package csi

import (
	"strings"
	"sync/atomic"
)

// Filter applies the configured capture filter between the sample source and
// the ring buffer: an RSSI floor and an optional MAC allow-list. Filtered
// samples are counted, never treated as errors.
type Filter struct {
	rssiFloor int8
	hasFloor  bool
	allow     map[[6]byte]struct{}
	filtered  atomic.Uint64
}

// NewFilter builds a capture filter. A zero rssiFloor disables the floor;
// an empty allow list admits every MAC.
func NewFilter(rssiFloor int8, allowMACs [][6]byte) *Filter {
	f := &Filter{
		rssiFloor: rssiFloor,
		hasFloor:  rssiFloor != 0,
	}
	if len(allowMACs) > 0 {
		f.allow = make(map[[6]byte]struct{}, len(allowMACs))
		for _, mac := range allowMACs {
			f.allow[mac] = struct{}{}
		}
	}
	return f
}

// Allow reports whether the sample passes the filter. Rejections increment
// the filtered counter.
func (f *Filter) Allow(s *Sample) bool {
	if f == nil {
		return true
	}
	if f.hasFloor && s.RSSI < f.rssiFloor {
		f.filtered.Add(1)
		return false
	}
	if f.allow != nil {
		if _, ok := f.allow[s.MAC]; !ok {
			f.filtered.Add(1)
			return false
		}
	}
	return true
}

// Filtered returns the cumulative number of rejected samples.
func (f *Filter) Filtered() uint64 {
	if f == nil {
		return 0
	}
	return f.filtered.Load()
}

// ParseMAC parses a xx:xx:xx:xx:xx:xx string into a MAC array. Returns false
// on malformed input.
func ParseMAC(raw string) ([6]byte, bool) {
	var mac [6]byte
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 6 {
		return mac, false
	}
	for i, part := range parts {
		if len(part) != 2 {
			return mac, false
		}
		hi, ok1 := hexNibble(part[0])
		lo, ok2 := hexNibble(part[1])
		if !ok1 || !ok2 {
			return mac, false
		}
		mac[i] = hi<<4 | lo
	}
	return mac, true
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
