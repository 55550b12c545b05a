package telemetry

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	in := &Frame{
		Type:     MsgBatchCSI,
		Sequence: 4242,
		DeviceID: "node-a1",
		Payload:  []byte(`{"batch_size":2}`),
	}
	wire, err := EncodeFrame(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeFrame(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != in.Type || out.Sequence != in.Sequence || out.DeviceID != in.DeviceID {
		t.Fatalf("header mismatch: got %+v", out)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch: %q", out.Payload)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	wire, err := EncodeFrame(&Frame{Type: MsgPing, Sequence: 7, DeviceID: "n"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeFrame(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != MsgPing || len(out.Payload) != 0 {
		t.Fatalf("unexpected frame: %+v", out)
	}
}

func TestFrameHeaderLayout(t *testing.T) {
	wire, err := EncodeFrame(&Frame{Type: MsgHeartbeat, Sequence: 0x01020304, DeviceID: "ab", Payload: []byte{0xff}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// msg_type, device_id_len, payload_len LE, sequence LE
	want := []byte{3, 2, 1, 0, 4, 3, 2, 1, 'a', 'b', 0xff}
	if !bytes.Equal(wire, want) {
		t.Fatalf("wire layout mismatch:\n got %v\nwant %v", wire, want)
	}
}

func TestFrameDecodeRejectsTruncated(t *testing.T) {
	wire, err := EncodeFrame(&Frame{Type: MsgCSIData, DeviceID: "node", Payload: []byte("payload")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeFrame(wire[:5]); err != ErrFrameTooShort {
		t.Fatalf("expected ErrFrameTooShort, got %v", err)
	}
	if _, err := DecodeFrame(wire[:len(wire)-2]); err != ErrFrameTruncated {
		t.Fatalf("expected ErrFrameTruncated, got %v", err)
	}
}

func TestFrameRejectsOversize(t *testing.T) {
	huge := make([]byte, maxFramePayload+1)
	if _, err := EncodeFrame(&Frame{Type: MsgCSIData, DeviceID: "n", Payload: huge}); err != ErrFrameOversize {
		t.Fatalf("expected ErrFrameOversize, got %v", err)
	}
}
