package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"csinode/csi"
	"csinode/telemetry"
)

type wsTestServer struct {
	server *httptest.Server
	frames chan *telemetry.Frame
	conns  chan *websocket.Conn
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	ts := &wsTestServer{
		frames: make(chan *telemetry.Frame, 16),
		conns:  make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
		go func() {
			for {
				msgType, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if msgType != websocket.BinaryMessage {
					continue
				}
				frame, err := telemetry.DecodeFrame(data)
				if err != nil {
					continue
				}
				ts.frames <- frame
			}
		}()
	}))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http")
}

func waitFrame(t *testing.T, ch chan *telemetry.Frame) *telemetry.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestWSSendBatchFramed(t *testing.T) {
	ts := newWSTestServer(t)
	tr, err := NewWS(WSConfig{URL: ts.url(), DeviceID: "node-ws", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewWS: %v", err)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	if res := tr.SendBatch(testBatch()); res.Outcome != Delivered {
		t.Fatalf("expected Delivered, got %v (%v)", res.Outcome, res.Err)
	}
	frame := waitFrame(t, ts.frames)
	if frame.Type != telemetry.MsgBatchCSI {
		t.Fatalf("expected BATCH_CSI frame, got %d", frame.Type)
	}
	if frame.DeviceID != "node-ws" {
		t.Fatalf("unexpected device id %q", frame.DeviceID)
	}
	if len(frame.Payload) == 0 {
		t.Fatal("expected JSON payload in frame")
	}
}

func TestWSSendBatchSplitsOversizePayload(t *testing.T) {
	ts := newWSTestServer(t)
	tr, err := NewWS(WSConfig{URL: ts.url(), DeviceID: "node-ws", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewWS: %v", err)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	// Verbose float values render near their full width, pushing the batch
	// JSON past the 64 KiB frame payload limit while each half still fits.
	amplitude := make([]float32, 64)
	phase := make([]float32, 64)
	for i := range amplitude {
		amplitude[i] = 0.12345678 + float32(i)
		phase[i] = -0.87654321 + float32(i)
	}
	samples := make([]*csi.Sample, 60)
	for i := range samples {
		samples[i] = csi.NewSample(uint32(i+1), [6]byte{1, 2, 3, 4, 5, byte(i)}, -50, 6, amplitude, phase)
	}
	batch := telemetry.NewBatch("node-ws", samples)
	if payload, err := batch.Marshal(); err != nil || len(payload) <= 65535 {
		t.Fatalf("fixture batch must exceed the frame limit, got %d bytes (err %v)", len(payload), err)
	}

	if res := tr.SendBatch(batch); res.Outcome != Delivered {
		t.Fatalf("expected Delivered via split, got %v (%v)", res.Outcome, res.Err)
	}

	var got int
	for frames := 0; frames < 2; frames++ {
		frame := waitFrame(t, ts.frames)
		if frame.Type != telemetry.MsgBatchCSI {
			t.Fatalf("expected BATCH_CSI frame, got %d", frame.Type)
		}
		var payload telemetry.BatchPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			t.Fatalf("decode split payload: %v", err)
		}
		got += payload.BatchSize
	}
	if got != len(samples) {
		t.Fatalf("split delivery lost samples: got %d of %d", got, len(samples))
	}
}

func TestWSPingAnsweredWithPong(t *testing.T) {
	ts := newWSTestServer(t)
	tr, err := NewWS(WSConfig{URL: ts.url(), DeviceID: "node-ws", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewWS: %v", err)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	server := <-ts.conns
	ping, err := telemetry.EncodeFrame(&telemetry.Frame{Type: telemetry.MsgPing, DeviceID: "collector"})
	if err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	if err := server.WriteMessage(websocket.BinaryMessage, ping); err != nil {
		t.Fatalf("server write: %v", err)
	}
	frame := waitFrame(t, ts.frames)
	if frame.Type != telemetry.MsgPong {
		t.Fatalf("expected PONG, got %d", frame.Type)
	}
}

func TestWSSocketLossSurfacesDisconnect(t *testing.T) {
	ts := newWSTestServer(t)
	tr, err := NewWS(WSConfig{URL: ts.url(), DeviceID: "node-ws", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewWS: %v", err)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	server := <-ts.conns
	_ = server.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-tr.Events():
			if ev.State == StateDisconnected {
				if tr.State() != StateDisconnected {
					t.Fatalf("state channel and State() disagree: %v", tr.State())
				}
				if res := tr.SendBatch(testBatch()); res.Outcome != Retry {
					t.Fatalf("expected Retry after socket loss, got %v", res.Outcome)
				}
				return
			}
		case <-deadline:
			t.Fatal("no disconnect event after socket loss")
		}
	}
}

func TestWSRejectsBadURL(t *testing.T) {
	if _, err := NewWS(WSConfig{URL: "http://not-ws"}); err == nil {
		t.Fatal("expected error for http scheme")
	}
}
