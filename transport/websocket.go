package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"csinode/telemetry"
)

// WSConfig configures the WebSocket transport.
type WSConfig struct {
	URL       string // ws:// or wss:// endpoint
	DeviceID  string
	AuthToken string
	Timeout   time.Duration // handshake and per-write deadline
}

// WSTransport streams framed messages over a persistent WebSocket. Losing the
// socket moves the session to Disconnected and surfaces an event; the
// dispatcher drives reconnection with its own backoff while capture continues
// to accumulate (bounded, lossy) in the ring buffer.
type WSTransport struct {
	cfg    WSConfig
	state  stateVar
	events chan Event
	seq    atomic.Uint32

	mu   sync.Mutex // guards conn and writes
	conn *websocket.Conn
}

// NewWS validates the endpoint URL and builds the transport.
func NewWS(cfg WSConfig) (*WSTransport, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, errors.New("ws transport: URL is empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
		return nil, fmt.Errorf("ws transport: invalid URL %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.URL = raw
	return &WSTransport{
		cfg:    cfg,
		events: make(chan Event, eventChanCapacity),
	}, nil
}

func (t *WSTransport) Kind() Kind { return KindWebSocket }

// Connect dials the collector and starts the read pump. The pump answers
// protocol pings and detects socket loss.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.setState(StateConnecting, nil)

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.Timeout}
	header := make(map[string][]string)
	if t.cfg.AuthToken != "" {
		header["Authorization"] = []string{"Bearer " + t.cfg.AuthToken}
	}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		t.setState(StateDisconnected, err)
		return fmt.Errorf("ws transport: dial %s: %w", t.cfg.URL, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.setState(StateConnected, nil)

	go t.readPump(conn)
	return nil
}

// Disconnect closes the socket. Idempotent.
func (t *WSTransport) Disconnect() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	t.setState(StateDisconnected, nil)
}

func (t *WSTransport) State() State         { return t.state.Load() }
func (t *WSTransport) Events() <-chan Event { return t.events }

// SendBatch frames the batch JSON as a BATCH_CSI message. A batch whose
// rendered JSON outgrows the frame payload limit is split in half and sent as
// separate frames rather than lost; the size estimate driving batch assembly
// can undershoot the rendered form.
func (t *WSTransport) SendBatch(b *telemetry.Batch) Result {
	payload, err := b.Marshal()
	if err != nil {
		return dropped("marshal", err)
	}
	res := t.send(telemetry.MsgBatchCSI, payload)
	if res.Outcome == Dropped && errors.Is(res.Err, telemetry.ErrFrameOversize) && b.Len() > 1 {
		mid := b.Len() / 2
		if r := t.SendBatch(telemetry.NewBatch(b.DeviceID, b.Samples[:mid])); r.Outcome != Delivered {
			return r
		}
		return t.SendBatch(telemetry.NewBatch(b.DeviceID, b.Samples[mid:]))
	}
	return res
}

// Publish frames an auxiliary message.
func (t *WSTransport) Publish(msg telemetry.MsgType, payload []byte) Result {
	return t.send(msg, payload)
}

func (t *WSTransport) send(msg telemetry.MsgType, payload []byte) Result {
	frame, err := telemetry.EncodeFrame(&telemetry.Frame{
		Type:     msg,
		Sequence: t.seq.Add(1),
		DeviceID: t.cfg.DeviceID,
		Payload:  payload,
	})
	if err != nil {
		return dropped("frame encode", err)
	}

	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return retry("not connected", nil)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.Timeout))
	err = conn.WriteMessage(websocket.BinaryMessage, frame)
	t.mu.Unlock()

	if err != nil {
		t.dropConn(conn, err)
		return retry("write failed", err)
	}
	return delivered()
}

// readPump consumes inbound messages until the socket fails. The collector
// sends PING frames to probe liveness; everything else is logged and ignored.
func (t *WSTransport) readPump(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.dropConn(conn, err)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		frame, err := telemetry.DecodeFrame(data)
		if err != nil {
			log.Printf("WS: discarding malformed inbound frame: %v", err)
			continue
		}
		if frame.Type == telemetry.MsgPing {
			t.send(telemetry.MsgPong, nil)
		}
	}
}

// dropConn clears the connection if it is still current and publishes the
// disconnect. Safe against races between the write path and the read pump.
func (t *WSTransport) dropConn(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	} else {
		conn = nil
	}
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
		t.setState(StateDisconnected, err)
	}
}

func (t *WSTransport) setState(s State, err error) {
	if t.state.Swap(s) == s {
		return
	}
	publishEvent(t.events, Event{Kind: KindWebSocket, State: s, Err: err, At: time.Now()})
}
