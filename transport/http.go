package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"csinode/telemetry"
)

// HTTP endpoint paths on the collector, one per message class.
const (
	httpPathBatch     = "/api/csi/data"
	httpPathMetrics   = "/api/system/metrics"
	httpPathHeartbeat = "/api/device/heartbeat"
	httpPathAlert     = "/api/device/alert"
)

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// HTTPTransport delivers one batch per POST. Success is any 2xx response;
// a 4xx is a non-retryable payload or auth problem; 5xx and timeouts are
// transient.
type HTTPTransport struct {
	cfg    HTTPConfig
	client *http.Client
	state  stateVar
	events chan Event
}

// NewHTTP validates the base URL and builds the transport. A malformed URL is
// fatal to this instance only; the dispatcher falls back to its secondary
// transport kind.
func NewHTTP(cfg HTTPConfig) (*HTTPTransport, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("http transport: base URL is empty")
	}
	parsed, err := url.Parse(base)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("http transport: invalid base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = base
	return &HTTPTransport{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		events: make(chan Event, eventChanCapacity),
	}, nil
}

func (t *HTTPTransport) Kind() Kind { return KindHTTP }

// Connect marks the session up. HTTP is request/response; there is no
// persistent connection to establish, so readiness is the URL validation
// already done at construction.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	t.setState(StateConnected, nil)
	return nil
}

// Disconnect marks the session down.
func (t *HTTPTransport) Disconnect() {
	t.setState(StateDisconnected, nil)
}

func (t *HTTPTransport) State() State         { return t.state.Load() }
func (t *HTTPTransport) Events() <-chan Event { return t.events }

// SendBatch POSTs the batch JSON to the collector.
func (t *HTTPTransport) SendBatch(b *telemetry.Batch) Result {
	payload, err := b.Marshal()
	if err != nil {
		return dropped("marshal", err)
	}
	return t.post(httpPathBatch, payload)
}

// Publish POSTs an auxiliary message to its endpoint.
func (t *HTTPTransport) Publish(msg telemetry.MsgType, payload []byte) Result {
	path := httpPathBatch
	switch msg {
	case telemetry.MsgSystemMetrics:
		path = httpPathMetrics
	case telemetry.MsgHeartbeat:
		path = httpPathHeartbeat
	case telemetry.MsgAlert:
		path = httpPathAlert
	}
	return t.post(path, payload)
}

func (t *HTTPTransport) post(path string, payload []byte) Result {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return dropped("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.AuthToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.setState(StateDegraded, err)
		return retry("request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		t.setState(StateConnected, nil)
		return delivered()
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return dropped(resp.Status, nil)
	default:
		t.setState(StateDegraded, nil)
		return retry(resp.Status, nil)
	}
}

func (t *HTTPTransport) setState(s State, err error) {
	if t.state.Swap(s) == s {
		return
	}
	publishEvent(t.events, Event{Kind: KindHTTP, State: s, Err: err, At: time.Now()})
}
