// Package transport implements the interchangeable delivery backends for
// telemetry: MQTT publish, HTTP POST, and WebSocket streaming. Exactly one
// transport is active at a time; the dispatcher selects it, feeds it batches,
// and observes its session state through a bounded event channel instead of
// callbacks.
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"csinode/telemetry"
)

// Kind names a transport implementation.
type Kind string

const (
	KindMQTT      Kind = "mqtt"
	KindHTTP      Kind = "http"
	KindWebSocket Kind = "websocket"
)

// ParseKind validates a configured transport name.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindMQTT:
		return KindMQTT, nil
	case KindHTTP:
		return KindHTTP, nil
	case KindWebSocket:
		return KindWebSocket, nil
	}
	return "", fmt.Errorf("transport: unknown kind %q", raw)
}

// State is the session state of a transport connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	}
	return "unknown"
}

// Outcome classifies a send attempt.
type Outcome int

const (
	// Delivered means the peer acknowledged the payload.
	Delivered Outcome = iota
	// Retry means a transient failure; the dispatcher re-queues the samples.
	Retry
	// Dropped means a non-retryable rejection; retrying would repeat it.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Retry:
		return "retry"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// Result reports the outcome of one send attempt.
type Result struct {
	Outcome Outcome
	Reason  string
	Err     error
}

func delivered() Result {
	return Result{Outcome: Delivered}
}

func retry(reason string, err error) Result {
	return Result{Outcome: Retry, Reason: reason, Err: err}
}

func dropped(reason string, err error) Result {
	return Result{Outcome: Dropped, Reason: reason, Err: err}
}

// Event is a session state change published on the transport's event channel.
type Event struct {
	Kind  Kind
	State State
	Err   error
	At    time.Time
}

// eventChanCapacity bounds the per-transport event queue. Events beyond the
// bound are dropped; the dispatcher can always read authoritative state via
// State().
const eventChanCapacity = 16

// Transport is the capability the dispatcher drives. Implementations own
// their connection state machine; the dispatcher never reaches inside.
type Transport interface {
	Kind() Kind
	// Connect establishes the session. Construction failures (bad URL, TLS
	// failure) are fatal to this instance only.
	Connect(ctx context.Context) error
	// SendBatch transmits one batch. Never blocks past the configured
	// timeout.
	SendBatch(b *telemetry.Batch) Result
	// Publish transmits an auxiliary message (heartbeat, metrics, alert)
	// through the same session.
	Publish(msg telemetry.MsgType, payload []byte) Result
	// Disconnect tears the session down cleanly. Idempotent.
	Disconnect()
	State() State
	// Events returns the bounded session event channel.
	Events() <-chan Event
}

// stateVar is an atomically updated session state.
type stateVar struct {
	v int32
}

func (s *stateVar) Load() State {
	return State(atomic.LoadInt32(&s.v))
}

func (s *stateVar) Swap(next State) State {
	return State(atomic.SwapInt32(&s.v, int32(next)))
}

// publishEvent performs a non-blocking send on an event channel; the channel
// is bounded and stale events are droppable.
func publishEvent(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
	}
}
