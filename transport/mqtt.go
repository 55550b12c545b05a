package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"csinode/telemetry"
)

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	Broker      string // host or host:port; tcp:// is assumed when no scheme
	Port        int
	DeviceID    string
	Username    string
	Password    string
	TopicPrefix string // default "csi"
	Timeout     time.Duration
}

// MQTTTransport publishes batches over MQTT at QoS 1. The broker-level QoS is
// the application acknowledgment substitute: a publish token that does not
// complete within the timeout is treated as a transient failure and the
// dispatcher retries the samples.
type MQTTTransport struct {
	cfg    MQTTConfig
	client mqtt.Client
	state  stateVar
	events chan Event
}

// NewMQTT builds the transport. Connection is deferred to Connect.
func NewMQTT(cfg MQTTConfig) (*MQTTTransport, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt transport: broker is empty")
	}
	if cfg.Port <= 0 {
		cfg.Port = 1883
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "csi"
	}
	return &MQTTTransport{
		cfg:    cfg,
		events: make(chan Event, eventChanCapacity),
	}, nil
}

func (t *MQTTTransport) Kind() Kind { return KindMQTT }

// Connect establishes the broker session. The paho client is built once and
// owns reconnection after a drop; a later Connect call on a dropped session
// reports the reconnect in progress instead of racing paho with a second
// client. Session transitions surface on the event channel so the dispatcher
// can observe them without callbacks of its own.
func (t *MQTTTransport) Connect(ctx context.Context) error {
	if t.client != nil {
		if t.client.IsConnectionOpen() {
			t.setState(StateConnected, nil)
			return nil
		}
		return fmt.Errorf("mqtt transport: reconnect to %s in progress", t.cfg.Broker)
	}

	opts := mqtt.NewClientOptions()
	broker := t.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = fmt.Sprintf("tcp://%s:%d", broker, t.cfg.Port)
	}
	opts.AddBroker(broker)
	opts.SetClientID(fmt.Sprintf("%s-%d", t.cfg.DeviceID, time.Now().Unix()))
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(t.cfg.Timeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		t.setState(StateConnected, nil)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.setState(StateDisconnected, err)
	})

	t.setState(StateConnecting, nil)
	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(t.cfg.Timeout) {
		client.Disconnect(0)
		t.setState(StateDisconnected, nil)
		return fmt.Errorf("mqtt transport: connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		t.setState(StateDisconnected, err)
		return fmt.Errorf("mqtt transport: connect to %s: %w", broker, err)
	}
	t.client = client
	return nil
}

// Disconnect closes the broker session, waiting briefly for in-flight
// messages to drain. The client is released so a later Connect starts fresh.
func (t *MQTTTransport) Disconnect() {
	if t.client != nil && t.client.IsConnected() {
		t.client.Disconnect(250)
	}
	t.client = nil
	t.setState(StateDisconnected, nil)
}

func (t *MQTTTransport) State() State         { return t.state.Load() }
func (t *MQTTTransport) Events() <-chan Event { return t.events }

// SendBatch publishes the batch JSON to the batch topic.
func (t *MQTTTransport) SendBatch(b *telemetry.Batch) Result {
	payload, err := b.Marshal()
	if err != nil {
		return dropped("marshal", err)
	}
	return t.publish(t.topic("batch"), payload)
}

// Publish sends an auxiliary message on its topic.
func (t *MQTTTransport) Publish(msg telemetry.MsgType, payload []byte) Result {
	topic := t.topic("batch")
	switch msg {
	case telemetry.MsgSystemMetrics:
		topic = t.topic("metrics")
	case telemetry.MsgHeartbeat:
		topic = t.topic("heartbeat")
	case telemetry.MsgAlert:
		topic = t.topic("alert")
	}
	return t.publish(topic, payload)
}

func (t *MQTTTransport) publish(topic string, payload []byte) Result {
	if t.client == nil || !t.client.IsConnected() {
		return retry("not connected", nil)
	}
	token := t.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(t.cfg.Timeout) {
		t.setState(StateDegraded, nil)
		return retry("publish timeout", nil)
	}
	if err := token.Error(); err != nil {
		t.setState(StateDegraded, err)
		return retry("publish failed", err)
	}
	t.setState(StateConnected, nil)
	return delivered()
}

func (t *MQTTTransport) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", t.cfg.TopicPrefix, t.cfg.DeviceID, suffix)
}

func (t *MQTTTransport) setState(s State, err error) {
	if t.state.Swap(s) == s {
		return
	}
	publishEvent(t.events, Event{Kind: KindMQTT, State: s, Err: err, At: time.Now()})
}
