// Package emitter publishes pipeline events (inference results, source
// degradation, health heartbeats) to the MQTT broker. Optional: a nil
// emitter disables publishing without touching the capture path.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/config"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/types"
)

// MQTTEmitter publishes agent events to the broker.
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	id     string
	Client mqtt.Client // exported for the control handler

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// PassEvent is the payload published after each successful pass.
type PassEvent struct {
	EventID    string        `json:"event_id"`
	SourceID   string        `json:"source_id"`
	ModelID    string        `json:"model_id"`
	Trigger    string        `json:"trigger"`
	Labels     []types.Label `json:"labels"`
	InferredAt string        `json:"inferred_at"`
}

// NewMQTTEmitter creates an emitter; nil if no broker is configured.
func NewMQTTEmitter(instanceID string, cfg config.MQTTConfig) *MQTTEmitter {
	if cfg.Broker == "" {
		return nil
	}
	return &MQTTEmitter{cfg: cfg, id: instanceID}
}

// Connect establishes the broker connection with auto-reconnect.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.id)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.id,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	token := e.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return nil
}

// PublishPass publishes a pass-completed event.
func (e *MQTTEmitter) PublishPass(ev PassEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal pass event: %w", err)
	}
	return e.publish(e.cfg.Topics.Events+"/pass", e.qos("events"), payload)
}

// PublishDegraded publishes a source-degraded signal.
func (e *MQTTEmitter) PublishDegraded(sourceID string) error {
	payload, _ := json.Marshal(map[string]string{
		"source_id": sourceID,
		"at":        time.Now().UTC().Format(time.RFC3339),
	})
	return e.publish(e.cfg.Topics.Events+"/degraded", e.qos("events"), payload)
}

// PublishHealth publishes a health heartbeat payload.
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	return e.publish(e.cfg.Topics.Health, e.qos("health"), payload)
}

func (e *MQTTEmitter) publish(topic string, qos byte, payload []byte) error {
	if !e.isConnected() {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()
	return nil
}

// Disconnect closes the broker connection.
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
	return nil
}

// Stats contains emitter counters.
type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

// Stats returns a snapshot.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{Connected: e.connected, Published: e.published, Errors: e.errors}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) qos(kind string) byte {
	if q, ok := e.cfg.QoS[kind]; ok {
		return q
	}
	return 0
}
