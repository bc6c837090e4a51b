// Package control handles runtime commands arriving over MQTT: status
// queries, manual triggers and upload reconfiguration. This is the
// explicit reconfiguration path; the uploader applies new settings on its
// next cycle without a restart.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/config"
)

// Command is a control-plane request.
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response acknowledges a command.
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Callbacks are supplied by the service orchestrator.
type Callbacks struct {
	OnGetStatus          func() map[string]interface{}
	OnTrigger            func(sourceID string) (string, string)
	OnUpdateUploadConfig func(params map[string]interface{}) error
	OnPause              func() error
	OnResume             func() error
	OnShutdown           func() error
}

// Handler subscribes to the control topic and dispatches commands.
type Handler struct {
	cfg       config.MQTTConfig
	client    mqtt.Client
	callbacks Callbacks
	commands  chan Command

	mu      sync.Mutex
	stopped bool
}

// NewHandler creates a control handler over an existing MQTT client.
func NewHandler(cfg config.MQTTConfig, client mqtt.Client, callbacks Callbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		callbacks: callbacks,
		commands:  make(chan Command, 10),
	}
}

// Start subscribes and begins processing commands.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.Topics.Control
	qos := h.cfg.QoS["control"]

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control subscription failed: %w", err)
	}

	slog.Info("control handler started", "topic", topic)
	go h.processCommands(ctx)
	return nil
}

// Stop unsubscribes from the control topic. The command channel is left
// open: a paho callback may still be in flight, and the dispatch goroutine
// exits with its context.
func (h *Handler) Stop() error {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.Topics.Control)
		token.Wait()
	}
	slog.Info("control handler stopped")
	return nil
}

func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped {
		return
	}

	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handle(cmd)
		}
	}
}

func (h *Handler) handle(cmd Command) {
	resp := Response{CommandAck: cmd.Command, Status: "ok"}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus != nil {
			resp.Data = h.callbacks.OnGetStatus()
		}

	case "trigger":
		sourceID, _ := cmd.Params["source_id"].(string)
		if sourceID == "" {
			resp.Status = "error"
			resp.Error = "params.source_id is required"
			break
		}
		if h.callbacks.OnTrigger != nil {
			passID, result := h.callbacks.OnTrigger(sourceID)
			resp.Data = map[string]interface{}{
				"pass_id": passID,
				"result":  result,
			}
		}

	case "update_upload_config":
		if h.callbacks.OnUpdateUploadConfig != nil {
			if err := h.callbacks.OnUpdateUploadConfig(cmd.Params); err != nil {
				resp.Status = "error"
				resp.Error = err.Error()
			}
		}

	case "pause":
		if h.callbacks.OnPause != nil {
			if err := h.callbacks.OnPause(); err != nil {
				resp.Status = "error"
				resp.Error = err.Error()
			} else {
				resp.Data = map[string]interface{}{"paused": true}
			}
		}

	case "resume":
		if h.callbacks.OnResume != nil {
			if err := h.callbacks.OnResume(); err != nil {
				resp.Status = "error"
				resp.Error = err.Error()
			} else {
				resp.Data = map[string]interface{}{"paused": false}
			}
		}

	case "shutdown":
		if h.callbacks.OnShutdown != nil {
			if err := h.callbacks.OnShutdown(); err != nil {
				resp.Status = "error"
				resp.Error = err.Error()
			}
		}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command '%s'", cmd.Command)
	}

	h.sendResponse(resp)
}

func (h *Handler) sendResponse(resp Response) {
	if h.client == nil {
		return
	}
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal control response", "error", err)
		return
	}

	topic := h.cfg.Topics.Control + "/response"
	token := h.client.Publish(topic, h.cfg.QoS["control"], false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Warn("control response publish timeout", "command_ack", resp.CommandAck)
	}
}

// ParseUploadSettings converts update_upload_config params into a settings
// snapshot, starting from the current values so partial updates work.
func ParseUploadSettings(current config.UploadSettings, params map[string]interface{}) (config.UploadSettings, error) {
	next := current
	for key, raw := range params {
		switch key {
		case "uploadIntervalSeconds":
			v, ok := raw.(float64)
			if !ok || v <= 0 {
				return current, fmt.Errorf("uploadIntervalSeconds must be a positive number")
			}
			next.Interval = time.Duration(v) * time.Second
		case "batchSize":
			v, ok := raw.(float64)
			if !ok || v < 0 {
				return current, fmt.Errorf("batchSize must be a non-negative number")
			}
			next.BatchSize = int(v)
		case "localRetentionDays":
			v, ok := raw.(float64)
			if !ok || v < 0 {
				return current, fmt.Errorf("localRetentionDays must be a non-negative number")
			}
			next.RetentionDays = int(v)
		case "uploadImages":
			v, ok := raw.(bool)
			if !ok {
				return current, fmt.Errorf("uploadImages must be a boolean")
			}
			next.UploadImages = v
		case "uploadMetadata":
			v, ok := raw.(bool)
			if !ok {
				return current, fmt.Errorf("uploadMetadata must be a boolean")
			}
			next.UploadMetadata = v
		default:
			return current, fmt.Errorf("unknown option '%s'", key)
		}
	}
	return next, nil
}
