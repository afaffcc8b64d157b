// Package control exposes a remote stop/status control plane over MQTT.
//
// Commands arrive as JSON on <prefix>/control:
//
//	{"command": "stop"}
//	{"command": "status"}
//
// Responses are published to <prefix>/status. No frame data ever leaves
// the process.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/norbertmarko/sn-perception/internal/config"
)

// Command names
const (
	CommandStop   = "stop"
	CommandStatus = "status"
)

// Command represents a control plane command
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string `json:"command_ack"`
	Status     string `json:"status"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Callbacks connect commands to the running session
type Callbacks struct {
	// OnStop requests shutdown; it must not block
	OnStop func(reason string)
	// OnStatus returns a JSON-serializable snapshot
	OnStatus func() any
}

// publisher is the subset of mqtt.Client used for responses
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// subscriber is the subset of mqtt.Client used for commands
type subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	IsConnected() bool
}

// Handler handles control plane commands
type Handler struct {
	cfg       config.MQTTConfig
	pub       publisher
	sub       subscriber
	callbacks Callbacks
	commands  chan Command
	now       func() time.Time

	stopOnce sync.Once
}

// NewHandler creates a control plane handler on an already connected client
func NewHandler(cfg config.MQTTConfig, client mqtt.Client, callbacks Callbacks) *Handler {
	return newHandler(cfg, client, client, callbacks)
}

func newHandler(cfg config.MQTTConfig, pub publisher, sub subscriber, callbacks Callbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		pub:       pub,
		sub:       sub,
		callbacks: callbacks,
		commands:  make(chan Command, 10),
		now:       time.Now,
	}
}

// Start subscribes to the control topic and processes commands until ctx is done
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.ControlTopic()

	slog.Info("control: subscribing to control plane", "topic", topic, "qos", h.cfg.QoS)

	token := h.sub.Subscribe(topic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	go h.processCommands(ctx)

	slog.Info("control: handler started")
	return nil
}

// Stop unsubscribes from the control topic. Idempotent.
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		if h.sub != nil && h.sub.IsConnected() {
			token := h.sub.Unsubscribe(h.cfg.ControlTopic())
			token.WaitTimeout(2 * time.Second)
		}
		slog.Info("control: handler stopped")
	})
	return nil
}

// DecodeCommand parses a control payload
func DecodeCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("control: invalid JSON: %w", err)
	}
	if cmd.Command == "" {
		return Command{}, fmt.Errorf("control: missing command field")
	}
	return cmd, nil
}

// messageHandler is called by paho on its own goroutine
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	cmd, err := DecodeCommand(msg.Payload())
	if err != nil {
		slog.Warn("control: rejected command", "topic", msg.Topic(), "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      err.Error(),
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

// handleCommand executes a command and builds its response
func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case CommandStop:
		if h.callbacks.OnStop == nil {
			resp.Status = "error"
			resp.Error = "stop not implemented"
			break
		}
		h.callbacks.OnStop("mqtt stop command")
		resp.Status = "stopping"

	case CommandStatus, "get_status":
		if h.callbacks.OnStatus == nil {
			resp.Status = "error"
			resp.Error = "status not implemented"
			break
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnStatus()

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	return resp
}

// sendResponse publishes a response to the status topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = h.now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	token := h.pub.Publish(h.cfg.StatusTopic(), h.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("control: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
