package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/norbertmarko/sn-perception/internal/config"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// fakeBroker records publications and the subscribed callback
type fakeBroker struct {
	mu        sync.Mutex
	published map[string][][]byte
	handler   mqtt.MessageHandler
	subErr    error
	unsubs    int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{published: make(map[string][][]byte)}
}

func (b *fakeBroker) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[topic] = append(b.published[topic], payload.([]byte))
	return &fakeToken{}
}

func (b *fakeBroker) Subscribe(_ string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = cb
	return &fakeToken{err: b.subErr}
}

func (b *fakeBroker) Unsubscribe(...string) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubs++
	return &fakeToken{}
}

func (b *fakeBroker) IsConnected() bool { return true }

func (b *fakeBroker) responses(topic string) []Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Response
	for _, p := range b.published[topic] {
		var r Response
		if err := json.Unmarshal(p, &r); err == nil {
			out = append(out, r)
		}
	}
	return out
}

var testMQTT = config.MQTTConfig{Broker: "localhost:1883", ClientID: "t", TopicPrefix: "cam/right"}

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		wantErr bool
	}{
		{"stop", `{"command":"stop"}`, "stop", false},
		{"status with params", `{"command":"status","params":{"verbose":true}}`, "status", false},
		{"missing command", `{"params":{}}`, "", true},
		{"not json", `stop`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := DecodeCommand([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if cmd.Command != tt.want {
				t.Errorf("Command = %q, want %q", cmd.Command, tt.want)
			}
		})
	}
}

func TestHandleCommand(t *testing.T) {
	var stopReason string
	h := newHandler(testMQTT, newFakeBroker(), newFakeBroker(), Callbacks{
		OnStop:   func(reason string) { stopReason = reason },
		OnStatus: func() any { return map[string]int{"frames_received": 42} },
	})

	resp := h.handleCommand(Command{Command: CommandStop})
	if resp.Status != "stopping" || stopReason == "" {
		t.Errorf("stop: status=%q reason=%q", resp.Status, stopReason)
	}

	resp = h.handleCommand(Command{Command: CommandStatus})
	if resp.Status != "success" || resp.Data == nil {
		t.Errorf("status: %+v", resp)
	}

	resp = h.handleCommand(Command{Command: "reboot"})
	if resp.Status != "error" || resp.Error != "unknown command: reboot" {
		t.Errorf("unknown: %+v", resp)
	}
}

func TestHandleCommand_MissingCallbacks(t *testing.T) {
	h := newHandler(testMQTT, newFakeBroker(), newFakeBroker(), Callbacks{})

	for _, name := range []string{CommandStop, CommandStatus} {
		if resp := h.handleCommand(Command{Command: name}); resp.Status != "error" {
			t.Errorf("%s without callback: status = %q, want error", name, resp.Status)
		}
	}
}

// A stop command published on the control topic reaches OnStop and a
// response lands on the status topic.
func TestHandler_StopRoundTrip(t *testing.T) {
	broker := newFakeBroker()
	stopped := make(chan string, 1)
	h := newHandler(testMQTT, broker, broker, Callbacks{
		OnStop: func(reason string) { stopped <- reason },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	broker.handler(nil, &fakeMessage{topic: "cam/right/control", payload: []byte(`{"command":"stop"}`)})

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("OnStop not called")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(broker.responses("cam/right/status")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no response published")
		}
		time.Sleep(time.Millisecond)
	}
	resp := broker.responses("cam/right/status")[0]
	if resp.CommandAck != "stop" || resp.Status != "stopping" || resp.Timestamp == "" {
		t.Errorf("response = %+v", resp)
	}

	_ = h.Stop()
	_ = h.Stop()
	if broker.unsubs != 1 {
		t.Errorf("unsubscribed %d times, want 1", broker.unsubs)
	}
}

func TestHandler_InvalidPayloadAnswered(t *testing.T) {
	broker := newFakeBroker()
	h := newHandler(testMQTT, broker, broker, Callbacks{})

	h.messageHandler(nil, &fakeMessage{topic: "cam/right/control", payload: []byte(`{{`)})

	resps := broker.responses("cam/right/status")
	if len(resps) != 1 || resps[0].Status != "error" || resps[0].CommandAck != "unknown" {
		t.Errorf("responses = %+v", resps)
	}
}

func TestHandler_SubscribeFailure(t *testing.T) {
	broker := newFakeBroker()
	broker.subErr = errors.New("not authorized")
	h := newHandler(testMQTT, broker, broker, Callbacks{})

	if err := h.Start(context.Background()); err == nil {
		t.Error("Start() should fail when subscription is refused")
	}
}

func TestBrokerURL(t *testing.T) {
	if got := brokerURL("localhost:1883"); got != "tcp://localhost:1883" {
		t.Errorf("brokerURL() = %q", got)
	}
	if got := brokerURL("ssl://broker:8883"); got != "ssl://broker:8883" {
		t.Errorf("brokerURL() = %q", got)
	}
}
