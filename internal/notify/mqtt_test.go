package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/labdash/internal/catalog"
	"github.com/HerbHall/labdash/internal/config"
	"github.com/HerbHall/labdash/pkg/models"
	"github.com/HerbHall/labdash/pkg/plugin"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

// fakeMQTT implements the subset of pahomqtt.Client the notifier uses.
type fakeMQTT struct {
	pahomqtt.Client

	mu        sync.Mutex
	connected bool
	token     func() pahomqtt.Token
	sent      []published
}

func (f *fakeMQTT) IsConnected() bool      { return f.connected }
func (f *fakeMQTT) IsConnectionOpen() bool { return f.connected }
func (f *fakeMQTT) Disconnect(uint)        { f.connected = false }

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	f.sent = append(f.sent, published{topic: topic, qos: qos, retain: retained, payload: b})
	if f.token != nil {
		return f.token()
	}
	return completedToken(nil)
}

func (f *fakeMQTT) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.sent...)
}

func newTestMQTT(cfg MQTTConfig) (*MQTTNotifier, *fakeMQTT) {
	client := &fakeMQTT{connected: true}
	def := DefaultMQTTConfig()
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = def.TopicPrefix
	}
	if cfg.HADiscoveryPrefix == "" {
		cfg.HADiscoveryPrefix = def.HADiscoveryPrefix
	}
	return newMQTTNotifier(cfg, client, zap.NewNop()), client
}

func mqttStatusMessage(id string, current models.ServiceStatus) Message {
	return MessageFromEvent(eventWithPayload(catalog.StatusChangedEvent{
		ServiceID:   id,
		ServiceName: "Sonarr",
		URL:         "https://sonarr.lab.local",
		Previous:    models.StatusUnknown,
		Current:     current,
	}))
}

func eventWithPayload(p catalog.StatusChangedEvent) plugin.Event {
	e := statusEvent()
	e.Payload = p
	return e
}

func TestMQTTNotifier_EventTopic(t *testing.T) {
	n, _ := newTestMQTT(MQTTConfig{TopicPrefix: "lab"})
	tests := map[string]string{
		catalog.TopicServiceStatusChanged: "lab/service/status_changed",
		catalog.TopicRefreshCompleted:     "lab/refresh/completed",
		"custom.topic":                    "lab/custom/topic",
	}
	for in, want := range tests {
		assert.Equal(t, want, n.EventTopic(in), in)
	}
}

func TestMQTTNotifier_StatusChangePublishesState(t *testing.T) {
	n, client := newTestMQTT(MQTTConfig{QoS: 1})

	require.NoError(t, n.Notify(context.Background(), mqttStatusMessage("svc-1", models.StatusDown)))

	msgs := client.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "labdash/service/status_changed", msgs[0].topic)
	assert.False(t, msgs[0].retain)
	var body Message
	require.NoError(t, json.Unmarshal(msgs[0].payload, &body))
	assert.Equal(t, catalog.TopicServiceStatusChanged, body.Event)

	assert.Equal(t, "labdash/service/svc-1/state", msgs[1].topic)
	assert.True(t, msgs[1].retain)
	assert.Equal(t, "OFF", string(msgs[1].payload))
}

func TestMQTTNotifier_HomeAssistantDiscoveryOnce(t *testing.T) {
	n, client := newTestMQTT(MQTTConfig{HADiscovery: true})
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, mqttStatusMessage("svc-1", models.StatusDown)))
	require.NoError(t, n.Notify(ctx, mqttStatusMessage("svc-1", models.StatusUp)))

	var discovery []published
	var states []string
	for _, m := range client.messages() {
		switch m.topic {
		case "homeassistant/binary_sensor/labdash_svc_1/config":
			discovery = append(discovery, m)
		case "labdash/service/svc-1/state":
			states = append(states, string(m.payload))
		}
	}
	require.Len(t, discovery, 1)
	assert.True(t, discovery[0].retain)
	assert.Equal(t, []string{"OFF", "ON"}, states)

	var cfg BinarySensorConfig
	require.NoError(t, json.Unmarshal(discovery[0].payload, &cfg))
	assert.Equal(t, "connectivity", cfg.DeviceClass)
	assert.Equal(t, "labdash/service/svc-1/state", cfg.StateTopic)
	assert.Equal(t, "labdash/status", cfg.AvailabilityTopic)
	assert.Equal(t, "https://sonarr.lab.local", cfg.Device.ConfigURL)
}

func TestMQTTNotifier_NonStatusEventHasNoState(t *testing.T) {
	n, client := newTestMQTT(MQTTConfig{HADiscovery: true})
	msg := Message{Event: catalog.TopicRefreshCompleted, Source: "catalog", Data: map[string]int{"created": 1}}

	require.NoError(t, n.Notify(context.Background(), msg))
	msgs := client.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "labdash/refresh/completed", msgs[0].topic)
}

func TestMQTTNotifier_Errors(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		n, client := newTestMQTT(MQTTConfig{})
		client.connected = false
		require.Error(t, n.Notify(context.Background(), mqttStatusMessage("a", models.StatusUp)))
		assert.Empty(t, client.messages())
	})

	t.Run("publish error", func(t *testing.T) {
		n, client := newTestMQTT(MQTTConfig{})
		client.token = func() pahomqtt.Token { return completedToken(errors.New("broker refused")) }
		err := n.Notify(context.Background(), mqttStatusMessage("a", models.StatusUp))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broker refused")
	})

	t.Run("context expires before ack", func(t *testing.T) {
		n, client := newTestMQTT(MQTTConfig{})
		client.token = func() pahomqtt.Token { return &fakeToken{done: make(chan struct{})} }
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := n.Notify(ctx, mqttStatusMessage("a", models.StatusUp))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestSafeObjectID(t *testing.T) {
	tests := map[string]string{
		"web-server-01":                        "web_server_01",
		"550e8400-e29b-41d4-a716-446655440000": "550e8400_e29b_41d4_a716_446655440000",
		"MyService":                            "myservice",
		"---":                                  "unknown",
		"":                                     "unknown",
	}
	for in, want := range tests {
		assert.Equal(t, want, SafeObjectID(in), in)
	}
}

func TestLoadMQTTConfig(t *testing.T) {
	v := viper.New()
	v.Set("plugins.notify.mqtt.broker_url", "tcp://mosquitto:1883")
	v.Set("plugins.notify.mqtt.qos", 7)
	v.Set("plugins.notify.mqtt.ha_discovery", true)
	v.Set("plugins.notify.mqtt.timeout", "3s")

	cfg := loadMQTTConfig(config.New(v).PluginSection("notify").Sub("mqtt"))
	assert.Equal(t, "tcp://mosquitto:1883", cfg.BrokerURL)
	assert.Equal(t, byte(2), cfg.QoS)
	assert.True(t, cfg.HADiscovery)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, "labdash", cfg.TopicPrefix)
	assert.Equal(t, "homeassistant", cfg.HADiscoveryPrefix)

	assert.Equal(t, DefaultMQTTConfig(), loadMQTTConfig(nil))
}

func TestModule_HealthDegradedWhenBrokerDown(t *testing.T) {
	n, client := newTestMQTT(MQTTConfig{})
	m := New()
	m.mqtt = n
	m.AddNotifier(n)

	assert.Equal(t, "healthy", m.Health(context.Background()).Status)

	client.connected = false
	h := m.Health(context.Background())
	assert.Equal(t, "degraded", h.Status)
	assert.Contains(t, h.Message, "mqtt")
}
