package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/labdash/internal/catalog"
	"github.com/HerbHall/labdash/internal/version"
	"github.com/HerbHall/labdash/pkg/models"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig holds MQTT publisher settings.
type MQTTConfig struct {
	BrokerURL   string        `mapstructure:"broker_url"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"` //nolint:gosec // G101: config field name
	ClientID    string        `mapstructure:"client_id"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	QoS         byte          `mapstructure:"qos"`
	Retain      bool          `mapstructure:"retain"`
	UseTLS      bool          `mapstructure:"use_tls"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Home Assistant MQTT auto-discovery.
	HADiscovery       bool   `mapstructure:"ha_discovery"`
	HADiscoveryPrefix string `mapstructure:"ha_discovery_prefix"`
}

// DefaultMQTTConfig returns defaults; the broker URL stays empty (disabled).
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		ClientID:          "labdash",
		TopicPrefix:       "labdash",
		QoS:               1,
		Timeout:           10 * time.Second,
		HADiscoveryPrefix: "homeassistant",
	}
}

// MQTTNotifier publishes catalog events to an MQTT broker. Status changes
// also update a retained per-service state topic, and with Home Assistant
// discovery enabled each service appears as a connectivity binary_sensor.
type MQTTNotifier struct {
	cfg    MQTTConfig
	client pahomqtt.Client
	logger *zap.Logger

	mu        sync.Mutex
	announced map[string]bool
}

// NewMQTTNotifier connects to the broker. A failed first connect is logged
// and retried in the background by the client.
func NewMQTTNotifier(cfg MQTTConfig, logger *zap.Logger) *MQTTNotifier {
	def := DefaultMQTTConfig()
	if cfg.ClientID == "" {
		cfg.ClientID = def.ClientID
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = def.TopicPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HADiscoveryPrefix == "" {
		cfg.HADiscoveryPrefix = def.HADiscoveryPrefix
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(cfg.Timeout).
		SetWill(cfg.TopicPrefix+"/status", "offline", 1, true).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			logger.Info("mqtt connected", zap.String("broker_url", cfg.BrokerURL))
			c.Publish(cfg.TopicPrefix+"/status", 1, true, "online")
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.Warn("mqtt connection lost", zap.Error(err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	switch {
	case !token.WaitTimeout(cfg.Timeout):
		logger.Warn("mqtt connection timed out; retrying in background")
	case token.Error() != nil:
		logger.Warn("mqtt connection failed; retrying in background", zap.Error(token.Error()))
	}

	return newMQTTNotifier(cfg, client, logger)
}

func newMQTTNotifier(cfg MQTTConfig, client pahomqtt.Client, logger *zap.Logger) *MQTTNotifier {
	return &MQTTNotifier{
		cfg:       cfg,
		client:    client,
		logger:    logger,
		announced: make(map[string]bool),
	}
}

// Type implements Notifier.
func (n *MQTTNotifier) Type() string { return "mqtt" }

// EventTopic maps a bus topic to an MQTT topic:
// catalog.service.status_changed -> labdash/service/status_changed.
func (n *MQTTNotifier) EventTopic(topic string) string {
	topic = strings.TrimPrefix(topic, "catalog.")
	return n.cfg.TopicPrefix + "/" + strings.ReplaceAll(topic, ".", "/")
}

// StateTopic is the retained ON/OFF topic for one service.
func (n *MQTTNotifier) StateTopic(serviceID string) string {
	return n.cfg.TopicPrefix + "/service/" + serviceID + "/state"
}

// Notify implements Notifier.
func (n *MQTTNotifier) Notify(ctx context.Context, msg Message) error {
	if !n.client.IsConnectionOpen() {
		return errors.New("mqtt: not connected")
	}
	body, err := msg.encode()
	if err != nil {
		return err
	}
	if err := n.publish(ctx, n.EventTopic(msg.Event), n.cfg.Retain, body); err != nil {
		return err
	}

	change, ok := statusChange(msg.Data)
	if !ok {
		return nil
	}
	if n.cfg.HADiscovery {
		if err := n.announce(ctx, change); err != nil {
			return err
		}
	}
	return n.publish(ctx, n.StateTopic(change.ServiceID), true, []byte(statePayload(change.Current)))
}

// Close disconnects, waiting briefly for in-flight publishes.
func (n *MQTTNotifier) Close() {
	if n.client.IsConnected() {
		n.client.Publish(n.cfg.TopicPrefix+"/status", 1, true, "offline").WaitTimeout(time.Second)
		n.client.Disconnect(250)
	}
}

// Connected reports whether the broker connection is up.
func (n *MQTTNotifier) Connected() bool {
	return n.client.IsConnectionOpen()
}

func (n *MQTTNotifier) publish(ctx context.Context, topic string, retain bool, payload []byte) error {
	token := n.client.Publish(topic, n.cfg.QoS, retain, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", topic, ctx.Err())
	}
}

// announce publishes the Home Assistant discovery config once per service.
func (n *MQTTNotifier) announce(ctx context.Context, change catalog.StatusChangedEvent) error {
	n.mu.Lock()
	done := n.announced[change.ServiceID]
	n.mu.Unlock()
	if done {
		return nil
	}

	cfg := n.discoveryConfig(change)
	payload, err := json.Marshal(cfg.Payload)
	if err != nil {
		return fmt.Errorf("marshal discovery config: %w", err)
	}
	if err := n.publish(ctx, cfg.Topic, true, payload); err != nil {
		return err
	}

	n.mu.Lock()
	n.announced[change.ServiceID] = true
	n.mu.Unlock()
	return nil
}

// HADevice is the "device" block in Home Assistant discovery payloads.
type HADevice struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
	Model       string   `json:"model,omitempty"`
	SWVersion   string   `json:"sw_version,omitempty"`
	ConfigURL   string   `json:"configuration_url,omitempty"`
}

// BinarySensorConfig is the discovery payload for a binary_sensor.
type BinarySensorConfig struct {
	Name              string   `json:"name"`
	ObjectID          string   `json:"object_id"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	DeviceClass       string   `json:"device_class"`
	PayloadOn         string   `json:"payload_on"`
	PayloadOff        string   `json:"payload_off"`
	AvailabilityTopic string   `json:"availability_topic"`
	Device            HADevice `json:"device"`
}

type discoveryMessage struct {
	Topic   string
	Payload BinarySensorConfig
}

func (n *MQTTNotifier) discoveryConfig(change catalog.StatusChangedEvent) discoveryMessage {
	id := "labdash_" + SafeObjectID(change.ServiceID)
	return discoveryMessage{
		Topic: fmt.Sprintf("%s/binary_sensor/%s/config", n.cfg.HADiscoveryPrefix, id),
		Payload: BinarySensorConfig{
			Name:              change.ServiceName,
			ObjectID:          id,
			UniqueID:          id,
			StateTopic:        n.StateTopic(change.ServiceID),
			DeviceClass:       "connectivity",
			PayloadOn:         statePayload(models.StatusUp),
			PayloadOff:        statePayload(models.StatusDown),
			AvailabilityTopic: n.cfg.TopicPrefix + "/status",
			Device: HADevice{
				Identifiers: []string{id},
				Name:        change.ServiceName,
				Model:       "LabDash service",
				SWVersion:   version.Short(),
				ConfigURL:   change.URL,
			},
		},
	}
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9_]`)

// SafeObjectID sanitizes a string for use as a Home Assistant object_id.
func SafeObjectID(s string) string {
	s = nonAlphanumeric.ReplaceAllString(strings.ToLower(s), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}

func statePayload(st models.ServiceStatus) string {
	if st == models.StatusUp {
		return "ON"
	}
	return "OFF"
}

func statusChange(data any) (catalog.StatusChangedEvent, bool) {
	switch v := data.(type) {
	case catalog.StatusChangedEvent:
		return v, true
	case *catalog.StatusChangedEvent:
		if v != nil {
			return *v, true
		}
	}
	return catalog.StatusChangedEvent{}, false
}
