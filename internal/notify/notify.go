// Package notify forwards catalog events to external systems over NATS,
// MQTT and HTTP webhooks.
package notify

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/labdash/internal/catalog"
	"github.com/HerbHall/labdash/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// RoleNotification is filled by the notify module.
const RoleNotification = "notification"

var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
)

var notificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "labdash_notifications_total",
		Help: "Notifications sent, by notifier and result.",
	},
	[]string{"notifier", "result"},
)

func init() {
	prometheus.MustRegister(notificationsTotal)
}

// DefaultTopics are forwarded when notify.topics is not set.
var DefaultTopics = []string{catalog.TopicServiceStatusChanged}

// Config holds the notify module configuration.
type Config struct {
	Topics      []string      `mapstructure:"topics"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	NATS        NATSConfig    `mapstructure:"nats"`
	MQTT        MQTTConfig    `mapstructure:"mqtt"`
	Webhook     WebhookConfig `mapstructure:"webhook"`
}

// Module implements the notify plugin.
type Module struct {
	logger    *zap.Logger
	cfg       Config
	bus       plugin.EventBus
	notifiers []Notifier
	nats      *NATSNotifier
	mqtt      *MQTTNotifier

	mu     sync.Mutex
	unsubs []func()
	wg     sync.WaitGroup
}

// New creates a new notify plugin instance.
func New() *Module {
	return &Module{}
}

// AddNotifier registers an extra notifier. Call before Start.
func (m *Module) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "notify",
		Version:      "0.1.0",
		Description:  "Forwards service status changes to NATS, MQTT and webhooks",
		Dependencies: []string{"catalog"},
		Roles:        []string{RoleNotification},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.bus = deps.Bus
	m.cfg = Config{
		Topics:      DefaultTopics,
		SendTimeout: 10 * time.Second,
	}

	if c := deps.Config; c != nil {
		if c.IsSet("topics") {
			if topics := toStrings(c.Get("topics")); len(topics) > 0 {
				m.cfg.Topics = topics
			}
		}
		if d := c.GetDuration("send_timeout"); d > 0 {
			m.cfg.SendTimeout = d
		}
		m.cfg.NATS = NATSConfig{
			URL:     c.GetString("nats.url"),
			Subject: c.GetString("nats.subject"),
			Timeout: c.GetDuration("nats.timeout"),
		}
		m.cfg.MQTT = loadMQTTConfig(c.Sub("mqtt"))
		m.cfg.Webhook = WebhookConfig{
			URL:     c.GetString("webhook.url"),
			Secret:  c.GetString("webhook.secret"),
			Timeout: c.GetDuration("webhook.timeout"),
		}
		if h, ok := c.Get("webhook.headers").(map[string]any); ok {
			m.cfg.Webhook.Headers = make(map[string]string, len(h))
			for k, v := range h {
				if s, ok := v.(string); ok {
					m.cfg.Webhook.Headers[k] = s
				}
			}
		}
	}

	if m.cfg.Webhook.URL != "" {
		m.notifiers = append(m.notifiers, NewWebhookNotifier(m.cfg.Webhook))
	}
	if m.cfg.NATS.URL != "" {
		n, err := NewNATSNotifier(m.cfg.NATS, m.logger.Named("nats"))
		if err != nil {
			m.logger.Warn("nats notifier unavailable", zap.Error(err))
		} else {
			m.nats = n
			m.notifiers = append(m.notifiers, n)
		}
	}

	if m.cfg.MQTT.BrokerURL != "" {
		m.mqtt = NewMQTTNotifier(m.cfg.MQTT, m.logger.Named("mqtt"))
		m.notifiers = append(m.notifiers, m.mqtt)
	}

	m.logger.Info("notify module initialized",
		zap.Strings("topics", m.cfg.Topics),
		zap.Bool("webhook", m.cfg.Webhook.URL != ""),
		zap.Bool("nats", m.nats != nil),
		zap.Bool("mqtt", m.mqtt != nil),
	)
	return nil
}

func (m *Module) Start(_ context.Context) error {
	if m.bus == nil || len(m.notifiers) == 0 {
		m.logger.Info("notify module started (no notifiers)")
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, topic := range m.cfg.Topics {
		m.unsubs = append(m.unsubs, m.bus.Subscribe(topic, m.handleEvent))
	}
	m.logger.Info("notify module started", zap.Int("notifiers", len(m.notifiers)))
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.mu.Lock()
	for _, u := range m.unsubs {
		u()
	}
	m.unsubs = nil
	m.mu.Unlock()

	m.wg.Wait()
	if m.nats != nil {
		m.nats.Close()
	}
	if m.mqtt != nil {
		m.mqtt.Close()
	}
	if m.logger != nil {
		m.logger.Info("notify module stopped")
	}
	return nil
}

// Health implements plugin.HealthChecker. A disconnected broker degrades
// the module; delivery resumes once the client reconnects.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	details := map[string]string{"notifiers": strconv.Itoa(len(m.notifiers))}
	var down []string
	if m.nats != nil && !m.nats.Connected() {
		down = append(down, "nats")
	}
	if m.mqtt != nil && !m.mqtt.Connected() {
		down = append(down, "mqtt")
	}
	if len(down) > 0 {
		return plugin.HealthStatus{
			Status:  "degraded",
			Message: "disconnected: " + strings.Join(down, ", "),
			Details: details,
		}
	}
	return plugin.HealthStatus{Status: "healthy", Details: details}
}

// handleEvent fans one event out to every notifier. Delivery outlives the
// publisher's context but is bounded by send_timeout.
func (m *Module) handleEvent(ctx context.Context, e plugin.Event) {
	m.wg.Add(1)
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.SendTimeout)
	defer cancel()

	msg := MessageFromEvent(e)
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, msg); err != nil {
			notificationsTotal.WithLabelValues(n.Type(), "error").Inc()
			m.logger.Warn("notification delivery failed",
				zap.String("notifier", n.Type()),
				zap.String("topic", e.Topic),
				zap.Error(err),
			)
			continue
		}
		notificationsTotal.WithLabelValues(n.Type(), "sent").Inc()
		m.logger.Debug("notification delivered",
			zap.String("notifier", n.Type()),
			zap.String("topic", e.Topic),
		)
	}
}

func loadMQTTConfig(c plugin.Config) MQTTConfig {
	cfg := DefaultMQTTConfig()
	if c == nil {
		return cfg
	}
	cfg.BrokerURL = c.GetString("broker_url")
	cfg.Username = c.GetString("username")
	cfg.Password = c.GetString("password")
	if v := c.GetString("client_id"); v != "" {
		cfg.ClientID = v
	}
	if v := c.GetString("topic_prefix"); v != "" {
		cfg.TopicPrefix = v
	}
	if c.IsSet("qos") {
		cfg.QoS = byte(min(max(c.GetInt("qos"), 0), 2))
	}
	cfg.Retain = c.GetBool("retain")
	cfg.UseTLS = c.GetBool("use_tls")
	if d := c.GetDuration("timeout"); d > 0 {
		cfg.Timeout = d
	}
	cfg.HADiscovery = c.GetBool("ha_discovery")
	if v := c.GetString("ha_discovery_prefix"); v != "" {
		cfg.HADiscoveryPrefix = v
	}
	return cfg
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}
