package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/labdash/internal/catalog"
	"github.com/HerbHall/labdash/internal/config"
	"github.com/HerbHall/labdash/internal/event"
	"github.com/HerbHall/labdash/pkg/models"
	"github.com/HerbHall/labdash/pkg/plugin"
	"github.com/HerbHall/labdash/pkg/plugin/plugintest"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestContract(t *testing.T) {
	plugintest.TestPluginContract(t, func() plugin.Plugin { return New() })
}

func runNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func statusEvent() plugin.Event {
	return plugin.Event{
		Topic:     catalog.TopicServiceStatusChanged,
		Source:    "catalog",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload: catalog.StatusChangedEvent{
			ServiceName: "Sonarr",
			URL:         "https://sonarr.lab.local",
			Previous:    models.StatusUp,
			Current:     models.StatusDown,
			ErrorKind:   models.FaultTimeout,
		},
	}
}

type webhookCapture struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func (c *webhookCapture) server(t *testing.T, status int) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, b)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *webhookCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestWebhookNotifier_SignsBody(t *testing.T) {
	var c webhookCapture
	srv := c.server(t, http.StatusNoContent)

	n := NewWebhookNotifier(WebhookConfig{
		URL:     srv.URL,
		Secret:  "shh",
		Headers: map[string]string{"X-Env": "lab"},
	})
	require.NoError(t, n.Notify(context.Background(), MessageFromEvent(statusEvent())))

	require.Equal(t, 1, c.count())
	h := c.headers[0]
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "lab", h.Get("X-Env"))
	assert.Equal(t, catalog.TopicServiceStatusChanged, h.Get("X-LabDash-Event"))
	assert.Contains(t, h.Get("User-Agent"), "LabDash")
	assert.Equal(t, Sign("shh", c.bodies[0]), h.Get(SignatureHeader))

	var msg struct {
		Event string                     `json:"event"`
		Data  catalog.StatusChangedEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(c.bodies[0], &msg))
	assert.Equal(t, catalog.TopicServiceStatusChanged, msg.Event)
	assert.Equal(t, "Sonarr", msg.Data.ServiceName)
	assert.Equal(t, models.StatusDown, msg.Data.Current)
}

func TestWebhookNotifier_NoSecretNoSignature(t *testing.T) {
	var c webhookCapture
	srv := c.server(t, http.StatusOK)

	require.NoError(t, NewWebhookNotifier(WebhookConfig{URL: srv.URL}).
		Notify(context.Background(), MessageFromEvent(statusEvent())))
	assert.Empty(t, c.headers[0].Get(SignatureHeader))
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	var c webhookCapture
	srv := c.server(t, http.StatusInternalServerError)

	err := NewWebhookNotifier(WebhookConfig{URL: srv.URL}).
		Notify(context.Background(), MessageFromEvent(statusEvent()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestNATSNotifier_Publishes(t *testing.T) {
	ns := runNATS(t)

	sub, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("labdash.events.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	n, err := NewNATSNotifier(NATSConfig{URL: ns.ClientURL()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(n.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, n.Notify(ctx, MessageFromEvent(statusEvent())))

	select {
	case m := <-msgs:
		assert.Equal(t, "labdash.events."+catalog.TopicServiceStatusChanged, m.Subject)
		assert.Equal(t, "application/json", m.Header.Get("Content-Type"))
		var got Message
		require.NoError(t, json.Unmarshal(m.Data, &got))
		assert.Equal(t, "catalog", got.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestNATSNotifier_ConnectFailure(t *testing.T) {
	_, err := NewNATSNotifier(NATSConfig{URL: "nats://127.0.0.1:1", Timeout: 200 * time.Millisecond}, zap.NewNop())
	assert.Error(t, err)
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return f.err
}

func (f *fakeNotifier) Type() string { return "fake" }

func (f *fakeNotifier) received() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.msgs...)
}

func TestModule_ForwardsConfiguredTopics(t *testing.T) {
	bus := event.NewBus(zap.NewNop())
	m := New()
	fake := &fakeNotifier{}
	m.AddNotifier(fake)
	require.NoError(t, m.Init(context.Background(), plugin.Dependencies{Logger: zap.NewNop(), Bus: bus}))
	require.NoError(t, m.Start(context.Background()))

	// Cancelled publisher context does not stop delivery.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.PublishAsync(ctx, statusEvent())
	bus.PublishAsync(ctx, plugin.Event{Topic: catalog.TopicServiceCreated, Source: "catalog"})
	bus.Wait()

	got := fake.received()
	require.Len(t, got, 1)
	assert.Equal(t, catalog.TopicServiceStatusChanged, got[0].Event)

	require.NoError(t, m.Stop(context.Background()))
	bus.PublishAsync(context.Background(), statusEvent())
	bus.Wait()
	assert.Len(t, fake.received(), 1, "unsubscribed on stop")
}

func TestModule_DeliveryErrorsDoNotStopOthers(t *testing.T) {
	bus := event.NewBus(zap.NewNop())
	m := New()
	failing := &fakeNotifier{err: errors.New("down")}
	ok := &fakeNotifier{}
	m.AddNotifier(failing)
	m.AddNotifier(ok)
	require.NoError(t, m.Init(context.Background(), plugin.Dependencies{Logger: zap.NewNop(), Bus: bus}))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	bus.PublishAsync(context.Background(), statusEvent())
	bus.Wait()
	assert.Len(t, ok.received(), 1)
}

func TestModule_InitFromConfig(t *testing.T) {
	ns := runNATS(t)
	var c webhookCapture
	srv := c.server(t, http.StatusOK)

	v := viper.New()
	v.Set("plugins.notify.topics", []string{catalog.TopicServiceStatusChanged, catalog.TopicRefreshCompleted})
	v.Set("plugins.notify.webhook.url", srv.URL)
	v.Set("plugins.notify.nats.url", ns.ClientURL())
	v.Set("plugins.notify.nats.subject", "homelab")

	bus := event.NewBus(zap.NewNop())
	m := New()
	require.NoError(t, m.Init(context.Background(), plugin.Dependencies{
		Config: config.New(v).PluginSection("notify"),
		Logger: zap.NewNop(),
		Bus:    bus,
	}))
	require.NotNil(t, m.nats)
	assert.Len(t, m.notifiers, 2)
	assert.Equal(t, "homelab."+catalog.TopicRefreshCompleted, m.nats.Subject(catalog.TopicRefreshCompleted))

	require.NoError(t, m.Start(context.Background()))
	bus.PublishAsync(context.Background(), plugin.Event{Topic: catalog.TopicRefreshCompleted, Source: "catalog"})
	bus.Wait()
	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, 1, c.count())
}

func TestToStrings(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, toStrings([]any{"a", "", "b"}))
	assert.Equal(t, []string{"a"}, toStrings("a"))
	assert.Nil(t, toStrings(""))
	assert.Nil(t, toStrings(42))
}
