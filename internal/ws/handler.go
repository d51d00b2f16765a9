package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/labdash/pkg/models"
	"github.com/HerbHall/labdash/pkg/plugin"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventPrefix selects the bus topics streamed to clients.
const EventPrefix = "catalog."

// ServiceLister provides the snapshot sent on connect.
type ServiceLister interface {
	ListServices(ctx context.Context) ([]models.Service, error)
}

// Handler provides the WebSocket endpoint for live catalog events.
type Handler struct {
	hub            *Hub
	services       ServiceLister
	originPatterns []string
	logger         *zap.Logger

	mu    sync.Mutex
	unsub func()
}

// Compile-time check that Handler implements the server interface.
var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates a WebSocket handler and subscribes to catalog events.
// services may be nil, in which case no snapshot is sent. originPatterns
// are host patterns allowed for cross-origin browsers.
func NewHandler(services ServiceLister, bus plugin.EventBus, originPatterns []string, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:            NewHub(logger),
		services:       services,
		originPatterns: originPatterns,
		logger:         logger,
	}
	if bus != nil {
		h.unsub = bus.SubscribeAll(h.forward)
	}
	return h
}

// RegisterRoutes registers WebSocket routes on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ws/events", h.handleEvents)
}

// Close stops forwarding bus events.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unsub != nil {
		h.unsub()
		h.unsub = nil
	}
}

// Hub returns the connection hub.
func (h *Handler) Hub() *Hub {
	return h.hub
}

// handleEvents upgrades the connection and streams catalog events. The
// optional topics query parameter is a comma-separated list of topic
// prefixes, e.g. topics=catalog.service.status_changed.
//
//	@Summary		Event stream
//	@Description	WebSocket stream of catalog events. A snapshot of all services is sent first.
//	@Tags			events
//	@Param			topics query string false "Comma-separated topic prefixes"
//	@Success		101
//	@Router			/ws/events [get]
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		id:     uuid.New().String(),
		topics: parseTopics(r.URL.Query().Get("topics")),
		send:   make(chan Message, 256),
		logger: h.logger,
	}

	ctx := r.Context()
	if h.services != nil {
		client.send <- h.snapshot(ctx)
	}
	h.hub.Register(client)

	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	client.readPump(ctx)

	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

func (h *Handler) snapshot(ctx context.Context) Message {
	services, err := h.services.ListServices(ctx)
	if err != nil {
		h.logger.Warn("websocket snapshot failed", zap.Error(err))
		return Message{Type: MessageError, Timestamp: time.Now().UTC(), Data: ErrorData{Error: "snapshot unavailable"}}
	}
	return Message{Type: MessageSnapshot, Timestamp: time.Now().UTC(), Data: SnapshotData{Services: services}}
}

// forward relays catalog bus events to connected clients.
func (h *Handler) forward(_ context.Context, e plugin.Event) {
	if !strings.HasPrefix(e.Topic, EventPrefix) {
		return
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	h.hub.Broadcast(Message{Type: MessageType(e.Topic), Timestamp: ts.UTC(), Data: e.Payload})
}

func parseTopics(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
