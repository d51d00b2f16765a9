package ws

import (
	"time"

	"github.com/HerbHall/labdash/pkg/models"
)

// MessageType discriminates WebSocket messages. Event messages reuse the
// bus topic as their type.
type MessageType string

const (
	MessageSnapshot MessageType = "snapshot"
	MessageError    MessageType = "error"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// SnapshotData is sent once after connecting.
type SnapshotData struct {
	Services []models.Service `json:"services"`
}

// ErrorData is the payload for error messages.
type ErrorData struct {
	Error string `json:"error"`
}
