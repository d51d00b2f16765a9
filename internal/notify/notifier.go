package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/HerbHall/labdash/pkg/plugin"
)

// Notifier delivers one catalog event to an external system.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
	Type() string
}

// Message is the JSON document sent by every notifier.
type Message struct {
	Event     string    `json:"event"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// MessageFromEvent converts a bus event.
func MessageFromEvent(e plugin.Event) Message {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Message{
		Event:     e.Topic,
		Source:    e.Source,
		Timestamp: ts.UTC(),
		Data:      e.Payload,
	}
}

func (m Message) encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", m.Event, err)
	}
	return b, nil
}
