package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var _ Notifier = (*NATSNotifier)(nil)

// DefaultSubject prefixes every published subject.
const DefaultSubject = "labdash.events"

// NATSConfig configures publishing to a NATS server.
type NATSConfig struct {
	URL     string        `mapstructure:"url"`
	Subject string        `mapstructure:"subject"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NATSNotifier publishes each message on <subject>.<event topic>.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
	logger  *zap.Logger
}

// NewNATSNotifier connects to the server. The connection reconnects on its
// own; publishes while disconnected are buffered by the client.
func NewNATSNotifier(cfg NATSConfig, logger *zap.Logger) (*NATSNotifier, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("labdash"),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	logger.Info("connected to nats", zap.String("url", nc.ConnectedUrl()), zap.String("subject", cfg.Subject))
	return &NATSNotifier{
		conn:    nc,
		subject: strings.TrimSuffix(cfg.Subject, "."),
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// Subject returns the subject a topic is published on.
func (n *NATSNotifier) Subject(topic string) string {
	return n.subject + "." + topic
}

// Notify implements Notifier.
func (n *NATSNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := msg.encode()
	if err != nil {
		return err
	}
	out := nats.NewMsg(n.Subject(msg.Event))
	out.Data = body
	out.Header.Set("Content-Type", "application/json")
	if err := n.conn.PublishMsg(out); err != nil {
		return fmt.Errorf("nats publish %s: %w", out.Subject, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := n.conn.FlushTimeout(time.Until(deadline)); err != nil {
			return fmt.Errorf("nats flush: %w", err)
		}
	}
	return nil
}

// Type implements Notifier.
func (n *NATSNotifier) Type() string { return "nats" }

// Connected reports whether the connection is currently established.
func (n *NATSNotifier) Connected() bool {
	return n.conn.IsConnected()
}

// Close drains pending messages and closes the connection.
func (n *NATSNotifier) Close() {
	if err := n.conn.Drain(); err != nil {
		n.logger.Debug("nats drain", zap.Error(err))
		n.conn.Close()
	}
}
