// Package mqtt implements a Notifier that publishes each notification as a
// JSON document to an MQTT broker.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/shineum/mailvault/internal/email"
)

// Config describes the broker and where notifications are published.
type Config struct {
	Broker   string
	Username string
	Password string
	ClientID string
	// TopicPrefix is joined with the destination address, e.g.
	// "mailvault/notify/a@example.com".
	TopicPrefix string
	QoS         byte
	// ConnectTimeout bounds the wait for the first connection.
	ConnectTimeout time.Duration
}

type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Payload is the JSON document published per notification.
type Payload struct {
	Destination string    `json:"destination"`
	From        string    `json:"from"`
	Subject     string    `json:"subject"`
	Preview     string    `json:"preview"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sent_at"`
}

// Notifier publishes notifications over a managed connection.
type Notifier struct {
	cfg Config
	pub publisher
	cm  *autopaho.ConnectionManager
	now func() time.Time
}

// Connect dials the broker and waits up to cfg.ConnectTimeout for the first
// connection. The connection manager keeps reconnecting in the background
// until Close.
func Connect(ctx context.Context, cfg Config) (*Notifier, error) {
	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "mailvault"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			slog.Info("mqtt connected to broker", "broker", brokerURL.Redacted())
		},
		OnConnectError: func(err error) {
			slog.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		slog.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	n := newNotifier(cfg, cm)
	n.cm = cm
	return n, nil
}

func newNotifier(cfg Config, pub publisher) *Notifier {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "mailvault/notify"
	}
	return &Notifier{cfg: cfg, pub: pub, now: time.Now}
}

// Close disconnects from the broker.
func (n *Notifier) Close(ctx context.Context) error {
	if n.cm == nil {
		return nil
	}
	return n.cm.Disconnect(ctx)
}

// Name returns the channel name.
func (n *Notifier) Name() string {
	return "mqtt"
}

// Notify publishes one message. It does not queue while the broker is
// unreachable; the publish error is returned instead.
func (n *Notifier) Notify(ctx context.Context, msg *email.Notification) error {
	payload, err := json.Marshal(Payload{
		Destination: msg.Destination,
		From:        msg.From,
		Subject:     msg.Subject,
		Preview:     msg.Preview,
		Text:        msg.Text,
		SentAt:      n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}

	topic := n.topic(msg.Destination)
	if _, err := n.pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     n.cfg.QoS,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// topic strips the MQTT wildcard and separator characters from the
// destination so an address can never widen or split the topic.
func (n *Notifier) topic(destination string) string {
	clean := strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(destination)
	if clean == "" {
		clean = "unknown"
	}
	return strings.TrimRight(n.cfg.TopicPrefix, "/") + "/" + clean
}
