package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn the NATS notifier needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes each notification as JSON on <prefix>.<userID>.
type NATSNotifier struct {
	pub    Publisher
	prefix string
}

// NewNATSNotifier wraps an existing publisher. An empty prefix means "tasktrack.notify".
func NewNATSNotifier(pub Publisher, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = "tasktrack.notify"
	}
	return &NATSNotifier{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// DialNATS connects to url with reconnects enabled.
func DialNATS(url, clientName string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject a notification for userID is published on.
func (n *NATSNotifier) Subject(userID string) string {
	return n.prefix + "." + subjectToken(userID)
}

// Notify marshals the notification and publishes it.
func (n *NATSNotifier) Notify(_ context.Context, msg Notification) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	subject := n.Subject(msg.UserID)
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// subjectToken makes an opaque user id safe to use as one subject token.
func subjectToken(id string) string {
	if id == "" {
		return "_all"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, id)
}
