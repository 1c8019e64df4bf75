// Package notify emits expiry events so the host can bounce expired messages to their senders.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/and161185/offline-keeper/internal/model"
)

// Notifier receives messages removed at their expiry.
type Notifier interface {
	Expired(ctx context.Context, e model.ExpiryEntry) error
}

// ExpiredEvent is the published JSON body.
type ExpiredEvent struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Payload   []byte    `json:"payload"`
	ExpiresAt time.Time `json:"expires_at"`
	RemovedAt time.Time `json:"removed_at"`
}

// Publisher is the subset of *nats.Conn used for publishing.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes one ExpiredEvent per expired message.
type NATS struct {
	pub     Publisher
	subject string
	now     func() time.Time
}

// NewNATS constructs a NATS notifier.
func NewNATS(pub Publisher, subject string) *NATS {
	return &NATS{pub: pub, subject: subject, now: time.Now}
}

// Expired publishes the event.
func (n *NATS) Expired(ctx context.Context, e model.ExpiryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(ExpiredEvent{
		ID:        e.ID.String(),
		From:      e.Sender,
		To:        e.Recipient,
		Payload:   e.Payload,
		ExpiresAt: e.ExpiresAt.UTC(),
		RemovedAt: n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal expired event: %w", err)
	}
	if err := n.pub.Publish(n.subject, body); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	return nil
}

// Connect dials NATS with reconnect logging.
func Connect(url, name string, log *zap.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
}

// Log writes expiry events to the logger. Used when no broker is configured.
type Log struct {
	log *zap.Logger
}

// NewLog constructs a log notifier.
func NewLog(l *zap.Logger) *Log {
	if l == nil {
		l = zap.NewNop()
	}
	return &Log{log: l}
}

// Expired logs the event.
func (l *Log) Expired(_ context.Context, e model.ExpiryEntry) error {
	l.log.Info("message expired",
		zap.String("id", e.ID.String()),
		zap.String("from", e.Sender),
		zap.String("to", e.Recipient),
		zap.Time("expires_at", e.ExpiresAt),
	)
	return nil
}
