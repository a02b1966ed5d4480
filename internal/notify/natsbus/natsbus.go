// Package natsbus carries balance updates between instances over NATS core pub/sub.
package natsbus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/notify"
)

// DefaultSubject is the subject every instance publishes and listens on.
const DefaultSubject = "credit.balance.updated"

// Bus implements notify.Bus on a NATS connection.
type Bus struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// Connect dials NATS.
func Connect(url string, subject string, logger *zap.Logger) (*Bus, error) {
	conn, err := nats.Connect(url, nats.Name("creditd"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("natsbus.connect: %w", err)
	}
	return New(conn, subject, logger), nil
}

// New wraps an open connection. A nil logger discards warnings.
func New(conn *nats.Conn, subject string, logger *zap.Logger) *Bus {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{conn: conn, subject: subject, logger: logger.Named("natsbus")}
}

func (bus *Bus) Publish(_ context.Context, envelope notify.Envelope) error {
	payload, err := notify.EncodeEnvelope(envelope)
	if err != nil {
		return err
	}
	if err := bus.conn.Publish(bus.subject, payload); err != nil {
		return fmt.Errorf("natsbus.publish: %w", err)
	}
	return nil
}

func (bus *Bus) Listen(ctx context.Context, handler func(notify.Envelope)) error {
	subscription, err := bus.conn.Subscribe(bus.subject, func(message *nats.Msg) {
		bus.dispatch(message.Data, handler)
	})
	if err != nil {
		return fmt.Errorf("natsbus.subscribe: %w", err)
	}
	<-ctx.Done()
	if err := subscription.Unsubscribe(); err != nil && bus.conn.IsConnected() {
		return fmt.Errorf("natsbus.unsubscribe: %w", err)
	}
	return ctx.Err()
}

func (bus *Bus) dispatch(payload []byte, handler func(notify.Envelope)) {
	envelope, err := notify.DecodeEnvelope(payload)
	if err != nil {
		bus.logger.Warn("dropping undecodable balance envelope", zap.String("subject", bus.subject), zap.Error(err))
		return
	}
	handler(envelope)
}

func (bus *Bus) Close() error {
	if err := bus.conn.Drain(); err != nil {
		bus.conn.Close()
	}
	return nil
}
