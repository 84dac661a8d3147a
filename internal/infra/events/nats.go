// Package events publishes ledger events to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("events")

// Publisher implements port.EventPublisher on a NATS connection.
type Publisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// Connect dials the NATS server at url.
func Connect(url string, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("finvoice"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	logger.Info("connected to nats", zap.String("url", nc.ConnectedUrl()))
	return &Publisher{nc: nc, logger: logger}, nil
}

// Publish sends payload as JSON on subject. The trace context travels in
// the message headers.
func (p *Publisher) Publish(ctx context.Context, subject string, payload any) error {
	ctx, span := tracer.Start(ctx, "NATS.Publish")
	defer span.End()
	span.SetAttributes(attribute.String("messaging.destination", subject))

	msg, err := newMessage(ctx, subject, payload)
	if err != nil {
		return err
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing %s: %w", subject, err)
	}
	return nil
}

// Ping reports whether the connection is up.
func (p *Publisher) Ping(context.Context) error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats status %s", p.nc.Status())
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}

func newMessage(ctx context.Context, subject string, payload any) (*nats.Msg, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))
	return msg, nil
}

// Noop drops every event. It is used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, any) error { return nil }
func (Noop) Close() error                                { return nil }
