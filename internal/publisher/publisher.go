// Package publisher delivers canonical event envelopes to NATS JetStream.
// Notification delivery is best effort: negotiation and settlement never
// block on the bus.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/obscura-trade/obscura-core/internal/metrics"
	"github.com/obscura-trade/obscura-core/pkg/model"
)

// Publisher wraps a NATS connection with JetStream enabled.
type Publisher struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	prefix  string
	service string
	logger  *zap.Logger
}

// New creates a Publisher. prefix scopes every subject, e.g. "evt.obscura".
func New(nc *nats.Conn, prefix, service string, logger *zap.Logger) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("enabling jetstream: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, js: js, prefix: prefix, service: service, logger: logger}, nil
}

// subject builds "<prefix>.<topic>.<event_type>.v<version>".
func (p *Publisher) subject(env *model.Envelope) string {
	return fmt.Sprintf("%s.%s.%s.v%s", p.prefix, env.Topic, env.EventType, env.Version)
}

// PublishEnvelope serializes and publishes one canonical envelope.
func (p *Publisher) PublishEnvelope(ctx context.Context, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	subject := p.subject(env)
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{p.service},
			"content_type":   []string{"application/json"},
		},
	}
	if env.StealthAddr != "" {
		msg.Header.Set("stealth_addr", env.StealthAddr)
	}

	if _, err := p.js.PublishMsg(msg); err != nil {
		metrics.NATSPublishErrors.WithLabelValues(subject).Inc()
		p.logger.Error("publisher.publish_failed",
			zap.String("subject", subject),
			zap.String("event_type", env.EventType),
			zap.Error(err),
		)
		return err
	}

	p.logger.Debug("publisher.publish_success",
		zap.String("subject", subject),
		zap.String("event_type", env.EventType),
	)
	return nil
}

// Notify implements the services' Notifier contract: best-effort delivery,
// errors are logged and swallowed.
func (p *Publisher) Notify(ctx context.Context, env model.Envelope) {
	if err := p.PublishEnvelope(ctx, &env); err != nil {
		p.logger.Warn("publisher.notify_dropped",
			zap.String("topic", env.Topic),
			zap.String("event_type", env.EventType),
			zap.Error(err),
		)
	}
}

// Close drains the underlying connection.
func (p *Publisher) Close() {
	if p.nc != nil && !p.nc.IsClosed() {
		_ = p.nc.Drain()
	}
}
