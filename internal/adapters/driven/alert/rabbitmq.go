package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// Ensure Publisher implements the interface.
var _ driven.Alerter = (*Publisher)(nil)

// Config holds RabbitMQ alert settings.
type Config struct {
	URL      string
	Exchange string
	// RoutingPrefix is prepended to the alert kind, e.g. "alerts." + "job_failed"
	RoutingPrefix string
}

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends alerts to a RabbitMQ topic exchange.
type Publisher struct {
	conn          *amqp.Connection
	channel       channel
	exchange      string
	routingPrefix string
	logger        *slog.Logger
}

// NewPublisher dials RabbitMQ and declares the alert exchange.
func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "marketplace.alerts"
	}
	if cfg.RoutingPrefix == "" {
		cfg.RoutingPrefix = "alerts."
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	logger.Info("connected to rabbitmq", "exchange", cfg.Exchange)

	return &Publisher{
		conn:          conn,
		channel:       ch,
		exchange:      cfg.Exchange,
		routingPrefix: cfg.RoutingPrefix,
		logger:        logger,
	}, nil
}

// Alert publishes one persistent JSON message routed by alert kind.
func (p *Publisher) Alert(ctx context.Context, a domain.Alert) error {
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	key := p.routingPrefix + string(a.Kind)
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		key,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    a.OccurredAt,
			Type:         string(a.Kind),
		},
	)
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	p.logger.Debug("published alert", "kind", a.Kind, "routing_key", key, "job_id", a.JobID, "listing_id", a.ListingID)
	return nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
