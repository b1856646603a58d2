package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	conn     *Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// SnapshotEvent is published after every successful usage refresh
type SnapshotEvent struct {
	RequestID   string          `json:"request_id"`
	UserCode    string          `json:"user_code"`
	GeneratedAt string          `json:"generated_at"`
	Balance     float64         `json:"balance"`
	DebtAmount  float64         `json:"debt_amount"`
	Snapshot    json.RawMessage `json:"snapshot"`
}

// CredentialAlertEvent is published when a refresh fails on authentication
// and operator action (a new login) is needed
type CredentialAlertEvent struct {
	RequestID string `json:"request_id"`
	UserCode  string `json:"user_code"`
	State     string `json:"state"`
	Reason    string `json:"reason"`
}

// PublishSnapshot publishes a usage snapshot event
func (p *Publisher) PublishSnapshot(ctx context.Context, event SnapshotEvent, routingKey string) error {
	if err := p.publish(ctx, event, routingKey); err != nil {
		return err
	}
	p.logger.Debug("published snapshot event",
		zap.String("routing_key", routingKey),
		zap.String("user_code", event.UserCode),
	)
	return nil
}

// PublishCredentialAlert publishes a credential alert event
func (p *Publisher) PublishCredentialAlert(ctx context.Context, event CredentialAlertEvent, routingKey string) error {
	if err := p.publish(ctx, event, routingKey); err != nil {
		return err
	}
	p.logger.Warn("published credential alert",
		zap.String("routing_key", routingKey),
		zap.String("user_code", event.UserCode),
		zap.String("state", event.State),
	)
	return nil
}

func (p *Publisher) publish(ctx context.Context, event any, routingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
