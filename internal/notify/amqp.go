package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lntools/paywatch/internal/config"
)

// AMQPSink publishes paid-invoice events to a RabbitMQ topic exchange.
type AMQPSink struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     config.AMQPConfig
}

// NewAMQPSink connects to RabbitMQ and declares the target exchange.
func NewAMQPSink(cfg config.AMQPConfig) (*AMQPSink, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.Printf("AMQP sink initialized: exchange=%s, routing_key=%s", cfg.Exchange, cfg.RoutingKey)

	return &AMQPSink{conn: conn, channel: channel, cfg: cfg}, nil
}

// Deliver implements Sink.
func (s *AMQPSink) Deliver(ctx context.Context, event InvoicePaidEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = s.channel.PublishWithContext(ctx,
		s.cfg.Exchange,   // exchange
		s.cfg.RoutingKey, // routing key
		false,            // mandatory
		false,            // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the RabbitMQ channel and connection.
func (s *AMQPSink) Close() error {
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			log.Printf("Error closing channel: %v", err)
		}
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
