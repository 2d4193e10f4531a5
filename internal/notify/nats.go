package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"

	"github.com/lntools/paywatch/internal/config"
)

// NATSSink publishes paid-invoice events on a NATS subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to the configured NATS server.
func NewNATSSink(cfg config.NATSConfig) (*NATSSink, error) {
	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Printf("NATS sink initialized: subject=%s", cfg.Subject)
	return &NATSSink{conn: conn, subject: cfg.Subject}, nil
}

// Deliver implements Sink.
func (s *NATSSink) Deliver(_ context.Context, event InvoicePaidEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.conn.Publish(s.subject, body); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
