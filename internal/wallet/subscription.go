package wallet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/lntools/paywatch/internal/domain"
)

// graphql-transport-ws frame types. The protocol requires an init/ack
// handshake before any subscription traffic.
const (
	frameConnectionInit = "connection_init"
	frameConnectionAck  = "connection_ack"
	frameSubscribe      = "subscribe"
	frameNext           = "next"
	frameError          = "error"
	frameComplete       = "complete"
	framePing           = "ping"
	framePong           = "pong"
)

// ErrHandshakeTimeout is returned when the upstream does not acknowledge the
// connection init within the configured timeout. Treated exactly like a
// network-level connection failure by the monitor.
var ErrHandshakeTimeout = errors.New("push transport: no connection ack before timeout")

// wsFrame is the wire shape of one graphql-ws message.
type wsFrame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const subscriptionQuery = `subscription lnInvoicePaymentStatus($input: LnInvoicePaymentStatusInput!) {
  lnInvoicePaymentStatus(input: $input) { status }
}`

// paymentStatusEnvelope is the data payload of a "next" frame.
type paymentStatusEnvelope struct {
	Data struct {
		LnInvoicePaymentStatus struct {
			Status string `json:"status"`
		} `json:"lnInvoicePaymentStatus"`
	} `json:"data"`
}

// SubscriptionConn is one live push-transport connection. The monitor owns
// its lifecycle: a failed connection is discarded and a fresh one dialed on
// the reconnect path, never reused.
//
// All outbound frames are serialized through a single mutex because
// subscribe, ping, pong and unsubscribe may want to send concurrently and
// the underlying websocket permits only one writer.
type SubscriptionConn struct {
	conn    *websocket.Conn
	health  *domain.ConnectionHealth
	writeMu sync.Mutex

	updates chan PaymentUpdate
	done    chan struct{}
	errOnce sync.Once
	err     error

	// paymentRequests maps subscription id (the invoice id) to the BOLT11
	// request the upstream keys its subscription on.
	subMu sync.Mutex
	subs  map[string]struct{}
}

// DialSubscription opens a websocket to the wallet's subscription endpoint
// and performs the connection-init/ack handshake. A missing ack within
// ackTimeout fails the dial.
func DialSubscription(ctx context.Context, wsURL, apiKey string, ackTimeout time.Duration, health *domain.ConnectionHealth) (*SubscriptionConn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{"graphql-transport-ws"},
		HandshakeTimeout: ackTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, httpError(resp.StatusCode, "websocket dial rejected")
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	s := &SubscriptionConn{
		conn:    conn,
		health:  health,
		updates: make(chan PaymentUpdate, 16),
		done:    make(chan struct{}),
		subs:    make(map[string]struct{}),
	}

	initPayload, _ := json.Marshal(map[string]string{"X-API-KEY": apiKey})
	if err := s.send(wsFrame{Type: frameConnectionInit, Payload: initPayload}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connection init: %w", err)
	}

	// The ack must arrive before anything else is usable.
	conn.SetReadDeadline(time.Now().Add(ackTimeout))
	var ack wsFrame
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrHandshakeTimeout
		}
		return nil, fmt.Errorf("connection ack read: %w", err)
	}
	if ack.Type != frameConnectionAck {
		conn.Close()
		return nil, fmt.Errorf("push transport: expected %s, got %s", frameConnectionAck, ack.Type)
	}
	conn.SetReadDeadline(time.Time{})
	health.RecordConnect()

	go s.readLoop()
	return s, nil
}

// Updates returns the channel of per-invoice status updates. The channel is
// closed when the connection dies; Err then reports why.
func (s *SubscriptionConn) Updates() <-chan PaymentUpdate {
	return s.updates
}

// Err returns the terminal error after Updates has been closed.
func (s *SubscriptionConn) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Subscribe registers for status updates on one invoice. The subscription id
// is the invoice id so update frames can be routed back without bookkeeping.
func (s *SubscriptionConn) Subscribe(invoiceID, paymentRequest string) error {
	payload, _ := json.Marshal(map[string]any{
		"query": subscriptionQuery,
		"variables": map[string]any{
			"input": map[string]string{"paymentRequest": paymentRequest},
		},
	})

	s.subMu.Lock()
	if _, exists := s.subs[invoiceID]; exists {
		s.subMu.Unlock()
		return nil
	}
	s.subs[invoiceID] = struct{}{}
	s.subMu.Unlock()

	return s.send(wsFrame{ID: invoiceID, Type: frameSubscribe, Payload: payload})
}

// Ping sends a keep-alive ping frame.
func (s *SubscriptionConn) Ping() error {
	return s.send(wsFrame{Type: framePing})
}

// Close tears the connection down. Safe to call more than once.
func (s *SubscriptionConn) Close() error {
	s.fail(errors.New("closed"))
	return s.conn.Close()
}

// send serializes one outbound frame.
func (s *SubscriptionConn) send(frame wsFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("push transport write: %w", err)
	}
	s.health.RecordSent()
	return nil
}

// readLoop delivers inbound frames until the connection dies. Protocol
// errors terminate this connection only; the monitor's reconnect path decides
// what happens next.
func (s *SubscriptionConn) readLoop() {
	defer close(s.updates)
	for {
		var frame wsFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			s.health.RecordError()
			s.fail(err)
			return
		}
		s.health.RecordReceived()

		switch frame.Type {
		case frameNext:
			var env paymentStatusEnvelope
			if err := json.Unmarshal(frame.Payload, &env); err != nil {
				log.Printf("push transport: undecodable next frame for %s: %v", frame.ID, err)
				continue
			}
			update := PaymentUpdate{
				InvoiceID: frame.ID,
				Status:    env.Data.LnInvoicePaymentStatus.Status,
			}
			// The consumer may already be gone with a full buffer; a closed
			// connection must still let this goroutine exit.
			select {
			case s.updates <- update:
			case <-s.done:
				return
			}

		case framePong:
			s.health.RecordPong(time.Now())

		case framePing:
			if err := s.send(wsFrame{Type: framePong}); err != nil {
				s.fail(err)
				return
			}

		case frameComplete:
			s.subMu.Lock()
			delete(s.subs, frame.ID)
			s.subMu.Unlock()

		case frameError:
			// A per-subscription error is not fatal to the connection.
			log.Printf("push transport: subscription error for %s: %s", frame.ID, string(frame.Payload))
			s.subMu.Lock()
			delete(s.subs, frame.ID)
			s.subMu.Unlock()

		default:
			s.fail(fmt.Errorf("push transport: unexpected frame type %q", frame.Type))
			return
		}
	}
}

// fail records the terminal error once.
func (s *SubscriptionConn) fail(err error) {
	s.errOnce.Do(func() {
		s.err = err
		close(s.done)
		s.conn.Close()
	})
}
