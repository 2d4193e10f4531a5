package monitor

import (
	"context"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/lntools/paywatch/internal/config"
	"github.com/lntools/paywatch/internal/domain"
	"github.com/lntools/paywatch/internal/wallet"
)

// ConnState is the push transport's lifecycle state.
type ConnState string

const (
	StateDisconnected  ConnState = "DISCONNECTED"
	StateConnecting    ConnState = "CONNECTING"
	StateConnected     ConnState = "CONNECTED"
	StateReconnecting  ConnState = "RECONNECTING"
	StateDisconnecting ConnState = "DISCONNECTING"
	StateFailed        ConnState = "FAILED" // Terminal: retry budget exhausted
)

// StateChange describes one push-transport state transition.
type StateChange struct {
	Previous ConnState
	Current  ConnState
	Reason   string
	Err      error // Underlying error, when the transition was caused by one
}

// PushConn is the connection surface the push manager drives. Satisfied by
// wallet.SubscriptionConn; tests substitute fakes.
type PushConn interface {
	Updates() <-chan wallet.PaymentUpdate
	Subscribe(invoiceID, paymentRequest string) error
	Ping() error
	Err() error
	Close() error
}

// DialFunc opens one push-transport connection, including the protocol
// handshake. The monitor passes its health counters so the connection can
// record traffic.
type DialFunc func(ctx context.Context, health *domain.ConnectionHealth) (PushConn, error)

// pushManager owns the push transport lifecycle: connecting, the receive
// loop, keep-alive pings, and reconnection with exponential backoff.
type pushManager struct {
	monitor   *Monitor
	reconnect config.ReconnectConfig
	dial      DialFunc

	mu        sync.Mutex
	state     ConnState
	listeners []func(StateChange)
}

func newPushManager(m *Monitor, reconnect config.ReconnectConfig, dial DialFunc) *pushManager {
	return &pushManager{
		monitor:   m,
		reconnect: reconnect,
		dial:      dial,
		state:     StateDisconnected,
	}
}

// State returns the current connection state.
func (p *pushManager) State() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *pushManager) onStateChange(fn func(StateChange)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// transition moves to a new state. Transitions to or from Failed are silent;
// every other transition notifies the registered listeners.
func (p *pushManager) transition(next ConnState, reason string, err error) {
	p.mu.Lock()
	prev := p.state
	p.state = next
	listeners := make([]func(StateChange), len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	if prev == next {
		return
	}
	log.Printf("push transport: %s -> %s (%s)", prev, next, reason)

	if prev == StateFailed || next == StateFailed {
		return
	}
	change := StateChange{Previous: prev, Current: next, Reason: reason, Err: err}
	for _, fn := range listeners {
		fn(change)
	}
}

// reconnectDelay computes the backoff before reconnect attempt (0-based):
// delay = min(maxDelay, initial × multiplier^attempt) + random(0, jitter).
func (p *pushManager) reconnectDelay(attempt int) time.Duration {
	d := time.Duration(float64(p.reconnect.InitialDelay) * math.Pow(p.reconnect.Multiplier, float64(attempt)))
	if d > p.reconnect.MaxDelay || d < 0 {
		d = p.reconnect.MaxDelay
	}
	if p.reconnect.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.reconnect.Jitter)))
	}
	return d
}

// run drives the connection lifecycle until ctx is cancelled or the retry
// budget is exhausted. The attempt counter resets to zero on every
// successful connection.
func (p *pushManager) run(ctx context.Context) {
	attempt := 0

	for {
		if ctx.Err() != nil {
			p.transition(StateDisconnected, "monitoring stopped", nil)
			return
		}

		if attempt == 0 {
			p.transition(StateConnecting, "connecting", nil)
		}

		conn, err := p.dial(ctx, p.monitor.health)
		if err != nil {
			p.monitor.health.RecordError()
			if !p.backoff(ctx, attempt, err) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		p.transition(StateConnected, "handshake acknowledged", nil)
		p.syncSubscriptions(conn)

		err = p.serve(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			p.transition(StateDisconnecting, "monitoring stopped", nil)
			p.transition(StateDisconnected, "monitoring stopped", nil)
			return
		}

		// Unintentional loss: enter the reconnect path.
		p.monitor.health.RecordReconnect()
		if !p.backoff(ctx, attempt, err) {
			return
		}
		attempt++
	}
}

// backoff waits before the next reconnect attempt. Returns false when the
// retry budget is exhausted (terminal Failed state) or the wait was
// cancelled.
func (p *pushManager) backoff(ctx context.Context, attempt int, cause error) bool {
	max := p.reconnect.MaxAttempts
	if max > 0 && attempt+1 >= max {
		p.transition(StateFailed, "reconnect attempts exhausted", cause)
		return false
	}

	p.transition(StateReconnecting, "connection lost", cause)

	select {
	case <-time.After(p.reconnectDelay(attempt)):
		return true
	case <-ctx.Done():
		p.transition(StateDisconnected, "monitoring stopped", nil)
		return false
	}
}

// serve consumes updates and runs the keep-alive timer until the connection
// dies or ctx is cancelled. Returns the transport error that ended the
// connection.
func (p *pushManager) serve(ctx context.Context, conn PushConn) error {
	pingTicker := time.NewTicker(p.monitor.cfg.PingInterval)
	defer pingTicker.Stop()

	// Re-check subscriptions on the polling cadence so invoices registered
	// after connect still get a push subscription.
	subTicker := time.NewTicker(p.monitor.cfg.PollInterval)
	defer subTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case update, ok := <-conn.Updates():
			if !ok {
				return conn.Err()
			}
			p.monitor.handlePaymentUpdate(update)

		case <-pingTicker.C:
			if err := conn.Ping(); err != nil {
				return err
			}
			p.checkPongStaleness()

		case <-subTicker.C:
			p.syncSubscriptions(conn)
		}
	}
}

// syncSubscriptions subscribes every pending invoice that carries a payment
// request. Subscribe is idempotent per invoice on one connection.
func (p *pushManager) syncSubscriptions(conn PushConn) {
	for _, inv := range p.monitor.reg.ListPending() {
		if inv.PaymentRequest == "" {
			continue
		}
		if err := conn.Subscribe(inv.ID, inv.PaymentRequest); err != nil {
			log.Printf("push transport: subscribe failed for %s: %v", inv.ID, err)
			return
		}
	}
}

// checkPongStaleness logs a warning when no pong has arrived for too long.
// Staleness alone never forces a reconnect: only an actual transport-level
// error does.
func (p *pushManager) checkPongStaleness() {
	last := p.monitor.health.LastPong()
	if last.IsZero() {
		return
	}
	if silence := p.monitor.clock().Sub(last); silence > p.monitor.cfg.PongStale {
		log.Printf("warning: push transport pong silent for %s, connection may be stale", silence.Round(time.Second))
	}
}
