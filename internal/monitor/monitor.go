// Package monitor drives payment detection over two transports at once: a
// fixed-cadence polling loop and, when configured, a websocket push
// subscription. The polling loop is never disabled, even while the push
// transport is connected: the push transport is best-effort and the
// redundancy is intentional.
package monitor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/lntools/paywatch/internal/config"
	"github.com/lntools/paywatch/internal/correlation"
	"github.com/lntools/paywatch/internal/domain"
	"github.com/lntools/paywatch/internal/notify"
	"github.com/lntools/paywatch/internal/registry"
	"github.com/lntools/paywatch/internal/resilience"
	"github.com/lntools/paywatch/internal/wallet"
)

// Monitor owns the background tasks and the push-transport lifecycle. It is
// started and stopped at most once per instance.
type Monitor struct {
	cfg     config.MonitorConfig
	wallet  wallet.Client
	reg     *registry.Registry
	engine  *correlation.Engine
	fanout  *notify.Fanout
	health  *domain.ConnectionHealth
	push    *pushManager // nil when the push transport is not configured
	clock   func() time.Time

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	prevBalance *domain.BalanceObservation
}

// New creates a monitor. reconnect and dial configure the optional push
// transport; passing a nil dial disables it.
func New(
	cfg config.MonitorConfig,
	reconnect config.ReconnectConfig,
	client wallet.Client,
	reg *registry.Registry,
	engine *correlation.Engine,
	fanout *notify.Fanout,
	dial DialFunc,
) *Monitor {
	m := &Monitor{
		cfg:    cfg,
		wallet: client,
		reg:    reg,
		engine: engine,
		fanout: fanout,
		health: &domain.ConnectionHealth{},
		clock:  time.Now,
	}
	if dial != nil {
		m.push = newPushManager(m, reconnect, dial)
	}
	return m
}

// Health returns the push transport's connection counters.
func (m *Monitor) Health() *domain.ConnectionHealth {
	return m.health
}

// PushState returns the push transport's current state, or Disconnected when
// no push transport is configured.
func (m *Monitor) PushState() ConnState {
	if m.push == nil {
		return StateDisconnected
	}
	return m.push.State()
}

// OnStateChange registers a listener for push connection state transitions.
func (m *Monitor) OnStateChange(fn func(StateChange)) {
	if m.push != nil {
		m.push.onStateChange(fn)
	}
}

// Start launches the polling loop and, if configured, the push transport.
// Calling Start on a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pollLoop(ctx)
	}()

	if m.push != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.push.run(ctx)
		}()
	}
	log.Printf("monitor started: poll_interval=%s push=%t", m.cfg.PollInterval, m.push != nil)
}

// Stop cancels all background tasks and waits for them to finish. Every
// blocking wait inside the monitor observes the cancellation signal, so Stop
// returns promptly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	log.Println("monitor stopped")
}

// pollLoop runs one correlation cycle per tick until cancelled.
func (m *Monitor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// RunCycle performs one polling cycle: sweep aged invoices, fetch the pending
// set and a bounded transaction window, and run the correlation engine for
// each still-unpaid invoice. Exported so the service facade can drive
// on-demand passes with the same semantics.
func (m *Monitor) RunCycle(ctx context.Context) {
	now := m.clock()
	if removed := m.reg.Sweep(now); removed > 0 {
		log.Printf("swept %d aged invoices", removed)
	}
	m.engine.SweepClaims(now, m.cfg.Retention)

	pending := m.reg.ListPending()
	if len(pending) == 0 {
		return
	}

	txs, err := m.wallet.RecentTransactions(ctx, m.cfg.TxWindow)
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			log.Printf("polling: transaction fetch failed: %v", err)
		}
		return
	}

	prev, curr := m.observeBalance(ctx, pending)

	for _, inv := range pending {
		match, ok := m.engine.Correlate(inv, txs, prev, curr)
		if !ok {
			continue
		}
		m.settle(match)
	}
}

// observeBalance queries the wallet balance when at least one pending invoice
// needs the balance-delta strategy (card top-ups), returning the previous and
// current observations.
func (m *Monitor) observeBalance(ctx context.Context, pending []domain.PendingInvoice) (prev, curr *domain.BalanceObservation) {
	needed := false
	for _, inv := range pending {
		if inv.CardID != "" {
			needed = true
			break
		}
	}
	if !needed {
		return nil, nil
	}

	balance, err := m.wallet.Balance(ctx)
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			log.Printf("polling: balance fetch failed: %v", err)
		}
		m.mu.Lock()
		prev = m.prevBalance
		m.mu.Unlock()
		return prev, nil
	}

	observation := &domain.BalanceObservation{Balance: balance, ObservedAt: m.clock()}
	m.mu.Lock()
	prev = m.prevBalance
	m.prevBalance = observation
	m.mu.Unlock()
	return prev, observation
}

// settle transitions a matched invoice to paid and emits exactly one
// notification. The registry's idempotent MarkPaid makes this safe against a
// concurrent settle from the push path.
func (m *Monitor) settle(match correlation.Match) {
	inv, transitioned, err := m.reg.MarkPaid(match.InvoiceID, match.Amount, match.PaidAt)
	if err != nil {
		log.Printf("failed to mark %s paid: %v", match.InvoiceID, err)
		return
	}
	if !transitioned {
		return
	}
	log.Printf("invoice paid: id=%s amount=%d strategy=%s", inv.ID, inv.PaidAmount, match.Strategy)
	m.fanout.Publish(inv)
}

// handlePaymentUpdate settles an invoice reported paid over the push
// transport. The subscription is keyed by invoice id, so this is an exact
// identifier signal.
func (m *Monitor) handlePaymentUpdate(update wallet.PaymentUpdate) {
	if update.Status != "PAID" {
		return
	}

	inv, err := m.reg.Get(update.InvoiceID)
	if err != nil {
		log.Printf("push update for unknown invoice %s", update.InvoiceID)
		return
	}

	m.settle(correlation.Match{
		InvoiceID: inv.ID,
		Strategy:  domain.StrategyExactID,
		Amount:    inv.ExpectedAmount,
		PaidAt:    m.clock(),
	})
}
