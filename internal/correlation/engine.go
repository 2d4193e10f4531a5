// Package correlation decides whether a payment for a pending invoice has
// occurred, given a window of recent upstream transactions and optional
// balance snapshots.
//
// The amount+recency and balance-delta strategies are best-effort heuristics:
// two invoices with the same amount created within the recency window are not
// guaranteed to be disambiguated correctly. That is an intrinsic limitation of
// an upstream API without a reliable payment-hash lookup, not a bug. Callers
// that need unambiguous correlation must embed a sequence tag in the invoice
// memo.
package correlation

import (
	"log"
	"sync"
	"time"

	"github.com/lntools/paywatch/internal/config"
	"github.com/lntools/paywatch/internal/domain"
)

// Match is the outcome of a successful correlation pass.
type Match struct {
	InvoiceID     string
	Strategy      domain.Strategy
	Amount        int64     // Observed settlement amount
	TransactionID string    // Empty for balance-delta matches
	PaidAt        time.Time // Settlement time to record on the invoice
}

// Engine evaluates the matching strategies for one invoice at a time, in
// fixed priority order: exact id, sequence tag, amount+recency, balance
// delta. The first success wins; strategies never need to agree.
//
// One transaction id is never allowed to satisfy two different invoices:
// matched ids go into a claimed set (first match wins). Balance-delta matches
// have no transaction id and claim nothing.
type Engine struct {
	cfg config.CorrelationConfig
	now func() time.Time // Injected for tests

	mu      sync.Mutex
	claimed map[string]time.Time // Transaction id → when it was claimed
}

// NewEngine creates an engine with the given tolerances.
func NewEngine(cfg config.CorrelationConfig) *Engine {
	return &Engine{
		cfg:     cfg,
		now:     time.Now,
		claimed: make(map[string]time.Time),
	}
}

// Correlate runs the strategy chain for one invoice. It returns the match and
// true when a payment is detected. A miss is not an error: the invoice simply
// stays unpaid.
func (e *Engine) Correlate(inv domain.PendingInvoice, txs []domain.UpstreamTransaction, prev, curr *domain.BalanceObservation) (Match, bool) {
	if inv.Status != domain.InvoiceStatusUnpaid {
		return Match{}, false
	}

	strategies := []struct {
		name domain.Strategy
		fn   func(domain.PendingInvoice, []domain.UpstreamTransaction) (Match, bool)
	}{
		{domain.StrategyExactID, e.matchExactID},
		{domain.StrategySequenceTag, e.matchSequenceTag},
		{domain.StrategyAmountRecent, e.matchAmountRecency},
	}

	for _, s := range strategies {
		m, ok := s.fn(inv, txs)
		e.logAttempt(inv.ID, s.name, ok)
		if ok {
			return m, true
		}
	}

	m, ok := e.matchBalanceDelta(inv, prev, curr)
	e.logAttempt(inv.ID, domain.StrategyBalanceDelta, ok)
	return m, ok
}

// matchExactID matches a transaction whose id equals the invoice id (the
// upstream payment identifier).
func (e *Engine) matchExactID(inv domain.PendingInvoice, txs []domain.UpstreamTransaction) (Match, bool) {
	for _, tx := range txs {
		if !tx.Settled() || tx.ID != inv.ID {
			continue
		}
		if !e.claim(tx.ID) {
			continue
		}
		return Match{
			InvoiceID:     inv.ID,
			Strategy:      domain.StrategyExactID,
			Amount:        tx.Amount,
			TransactionID: tx.ID,
			PaidAt:        tx.CreatedAt,
		}, true
	}
	return Match{}, false
}

// matchSequenceTag matches a transaction whose memo contains the invoice's
// sequence tag. Tags are generated to be unique per invoice, so a tag hit is
// authoritative regardless of amount or timing.
func (e *Engine) matchSequenceTag(inv domain.PendingInvoice, txs []domain.UpstreamTransaction) (Match, bool) {
	if inv.SequenceTag == "" {
		return Match{}, false
	}
	for _, tx := range txs {
		if !tx.Settled() || !domain.MemoContainsTag(tx.Memo, inv.SequenceTag) {
			continue
		}
		if !e.claim(tx.ID) {
			continue
		}
		return Match{
			InvoiceID:     inv.ID,
			Strategy:      domain.StrategySequenceTag,
			Amount:        tx.Amount,
			TransactionID: tx.ID,
			PaidAt:        tx.CreatedAt,
		}, true
	}
	return Match{}, false
}

// matchAmountRecency matches a settled incoming transaction whose amount is
// within tolerance of the expected amount and whose creation time falls
// inside the recency window.
func (e *Engine) matchAmountRecency(inv domain.PendingInvoice, txs []domain.UpstreamTransaction) (Match, bool) {
	now := e.now()
	for _, tx := range txs {
		if !tx.Settled() {
			continue
		}
		if now.Sub(tx.CreatedAt) > e.cfg.RecencyWindow {
			continue
		}
		if !e.withinAmountTolerance(inv.ExpectedAmount, tx.Amount) {
			continue
		}
		if !e.claim(tx.ID) {
			continue
		}
		return Match{
			InvoiceID:     inv.ID,
			Strategy:      domain.StrategyAmountRecent,
			Amount:        tx.Amount,
			TransactionID: tx.ID,
			PaidAt:        tx.CreatedAt,
		}, true
	}
	return Match{}, false
}

// matchBalanceDelta is the weakest signal, used only for card top-ups that
// carry no other correlation data: a wallet balance increase of approximately
// the expected amount between two observations taken close enough together.
func (e *Engine) matchBalanceDelta(inv domain.PendingInvoice, prev, curr *domain.BalanceObservation) (Match, bool) {
	if inv.CardID == "" || prev == nil || curr == nil {
		return Match{}, false
	}
	if curr.ObservedAt.Sub(prev.ObservedAt) > e.cfg.BalanceWindow {
		return Match{}, false
	}

	delta := curr.Balance - prev.Balance
	if !e.withinBalanceTolerance(inv.ExpectedAmount, delta) {
		return Match{}, false
	}

	return Match{
		InvoiceID: inv.ID,
		Strategy:  domain.StrategyBalanceDelta,
		Amount:    delta,
		PaidAt:    curr.ObservedAt,
	}, true
}

// claim reserves a transaction id for the current invoice. Returns false when
// another invoice already consumed it.
func (e *Engine) claim(txID string) bool {
	if txID == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, taken := e.claimed[txID]; taken {
		return false
	}
	e.claimed[txID] = e.now()
	return true
}

// SweepClaims drops claimed-transaction entries older than maxAge so the set
// stays bounded. The monitor calls this alongside the registry sweep.
func (e *Engine) SweepClaims(now time.Time, maxAge time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, at := range e.claimed {
		if now.Sub(at) > maxAge {
			delete(e.claimed, id)
		}
	}
}

func (e *Engine) logAttempt(invoiceID string, strategy domain.Strategy, matched bool) {
	if matched {
		log.Printf("correlation matched: invoice=%s strategy=%s", invoiceID, strategy)
	}
}
