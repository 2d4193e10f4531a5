// Package registry is the single source of truth for invoices awaiting
// payment. All mutations are sequenced under one mutex so a caller never
// observes a torn record (PAID with no PaidAt, or the reverse).
package registry

import (
	"sync"
	"time"

	"github.com/lntools/paywatch/internal/domain"
)

// Registry is an in-memory store of pending invoices keyed by identifier.
// It is constructed once and injected wherever invoice state is needed;
// there is deliberately no package-level instance.
type Registry struct {
	mu        sync.Mutex
	invoices  map[string]*domain.PendingInvoice
	retention time.Duration
}

// New creates an empty registry. Invoices older than retention are removed
// by Sweep regardless of status.
func New(retention time.Duration) *Registry {
	return &Registry{
		invoices:  make(map[string]*domain.PendingInvoice),
		retention: retention,
	}
}

// Register inserts a new pending invoice. Re-registering an id with the same
// expected amount is an idempotent no-op; a different amount is rejected with
// domain.ErrDuplicateInvoice.
func (r *Registry) Register(inv domain.PendingInvoice) error {
	if inv.ExpectedAmount <= 0 {
		return domain.ErrInvalidAmount
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.invoices[inv.ID]; ok {
		if existing.ExpectedAmount == inv.ExpectedAmount {
			return nil
		}
		return domain.ErrDuplicateInvoice
	}

	if inv.Status == "" {
		inv.Status = domain.InvoiceStatusUnpaid
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}

	stored := inv
	r.invoices[inv.ID] = &stored
	return nil
}

// Get returns a copy of the invoice with the given id.
func (r *Registry) Get(id string) (domain.PendingInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invoices[id]
	if !ok {
		return domain.PendingInvoice{}, domain.ErrInvoiceNotFound
	}
	return *inv, nil
}

// MarkPaid transitions an invoice from unpaid to paid exactly once. The
// returned bool reports whether this call performed the transition; a second
// call for an already-paid invoice returns the existing record and false.
// Idempotence is required because the polling path and the push path may fire
// concurrently for the same invoice.
func (r *Registry) MarkPaid(id string, actualAmount int64, paidAt time.Time) (domain.PendingInvoice, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invoices[id]
	if !ok {
		return domain.PendingInvoice{}, false, domain.ErrInvoiceNotFound
	}

	if inv.Status == domain.InvoiceStatusPaid {
		return *inv, false, nil
	}

	at := paidAt.UTC()
	inv.Status = domain.InvoiceStatusPaid
	inv.PaidAt = &at
	inv.PaidAmount = actualAmount
	return *inv, true, nil
}

// AttachCard records the card an invoice belongs to when the registration did
// not carry one. A card already on the record wins; attaching to an unknown
// invoice is an error.
func (r *Registry) AttachCard(id, cardID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invoices[id]
	if !ok {
		return domain.ErrInvoiceNotFound
	}
	if inv.CardID == "" {
		inv.CardID = cardID
	}
	return nil
}

// ListPending returns copies of all invoices still awaiting payment.
func (r *Registry) ListPending() []domain.PendingInvoice {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.PendingInvoice, 0, len(r.invoices))
	for _, inv := range r.invoices {
		if inv.Status == domain.InvoiceStatusUnpaid {
			out = append(out, *inv)
		}
	}
	return out
}

// Snapshot returns a copy of every invoice keyed by id, regardless of status.
func (r *Registry) Snapshot() map[string]domain.PendingInvoice {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]domain.PendingInvoice, len(r.invoices))
	for id, inv := range r.invoices {
		out[id] = *inv
	}
	return out
}

// Sweep removes every invoice, paid or unpaid, older than the retention
// window. It returns the number of records removed. Runs on every monitor
// cycle.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, inv := range r.invoices {
		if now.Sub(inv.CreatedAt) > r.retention {
			delete(r.invoices, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of invoices currently held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.invoices)
}
