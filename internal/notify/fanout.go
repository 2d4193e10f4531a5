// Package notify delivers "invoice paid" events to whoever is waiting for
// them: in-process subscribers, and optionally external broker sinks.
//
// Delivery uses an explicit subscription registry rather than a single
// process-wide listener channel, so it does not depend on exactly one
// consumer having been registered somewhere else in the process.
package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lntools/paywatch/internal/domain"
)

// InvoicePaidEvent is the payload delivered to broker sinks.
type InvoicePaidEvent struct {
	EventID   string    `json:"event_id"`
	InvoiceID string    `json:"invoice_id"`
	Amount    int64     `json:"amount"`
	CardID    string    `json:"card_id,omitempty"`
	PaidAt    time.Time `json:"paid_at"`
}

// Sink receives paid-invoice events on an external transport. Sink failures
// are logged and never propagate to the correlation path.
type Sink interface {
	Deliver(ctx context.Context, event InvoicePaidEvent) error
	Close() error
}

// subscriberBuffer is the per-subscriber channel capacity. Buffered so that
// a consumer cancelling one wait does not lose events published in between.
const subscriberBuffer = 32

// Subscriber is one registered consumer of paid invoices.
type Subscriber struct {
	ch     chan domain.PendingInvoice
	fanout *Fanout
}

// Next blocks until a paid invoice is available or ctx is cancelled.
// Cancellation leaves already-buffered events intact: a caller that retries
// the wait receives them in order.
func (s *Subscriber) Next(ctx context.Context) (domain.PendingInvoice, error) {
	select {
	case inv := <-s.ch:
		return inv, nil
	case <-ctx.Done():
		return domain.PendingInvoice{}, ctx.Err()
	}
}

// Fanout distributes paid-invoice events to all registered subscribers and
// sinks.
type Fanout struct {
	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
	sinks       []Sink
}

// NewFanout creates an empty fan-out.
func NewFanout() *Fanout {
	return &Fanout{subscribers: make(map[*Subscriber]struct{})}
}

// AttachSink adds an external delivery target.
func (f *Fanout) AttachSink(sink Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, sink)
}

// Subscribe registers a new consumer. The caller must Unsubscribe when done.
func (f *Fanout) Subscribe() *Subscriber {
	sub := &Subscriber{
		ch:     make(chan domain.PendingInvoice, subscriberBuffer),
		fanout: f,
	}
	f.mu.Lock()
	f.subscribers[sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

// Unsubscribe removes a consumer from the registry.
func (f *Fanout) Unsubscribe(sub *Subscriber) {
	f.mu.Lock()
	delete(f.subscribers, sub)
	f.mu.Unlock()
}

// Publish delivers a paid invoice to every subscriber and sink. Delivery to
// subscribers is non-blocking: a consumer with a full buffer misses the event
// (logged) rather than stalling the correlation path.
func (f *Fanout) Publish(inv domain.PendingInvoice) {
	f.mu.Lock()
	subs := make([]*Subscriber, 0, len(f.subscribers))
	for sub := range f.subscribers {
		subs = append(subs, sub)
	}
	sinks := make([]Sink, len(f.sinks))
	copy(sinks, f.sinks)
	f.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- inv:
		default:
			log.Printf("notify: dropping paid event for %s, subscriber buffer full", inv.ID)
		}
	}

	if len(sinks) == 0 {
		return
	}

	event := InvoicePaidEvent{
		EventID:   uuid.NewString(),
		InvoiceID: inv.ID,
		Amount:    inv.PaidAmount,
		CardID:    inv.CardID,
	}
	if inv.PaidAt != nil {
		event.PaidAt = *inv.PaidAt
	}

	for _, sink := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sink.Deliver(ctx, event); err != nil {
			log.Printf("notify: sink delivery failed for %s: %v", inv.ID, err)
		}
		cancel()
	}
}

// Close closes every attached sink.
func (f *Fanout) Close() {
	f.mu.Lock()
	sinks := f.sinks
	f.sinks = nil
	f.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.Close(); err != nil {
			log.Printf("notify: error closing sink: %v", err)
		}
	}
}
