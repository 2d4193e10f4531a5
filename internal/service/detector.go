// Package service exposes the payment-detection facade the rest of the
// plugin consumes: invoice registration, paid-invoice waits, and monitoring
// lifecycle control.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lntools/paywatch/internal/config"
	"github.com/lntools/paywatch/internal/domain"
	"github.com/lntools/paywatch/internal/monitor"
	"github.com/lntools/paywatch/internal/notify"
	"github.com/lntools/paywatch/internal/registry"
	"github.com/lntools/paywatch/internal/wallet"
)

// Detector is the process-scoped payment detection service. It is
// constructed once at composition time and injected wherever payment state is
// needed; there is no package-level instance.
type Detector struct {
	cfg     config.MonitorConfig
	wallet  wallet.Client
	reg     *registry.Registry
	monitor *monitor.Monitor
	fanout  *notify.Fanout

	// waiter is the facade's own long-lived subscriber, registered at
	// construction so paid events published between waits stay buffered for
	// the next WaitForNextPaidInvoice call.
	waiter *notify.Subscriber
}

// NewDetector wires the facade over its collaborators.
func NewDetector(
	cfg config.MonitorConfig,
	client wallet.Client,
	reg *registry.Registry,
	mon *monitor.Monitor,
	fanout *notify.Fanout,
) *Detector {
	return &Detector{
		cfg:     cfg,
		wallet:  client,
		reg:     reg,
		monitor: mon,
		fanout:  fanout,
		waiter:  fanout.Subscribe(),
	}
}

// RegisterPendingInvoice stores an externally created invoice for payment
// detection. Registration conflicts (same id, different amount) are rejected
// synchronously.
func (d *Detector) RegisterPendingInvoice(inv domain.PendingInvoice) error {
	if err := d.reg.Register(inv); err != nil {
		return err
	}
	log.Printf("registered invoice: id=%s amount=%d card=%s", inv.ID, inv.ExpectedAmount, inv.CardID)
	return nil
}

// CreateInvoice creates an invoice on the upstream wallet, embeds a sequence
// tag in the memo for unambiguous correlation, and registers the result.
// cardID is set for proximity-card top-ups and selects the balance-delta
// fallback strategy.
func (d *Detector) CreateInvoice(ctx context.Context, amount int64, memo, cardID string) (domain.PendingInvoice, error) {
	if amount <= 0 {
		return domain.PendingInvoice{}, domain.ErrInvalidAmount
	}

	tag := domain.NewSequenceTag()
	taggedMemo := tag
	if memo != "" {
		taggedMemo = strings.TrimSpace(memo) + " " + tag
	}

	created, err := d.wallet.CreateInvoice(ctx, amount, taggedMemo)
	if err != nil {
		return domain.PendingInvoice{}, fmt.Errorf("failed to create upstream invoice: %w", err)
	}

	inv := domain.NewPendingInvoice(created.PaymentHash, amount)
	inv.PaymentRequest = created.PaymentRequest
	inv.SequenceTag = tag
	inv.CardID = cardID

	if err := d.reg.Register(inv); err != nil {
		return domain.PendingInvoice{}, err
	}
	log.Printf("created invoice: id=%s amount=%d tag=%s", inv.ID, amount, tag)
	return inv, nil
}

// WaitForNextPaidInvoice suspends until a paid invoice is available or ctx
// is cancelled. Waits drain the facade's persistent subscriber, so events
// published while no wait is in flight stay buffered and a retrying caller
// receives them in order. Concurrent waiters each receive distinct invoices.
func (d *Detector) WaitForNextPaidInvoice(ctx context.Context) (domain.PendingInvoice, error) {
	return d.waiter.Next(ctx)
}

// Subscribe registers a long-lived paid-invoice consumer. Callers that wait
// repeatedly should prefer this over WaitForNextPaidInvoice so buffered
// events persist across their waits.
func (d *Detector) Subscribe() *notify.Subscriber {
	return d.fanout.Subscribe()
}

// Unsubscribe releases a consumer obtained from Subscribe.
func (d *Detector) Unsubscribe(sub *notify.Subscriber) {
	d.fanout.Unsubscribe(sub)
}

// MarkInvoiceAsPaid settles an invoice directly, bypassing correlation. Used
// by payment-send paths that already know the outcome. Exactly one
// notification is emitted per invoice transition regardless of how many
// paths report it.
func (d *Detector) MarkInvoiceAsPaid(id string, amount int64, cardID string) error {
	// Attach the card before the transition so both the stored record and the
	// published event carry it.
	if cardID != "" {
		if err := d.reg.AttachCard(id, cardID); err != nil {
			return err
		}
	}

	inv, transitioned, err := d.reg.MarkPaid(id, amount, time.Now().UTC())
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}
	log.Printf("invoice paid: id=%s amount=%d strategy=%s", inv.ID, amount, domain.StrategyDirect)
	d.fanout.Publish(inv)
	return nil
}

// AwaitPayment runs on-demand correlation passes for one invoice until it is
// paid or the attempt budget is exhausted. Exhaustion is not an error: the
// invoice simply stays unpaid and the second return value is false.
func (d *Detector) AwaitPayment(ctx context.Context, id string) (domain.PendingInvoice, bool, error) {
	for attempt := 0; attempt < d.cfg.AwaitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.cfg.AwaitInterval):
			case <-ctx.Done():
				return domain.PendingInvoice{}, false, ctx.Err()
			}
		}

		d.monitor.RunCycle(ctx)

		inv, err := d.reg.Get(id)
		if err != nil {
			// Unknown or already swept: not paid, not an error.
			if errors.Is(err, domain.ErrInvoiceNotFound) {
				return domain.PendingInvoice{}, false, nil
			}
			return domain.PendingInvoice{}, false, err
		}
		if inv.IsPaid() {
			return inv, true, nil
		}
	}
	return domain.PendingInvoice{}, false, nil
}

// SendPayment pays a BOLT11 payment request from the monitored wallet, used
// by card refund and claim flows. The conservative payment-send retry policy
// applies inside the wallet client.
func (d *Detector) SendPayment(ctx context.Context, paymentRequest string) (wallet.SendResult, error) {
	return d.wallet.SendPayment(ctx, paymentRequest)
}

// GetPendingInvoices returns a snapshot of every tracked invoice keyed by id.
func (d *Detector) GetPendingInvoices() map[string]domain.PendingInvoice {
	return d.reg.Snapshot()
}

// GetInvoice returns one tracked invoice. A merely-unpaid invoice is not an
// error.
func (d *Detector) GetInvoice(id string) (domain.PendingInvoice, error) {
	return d.reg.Get(id)
}

// StartMonitoring launches the dual-transport monitor.
func (d *Detector) StartMonitoring() {
	d.monitor.Start()
}

// StopMonitoring stops the monitor and waits for its background tasks.
func (d *Detector) StopMonitoring() {
	d.monitor.Stop()
}
