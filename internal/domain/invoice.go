package domain

import (
	"time"
)

// InvoiceStatus represents the possible states of a pending invoice.
type InvoiceStatus string

const (
	// InvoiceStatusUnpaid indicates the invoice is awaiting payment
	InvoiceStatusUnpaid InvoiceStatus = "UNPAID"

	// InvoiceStatusPaid indicates a payment has been correlated to the invoice
	InvoiceStatusPaid InvoiceStatus = "PAID"

	// InvoiceStatusExpired indicates the invoice aged out without a payment
	InvoiceStatusExpired InvoiceStatus = "EXPIRED"
)

// PendingInvoice is an invoice issued against the upstream wallet that is
// awaiting payment detection. The registry is the single owner of these
// records; everything else works on copies.
type PendingInvoice struct {
	ID             string        // Upstream payment identifier (payment hash)
	PaymentRequest string        // BOLT11 payment request handed to the payer
	ExpectedAmount int64         // Amount in satoshis the payer is expected to settle
	CardID         string        // Set when the invoice originates from a card top-up; empty otherwise
	SequenceTag    string        // Correlation token embedded in the invoice memo; empty when absent
	Status         InvoiceStatus // Current lifecycle status
	CreatedAt      time.Time     // When the invoice was registered locally
	PaidAt         *time.Time    // Settlement time; non-nil if and only if Status is PAID
	PaidAmount     int64         // Amount actually observed at settlement; 0 until paid
}

// NewPendingInvoice creates an unpaid invoice record with the registration
// time set to now.
func NewPendingInvoice(id string, expectedAmount int64) PendingInvoice {
	return PendingInvoice{
		ID:             id,
		ExpectedAmount: expectedAmount,
		Status:         InvoiceStatusUnpaid,
		CreatedAt:      time.Now().UTC(),
	}
}

// IsPaid reports whether the invoice has been settled.
func (i PendingInvoice) IsPaid() bool {
	return i.Status == InvoiceStatusPaid
}

// Age returns how long ago the invoice was registered.
func (i PendingInvoice) Age(now time.Time) time.Duration {
	return now.Sub(i.CreatedAt)
}

// Strategy identifies which correlation strategy produced (or failed to
// produce) a match.
type Strategy string

const (
	StrategyExactID      Strategy = "EXACT_ID"
	StrategySequenceTag  Strategy = "SEQUENCE_TAG"
	StrategyAmountRecent Strategy = "AMOUNT_RECENCY"
	StrategyBalanceDelta Strategy = "BALANCE_DELTA"
	StrategyDirect       Strategy = "DIRECT" // Caller already knew the outcome, no correlation ran
)

// CorrelationAttempt records one matching pass for logging and metrics.
// Attempts are never persisted.
type CorrelationAttempt struct {
	InvoiceID string
	Strategy  Strategy
	Matched   bool
}
