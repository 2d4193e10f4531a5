package domain

import "errors"

var (
	// ErrInvoiceNotFound is returned when no invoice exists for the given id
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrDuplicateInvoice is returned when an invoice id is registered twice
	// with a different expected amount
	ErrDuplicateInvoice = errors.New("invoice already registered with a different amount")

	// ErrInvalidAmount is returned when an invoice amount is zero or negative
	ErrInvalidAmount = errors.New("invalid amount: must be positive")
)
