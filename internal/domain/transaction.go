package domain

import "time"

// TxDirection is the direction of an upstream transaction relative to the
// monitored wallet.
type TxDirection string

const (
	DirectionIncoming TxDirection = "RECEIVE"
	DirectionOutgoing TxDirection = "SEND"
)

// TxStatus mirrors the settlement status strings reported by the upstream
// wallet API.
type TxStatus string

const (
	TxStatusSuccess TxStatus = "SUCCESS"
	TxStatusPending TxStatus = "PENDING"
	TxStatusFailed  TxStatus = "FAILURE"
	TxStatusExpired TxStatus = "EXPIRED"
)

// UpstreamTransaction is a settled or in-flight transfer reported by the
// upstream wallet. Records are read-only: they are sourced from the wallet's
// transaction history and never mutated locally.
type UpstreamTransaction struct {
	ID        string      // Upstream transaction identifier
	Direction TxDirection // RECEIVE or SEND relative to the wallet
	Amount    int64       // Absolute settlement amount in satoshis
	Status    TxStatus    // Settlement status as reported upstream
	Memo      string      // Free-text memo; may carry a sequence tag
	CreatedAt time.Time   // Creation time as reported upstream
}

// Settled reports whether the transaction is an eligible correlation
// candidate: only successfully settled incoming transfers count.
func (t UpstreamTransaction) Settled() bool {
	return t.Status == TxStatusSuccess && t.Direction == DirectionIncoming
}

// BalanceObservation is a point-in-time wallet balance snapshot used by the
// balance-delta correlation strategy for card top-ups.
type BalanceObservation struct {
	Balance    int64     // Wallet balance in satoshis
	ObservedAt time.Time // When the balance was queried
}
