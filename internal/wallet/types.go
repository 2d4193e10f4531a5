package wallet

import (
	"github.com/goccy/go-json"
)

// WalletInfo describes the monitored upstream wallet.
type WalletInfo struct {
	ID       string
	Currency string
	Balance  int64 // Satoshis
}

// CreatedInvoice is the result of an invoice-creation mutation.
type CreatedInvoice struct {
	PaymentHash    string // Used as the local invoice identifier
	PaymentRequest string // BOLT11 string handed to the payer
	Amount         int64
}

// SendResult is the result of a payment-send mutation.
type SendResult struct {
	Status string
	Errors []string
}

// PaymentUpdate is a per-invoice status update delivered over the push
// transport.
type PaymentUpdate struct {
	InvoiceID string
	Status    string // PENDING / PAID / EXPIRED as reported upstream
}

// graphQLRequest is the wire shape of a query/mutation call.
type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphQLError is one entry of a response's errors array.
type graphQLError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// graphQLResponse is the wire shape of a query/mutation response; Data is
// decoded per call once the call site knows its shape.
type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors,omitempty"`
}

// Response payload shapes. The upstream exposes wallet data under
// me.defaultAccount; transaction edges follow the relay connection
// convention.

type meEnvelope struct {
	Me struct {
		DefaultAccount struct {
			Wallets []struct {
				ID             string `json:"id"`
				WalletCurrency string `json:"walletCurrency"`
				Balance        int64  `json:"balance"`
			} `json:"wallets"`
		} `json:"defaultAccount"`
	} `json:"me"`
}

type transactionsEnvelope struct {
	Me struct {
		DefaultAccount struct {
			Transactions struct {
				Edges []struct {
					Node struct {
						ID               string `json:"id"`
						Direction        string `json:"direction"`
						SettlementAmount int64  `json:"settlementAmount"`
						Status           string `json:"status"`
						Memo             string `json:"memo"`
						CreatedAt        int64  `json:"createdAt"` // Unix seconds
					} `json:"node"`
				} `json:"edges"`
			} `json:"transactions"`
		} `json:"defaultAccount"`
	} `json:"me"`
}

type invoiceCreateEnvelope struct {
	LnInvoiceCreate struct {
		Invoice struct {
			PaymentHash    string `json:"paymentHash"`
			PaymentRequest string `json:"paymentRequest"`
			Satoshis       int64  `json:"satoshis"`
		} `json:"invoice"`
		Errors []graphQLError `json:"errors"`
	} `json:"lnInvoiceCreate"`
}

type paymentSendEnvelope struct {
	LnInvoicePaymentSend struct {
		Status string         `json:"status"`
		Errors []graphQLError `json:"errors"`
	} `json:"lnInvoicePaymentSend"`
}
