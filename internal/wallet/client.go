// Package wallet is the request/response and push-subscription boundary to
// the upstream Lightning wallet API. Every call goes through the resilience
// layer: a named retry policy per operation class plus a circuit breaker for
// connectivity-classed calls.
package wallet

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/lntools/paywatch/internal/config"
	"github.com/lntools/paywatch/internal/domain"
	"github.com/lntools/paywatch/internal/resilience"
)

// Client is the upstream wallet operations the rest of the service consumes.
// Implemented by GraphQLClient; tests substitute fakes.
type Client interface {
	// WalletInfo returns the configured wallet's identity, currency and balance.
	WalletInfo(ctx context.Context) (WalletInfo, error)

	// Balance returns the configured wallet's current balance in satoshis.
	Balance(ctx context.Context) (int64, error)

	// RecentTransactions returns up to first recent transactions, newest first.
	RecentTransactions(ctx context.Context, first int) ([]domain.UpstreamTransaction, error)

	// CreateInvoice creates a Lightning invoice for the given amount and memo.
	CreateInvoice(ctx context.Context, amount int64, memo string) (CreatedInvoice, error)

	// SendPayment pays a BOLT11 payment request from the configured wallet.
	SendPayment(ctx context.Context, paymentRequest string) (SendResult, error)
}

// GraphQLClient talks to the wallet's GraphQL endpoint over HTTP POST.
type GraphQLClient struct {
	cfg        config.WalletConfig
	httpClient *http.Client
	breaker    *resilience.Breaker

	requestPolicy resilience.Policy
	sendPolicy    resilience.Policy
	pollPolicy    resilience.Policy
}

// NewGraphQLClient creates a client for the configured endpoint. The breaker
// guards all connectivity-classed calls and may be shared with other
// transports.
func NewGraphQLClient(cfg config.WalletConfig, breaker *resilience.Breaker) *GraphQLClient {
	return &GraphQLClient{
		cfg:           cfg,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		breaker:       breaker,
		requestPolicy: resilience.RequestPolicy(),
		sendPolicy:    resilience.PaymentSendPolicy(),
		pollPolicy:    resilience.StatusPollPolicy(),
	}
}

const queryMe = `query me { me { defaultAccount { wallets { id walletCurrency balance } } } }`

// WalletInfo implements Client.
func (c *GraphQLClient) WalletInfo(ctx context.Context) (WalletInfo, error) {
	var env meEnvelope
	err := c.requestPolicy.Do(ctx, "wallet info", func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.do(ctx, queryMe, nil, &env)
		})
	})
	if err != nil {
		return WalletInfo{}, err
	}

	for _, w := range env.Me.DefaultAccount.Wallets {
		if c.cfg.WalletID == "" || w.ID == c.cfg.WalletID {
			return WalletInfo{ID: w.ID, Currency: w.WalletCurrency, Balance: w.Balance}, nil
		}
	}
	return WalletInfo{}, ErrNoWallet
}

// Balance implements Client.
func (c *GraphQLClient) Balance(ctx context.Context) (int64, error) {
	info, err := c.WalletInfo(ctx)
	if err != nil {
		return 0, err
	}
	return info.Balance, nil
}

const queryTransactions = `query transactions($first: Int!) {
  me { defaultAccount { transactions(first: $first) {
    edges { node { id direction settlementAmount status memo createdAt } }
  } } }
}`

// RecentTransactions implements Client. Uses the lighter status-poll policy
// because the monitor calls it on every cycle.
func (c *GraphQLClient) RecentTransactions(ctx context.Context, first int) ([]domain.UpstreamTransaction, error) {
	var env transactionsEnvelope
	err := c.pollPolicy.Do(ctx, "recent transactions", func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.do(ctx, queryTransactions, map[string]any{"first": first}, &env)
		})
	})
	if err != nil {
		return nil, err
	}

	edges := env.Me.DefaultAccount.Transactions.Edges
	txs := make([]domain.UpstreamTransaction, 0, len(edges))
	for _, edge := range edges {
		n := edge.Node
		amount := n.SettlementAmount
		if amount < 0 {
			amount = -amount
		}
		txs = append(txs, domain.UpstreamTransaction{
			ID:        n.ID,
			Direction: domain.TxDirection(n.Direction),
			Amount:    amount,
			Status:    domain.TxStatus(n.Status),
			Memo:      n.Memo,
			CreatedAt: time.Unix(n.CreatedAt, 0).UTC(),
		})
	}
	return txs, nil
}

const mutationInvoiceCreate = `mutation lnInvoiceCreate($input: LnInvoiceCreateInput!) {
  lnInvoiceCreate(input: $input) {
    invoice { paymentHash paymentRequest satoshis }
    errors { message code }
  }
}`

// CreateInvoice implements Client.
func (c *GraphQLClient) CreateInvoice(ctx context.Context, amount int64, memo string) (CreatedInvoice, error) {
	input := map[string]any{
		"walletId": c.cfg.WalletID,
		"amount":   amount,
		"memo":     memo,
	}

	var env invoiceCreateEnvelope
	err := c.requestPolicy.Do(ctx, "invoice create", func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.do(ctx, mutationInvoiceCreate, map[string]any{"input": input}, &env)
		})
	})
	if err != nil {
		return CreatedInvoice{}, err
	}

	if err := graphQLErrorsToError(env.LnInvoiceCreate.Errors); err != nil {
		return CreatedInvoice{}, fmt.Errorf("%w: %v", ErrUpstreamRejected, err)
	}

	inv := env.LnInvoiceCreate.Invoice
	return CreatedInvoice{
		PaymentHash:    inv.PaymentHash,
		PaymentRequest: inv.PaymentRequest,
		Amount:         inv.Satoshis,
	}, nil
}

const mutationPaymentSend = `mutation lnInvoicePaymentSend($input: LnInvoicePaymentSendInput!) {
  lnInvoicePaymentSend(input: $input) {
    status
    errors { message code }
  }
}`

// SendPayment implements Client. Uses the conservative payment-send policy:
// a retried send risks a duplicate payment when the first attempt succeeded
// upstream but the response was lost, so retries are few and widely spaced
// and each one is preceded by a warning.
func (c *GraphQLClient) SendPayment(ctx context.Context, paymentRequest string) (SendResult, error) {
	input := map[string]any{
		"walletId":       c.cfg.WalletID,
		"paymentRequest": paymentRequest,
	}

	var env paymentSendEnvelope
	err := c.sendPolicy.Do(ctx, "payment send", func(ctx context.Context) error {
		return c.do(ctx, mutationPaymentSend, map[string]any{"input": input}, &env)
	})
	if err != nil {
		return SendResult{}, err
	}

	result := SendResult{Status: env.LnInvoicePaymentSend.Status}
	for _, e := range env.LnInvoicePaymentSend.Errors {
		result.Errors = append(result.Errors, e.Message)
	}
	return result, nil
}

// do performs one GraphQL round trip and decodes the data payload into out.
func (c *GraphQLClient) do(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-KEY", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return resilience.NewError(resilience.KindTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.NewError(resilience.KindTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		return httpError(resp.StatusCode, string(raw))
	}

	var envelope graphQLResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if err := graphQLErrorsToError(envelope.Errors); err != nil {
		return err
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode data payload: %w", err)
		}
	}
	return nil
}
