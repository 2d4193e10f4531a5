package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lntools/paywatch/internal/config"
	"github.com/lntools/paywatch/internal/correlation"
	"github.com/lntools/paywatch/internal/domain"
	"github.com/lntools/paywatch/internal/monitor"
	"github.com/lntools/paywatch/internal/notify"
	"github.com/lntools/paywatch/internal/registry"
	"github.com/lntools/paywatch/internal/service"
	"github.com/lntools/paywatch/internal/wallet"
)

// stubWallet satisfies wallet.Client for handler tests.
type stubWallet struct {
	createErr error
}

func (s *stubWallet) WalletInfo(ctx context.Context) (wallet.WalletInfo, error) {
	return wallet.WalletInfo{ID: "wallet-1"}, nil
}

func (s *stubWallet) Balance(ctx context.Context) (int64, error) { return 0, nil }

func (s *stubWallet) RecentTransactions(ctx context.Context, first int) ([]domain.UpstreamTransaction, error) {
	return nil, nil
}

func (s *stubWallet) CreateInvoice(ctx context.Context, amount int64, memo string) (wallet.CreatedInvoice, error) {
	if s.createErr != nil {
		return wallet.CreatedInvoice{}, s.createErr
	}
	return wallet.CreatedInvoice{PaymentHash: "hash-1", PaymentRequest: "lnbc1...", Amount: amount}, nil
}

func (s *stubWallet) SendPayment(ctx context.Context, paymentRequest string) (wallet.SendResult, error) {
	return wallet.SendResult{Status: "SUCCESS"}, nil
}

func newTestServer(t *testing.T, w wallet.Client) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(24 * time.Hour)
	engine := correlation.NewEngine(config.CorrelationConfig{
		RecencyWindow:    60 * time.Second,
		FixedTolerance:   10,
		PercentTolerance: 0.02,
		PercentThreshold: 1000,
		BalanceTolerance: 0.10,
		BalanceWindow:    120 * time.Second,
	})
	fanout := notify.NewFanout()
	cfg := config.MonitorConfig{
		PollInterval:  time.Second,
		TxWindow:      25,
		Retention:     24 * time.Hour,
		AwaitAttempts: 1,
		AwaitInterval: time.Millisecond,
	}
	mon := monitor.New(cfg, config.ReconnectConfig{}, w, reg, engine, fanout, nil)
	detector := service.NewDetector(cfg, w, reg, mon, fanout)
	return New(detector, mon), reg
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &stubWallet{})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateInvoiceEndpoint(t *testing.T) {
	srv, reg := newTestServer(t, &stubWallet{})

	body, _ := json.Marshal(map[string]any{"amount": 2500, "memo": "espresso"})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/invoices", bytes.NewReader(body)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ID             string `json:"id"`
		ExpectedAmount int64  `json:"expected_amount"`
		Status         string `json:"status"`
		PaymentRequest string `json:"payment_request"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.ID != "hash-1" || resp.ExpectedAmount != 2500 || resp.Status != "UNPAID" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.PaymentRequest == "" {
		t.Error("expected the payment request in the response")
	}

	if _, err := reg.Get("hash-1"); err != nil {
		t.Errorf("created invoice not registered: %v", err)
	}
}

func TestCreateInvoiceValidation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"zero amount", `{"amount": 0}`, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"negative amount", `{"amount": -5}`, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"malformed body", `{"amount": `, http.StatusBadRequest, "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &stubWallet{})
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/invoices", bytes.NewReader([]byte(tt.body))))

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			var resp struct {
				Code string `json:"code"`
			}
			json.Unmarshal(rec.Body.Bytes(), &resp)
			if resp.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, resp.Code)
			}
		})
	}
}

func TestCreateInvoiceUpstreamFailure(t *testing.T) {
	srv, _ := newTestServer(t, &stubWallet{createErr: context.DeadlineExceeded})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/invoices",
		bytes.NewReader([]byte(`{"amount": 100}`))))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestGetInvoice(t *testing.T) {
	srv, reg := newTestServer(t, &stubWallet{})
	reg.Register(domain.NewPendingInvoice("inv-1", 750))

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/invoices/inv-1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		ID             string `json:"id"`
		ExpectedAmount int64  `json:"expected_amount"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.ID != "inv-1" || resp.ExpectedAmount != 750 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestGetInvoiceNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &stubWallet{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/invoices/no-such", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListInvoices(t *testing.T) {
	srv, reg := newTestServer(t, &stubWallet{})
	reg.Register(domain.NewPendingInvoice("inv-1", 100))
	reg.Register(domain.NewPendingInvoice("inv-2", 200))

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/invoices", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Invoices []json.RawMessage `json:"invoices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if len(resp.Invoices) != 2 {
		t.Errorf("expected 2 invoices, got %d", len(resp.Invoices))
	}
}

func TestConnectionStatus(t *testing.T) {
	srv, _ := newTestServer(t, &stubWallet{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/connection", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		State  string                `json:"state"`
		Health domain.HealthSnapshot `json:"health"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.State != string(monitor.StateDisconnected) {
		t.Errorf("expected DISCONNECTED without a push transport, got %s", resp.State)
	}
}
