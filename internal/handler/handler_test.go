package handler

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mmeshcher/svpn-ledger/internal/ledger"
	"github.com/mmeshcher/svpn-ledger/internal/metrics"
	"github.com/mmeshcher/svpn-ledger/internal/middleware"
	"github.com/mmeshcher/svpn-ledger/internal/model"
)

var (
	testAdmin = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	testPayer = common.HexToAddress("0x00000000000000000000000000000000000000B1")
	testToken = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
)

type stubLedger struct {
	catalog    []model.TokenPricing
	catalogErr error

	addErr   error
	added    []model.TokenPricing
	addedBy  common.Address
	payRec   *model.UserRecord
	payErr   error
	paidPlan model.Plan

	ids     []string
	records []model.UserRecord
	recErr  error

	sales model.Sales

	updateErr   error
	updatedPlan model.Plan
	updatedAmt  *big.Int

	withdrawn   []model.Withdrawal
	withdrawErr error
	history     []model.Withdrawal
}

func (s *stubLedger) AddTokens(ctx context.Context, caller common.Address, entries []model.TokenPricing) error {
	s.addedBy = caller
	s.added = entries
	return s.addErr
}

func (s *stubLedger) GetTokenAndPayments(ctx context.Context) ([]model.TokenPricing, error) {
	return s.catalog, s.catalogErr
}

func (s *stubLedger) PayForUniqueIDMonthly(ctx context.Context, caller, token common.Address) (*model.UserRecord, error) {
	s.paidPlan = model.PlanMonthly
	return s.payRec, s.payErr
}

func (s *stubLedger) PayForUniqueIDYearly(ctx context.Context, caller, token common.Address) (*model.UserRecord, error) {
	s.paidPlan = model.PlanYearly
	return s.payRec, s.payErr
}

func (s *stubLedger) GetUserIDs(ctx context.Context, user common.Address) ([]string, error) {
	return s.ids, nil
}

func (s *stubLedger) GetUserInfo(ctx context.Context, user common.Address) ([]model.UserRecord, error) {
	return s.records, s.recErr
}

func (s *stubLedger) Records(ctx context.Context, caller common.Address) ([]model.UserRecord, error) {
	if caller != testAdmin {
		return nil, ledger.ErrUnauthorized
	}
	return s.records, s.recErr
}

func (s *stubLedger) GetSales(ctx context.Context) (model.Sales, error) {
	return s.sales, nil
}

func (s *stubLedger) UpdateMonthlyPaymentAmount(ctx context.Context, caller, token common.Address, amount *big.Int) error {
	s.updatedPlan = model.PlanMonthly
	s.updatedAmt = amount
	return s.updateErr
}

func (s *stubLedger) UpdateYearlyPaymentAmount(ctx context.Context, caller, token common.Address, amount *big.Int) error {
	s.updatedPlan = model.PlanYearly
	s.updatedAmt = amount
	return s.updateErr
}

func (s *stubLedger) WithdrawTokens(ctx context.Context, caller common.Address) ([]model.Withdrawal, error) {
	return s.withdrawn, s.withdrawErr
}

func (s *stubLedger) Withdrawals(ctx context.Context, caller common.Address) ([]model.Withdrawal, error) {
	return s.history, nil
}

func newTestHandler(t *testing.T, l Ledger) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(l, logger, auth, nil)
}

func do(t *testing.T, h *Handler, caller *common.Address, method, path string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if caller != nil {
		token, err := h.authMiddleware.IssueToken(*caller, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec.Result()
}

func TestGetCatalog_Public(t *testing.T) {
	l := &stubLedger{catalog: []model.TokenPricing{
		{Token: testToken, MonthlyPrice: big.NewInt(10_000_000), YearlyPrice: big.NewInt(15_000_000)},
	}}
	h := newTestHandler(t, l)

	res := do(t, h, nil, http.MethodGet, "/api/catalog", nil)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))

	var got []pricingDTO
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, testToken.Hex(), got[0].Token)
	assert.Equal(t, "10000000", got[0].Monthly)
	assert.Equal(t, "15000000", got[0].Yearly)
}

func TestProtectedRoutes_RequireToken(t *testing.T) {
	h := newTestHandler(t, &stubLedger{})

	res := do(t, h, nil, http.MethodPost, "/api/payments/monthly", paymentRequest{Token: testToken.Hex()})
	defer res.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestAddTokens(t *testing.T) {
	tests := []struct {
		name   string
		body   any
		err    error
		status int
	}{
		{
			name:   "ok",
			body:   []pricingDTO{{Token: testToken.Hex(), Monthly: "1", Yearly: "2"}},
			status: http.StatusOK,
		},
		{
			name:   "empty list",
			body:   []pricingDTO{},
			status: http.StatusBadRequest,
		},
		{
			name:   "bad amount",
			body:   []pricingDTO{{Token: testToken.Hex(), Monthly: "1.5", Yearly: "2"}},
			status: http.StatusBadRequest,
		},
		{
			name:   "not admin",
			body:   []pricingDTO{{Token: testToken.Hex(), Monthly: "1", Yearly: "2"}},
			err:    ledger.ErrUnauthorized,
			status: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &stubLedger{addErr: tt.err}
			h := newTestHandler(t, l)

			res := do(t, h, &testAdmin, http.MethodPost, "/api/catalog", tt.body)
			defer res.Body.Close()

			assert.Equal(t, tt.status, res.StatusCode)
			if tt.status == http.StatusOK {
				require.Len(t, l.added, 1)
				assert.Equal(t, testAdmin, l.addedBy)
				assert.Equal(t, "2", l.added[0].YearlyPrice.String())
			}
		})
	}
}

func TestUpdatePrice(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     any
		err      error
		status   int
		wantPlan model.Plan
	}{
		{
			name:     "monthly",
			path:     "/api/catalog/" + testToken.Hex() + "/monthly",
			body:     priceRequest{Amount: "0"},
			status:   http.StatusOK,
			wantPlan: model.PlanMonthly,
		},
		{
			name:     "yearly",
			path:     "/api/catalog/" + testToken.Hex() + "/yearly",
			body:     priceRequest{Amount: "300000000000000000000"},
			status:   http.StatusOK,
			wantPlan: model.PlanYearly,
		},
		{
			name:   "unknown token",
			path:   "/api/catalog/" + testToken.Hex() + "/monthly",
			body:   priceRequest{Amount: "5"},
			err:    fmt.Errorf("%w: x", ledger.ErrTokenNotFound),
			status: http.StatusNotFound,
		},
		{
			name:   "malformed token",
			path:   "/api/catalog/usdt/monthly",
			body:   priceRequest{Amount: "5"},
			status: http.StatusBadRequest,
		},
		{
			name:   "negative amount",
			path:   "/api/catalog/" + testToken.Hex() + "/monthly",
			body:   priceRequest{Amount: "-5"},
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &stubLedger{updateErr: tt.err}
			h := newTestHandler(t, l)

			res := do(t, h, &testAdmin, http.MethodPut, tt.path, tt.body)
			defer res.Body.Close()

			assert.Equal(t, tt.status, res.StatusCode)
			if tt.wantPlan != "" {
				assert.Equal(t, tt.wantPlan, l.updatedPlan)
			}
		})
	}
}

func TestPay_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "token not found", err: fmt.Errorf("%w: x", ledger.ErrTokenNotFound), status: http.StatusNotFound},
		{name: "insufficient balance", err: ledger.ErrInsufficientBalance, status: http.StatusPaymentRequired},
		{name: "transfer failed", err: fmt.Errorf("%w: boom", ledger.ErrTransferFailed), status: http.StatusBadGateway},
		{name: "store failure", err: context.DeadlineExceeded, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubLedger{payErr: tt.err})

			res := do(t, h, &testPayer, http.MethodPost, "/api/payments/yearly", paymentRequest{Token: testToken.Hex()})
			defer res.Body.Close()

			assert.Equal(t, tt.status, res.StatusCode)
		})
	}
}

func TestPay_Success(t *testing.T) {
	paidAt := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	l := &stubLedger{payRec: &model.UserRecord{
		UserID:     "7f1c0d4e-0000-4000-8000-000000000001",
		User:       testPayer,
		Token:      testToken,
		Plan:       model.PlanMonthly,
		PaidAmount: big.NewInt(10_000_000),
		PaidAt:     paidAt,
	}}
	h := newTestHandler(t, l)

	res := do(t, h, &testPayer, http.MethodPost, "/api/payments/monthly", paymentRequest{Token: testToken.Hex()})
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, model.PlanMonthly, l.paidPlan)

	var got recordResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	assert.Equal(t, "7f1c0d4e-0000-4000-8000-000000000001", got.UserID)
	assert.Equal(t, "10000000", got.PaidAmount)
	assert.Equal(t, "MONTHLY", got.Plan)
	assert.Equal(t, "2025-01-02T03:04:05Z", got.PaidAt)
}

func TestPay_MalformedToken(t *testing.T) {
	h := newTestHandler(t, &stubLedger{})

	res := do(t, h, &testPayer, http.MethodPost, "/api/payments/monthly", paymentRequest{Token: "usdt"})
	defer res.Body.Close()

	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestGetUserIDs(t *testing.T) {
	h := newTestHandler(t, &stubLedger{})

	res := do(t, h, &testPayer, http.MethodGet, "/api/users/"+testPayer.Hex()+"/ids", nil)
	res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	h = newTestHandler(t, &stubLedger{ids: []string{"a", "b"}})
	res = do(t, h, &testPayer, http.MethodGet, "/api/users/"+testPayer.Hex()+"/ids", nil)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	var got []string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestGetRecords_AdminOnly(t *testing.T) {
	l := &stubLedger{records: []model.UserRecord{{UserID: "x", PaidAmount: big.NewInt(1)}}}
	h := newTestHandler(t, l)

	res := do(t, h, &testPayer, http.MethodGet, "/api/records", nil)
	res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res = do(t, h, &testAdmin, http.MethodGet, "/api/records", nil)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestGetSalesCounter(t *testing.T) {
	h := newTestHandler(t, &stubLedger{sales: model.Sales{Monthly: 3, Yearly: 2, Overall: 5}})

	tests := []struct {
		counter string
		status  int
		want    uint64
	}{
		{counter: "monthly", status: http.StatusOK, want: 3},
		{counter: "yearly", status: http.StatusOK, want: 2},
		{counter: "overall", status: http.StatusOK, want: 5},
		{counter: "weekly", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.counter, func(t *testing.T) {
			res := do(t, h, &testPayer, http.MethodGet, "/api/sales/"+tt.counter, nil)
			defer res.Body.Close()

			require.Equal(t, tt.status, res.StatusCode)
			if tt.status == http.StatusOK {
				var got counterResponse
				require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
				assert.Equal(t, tt.want, got.Count)
			}
		})
	}
}

func TestWithdraw(t *testing.T) {
	done := []model.Withdrawal{{Token: testToken, Recipient: testAdmin, Amount: big.NewInt(100), ProcessedAt: time.Now()}}

	tests := []struct {
		name    string
		ledger  *stubLedger
		status  int
		wantLen int
		wantErr bool
	}{
		{
			name:    "ok",
			ledger:  &stubLedger{withdrawn: done},
			status:  http.StatusOK,
			wantLen: 1,
		},
		{
			name:   "not admin",
			ledger: &stubLedger{withdrawErr: ledger.ErrUnauthorized},
			status: http.StatusForbidden,
		},
		{
			name: "partial failure",
			ledger: &stubLedger{
				withdrawn:   done,
				withdrawErr: multierr.Append(nil, fmt.Errorf("%w: withdraw x", ledger.ErrTransferFailed)),
			},
			status:  http.StatusBadGateway,
			wantLen: 1,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, tt.ledger)

			res := do(t, h, &testAdmin, http.MethodPost, "/api/withdrawals", nil)
			defer res.Body.Close()

			require.Equal(t, tt.status, res.StatusCode)
			if tt.status == http.StatusForbidden {
				return
			}

			var got withdrawResult
			require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
			assert.Len(t, got.Withdrawals, tt.wantLen)
			assert.Equal(t, tt.wantErr, got.Error != "")
		})
	}
}

func TestGetWithdrawals_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubLedger{})

	res := do(t, h, &testAdmin, http.MethodGet, "/api/withdrawals", nil)
	defer res.Body.Close()

	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestMetricsRoute(t *testing.T) {
	logger := zap.NewNop()
	exporter := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("svpn_ledger_payments_total 1\n"))
	})
	h := NewHandler(&stubLedger{}, logger, middleware.NewAuthMiddleware("s"), exporter)

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "svpn_ledger_payments_total")
}

func TestMetricsRoute_GzipEncodedOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.New(reg).PaymentSucceeded(model.UserRecord{Plan: model.PlanMonthly, Token: testToken})

	tests := []struct {
		name string
		opts promhttp.HandlerOpts
	}{
		{name: "compression in promhttp", opts: promhttp.HandlerOpts{}},
		{name: "compression disabled", opts: promhttp.HandlerOpts{DisableCompression: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&stubLedger{}, zap.NewNop(), middleware.NewAuthMiddleware("s"), promhttp.HandlerFor(reg, tt.opts))

			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.Header.Set("Accept-Encoding", "gzip")
			rec := httptest.NewRecorder()
			h.SetupRouter().ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)

			body := rec.Body.Bytes()
			if rec.Header().Get("Content-Encoding") == "gzip" {
				zr, err := gzip.NewReader(rec.Body)
				require.NoError(t, err)
				body, err = io.ReadAll(zr)
				require.NoError(t, err)
			}
			assert.Contains(t, string(body), "svpn_ledger_payments_total")
		})
	}
}

func TestRouter_GzipPayment(t *testing.T) {
	l := &stubLedger{payRec: &model.UserRecord{
		UserID:     "7f1c0d4e-0000-4000-8000-000000000002",
		User:       testPayer,
		Token:      testToken,
		Plan:       model.PlanMonthly,
		PaidAmount: big.NewInt(10_000_000),
		PaidAt:     time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}}
	h := newTestHandler(t, l)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	require.NoError(t, json.NewEncoder(zw).Encode(paymentRequest{Token: testToken.Hex()}))
	require.NoError(t, zw.Close())

	token, err := h.authMiddleware.IssueToken(testPayer, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/monthly", &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Accept-Encoding", "gzip")

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)

	var got recordResponse
	require.NoError(t, json.NewDecoder(zr).Decode(&got))
	assert.Equal(t, "7f1c0d4e-0000-4000-8000-000000000002", got.UserID)
	assert.Equal(t, "10000000", got.PaidAmount)
}

func TestRouter_GzipNoContent(t *testing.T) {
	h := newTestHandler(t, &stubLedger{})

	token, err := h.authMiddleware.IssueToken(testAdmin, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/withdrawals", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept-Encoding", "gzip")

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Zero(t, rec.Body.Len())
}
