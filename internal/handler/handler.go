// Package handler содержит HTTP-обработчики API леджера подписок SVPN.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/svpn-ledger/internal/ledger"
	"github.com/mmeshcher/svpn-ledger/internal/middleware"
	"github.com/mmeshcher/svpn-ledger/internal/model"
	"github.com/mmeshcher/svpn-ledger/internal/validation"
)

// Ledger определяет операции леджера, используемые HTTP-обработчиками.
type Ledger interface {
	AddTokens(ctx context.Context, caller common.Address, entries []model.TokenPricing) error
	GetTokenAndPayments(ctx context.Context) ([]model.TokenPricing, error)
	PayForUniqueIDMonthly(ctx context.Context, caller, token common.Address) (*model.UserRecord, error)
	PayForUniqueIDYearly(ctx context.Context, caller, token common.Address) (*model.UserRecord, error)
	GetUserIDs(ctx context.Context, user common.Address) ([]string, error)
	GetUserInfo(ctx context.Context, user common.Address) ([]model.UserRecord, error)
	Records(ctx context.Context, caller common.Address) ([]model.UserRecord, error)
	GetSales(ctx context.Context) (model.Sales, error)
	UpdateMonthlyPaymentAmount(ctx context.Context, caller, token common.Address, amount *big.Int) error
	UpdateYearlyPaymentAmount(ctx context.Context, caller, token common.Address, amount *big.Int) error
	WithdrawTokens(ctx context.Context, caller common.Address) ([]model.Withdrawal, error)
	Withdrawals(ctx context.Context, caller common.Address) ([]model.Withdrawal, error)
}

// Handler реализует HTTP-обработчики API леджера.
type Handler struct {
	ledger         Ledger
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        http.Handler
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// metrics отдаётся на /metrics, если не равен nil.
func NewHandler(l Ledger, logger *zap.Logger, auth *middleware.AuthMiddleware, metrics http.Handler) *Handler {
	return &Handler{
		ledger:         l,
		logger:         logger,
		authMiddleware: auth,
		metrics:        metrics,
	}
}

type pricingDTO struct {
	Token   string `json:"token"`
	Monthly string `json:"monthly_price"`
	Yearly  string `json:"yearly_price"`
}

type recordResponse struct {
	UserID     string `json:"user_id"`
	User       string `json:"user"`
	Token      string `json:"token"`
	Plan       string `json:"plan"`
	PaidAmount string `json:"paid_amount"`
	PaidAt     string `json:"paid_at"`
}

type withdrawalResponse struct {
	Token       string `json:"token"`
	Recipient   string `json:"recipient"`
	Amount      string `json:"amount"`
	ProcessedAt string `json:"processed_at"`
}

type withdrawResult struct {
	Withdrawals []withdrawalResponse `json:"withdrawals"`
	Error       string               `json:"error,omitempty"`
}

type paymentRequest struct {
	Token string `json:"token"`
}

type priceRequest struct {
	Amount string `json:"amount"`
}

type counterResponse struct {
	Count uint64 `json:"count"`
}

// GetCatalog возвращает каталог токенов и цен.
func (h *Handler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	catalog, err := h.ledger.GetTokenAndPayments(r.Context())
	if err != nil {
		h.writeError(w, "get catalog error", err)
		return
	}

	writeJSON(w, http.StatusOK, catalogResponse(catalog))
}

// AddTokens добавляет токены в конец каталога.
func (h *Handler) AddTokens(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetCallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req []pricingDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req) == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entries := make([]model.TokenPricing, 0, len(req))
	for _, dto := range req {
		entry, err := dto.pricing()
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		entries = append(entries, entry)
	}

	if err := h.ledger.AddTokens(r.Context(), caller, entries); err != nil {
		h.writeError(w, "add tokens error", err, zap.String("caller", caller.Hex()))
		return
	}

	h.GetCatalog(w, r)
}

// UpdateMonthlyPrice меняет месячную цену токена.
func (h *Handler) UpdateMonthlyPrice(w http.ResponseWriter, r *http.Request) {
	h.updatePrice(w, r, h.ledger.UpdateMonthlyPaymentAmount)
}

// UpdateYearlyPrice меняет годовую цену токена.
func (h *Handler) UpdateYearlyPrice(w http.ResponseWriter, r *http.Request) {
	h.updatePrice(w, r, h.ledger.UpdateYearlyPaymentAmount)
}

type updateFunc func(ctx context.Context, caller, token common.Address, amount *big.Int) error

func (h *Handler) updatePrice(w http.ResponseWriter, r *http.Request, update updateFunc) {
	caller, ok := middleware.GetCallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	token, err := validation.ParseAddress(chi.URLParam(r, "token"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req priceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	amount, err := validation.ParseAmount(req.Amount)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := update(r.Context(), caller, token, amount); err != nil {
		h.writeError(w, "update price error", err, zap.String("token", token.Hex()))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// PayMonthly оплачивает месячную подписку текущего аккаунта.
func (h *Handler) PayMonthly(w http.ResponseWriter, r *http.Request) {
	h.pay(w, r, h.ledger.PayForUniqueIDMonthly)
}

// PayYearly оплачивает годовую подписку текущего аккаунта.
func (h *Handler) PayYearly(w http.ResponseWriter, r *http.Request) {
	h.pay(w, r, h.ledger.PayForUniqueIDYearly)
}

type payFunc func(ctx context.Context, caller, token common.Address) (*model.UserRecord, error)

func (h *Handler) pay(w http.ResponseWriter, r *http.Request, pay payFunc) {
	caller, ok := middleware.GetCallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	token, err := validation.ParseAddress(req.Token)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rec, err := pay(r.Context(), caller, token)
	if err != nil {
		h.writeError(w, "payment error", err, zap.String("caller", caller.Hex()), zap.String("token", token.Hex()))
		return
	}

	writeJSON(w, http.StatusOK, toRecordResponse(*rec))
}

// GetUserIDs возвращает идентификаторы оплат пользователя.
func (h *Handler) GetUserIDs(w http.ResponseWriter, r *http.Request) {
	user, err := validation.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ids, err := h.ledger.GetUserIDs(r.Context(), user)
	if err != nil {
		h.writeError(w, "get user ids error", err, zap.String("user", user.Hex()))
		return
	}

	if len(ids) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, ids)
}

// GetUserInfo возвращает записи оплат пользователя.
func (h *Handler) GetUserInfo(w http.ResponseWriter, r *http.Request) {
	user, err := validation.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	records, err := h.ledger.GetUserInfo(r.Context(), user)
	if err != nil {
		h.writeError(w, "get user info error", err, zap.String("user", user.Hex()))
		return
	}

	h.writeRecords(w, records)
}

// GetRecords возвращает все записи оплат. Доступно только администратору.
func (h *Handler) GetRecords(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetCallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	records, err := h.ledger.Records(r.Context(), caller)
	if err != nil {
		h.writeError(w, "get records error", err)
		return
	}

	h.writeRecords(w, records)
}

func (h *Handler) writeRecords(w http.ResponseWriter, records []model.UserRecord) {
	if len(records) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, toRecordResponse(rec))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetSales возвращает все счётчики продаж.
func (h *Handler) GetSales(w http.ResponseWriter, r *http.Request) {
	sales, err := h.ledger.GetSales(r.Context())
	if err != nil {
		h.writeError(w, "get sales error", err)
		return
	}

	writeJSON(w, http.StatusOK, sales)
}

// GetSalesCounter возвращает один счётчик продаж: monthly, yearly или overall.
func (h *Handler) GetSalesCounter(w http.ResponseWriter, r *http.Request) {
	sales, err := h.ledger.GetSales(r.Context())
	if err != nil {
		h.writeError(w, "get sales error", err)
		return
	}

	var count uint64
	switch chi.URLParam(r, "counter") {
	case "monthly":
		count = sales.Monthly
	case "yearly":
		count = sales.Yearly
	case "overall":
		count = sales.Overall
	default:
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, counterResponse{Count: count})
}

// Withdraw переводит администратору накопленные балансы леджера.
// При частичной ошибке возвращается 502 вместе со списком выполненных переводов.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetCallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	done, err := h.ledger.WithdrawTokens(r.Context(), caller)
	if err != nil && len(done) == 0 && !errors.Is(err, ledger.ErrTransferFailed) {
		h.writeError(w, "withdraw error", err)
		return
	}

	resp := withdrawResult{Withdrawals: toWithdrawalResponses(done)}
	status := http.StatusOK
	if err != nil {
		h.logger.Error("partial withdraw", zap.Error(err), zap.Int("completed", len(done)))
		resp.Error = err.Error()
		status = http.StatusBadGateway
	}

	writeJSON(w, status, resp)
}

// GetWithdrawals возвращает историю выводов. Доступно только администратору.
func (h *Handler) GetWithdrawals(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetCallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	withdrawals, err := h.ledger.Withdrawals(r.Context(), caller)
	if err != nil {
		h.writeError(w, "get withdrawals error", err)
		return
	}

	if len(withdrawals) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, toWithdrawalResponses(withdrawals))
}

// writeError отображает ошибку леджера в HTTP-статус. Неизвестные ошибки логируются.
func (h *Handler) writeError(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrTokenNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrTransferFailed):
		status = http.StatusBadGateway
	case errors.Is(err, ledger.ErrInvalidAmount):
		status = http.StatusBadRequest
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
	}

	http.Error(w, http.StatusText(status), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (p pricingDTO) pricing() (model.TokenPricing, error) {
	token, err := validation.ParseAddress(p.Token)
	if err != nil {
		return model.TokenPricing{}, err
	}
	monthly, err := validation.ParseAmount(p.Monthly)
	if err != nil {
		return model.TokenPricing{}, err
	}
	yearly, err := validation.ParseAmount(p.Yearly)
	if err != nil {
		return model.TokenPricing{}, err
	}
	return model.TokenPricing{Token: token, MonthlyPrice: monthly, YearlyPrice: yearly}, nil
}

func catalogResponse(catalog []model.TokenPricing) []pricingDTO {
	resp := make([]pricingDTO, 0, len(catalog))
	for _, e := range catalog {
		resp = append(resp, pricingDTO{
			Token:   e.Token.Hex(),
			Monthly: e.MonthlyPrice.String(),
			Yearly:  e.YearlyPrice.String(),
		})
	}
	return resp
}

func toRecordResponse(rec model.UserRecord) recordResponse {
	return recordResponse{
		UserID:     rec.UserID,
		User:       rec.User.Hex(),
		Token:      rec.Token.Hex(),
		Plan:       string(rec.Plan),
		PaidAmount: rec.PaidAmount.String(),
		PaidAt:     rec.PaidAt.Format(time.RFC3339),
	}
}

func toWithdrawalResponses(ws []model.Withdrawal) []withdrawalResponse {
	resp := make([]withdrawalResponse, 0, len(ws))
	for _, wth := range ws {
		resp = append(resp, withdrawalResponse{
			Token:       wth.Token.Hex(),
			Recipient:   wth.Recipient.Hex(),
			Amount:      wth.Amount.String(),
			ProcessedAt: wth.ProcessedAt.Format(time.RFC3339),
		})
	}
	return resp
}
