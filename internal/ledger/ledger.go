// Package ledger реализует леджер подписок: каталог токенов с ценами,
// приём оплат, выдачу идентификаторов, счётчики продаж и вывод средств.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mmeshcher/svpn-ledger/internal/gateway"
	"github.com/mmeshcher/svpn-ledger/internal/metrics"
	"github.com/mmeshcher/svpn-ledger/internal/model"
)

// Store описывает контракт хранилища состояния леджера.
// Позиция записи каталога равна её индексу в порядке вставки.
type Store interface {
	Close() error
	SeedCatalog(ctx context.Context, entries []model.TokenPricing) (bool, error)
	AppendTokens(ctx context.Context, entries []model.TokenPricing) error
	Catalog(ctx context.Context) ([]model.TokenPricing, error)
	UpdatePrice(ctx context.Context, position int, plan model.Plan, amount *big.Int) error
	RecordPayment(ctx context.Context, rec model.UserRecord) error
	UserRecords(ctx context.Context, user common.Address) ([]model.UserRecord, error)
	Records(ctx context.Context) ([]model.UserRecord, error)
	Sales(ctx context.Context) (model.Sales, error)
	RecordWithdrawal(ctx context.Context, w model.Withdrawal) error
	Withdrawals(ctx context.Context) ([]model.Withdrawal, error)
}

// Options содержит параметры леджера, фиксируемые при создании.
type Options struct {
	// Admin единственный аккаунт, которому разрешено менять каталог и выводить средства.
	Admin common.Address
	// Account счёт леджера в шлюзе, на который поступают оплаты.
	Account common.Address
	// GatewayTimeout ограничивает каждый вызов шлюза. Ноль означает отсутствие ограничения.
	GatewayTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Ledger содержит бизнес-логику леджера подписок.
// Изменяющие операции сериализуются, чтения видят согласованное состояние.
type Ledger struct {
	mu      sync.RWMutex
	store   Store
	gateway gateway.Gateway

	admin          common.Address
	account        common.Address
	gatewayTimeout time.Duration

	logger  *zap.Logger
	metrics *metrics.Metrics

	newID func() string
	now   func() time.Time
}

// New создаёт леджер и заполняет каталог seed, если каталог хранилища пуст.
func New(ctx context.Context, store Store, gw gateway.Gateway, seed []model.TokenPricing, opts Options) (*Ledger, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{
		store:          store,
		gateway:        gw,
		admin:          opts.Admin,
		account:        opts.Account,
		gatewayTimeout: opts.GatewayTimeout,
		logger:         logger,
		metrics:        opts.Metrics,
		newID:          uuid.NewString,
		now:            time.Now,
	}

	seeded, err := store.SeedCatalog(ctx, cloneCatalog(seed))
	if err != nil {
		return nil, fmt.Errorf("seed catalog: %w", err)
	}
	if seeded {
		logger.Info("catalog seeded", zap.Int("tokens", len(seed)))
	}

	return l, nil
}

// Close закрывает ресурсы леджера.
func (l *Ledger) Close() error {
	if l.store != nil {
		return l.store.Close()
	}
	return nil
}

// Admin возвращает адрес администратора.
func (l *Ledger) Admin() common.Address {
	return l.admin
}

// AddTokens добавляет записи в конец каталога в переданном порядке, без проверки дубликатов.
func (l *Ledger) AddTokens(ctx context.Context, caller common.Address, entries []model.TokenPricing) error {
	if caller != l.admin {
		return ErrUnauthorized
	}
	for _, e := range entries {
		if !validAmount(e.MonthlyPrice) || !validAmount(e.YearlyPrice) {
			return fmt.Errorf("%w: %s", ErrInvalidAmount, e.Token.Hex())
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.AppendTokens(ctx, cloneCatalog(entries)); err != nil {
		return fmt.Errorf("append tokens: %w", err)
	}

	l.logger.Info("tokens added", zap.Int("count", len(entries)))
	return nil
}

// GetTokenAndPayments возвращает каталог в порядке вставки.
func (l *Ledger) GetTokenAndPayments(ctx context.Context) ([]model.TokenPricing, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.store.Catalog(ctx)
}

// PayForUniqueIDMonthly оплачивает месячную подписку токеном token.
func (l *Ledger) PayForUniqueIDMonthly(ctx context.Context, caller, token common.Address) (*model.UserRecord, error) {
	return l.pay(ctx, caller, token, model.PlanMonthly)
}

// PayForUniqueIDYearly оплачивает годовую подписку токеном token.
func (l *Ledger) PayForUniqueIDYearly(ctx context.Context, caller, token common.Address) (*model.UserRecord, error) {
	return l.pay(ctx, caller, token, model.PlanYearly)
}

// pay проводит оплату целиком: поиск токена, проверка баланса, списание,
// запись и счётчики. При любой ошибке состояние леджера не меняется.
func (l *Ledger) pay(ctx context.Context, caller, token common.Address, plan model.Plan) (*model.UserRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	catalog, err := l.store.Catalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	pos := lookup(catalog, token)
	if pos < 0 {
		l.metrics.PaymentFailed(plan, "token_not_found")
		return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, token.Hex())
	}
	price := catalog[pos].Price(plan)

	gctx, cancel := l.gatewayContext(ctx)
	defer cancel()

	balance, err := l.gateway.BalanceOf(gctx, caller, token)
	if err != nil {
		l.metrics.PaymentFailed(plan, "transfer_failed")
		return nil, fmt.Errorf("%w: balance query: %w", ErrTransferFailed, err)
	}
	if balance.Cmp(price) < 0 {
		l.metrics.PaymentFailed(plan, "insufficient_balance")
		return nil, ErrInsufficientBalance
	}

	if err := l.gateway.TransferFrom(gctx, caller, l.account, token, price); err != nil {
		l.metrics.PaymentFailed(plan, "transfer_failed")
		return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	rec := model.UserRecord{
		UserID:     l.newID(),
		User:       caller,
		Token:      token,
		Plan:       plan,
		PaidAmount: new(big.Int).Set(price),
		PaidAt:     l.now().UTC(),
	}

	if err := l.store.RecordPayment(ctx, rec); err != nil {
		l.metrics.PaymentFailed(plan, "store")
		l.refund(ctx, rec)
		return nil, fmt.Errorf("record payment: %w", err)
	}

	l.metrics.PaymentSucceeded(rec)
	l.logger.Info("payment recorded",
		zap.String("userID", rec.UserID),
		zap.String("user", caller.Hex()),
		zap.String("token", token.Hex()),
		zap.String("plan", string(plan)),
		zap.String("amount", price.String()),
	)

	out := rec.Clone()
	return &out, nil
}

// refund возвращает плательщику списанную сумму, если запись оплаты не сохранилась.
func (l *Ledger) refund(ctx context.Context, rec model.UserRecord) {
	rctx, cancel := l.gatewayContext(context.WithoutCancel(ctx))
	defer cancel()

	if err := l.gateway.Transfer(rctx, rec.User, rec.Token, rec.PaidAmount); err != nil {
		l.logger.Error("refund failed",
			zap.Error(err),
			zap.String("user", rec.User.Hex()),
			zap.String("token", rec.Token.Hex()),
			zap.String("amount", rec.PaidAmount.String()),
		)
		return
	}
	l.logger.Warn("payment refunded after store failure",
		zap.String("user", rec.User.Hex()),
		zap.String("token", rec.Token.Hex()),
	)
}

// GetUserIDs возвращает идентификаторы оплат пользователя в хронологическом порядке.
func (l *Ledger) GetUserIDs(ctx context.Context, user common.Address) ([]string, error) {
	records, err := l.GetUserInfo(ctx, user)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.UserID)
	}
	return ids, nil
}

// GetUserInfo возвращает записи оплат пользователя в хронологическом порядке.
func (l *Ledger) GetUserInfo(ctx context.Context, user common.Address) ([]model.UserRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.store.UserRecords(ctx, user)
}

// Records возвращает все записи оплат в порядке вставки.
func (l *Ledger) Records(ctx context.Context, caller common.Address) ([]model.UserRecord, error) {
	if caller != l.admin {
		return nil, ErrUnauthorized
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.store.Records(ctx)
}

// GetSales возвращает все счётчики продаж одним снимком.
func (l *Ledger) GetSales(ctx context.Context) (model.Sales, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.store.Sales(ctx)
}

// GetTotalMonthlySales возвращает число успешных месячных оплат.
func (l *Ledger) GetTotalMonthlySales(ctx context.Context) (uint64, error) {
	s, err := l.GetSales(ctx)
	return s.Monthly, err
}

// GetTotalYearlySales возвращает число успешных годовых оплат.
func (l *Ledger) GetTotalYearlySales(ctx context.Context) (uint64, error) {
	s, err := l.GetSales(ctx)
	return s.Yearly, err
}

// GetOverallSales возвращает общее число успешных оплат.
func (l *Ledger) GetOverallSales(ctx context.Context) (uint64, error) {
	s, err := l.GetSales(ctx)
	return s.Overall, err
}

// UpdateMonthlyPaymentAmount меняет месячную цену первой записи каталога с токеном token.
func (l *Ledger) UpdateMonthlyPaymentAmount(ctx context.Context, caller, token common.Address, amount *big.Int) error {
	return l.updatePrice(ctx, caller, token, model.PlanMonthly, amount)
}

// UpdateYearlyPaymentAmount меняет годовую цену первой записи каталога с токеном token.
func (l *Ledger) UpdateYearlyPaymentAmount(ctx context.Context, caller, token common.Address, amount *big.Int) error {
	return l.updatePrice(ctx, caller, token, model.PlanYearly, amount)
}

func (l *Ledger) updatePrice(ctx context.Context, caller, token common.Address, plan model.Plan, amount *big.Int) error {
	if caller != l.admin {
		return ErrUnauthorized
	}
	if !validAmount(amount) {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	catalog, err := l.store.Catalog(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	pos := lookup(catalog, token)
	if pos < 0 {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, token.Hex())
	}

	if err := l.store.UpdatePrice(ctx, pos, plan, new(big.Int).Set(amount)); err != nil {
		return fmt.Errorf("update price: %w", err)
	}

	l.logger.Info("price updated",
		zap.String("token", token.Hex()),
		zap.String("plan", string(plan)),
		zap.String("amount", amount.String()),
	)
	return nil
}

// WithdrawTokens переводит администратору весь баланс леджера по каждому токену каталога.
// Ошибка одного токена не останавливает вывод остальных: успешные переводы
// возвращаются вместе с объединённой ошибкой.
func (l *Ledger) WithdrawTokens(ctx context.Context, caller common.Address) ([]model.Withdrawal, error) {
	if caller != l.admin {
		return nil, ErrUnauthorized
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	catalog, err := l.store.Catalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	var (
		done []model.Withdrawal
		errs error
	)
	seen := make(map[common.Address]struct{}, len(catalog))

	for _, entry := range catalog {
		if _, ok := seen[entry.Token]; ok {
			continue
		}
		seen[entry.Token] = struct{}{}

		w, err := l.withdrawToken(ctx, entry.Token)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if w == nil {
			continue
		}

		if err := l.store.RecordWithdrawal(ctx, *w); err != nil {
			l.logger.Error("record withdrawal error", zap.Error(err), zap.String("token", w.Token.Hex()))
			errs = multierr.Append(errs, fmt.Errorf("record withdrawal %s: %w", w.Token.Hex(), err))
		}
		done = append(done, *w)
	}

	return done, errs
}

// withdrawToken возвращает nil без ошибки, если баланс токена нулевой.
func (l *Ledger) withdrawToken(ctx context.Context, token common.Address) (*model.Withdrawal, error) {
	gctx, cancel := l.gatewayContext(ctx)
	defer cancel()

	balance, err := l.gateway.BalanceOf(gctx, l.account, token)
	if err != nil {
		return nil, fmt.Errorf("%w: balance of %s: %w", ErrTransferFailed, token.Hex(), err)
	}
	if balance.Sign() == 0 {
		return nil, nil
	}

	w := model.Withdrawal{
		Token:       token,
		Recipient:   l.admin,
		Amount:      balance,
		ProcessedAt: l.now().UTC(),
	}

	err = l.gateway.Transfer(gctx, l.admin, token, balance)
	l.metrics.WithdrawalObserved(w, err)
	if err != nil {
		l.logger.Error("withdraw error", zap.Error(err), zap.String("token", token.Hex()))
		return nil, fmt.Errorf("%w: withdraw %s: %w", ErrTransferFailed, token.Hex(), err)
	}

	l.logger.Info("tokens withdrawn",
		zap.String("token", token.Hex()),
		zap.String("amount", balance.String()),
		zap.String("recipient", l.admin.Hex()),
	)
	return &w, nil
}

// Withdrawals возвращает историю выводов.
func (l *Ledger) Withdrawals(ctx context.Context, caller common.Address) ([]model.Withdrawal, error) {
	if caller != l.admin {
		return nil, ErrUnauthorized
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.store.Withdrawals(ctx)
}

func (l *Ledger) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.gatewayTimeout > 0 {
		return context.WithTimeout(ctx, l.gatewayTimeout)
	}
	return context.WithCancel(ctx)
}

// lookup возвращает позицию первой записи с токеном token или -1.
func lookup(catalog []model.TokenPricing, token common.Address) int {
	for i, entry := range catalog {
		if entry.Token == token {
			return i
		}
	}
	return -1
}

func validAmount(v *big.Int) bool {
	return v != nil && v.Sign() >= 0
}

func cloneCatalog(entries []model.TokenPricing) []model.TokenPricing {
	out := make([]model.TokenPricing, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Clone())
	}
	return out
}
