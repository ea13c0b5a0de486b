package repository

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mmeshcher/svpn-ledger/internal/model"
)

// MemoryStore хранит состояние леджера в памяти процесса.
type MemoryStore struct {
	mu sync.RWMutex

	catalog     []model.TokenPricing
	records     []model.UserRecord
	byUser      map[common.Address][]int
	ids         map[string]struct{}
	sales       model.Sales
	withdrawals []model.Withdrawal
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byUser: make(map[common.Address][]int),
		ids:    make(map[string]struct{}),
	}
}

// Close ничего не делает.
func (s *MemoryStore) Close() error { return nil }

// SeedCatalog записывает entries, только если каталог пуст.
func (s *MemoryStore) SeedCatalog(_ context.Context, entries []model.TokenPricing) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.catalog) > 0 || len(entries) == 0 {
		return false, nil
	}
	s.appendLocked(entries)
	return true, nil
}

// AppendTokens добавляет записи в конец каталога.
func (s *MemoryStore) AppendTokens(_ context.Context, entries []model.TokenPricing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendLocked(entries)
	return nil
}

func (s *MemoryStore) appendLocked(entries []model.TokenPricing) {
	for _, e := range entries {
		s.catalog = append(s.catalog, e.Clone())
	}
}

// Catalog возвращает копию каталога.
func (s *MemoryStore) Catalog(_ context.Context) ([]model.TokenPricing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.TokenPricing, 0, len(s.catalog))
	for _, e := range s.catalog {
		out = append(out, e.Clone())
	}
	return out, nil
}

// UpdatePrice перезаписывает цену тарифа plan у записи каталога на позиции position.
func (s *MemoryStore) UpdatePrice(_ context.Context, position int, plan model.Plan, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if position < 0 || position >= len(s.catalog) {
		return fmt.Errorf("%w: position %d", ErrCatalogPosition, position)
	}

	v := new(big.Int).Set(amount)
	if plan == model.PlanYearly {
		s.catalog[position].YearlyPrice = v
	} else {
		s.catalog[position].MonthlyPrice = v
	}
	return nil
}

// RecordPayment добавляет запись оплаты и увеличивает счётчики продаж.
func (s *MemoryStore) RecordPayment(_ context.Context, rec model.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[rec.UserID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateUserID, rec.UserID)
	}

	s.ids[rec.UserID] = struct{}{}
	s.records = append(s.records, rec.Clone())
	s.byUser[rec.User] = append(s.byUser[rec.User], len(s.records)-1)

	switch rec.Plan {
	case model.PlanMonthly:
		s.sales.Monthly++
	case model.PlanYearly:
		s.sales.Yearly++
	}
	s.sales.Overall++
	return nil
}

// UserRecords возвращает оплаты пользователя в порядке вставки.
func (s *MemoryStore) UserRecords(_ context.Context, user common.Address) ([]model.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.byUser[user]
	out := make([]model.UserRecord, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.records[i].Clone())
	}
	return out, nil
}

// Records возвращает все оплаты в порядке вставки.
func (s *MemoryStore) Records(_ context.Context) ([]model.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.UserRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	return out, nil
}

// Sales возвращает текущие счётчики продаж.
func (s *MemoryStore) Sales(_ context.Context) (model.Sales, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sales, nil
}

// RecordWithdrawal сохраняет факт вывода средств.
func (s *MemoryStore) RecordWithdrawal(_ context.Context, w model.Withdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.Amount = new(big.Int).Set(w.Amount)
	s.withdrawals = append(s.withdrawals, w)
	return nil
}

// Withdrawals возвращает историю выводов в порядке вставки.
func (s *MemoryStore) Withdrawals(_ context.Context) ([]model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Withdrawal, 0, len(s.withdrawals))
	for _, w := range s.withdrawals {
		w.Amount = new(big.Int).Set(w.Amount)
		out = append(out, w)
	}
	return out, nil
}
