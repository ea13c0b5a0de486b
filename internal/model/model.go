// Package model содержит доменные сущности сервиса подписок SVPN.
package model

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Plan описывает тариф подписки.
type Plan string

const (
	PlanMonthly Plan = "MONTHLY"
	PlanYearly  Plan = "YEARLY"
)

// ParsePlan преобразует строковое представление тарифа.
func ParsePlan(s string) (Plan, error) {
	switch Plan(s) {
	case PlanMonthly, PlanYearly:
		return Plan(s), nil
	default:
		return "", fmt.Errorf("unknown plan %q", s)
	}
}

// TokenPricing описывает принимаемый токен и его цены в минимальных единицах токена.
type TokenPricing struct {
	Token        common.Address
	MonthlyPrice *big.Int
	YearlyPrice  *big.Int
}

// Price возвращает цену для указанного тарифа.
func (p TokenPricing) Price(plan Plan) *big.Int {
	if plan == PlanYearly {
		return p.YearlyPrice
	}
	return p.MonthlyPrice
}

// Clone возвращает копию записи, не разделяющую значения цен.
func (p TokenPricing) Clone() TokenPricing {
	return TokenPricing{
		Token:        p.Token,
		MonthlyPrice: cloneAmount(p.MonthlyPrice),
		YearlyPrice:  cloneAmount(p.YearlyPrice),
	}
}

// UserRecord описывает одну успешную оплату.
type UserRecord struct {
	UserID     string
	User       common.Address
	Token      common.Address
	Plan       Plan
	PaidAmount *big.Int
	PaidAt     time.Time
}

// Clone возвращает копию записи, не разделяющую сумму оплаты.
func (r UserRecord) Clone() UserRecord {
	r.PaidAmount = cloneAmount(r.PaidAmount)
	return r
}

// Sales содержит счётчики успешных продаж.
type Sales struct {
	Monthly uint64 `json:"total_monthly_sales"`
	Yearly  uint64 `json:"total_yearly_sales"`
	Overall uint64 `json:"overall_sales"`
}

// Withdrawal описывает перевод накопленного баланса токена администратору.
type Withdrawal struct {
	Token       common.Address
	Recipient   common.Address
	Amount      *big.Int
	ProcessedAt time.Time
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
