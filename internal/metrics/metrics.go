// Package metrics содержит Prometheus-метрики леджера подписок.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mmeshcher/svpn-ledger/internal/model"
)

// Metrics хранит коллекторы леджера. Нулевой указатель допустим и ничего не записывает.
type Metrics struct {
	payments    *prometheus.CounterVec
	failures    *prometheus.CounterVec
	withdrawals *prometheus.CounterVec
}

// New создаёт коллекторы и регистрирует их в reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "svpn",
			Subsystem: "ledger",
			Name:      "payments_total",
			Help:      "Successful subscription payments segmented by plan and token.",
		}, []string{"plan", "token"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "svpn",
			Subsystem: "ledger",
			Name:      "payment_failures_total",
			Help:      "Rejected subscription payments segmented by plan and reason.",
		}, []string{"plan", "reason"}),
		withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "svpn",
			Subsystem: "ledger",
			Name:      "withdrawals_total",
			Help:      "Token withdrawals to the administrator segmented by token and outcome.",
		}, []string{"token", "outcome"}),
	}

	reg.MustRegister(m.payments, m.failures, m.withdrawals)
	return m
}

// PaymentSucceeded учитывает успешную оплату.
func (m *Metrics) PaymentSucceeded(rec model.UserRecord) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(string(rec.Plan), rec.Token.Hex()).Inc()
}

// PaymentFailed учитывает отклонённую оплату.
func (m *Metrics) PaymentFailed(plan model.Plan, reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(plan), reason).Inc()
}

// WithdrawalObserved учитывает результат вывода одного токена.
func (m *Metrics) WithdrawalObserved(w model.Withdrawal, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.withdrawals.WithLabelValues(w.Token.Hex(), outcome).Inc()
}
