package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/svpn-ledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware леджера подписок.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	// /metrics отдаётся без GzipMiddleware: экспортёр сам решает, сжимать ли ответ.
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	r.With(custommiddleware.GzipMiddleware).Route("/api", func(r chi.Router) {
		r.Get("/catalog", h.GetCatalog)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/catalog", h.AddTokens)
			r.Put("/catalog/{token}/monthly", h.UpdateMonthlyPrice)
			r.Put("/catalog/{token}/yearly", h.UpdateYearlyPrice)

			r.Post("/payments/monthly", h.PayMonthly)
			r.Post("/payments/yearly", h.PayYearly)

			r.Get("/users/{address}/ids", h.GetUserIDs)
			r.Get("/users/{address}/records", h.GetUserInfo)

			r.Get("/sales", h.GetSales)
			r.Get("/sales/{counter}", h.GetSalesCounter)

			r.Get("/records", h.GetRecords)

			r.Post("/withdrawals", h.Withdraw)
			r.Get("/withdrawals", h.GetWithdrawals)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
