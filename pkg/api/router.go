package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mihaimyh/specquota/pkg/auth"
)

// Router mounts every route on a chi router.
//
//	POST /api/specs/consume-credit
//	GET  /api/specs/entitlements
//	POST /api/lemon/checkout
//	POST /api/lemon/subscription/cancel
//	POST /api/lemon/subscription/resume
//	POST /api/lemon/webhook                        (signature checked)
//	GET  /api/lemon/counter                        (public)
//	GET  /api/admin/users/{userID}/entitlements
//	GET  /api/admin/users/{userID}/transactions
//	POST /api/admin/users/{userID}/credits
//	POST /api/admin/users/{userID}/refund
//	POST /api/admin/users/{userID}/pro
//	GET  /api/admin/users/{userID}/subscription/resolve
//	GET  /metrics, GET /health
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if h.config.TrustForwardedFor {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	if h.config.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", h.config.MetricsHandler)
	}

	authn := h.config.Auth.Middleware

	r.Route("/api", func(r chi.Router) {
		r.Route("/specs", func(r chi.Router) {
			r.Use(authn)
			r.Post("/consume-credit", h.ConsumeCredit)
			r.Get("/entitlements", h.GetEntitlements)
		})

		if h.config.Billing != nil {
			r.Route("/lemon", func(r chi.Router) {
				r.Handle("/webhook", h.config.Billing.WebhookHandler())
				r.Get("/counter", h.Counter)

				r.Group(func(r chi.Router) {
					r.Use(authn)
					r.Post("/checkout", h.Checkout)
					r.Post("/subscription/cancel", h.CancelSubscription)
					r.Post("/subscription/resume", h.ResumeSubscription)
				})
			})
		}

		r.Route("/admin/users/{userID}", func(r chi.Router) {
			r.Use(authn, auth.RequireAdmin)
			r.Get("/entitlements", h.AdminGetEntitlements)
			r.Get("/transactions", h.AdminListTransactions)
			r.Post("/credits", h.AdminGrantCredits)
			r.Post("/refund", h.AdminRefund)
			r.Post("/pro", h.AdminSetPro)
			if h.config.Billing != nil {
				r.Get("/subscription/resolve", h.AdminResolveSubscription)
			}
		})
	})

	return r
}
