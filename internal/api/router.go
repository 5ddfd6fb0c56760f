package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"campaign-dispatch/internal/auth"
	"campaign-dispatch/internal/observability"
)

// Router mounts the API. A nil verifier disables bearer auth.
func Router(h *Handler, verifier *auth.Verifier) http.Handler {
	r := chi.NewRouter()

	r.Use(observability.Measure)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(20 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(verifier))

		r.Get("/customers", h.ListCustomers)

		r.Post("/rules", h.CreateRule)
		r.Get("/rules", h.ListRules)
		r.Post("/rules/preview", h.PreviewRule)
		r.Get("/rules/fields", h.RuleFields)
		r.Get("/rules/{id}", h.GetRule)
		r.Get("/rules/{id}/explain/{customerID}", h.ExplainRule)

		r.Post("/campaigns", h.CreateCampaign)
		r.Get("/campaigns", h.ListCampaigns)
		r.Get("/campaigns/stats", h.CampaignStats)
		r.Get("/campaigns/{id}", h.GetCampaign)
		r.Get("/campaigns/{id}/status", h.CampaignStatus)
		r.Get("/campaigns/{id}/deliveries", h.CampaignDeliveries)
		r.Post("/campaigns/{id}/dispatch", h.DispatchCampaign)
		r.Post("/campaigns/{id}/resume", h.ResumeCampaign)
		r.Post("/campaigns/{id}/cancel", h.CancelCampaign)
		r.Post("/campaigns/{id}/duplicate", h.DuplicateCampaign)

		r.Post("/messages/generate", h.GenerateMessage)
	})

	return otelhttp.NewHandler(r, "campaign-api")
}
