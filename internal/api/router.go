package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/v1/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/campaigns", func(r chi.Router) {
		r.Post("/", h.CreateCampaign)
		r.Get("/", h.ListCampaigns)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetCampaign)
			r.Put("/", h.UpdateCampaign)
			r.Delete("/", h.DeleteCampaign)

			r.Post("/start", h.StartCampaign)
			r.Post("/pause", h.PauseCampaign)
			r.Post("/cancel", h.CancelCampaign)
			r.Post("/reset", h.ResetCampaign)

			r.Post("/contacts/import", h.ImportContacts)
			r.Get("/contacts", h.ListContacts)
			r.Get("/logs", h.ListMessageLogs)
		})
	})

	r.Get("/v1/gateway/status", h.GatewayStatus)
	r.Get("/v1/dashboard/stats", h.DashboardStats)

	return r
}
