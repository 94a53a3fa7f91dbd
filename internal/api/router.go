package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"garagemsg/internal/auth"
	"garagemsg/internal/config"
	"garagemsg/internal/governor"
	"garagemsg/internal/idempotency"
	"garagemsg/internal/metrics"
)

// Router mounts every route. Mutating /v1 routes pass auth, then admission
// control, then the idempotency cache before reaching the handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Get("/readyz", s.ready)
	r.Handle("/metrics", metrics.Handler())

	r.Get("/webhooks/inbound", s.Inbound.VerifyHandler)
	r.Post("/webhooks/inbound", s.Inbound.ReceiveHandler)

	idem := idempotency.Middleware(s.Idem, auth.TenantOf)
	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.Auth, s.Log))

		r.Get("/messages/stream", s.messageStream)
		r.With(s.limit(config.ClassMessages), withRecipient, s.limitRecipient(), idem).Post("/messages", s.sendMessage)
		r.Get("/messages/{id}", s.getMessage)
		r.With(s.limit(config.ClassMessages), idem).Post("/messages/{id}/resend", s.resendMessage)

		r.With(s.limit(config.ClassVehicles), idem).Post("/vehicles", s.createVehicle)
		r.With(s.limit(config.ClassVehicles)).Delete("/vehicles/{id}", s.deleteVehicle)

		r.With(s.limit(config.ClassWebhooks), idem).Post("/webhooks", s.createWebhook)
		r.Get("/webhooks", s.listWebhooks)
		r.Delete("/webhooks/{id}", s.deleteWebhook)

		r.With(idem).Post("/events", s.publishEvent)

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/webhook-dead-letters", s.listDeadLetters)
			r.With(idem).Post("/webhook-dead-letters/{id}/redeliver", s.redeliverDeadLetter)
			r.Get("/debug", s.debugInfo)
		})
	})
	return r
}

func (s *Server) limit(class string) func(http.Handler) http.Handler {
	rl := s.Config.Rate(class)
	return governor.Middleware(governor.Options{
		Governor: s.Governor,
		Class:    class,
		Limit:    rl.Limit,
		Window:   rl.Window,
		TenantFn: auth.TenantOf,
	})
}

// limitRecipient bounds sends to one destination number independently of the
// tenant-wide window. Requests without a recipient fall through to validation.
func (s *Server) limitRecipient() func(http.Handler) http.Handler {
	rl := s.Config.Rate(config.ClassMessagesRecipient)
	limited := governor.Middleware(governor.Options{
		Governor: s.Governor,
		Class:    config.ClassMessagesRecipient,
		Limit:    rl.Limit,
		Window:   rl.Window,
		TenantFn: auth.TenantOf,
		SubKeyFn: recipientOf,
	})
	return func(next http.Handler) http.Handler {
		gated := limited(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if recipientOf(r) == "" {
				next.ServeHTTP(w, r)
				return
			}
			gated.ServeHTTP(w, r)
		})
	}
}
