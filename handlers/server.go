package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"expodesk.app/cloud/internal/entitlement"
	"expodesk.app/cloud/internal/logger"
	"expodesk.app/cloud/internal/paypal"
	"expodesk.app/cloud/internal/ratelimit"
	"expodesk.app/cloud/internal/session"
	"expodesk.app/cloud/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// OrderVerifier is the payment verifier surface the capture handler needs.
type OrderVerifier interface {
	Verify(ctx context.Context, paymentID string) (*paypal.Verification, error)
}

// WebhookVerifier checks webhook payload authenticity.
type WebhookVerifier interface {
	VerifySignature(headers paypal.WebhookHeaders, body []byte) error
}

type Server struct {
	Router     chi.Router
	Storage    storage.Storage
	Verifier   OrderVerifier
	Signatures WebhookVerifier
	Applier    *entitlement.Applier
	Sessions   *session.Controller
	Limiter    ratelimit.RateLimit
	Version    string
}

func NewServer(db storage.Storage, verifier OrderVerifier, signatures WebhookVerifier, applier *entitlement.Applier, sessions *session.Controller) *Server {
	s := &Server{
		Router:     chi.NewRouter(),
		Storage:    db,
		Verifier:   verifier,
		Signatures: signatures,
		Applier:    applier,
		Sessions:   sessions,
		Limiter:    ratelimit.New(60, time.Minute),
		Version:    "dev",
	}

	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*.expodesk.app", "http://localhost:*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Session-Token"},
		MaxAge:         300,
	}))

	s.Router.Get("/health", s.Health)

	s.Router.Route("/api/v1", func(r chi.Router) {
		r.With(s.rateLimit).Post("/payments/capture", s.CapturePayment)
		r.With(s.rateLimit).Post("/webhooks/paypal", s.PayPalWebhook)

		r.Post("/sessions/admit", s.AdmitSession)
		r.Delete("/sessions/{sessionID}", s.CloseSession)
		r.Get("/accounts/{accountID}/sessions", s.ListSessions)
	})

	return s
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Limiter.Allow(r.RemoteAddr) {
			writeErrorResponse(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   s.Version,
		Timestamp: time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", map[string]interface{}{
			"error":  err.Error(),
			"status": status,
		})
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
