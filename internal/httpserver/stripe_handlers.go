package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/fitsa/fitsa-server/internal/identity"
	"github.com/fitsa/fitsa-server/internal/payments"
)

// maxWebhookBytes caps Stripe webhook payloads.
const maxWebhookBytes = 1 << 20

// handleCreateCheckoutSession opens a Stripe Checkout session for the
// caller's user key.
func (s *Server) handleCreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		writeError(w, http.StatusServiceUnavailable, "Payments are not configured")
		return
	}
	userKey := identity.EnsureSession(w, r)

	domain := s.publicBaseURL
	if domain == "" {
		scheme := "https"
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			scheme = "http"
		}
		domain = scheme + "://" + r.Host
	}

	sess, err := s.payments.CreateCheckoutSession(userKey, domain)
	if err != nil {
		s.logger.Printf("create checkout session failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to create checkout session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleStripeWebhook settles checkout.session.completed deliveries.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		writeError(w, http.StatusServiceUnavailable, "Payments are not configured")
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read webhook body")
		return
	}

	if err := s.payments.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		s.logger.Printf("webhook error: %v", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// handleCompletePurchase settles a session from the success page. Idempotent
// against page refreshes and webhook races.
func (s *Server) handleCompletePurchase(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		writeError(w, http.StatusServiceUnavailable, "Payments are not configured")
		return
	}
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" {
		writeError(w, http.StatusBadRequest, "No session_id provided")
		return
	}

	res, err := s.payments.CompletePurchase(r.Context(), body.SessionID)
	if err != nil {
		if errors.Is(err, payments.ErrPaymentIncomplete) {
			writeError(w, http.StatusBadRequest, "Payment not completed")
			return
		}
		s.logger.Printf("complete purchase failed: %v", err)
		writeError(w, http.StatusBadRequest, "Failed to complete purchase")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"credits_added": res.CreditsAdded,
		"new_balance": map[string]int{
			"remaining_free": res.Status.RemainingFree,
			"credits":        res.Status.Credits,
		},
	})
}

// handleSimulatePurchase grants a credit pack without Stripe. Registered
// only when simulate_purchases is enabled.
func (s *Server) handleSimulatePurchase(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		writeError(w, http.StatusServiceUnavailable, "Payments are not configured")
		return
	}
	userKey := identity.EnsureSession(w, r)

	res, err := s.payments.SimulatePurchase(r.Context(), userKey, "sim_"+uuid.NewString())
	if err != nil {
		s.logger.Printf("simulate purchase failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to simulate purchase")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"credits_added": res.CreditsAdded,
		"new_balance": map[string]int{
			"remaining_free": res.Status.RemainingFree,
			"credits":        res.Status.Credits,
		},
	})
}
