package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"expodesk.app/cloud/internal/entitlement"
	"expodesk.app/cloud/internal/logger"
	"expodesk.app/cloud/internal/paypal"
	"expodesk.app/cloud/models"
)

// CaptureRequest is the synchronous front door payload, sent by the
// dashboard client right after it finishes checkout with the gateway. Only
// account_id, units and payment_id are acted on; payment_status is client
// state and is re-verified against the gateway, never trusted.
type CaptureRequest struct {
	AccountID     string `json:"account_id"`
	Units         int64  `json:"units"`
	PaymentID     string `json:"payment_id"`
	PaymentStatus string `json:"payment_status"`
	Kind          string `json:"kind"`
	Locale        string `json:"locale"`
}

type CaptureResponse struct {
	Status        string `json:"status"`
	PreviousQuota int64  `json:"previous_quota"`
	NewQuota      int64  `json:"new_quota,omitempty"`
	Units         int64  `json:"units"`
}

func (cr CaptureRequest) validate() error {
	if cr.AccountID == "" {
		return fmt.Errorf("account_id required")
	}
	if cr.PaymentID == "" {
		return fmt.Errorf("payment_id required")
	}
	if cr.Units < 1 {
		return fmt.Errorf("units must be at least 1")
	}
	if cr.Kind != "" && !models.ValidKind(cr.Kind) {
		return fmt.Errorf("unknown kind")
	}
	return nil
}

// CapturePayment is the synchronous reconciliation front door.
func (s *Server) CapturePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if err := req.validate(); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	kind := req.Kind
	if kind == "" {
		kind = models.KindExhibitorSlots
	}
	units := req.Units
	if kind == models.KindModule {
		units = 1
	}

	logger.Info("Capture request received", map[string]interface{}{
		"account_id":  req.AccountID,
		"payment_id":  req.PaymentID,
		"kind":        kind,
		"units":       units,
		"remote_addr": r.RemoteAddr,
	})

	verification, err := s.Verifier.Verify(ctx, req.PaymentID)
	if err != nil {
		switch {
		case errors.Is(err, paypal.ErrOrderNotFound):
			writeErrorResponse(w, http.StatusNotFound, "Payment not found")
		case errors.Is(err, paypal.ErrGatewayUnreachable):
			writeErrorResponse(w, http.StatusBadGateway, "Payment gateway unavailable, try again later")
		default:
			logger.Error("Payment verification failed", map[string]interface{}{
				"error":      err.Error(),
				"payment_id": req.PaymentID,
			})
			writeErrorResponse(w, http.StatusInternalServerError, "Payment verification failed")
		}
		return
	}

	// The order's custom_id carries what the checkout actually sold. When the
	// gateway reports one, the client's claims have to agree with it.
	if verification.CustomID != "" {
		custAccount, custKind, custUnits := parseCustomID(verification.CustomID)
		mismatch := custAccount != "" && custAccount != req.AccountID ||
			custKind != "" && custKind != kind ||
			custUnits > 0 && custUnits != units
		if mismatch {
			logger.Warn("Capture request disagrees with order custom_id", map[string]interface{}{
				"payment_id": req.PaymentID,
				"account_id": req.AccountID,
				"custom_id":  verification.CustomID,
			})
			writeErrorResponse(w, http.StatusBadRequest, "Request does not match the checkout order")
			return
		}
	}

	expected, err := s.Applier.ExpectedCents(kind, units)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	// Completed orders must have paid exactly the configured price for the
	// requested units. This is what defeats a tampered client quantity.
	if verification.Status == models.StatusCompleted {
		if verification.PaidCents != expected || verification.Currency != s.Applier.Currency {
			logger.Warn("Paid amount mismatch", map[string]interface{}{
				"payment_id":     req.PaymentID,
				"expected_cents": expected,
				"paid_cents":     verification.PaidCents,
				"currency":       verification.Currency,
			})
			writeErrorResponse(w, http.StatusBadRequest, "Paid amount does not match requested units")
			return
		}
	}

	entry, err := s.Applier.Apply(ctx, entitlement.ApplyRequest{
		AccountID: req.AccountID,
		PaymentID: verification.PaymentID,
		Kind:      kind,
		Units:     units,
		PaidCents: verification.PaidCents,
		Currency:  verification.Currency,
		Status:    verification.Status,
	})
	if err != nil {
		switch {
		case errors.Is(err, entitlement.ErrInvalidTransition):
			writeErrorResponse(w, http.StatusConflict, "Payment is in a conflicting state")
		case errors.Is(err, entitlement.ErrAccountNotFound):
			writeErrorResponse(w, http.StatusNotFound, "Account not found")
		case errors.Is(err, entitlement.ErrAmountMismatch):
			writeErrorResponse(w, http.StatusBadRequest, "Paid amount does not match requested units")
		case errors.Is(err, entitlement.ErrInvalidRequest):
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
		default:
			logger.Error("Quota apply failed", map[string]interface{}{
				"error":      err.Error(),
				"payment_id": req.PaymentID,
				"account_id": req.AccountID,
			})
			writeErrorResponse(w, http.StatusInternalServerError, "Failed to record payment")
		}
		return
	}

	switch entry.Status {
	case models.StatusCompleted:
		writeJSON(w, http.StatusOK, CaptureResponse{
			Status:        entry.Status,
			PreviousQuota: entry.PreviousQuota,
			NewQuota:      entry.NewQuota,
			Units:         entry.Units,
		})
	case models.StatusPending:
		writeJSON(w, http.StatusAccepted, CaptureResponse{
			Status:        entry.Status,
			PreviousQuota: entry.PreviousQuota,
			Units:         entry.Units,
		})
	default:
		writeErrorResponse(w, http.StatusBadRequest, "Payment was not completed")
	}
}
