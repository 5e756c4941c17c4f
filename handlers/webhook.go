package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"expodesk.app/cloud/internal/entitlement"
	"expodesk.app/cloud/internal/logger"
	"expodesk.app/cloud/internal/paypal"
	"expodesk.app/cloud/models"
)

const maxWebhookBodyBytes = int64(65536)

// PayPalWebhook is the asynchronous reconciliation front door. The gateway
// redelivers events until it sees a 2xx, so anything already handled (or not
// handled at all) still returns 200; only a failed signature gets a 401 and
// only a storage failure gets a 500.
func (s *Server) PayPalWebhook(w http.ResponseWriter, r *http.Request) {
	logger.Info("Gateway webhook received", map[string]interface{}{
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.Header.Get("User-Agent"),
	})

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		writeErrorResponse(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	headers := paypal.WebhookHeadersFromRequest(r)
	if err := s.Signatures.VerifySignature(headers, payload); err != nil {
		logger.Warn("Webhook signature rejected", map[string]interface{}{
			"error":           err.Error(),
			"transmission_id": headers.TransmissionID,
		})
		writeErrorResponse(w, http.StatusUnauthorized, "Signature verification failed")
		return
	}

	var event paypal.WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.Error("Failed to parse webhook JSON", map[string]interface{}{
			"error": err.Error(),
		})
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	logger.Info("Webhook event parsed", map[string]interface{}{
		"event_type": event.EventType,
		"event_id":   event.ID,
	})

	if err := s.handleWebhookEvent(r, &event); err != nil {
		logger.Error("Webhook processing failed", map[string]interface{}{
			"error":      err.Error(),
			"event_type": event.EventType,
			"event_id":   event.ID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Processing failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) handleWebhookEvent(r *http.Request, event *paypal.WebhookEvent) error {
	ctx := r.Context()

	var resource paypal.WebhookResource
	if len(event.Resource) > 0 {
		if err := json.Unmarshal(event.Resource, &resource); err != nil {
			logger.Error("Failed to unmarshal webhook resource", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			// Malformed resource from a signed delivery: drop, don't retry.
			return nil
		}
	}

	switch event.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		return s.applyFromWebhook(ctx, &resource, models.StatusCompleted)

	// Approval means the payer signed off, not that money moved. The grant
	// waits for the capture event.
	case "CHECKOUT.ORDER.APPROVED":
		return s.applyFromWebhook(ctx, &resource, models.StatusPending)

	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		return s.applyFromWebhook(ctx, &resource, models.StatusFailed)

	case "PAYMENT.CAPTURE.REFUNDED", "PAYMENT.CAPTURE.REVERSED":
		return s.reverseFromWebhook(ctx, &resource)

	default:
		logger.Info("Unhandled webhook event type", map[string]interface{}{
			"event_type": event.EventType,
			"event_id":   event.ID,
		})
		return nil
	}
}

func (s *Server) applyFromWebhook(ctx context.Context, resource *paypal.WebhookResource, status string) error {
	orderID := resource.OrderID()
	if orderID == "" {
		logger.Warn("Webhook resource carries no order id")
		return nil
	}

	entry, err := s.Storage.FindLedgerEntryByPaymentID(ctx, orderID)
	if err != nil {
		return err
	}

	var accountID, kind string
	var units int64
	if entry != nil {
		accountID = entry.AccountID
		kind = entry.Kind
		units = entry.Units
	} else {
		accountID, kind, units = parseCustomID(resource.CustomID)
		if accountID == "" {
			logger.Warn("Webhook for unknown payment without custom id, skipping", map[string]interface{}{
				"payment_id": orderID,
			})
			return nil
		}
		if kind == "" {
			kind = models.KindExhibitorSlots
		}
	}

	paidCents := int64(0)
	currency := s.Applier.Currency
	if resource.Amount.Value != "" {
		paidCents, err = paypal.ParseAmountCents(resource.Amount.Value)
		if err != nil {
			logger.Warn("Webhook amount unparseable", map[string]interface{}{
				"error":      err.Error(),
				"payment_id": orderID,
			})
			return nil
		}
		currency = resource.Amount.CurrencyCode
	} else if entry != nil {
		paidCents = entry.PaidCents
		currency = entry.Currency
	}

	if units < 1 {
		units, err = s.Applier.UnitsForAmount(kind, paidCents)
		if err != nil {
			logger.Warn("Cannot derive units from webhook amount", map[string]interface{}{
				"error":      err.Error(),
				"payment_id": orderID,
				"kind":       kind,
			})
			return nil
		}
	}

	_, err = s.Applier.Apply(ctx, entitlement.ApplyRequest{
		AccountID: accountID,
		PaymentID: orderID,
		Kind:      kind,
		Units:     units,
		PaidCents: paidCents,
		Currency:  currency,
		Status:    status,
	})
	if err != nil {
		// Integrity conflicts are final: retrying the same delivery cannot
		// fix them, so log and acknowledge.
		if errors.Is(err, entitlement.ErrInvalidTransition) ||
			errors.Is(err, entitlement.ErrAccountNotFound) ||
			errors.Is(err, entitlement.ErrAmountMismatch) ||
			errors.Is(err, entitlement.ErrInvalidRequest) {
			logger.Warn("Webhook apply rejected", map[string]interface{}{
				"error":      err.Error(),
				"payment_id": orderID,
			})
			return nil
		}
		return err
	}

	return nil
}

func (s *Server) reverseFromWebhook(ctx context.Context, resource *paypal.WebhookResource) error {
	orderID := resource.OrderID()
	if orderID == "" {
		logger.Warn("Refund webhook carries no order id")
		return nil
	}

	_, err := s.Applier.Reverse(ctx, orderID)
	if err != nil {
		if errors.Is(err, entitlement.ErrLedgerEntryNotFound) ||
			errors.Is(err, entitlement.ErrInvalidTransition) {
			logger.Warn("Refund webhook rejected", map[string]interface{}{
				"error":      err.Error(),
				"payment_id": orderID,
			})
			return nil
		}
		return err
	}

	return nil
}

// parseCustomID splits the "account|kind|units" value the dashboard attaches
// to orders at creation time.
func parseCustomID(customID string) (accountID, kind string, units int64) {
	if customID == "" {
		return "", "", 0
	}

	parts := strings.Split(customID, "|")
	accountID = parts[0]
	if len(parts) > 1 && models.ValidKind(parts[1]) {
		kind = parts[1]
	}
	if len(parts) > 2 {
		if parsed, err := strconv.ParseInt(parts[2], 10, 64); err == nil && parsed > 0 {
			units = parsed
		}
	}
	return accountID, kind, units
}
