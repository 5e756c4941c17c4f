package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"expodesk.app/cloud/internal/logger"
	"expodesk.app/cloud/internal/session"
	"github.com/go-chi/chi/v5"
)

type AdmitRequest struct {
	AccountID string `json:"account_id"`
	Token     string `json:"token"`
}

type AdmitResponse struct {
	Admitted  bool   `json:"admitted"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	// RedirectTo points the dashboard at the session-limit surface when
	// admission is denied.
	RedirectTo string `json:"redirect_to,omitempty"`
}

type SessionResponse struct {
	ID           string    `json:"id"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	IsCurrent    bool      `json:"is_current"`
}

// AdmitSession checks a session token against the account's concurrency cap.
func (s *Server) AdmitSession(w http.ResponseWriter, r *http.Request) {
	var req AdmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.AccountID == "" || req.Token == "" {
		writeErrorResponse(w, http.StatusBadRequest, "account_id and token required")
		return
	}

	sess, err := s.Sessions.Admit(r.Context(), req.AccountID, req.Token, session.Meta{
		IPAddress: r.RemoteAddr,
		UserAgent: r.Header.Get("User-Agent"),
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrLimitReached):
			writeJSON(w, http.StatusConflict, AdmitResponse{
				Admitted:   false,
				Reason:     "session_limit",
				RedirectTo: "/account/sessions",
			})
		case errors.Is(err, session.ErrAccountNotFound):
			writeErrorResponse(w, http.StatusNotFound, "Account not found")
		default:
			logger.Error("Session admission failed", map[string]interface{}{
				"error":      err.Error(),
				"account_id": req.AccountID,
			})
			writeErrorResponse(w, http.StatusInternalServerError, "Admission check failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, AdmitResponse{
		Admitted:  true,
		SessionID: sess.ID,
	})
}

// CloseSession deletes a session. Idempotent: closing twice is still a 204.
func (s *Server) CloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "account_id required")
		return
	}

	if err := s.Sessions.Close(r.Context(), accountID, sessionID); err != nil {
		logger.Error("Session close failed", map[string]interface{}{
			"error":      err.Error(),
			"account_id": accountID,
			"session_id": sessionID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to close session")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListSessions returns the account's active sessions; the caller's own
// session is flagged via the X-Session-Token header.
func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	currentToken := r.Header.Get("X-Session-Token")

	active, err := s.Sessions.List(r.Context(), accountID, currentToken)
	if err != nil {
		logger.Error("Session list failed", map[string]interface{}{
			"error":      err.Error(),
			"account_id": accountID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}

	sessions := make([]SessionResponse, 0, len(active))
	for _, as := range active {
		sessions = append(sessions, SessionResponse{
			ID:           as.ID,
			IPAddress:    as.IPAddress,
			UserAgent:    as.UserAgent,
			CreatedAt:    as.CreatedAt,
			LastActivity: as.LastActivity,
			IsCurrent:    as.IsCurrent,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}
