package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

const maxIDLen = 255

// Handler provides HTTP endpoints for entitlement inspection
type Handler struct {
	config Config
}

// GetStatus returns the caller's entitlements and whether an export is currently allowed
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}
	if len(userID) > maxIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	acct, err := h.config.Accounts.GetAccount(r.Context(), userID)
	if errors.Is(err, entitlement.ErrAccountNotFound) {
		h.handleError(w, r, err, http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get account: %w", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, NewStatusResponse(acct, h.config.Now()))
}

// GetEvent returns one ledger row. Responds 404 when no ledger is configured.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	if h.config.Ledger == nil {
		h.handleError(w, r, entitlement.ErrEventNotFound, http.StatusNotFound)
		return
	}

	eventID := h.config.GetEventID(r)
	if eventID == "" || len(eventID) > maxIDLen {
		h.handleError(w, r, fmt.Errorf("invalid event ID"), http.StatusBadRequest)
		return
	}

	ev, err := h.config.Ledger.GetEvent(r.Context(), eventID)
	if errors.Is(err, entitlement.ErrEventNotFound) {
		h.handleError(w, r, err, http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get billing event: %w", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, EventResponse{
		EventID:     ev.EventID,
		EventType:   ev.EventType,
		Status:      string(ev.Status),
		Effect:      string(ev.Effect),
		AccountID:   ev.AccountID,
		CustomerID:  ev.CustomerID,
		Plan:        ev.Plan,
		Amount:      ev.Amount,
		Currency:    ev.Currency,
		Attempts:    ev.Attempts,
		Error:       ev.Error,
		ReceivedAt:  ev.ReceivedAt,
		ProcessedAt: ev.ProcessedAt,
	})
}

// NewStatusResponse builds the status view of acct at now
func NewStatusResponse(acct *entitlement.Account, now time.Time) StatusResponse {
	source, reason := acct.CanExport(now)

	return StatusResponse{
		AccountID: acct.ID,
		Subscription: SubscriptionStatus{
			Tier:           acct.SubscriptionTier,
			Status:         string(acct.Status()),
			SubscriptionID: acct.SubscriptionID,
			MonthlyQuota:   acct.MonthlyQuota,
			Used:           acct.MonthlyQuotaUsed,
			Remaining:      acct.QuotaRemaining(),
			ResetAt:        acct.MonthlyQuotaResetAt,
		},
		Credits: CreditStatus{
			Balance:   acct.CreditBalance,
			ExpiresAt: acct.CreditExpiry,
			Usable:    acct.CreditsUsable(now),
		},
		OneTimeExports:      acct.OneTimeExportCount,
		NeedsPayment:        acct.NeedsPayment,
		ExportBlockedReason: acct.ExportBlockedReason,
		Export: ExportDecision{
			Allowed: source != entitlement.ExportSourceNone,
			Source:  string(source),
			Reason:  reason,
		},
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Log encoding error but response already sent
		return
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	writeJSON(w, statusCode, map[string]string{
		"error": err.Error(),
	})
}
