package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/mihaimyh/specquota/pkg/auth"
	"github.com/mihaimyh/specquota/pkg/billing"
	"github.com/mihaimyh/specquota/pkg/billing/lemonsqueezy"
	"github.com/mihaimyh/specquota/pkg/credits"
)

const (
	maxBodyBytes = 64 << 10
	sourceAdmin  = "admin"
)

// Handler serves the credits, billing and admin endpoints
type Handler struct {
	config Config
}

// ConsumeCredit spends one credit for the spec in the body
func (h *Handler) ConsumeCredit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req ConsumeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	req.SpecID = strings.TrimSpace(req.SpecID)

	res, err := h.config.Ledger.ConsumeCredit(r.Context(), id.UserID, req.SpecID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConsumeResponse{
		Success:          true,
		TransactionID:    res.TransactionID,
		AlreadyProcessed: res.AlreadyProcessed,
		CreditSource:     res.CreditSource,
		Entitlements:     h.config.Ledger.View(res.Entitlements),
	})
}

// GetEntitlements returns the caller's entitlement summary
func (h *Handler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	view, err := h.config.Ledger.GetEntitlements(r.Context(), id.UserID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Checkout creates a hosted checkout for a catalog product
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req CheckoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	url, err := h.config.Billing.CheckoutURL(r.Context(), lemonsqueezy.CheckoutParams{
		UserID:      id.UserID,
		Email:       id.Email,
		ProductKey:  req.ProductKey,
		RedirectURL: req.RedirectURL,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckoutResponse{URL: url})
}

// CancelSubscription cancels the caller's subscription at period end
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	res, err := h.config.Billing.CancelSubscription(r.Context(), id.UserID, id.Email)
	h.writeChange(w, r, res, err)
}

// ResumeSubscription undoes a pending cancellation
func (h *Handler) ResumeSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	res, err := h.config.Billing.ResumeSubscription(r.Context(), id.UserID, id.Email)
	h.writeChange(w, r, res, err)
}

func (h *Handler) writeChange(w http.ResponseWriter, r *http.Request, res *lemonsqueezy.ChangeResult, err error) {
	if err != nil {
		var attempts []lemonsqueezy.Attempt
		if res != nil {
			attempts = res.Attempts
		}
		h.handleErrorWithAttempts(w, r, err, attempts)
		return
	}
	writeJSON(w, http.StatusOK, SubscriptionChangeResponse{
		Cancelled:      res.Status == credits.StatusCancelled,
		Changed:        res.Changed,
		SubscriptionID: res.SubscriptionID,
		Status:         res.Status,
		EndsAt:         res.EndsAt,
		ResolvedVia:    res.ResolvedVia,
		Attempts:       res.Attempts,
	})
}

// Counter returns the number of recorded purchases. Public.
func (h *Handler) Counter(w http.ResponseWriter, r *http.Request) {
	n, err := h.config.Billing.PurchaseCount(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSON(w, http.StatusOK, CounterResponse{Count: n})
}

// AdminGetEntitlements returns any user's entitlements
func (h *Handler) AdminGetEntitlements(w http.ResponseWriter, r *http.Request) {
	view, err := h.config.Ledger.GetEntitlements(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// AdminListTransactions returns a user's ledger, newest first
func (h *Handler) AdminListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := h.config.TransactionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.handleError(w, r, fmt.Errorf("%w: limit must be a positive integer", credits.ErrInvalidInput))
			return
		}
		limit = n
	}

	txs, err := h.config.Ledger.ListTransactions(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": toTransactionViews(txs)})
}

// AdminGrantCredits adds paid credits. The reference makes retries safe.
func (h *Handler) AdminGrantCredits(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req GrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Reference) == "" {
		h.handleError(w, r, fmt.Errorf("%w: reference is required", credits.ErrInvalidInput))
		return
	}

	userID := chi.URLParam(r, "userID")
	res, err := h.config.Ledger.GrantCredits(r.Context(), userID, req.Amount, sourceAdmin, map[string]string{
		"reference": req.Reference,
		"reason":    req.Reason,
		"admin_id":  admin.UserID,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.config.Logger.Info("admin granted credits",
		credits.F("admin_id", admin.UserID), credits.F("user_id", userID), credits.F("amount", req.Amount))
	h.writeLedgerResult(w, res)
}

// AdminRefund refunds credits or reverses a consumption
func (h *Handler) AdminRefund(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req RefundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	userID := chi.URLParam(r, "userID")
	res, err := h.config.Ledger.RefundCredit(r.Context(), userID, req.Amount, req.Reason, req.OriginalTxID,
		credits.WithMetadata(map[string]string{"admin_id": admin.UserID}))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeLedgerResult(w, res)
}

// AdminSetPro turns Pro on or off by hand
func (h *Handler) AdminSetPro(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req ProRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	userID := chi.URLParam(r, "userID")
	var (
		ent *credits.Entitlements
		err error
	)
	if req.Enabled {
		source := req.Source
		if source == "" {
			source = sourceAdmin + ":" + admin.UserID
		}
		ent, err = h.config.Ledger.EnableProSubscription(r.Context(), userID, source)
	} else {
		ent, err = h.config.Ledger.DisableProSubscription(r.Context(), userID, req.OverrideCredits)
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.config.Logger.Info("admin changed pro",
		credits.F("admin_id", admin.UserID), credits.F("user_id", userID), credits.F("enabled", req.Enabled))
	writeJSON(w, http.StatusOK, LedgerResponse{Entitlements: h.config.Ledger.View(ent)})
}

// AdminResolveSubscription runs the resolver and returns the attempts log.
// With ?sync=true a found subscription is also applied to the ledger.
func (h *Handler) AdminResolveSubscription(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	res, err := h.config.Billing.Resolve(r.Context(), userID, r.URL.Query().Get("email"))
	if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
		h.handleError(w, r, err)
		return
	}

	out := ResolveResponse{ResolveResult: res, Found: err == nil}
	if out.Found && r.URL.Query().Get("sync") == "true" {
		status, syncErr := h.config.Billing.SyncUser(r.Context(), userID)
		if syncErr != nil {
			h.handleError(w, r, syncErr)
			return
		}
		out.SyncStatus = status
	}
	writeJSON(w, http.StatusOK, out)
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeLedgerResult(w http.ResponseWriter, res *credits.Result) {
	writeJSON(w, http.StatusOK, LedgerResponse{
		TransactionID:    res.TransactionID,
		AlreadyProcessed: res.AlreadyProcessed,
		Entitlements:     h.config.Ledger.View(res.Entitlements),
	})
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized"})
		return nil, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", credits.ErrInvalidInput)
		}
		return fmt.Errorf("%w: malformed JSON body", credits.ErrInvalidInput)
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes and client messages.
// Unknown errors are 500 and never leak their text.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		return http.StatusForbidden, "Insufficient credits"
	case errors.Is(err, credits.ErrSpecLimitReached):
		return http.StatusConflict, "Spec limit reached"
	case errors.Is(err, credits.ErrInvalidInput),
		errors.Is(err, credits.ErrTransactionMismatch),
		errors.Is(err, billing.ErrProductNotConfigured):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, credits.ErrTransactionNotFound):
		return http.StatusNotFound, "Transaction not found"
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		return http.StatusNotFound, "No subscription found"
	case errors.Is(err, billing.ErrNotSupported):
		return http.StatusConflict, err.Error()
	case errors.Is(err, billing.ErrProviderNotConfigured),
		errors.Is(err, billing.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "Billing is unavailable"
	case errors.Is(err, billing.ErrProviderAPIError):
		return http.StatusBadGateway, "Billing provider error"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	h.handleErrorWithAttempts(w, r, err, nil)
}

func (h *Handler) handleErrorWithAttempts(w http.ResponseWriter, r *http.Request, err error,
	attempts []lemonsqueezy.Attempt) {
	code, msg := statusFor(err)
	resp := ErrorResponse{Error: msg, Attempts: attempts}
	if code >= http.StatusInternalServerError {
		resp.RequestID = requestID(r)
		h.config.Logger.Error("request failed",
			credits.F("method", r.Method), credits.F("path", r.URL.Path),
			credits.F("status", code), credits.F("request_id", resp.RequestID), credits.Err(err))
	} else {
		h.config.Logger.Debug("request rejected",
			credits.F("path", r.URL.Path), credits.F("status", code), credits.Err(err))
	}
	writeJSON(w, code, resp)
}

func requestID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
