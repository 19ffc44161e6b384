package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kite/internal/alerts"
	"github.com/opensource-finance/kite/internal/domain"
	"github.com/opensource-finance/kite/internal/ledger"
	"github.com/opensource-finance/kite/internal/risk"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	ledger   *ledger.Service
	alerts   *alerts.Manager
	engine   *risk.Engine
	store    domain.LedgerStore
	counters domain.CounterStore
	bus      domain.EventBus
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(ledgerSvc *ledger.Service, alertMgr *alerts.Manager, engine *risk.Engine, store domain.LedgerStore, counters domain.CounterStore, bus domain.EventBus, version string) *Handler {
	return &Handler{
		ledger:   ledgerSvc,
		alerts:   alertMgr,
		engine:   engine,
		store:    store,
		counters: counters,
		bus:      bus,
		version:  version,
	}
}

// TransactionRequest is the request body for POST /transactions.
type TransactionRequest struct {
	UserID      string         `json:"userId"`
	Type        string         `json:"type"`
	Amount      float64        `json:"amount"`
	Currency    string         `json:"currency"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Tier        string         `json:"tier,omitempty"`
	Country     string         `json:"country,omitempty"`
	DeviceID    string         `json:"deviceId,omitempty"`
}

// TransferRequest is the request body for POST /transfers.
type TransferRequest struct {
	FromUserID  string  `json:"fromUserId"`
	ToUserID    string  `json:"toUserId"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Description string  `json:"description,omitempty"`
	Tier        string  `json:"tier,omitempty"`
	Country     string  `json:"country,omitempty"`
	DeviceID    string  `json:"deviceId,omitempty"`
}

// CreateTransaction handles POST /transactions.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	tx, err := h.ledger.CreateTransaction(ctx, &ledger.CreateTransactionInput{
		UserID:      req.UserID,
		Type:        domain.TransactionType(req.Type),
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		Metadata:    req.Metadata,
		Tier:        domain.UserTier(req.Tier),
		Country:     req.Country,
		DeviceID:    req.DeviceID,
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, tx)
}

// TransferResponse is the response for POST /transfers.
type TransferResponse struct {
	TransferID string              `json:"transferId"`
	Status     string              `json:"status"`
	Debit      *domain.Transaction `json:"debit"`
	Credit     *domain.Transaction `json:"credit"`
}

// Transfer handles POST /transfers.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	debit, credit, err := h.ledger.TransferFunds(ctx, &ledger.TransferInput{
		FromUserID:  req.FromUserID,
		ToUserID:    req.ToUserID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		Tier:        domain.UserTier(req.Tier),
		Country:     req.Country,
		DeviceID:    req.DeviceID,
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, TransferResponse{
		TransferID: debit.TransferID(),
		Status:     string(debit.Status),
		Debit:      debit,
		Credit:     credit,
	})
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	tx, err := h.ledger.GetTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "transaction not found",
			})
			return
		}
		slog.Error("failed to get transaction", "id", txID, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// ListTransactions handles GET /users/{id}/transactions.
// Supports ?type=, ?status=, ?since= (RFC 3339) and ?limit= filters.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")

	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "user id is required",
		})
		return
	}

	filter := domain.TransactionFilter{
		Type:   domain.TransactionType(r.URL.Query().Get("type")),
		Status: domain.TransactionStatus(r.URL.Query().Get("status")),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be an RFC 3339 timestamp",
			})
			return
		}
		filter.Since = t
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		filter.Limit = n
	}

	txs, err := h.ledger.GetTransactionHistory(ctx, userID, filter)
	if err != nil {
		slog.Error("failed to list transactions", "user_id", userID, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

// GetBalance handles GET /users/{id}/balance. Currency defaults to the
// base currency.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")

	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "user id is required",
		})
		return
	}

	currency := r.URL.Query().Get("currency")
	if currency == "" {
		currency = domain.BaseCurrency
	}
	if !domain.SupportedCurrencies[currency] {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unsupported currency",
		})
		return
	}

	balance, err := h.ledger.GetBalance(ctx, userID, currency)
	if err != nil {
		slog.Error("failed to get balance", "user_id", userID, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId":   userID,
		"currency": currency,
		"balance":  balance,
	})
}

// ListAlerts handles GET /users/{id}/alerts.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")

	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "user id is required",
		})
		return
	}

	userAlerts, err := h.alerts.GetAlerts(ctx, userID)
	if err != nil {
		slog.Error("failed to list alerts", "user_id", userID, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": userAlerts,
		"count":  len(userAlerts),
	})
}

// ClearAlerts handles DELETE /users/{id}/alerts.
func (h *Handler) ClearAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")

	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "user id is required",
		})
		return
	}

	deleted, err := h.alerts.ClearAlerts(ctx, userID)
	if err != nil {
		slog.Error("failed to clear alerts", "user_id", userID, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deleted": deleted,
	})
}

// RiskRuleRequest is the request body for POST /risk/rules/reload.
type RiskRuleRequest struct {
	Rules []*domain.RiskRule `json:"rules"`
}

// ReloadRiskRules handles POST /risk/rules/reload: replaces the CEL
// rule overlay with the supplied set after validating every rule.
func (h *Handler) ReloadRiskRules(w http.ResponseWriter, r *http.Request) {
	var req RiskRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	for _, rule := range req.Rules {
		if err := h.engine.ValidateRule(rule); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid rule expression: " + err.Error(),
			})
			return
		}
	}

	if err := h.engine.ReloadRules(req.Rules); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("risk rules reloaded", "count", h.engine.RulesCount())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "risk rules reloaded",
		"count":   h.engine.RulesCount(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.counters != nil {
		if err := h.counters.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": ve.Error(),
			"field": ve.Field,
		})
	case errors.Is(err, domain.ErrInsufficientFunds):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "insufficient funds",
		})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "not found",
		})
	case errors.Is(err, domain.ErrStoreUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "service temporarily unavailable, retry later",
		})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
