// Package api exposes the ledger over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sheikh-saqib/account-ledger-system/internal/ledger"
	"github.com/sheikh-saqib/account-ledger-system/internal/models"
)

// Ledger is the part of *ledger.Ledger the handlers use.
type Ledger interface {
	CreateAccount(ctx context.Context, number int64) error
	GetBalance(ctx context.Context, number int64) (decimal.Decimal, error)
	Credit(ctx context.Context, number int64, amount decimal.Decimal) (decimal.Decimal, error)
	Withdraw(ctx context.Context, number int64, amount decimal.Decimal) (decimal.Decimal, error)
	Transfer(ctx context.Context, from, to int64, amount decimal.Decimal) error
	GetOperations(ctx context.Context, number int64, from, to time.Time) ([]models.LedgerEntry, error)
}

const defaultOperationsWindow = 24 * time.Hour

type Handler struct {
	ledger Ledger
	log    *zap.Logger
	now    func() time.Time
}

func NewHandler(l Ledger, log *zap.Logger) *Handler {
	return &Handler{ledger: l, log: log, now: time.Now}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /accounts", h.createAccount)
	mux.HandleFunc("GET /accounts/{number}/balance", h.balance)
	mux.HandleFunc("POST /accounts/{number}/credit", h.credit)
	mux.HandleFunc("POST /accounts/{number}/withdraw", h.withdraw)
	mux.HandleFunc("GET /accounts/{number}/operations", h.operations)
	mux.HandleFunc("POST /transfers", h.transfer)
	return mux
}

type balanceResponse struct {
	Account int64           `json:"account"`
	Balance decimal.Decimal `json:"balance"`
}

type operationResponse struct {
	Seq           int64           `json:"seq"`
	TransactionID string          `json:"transaction_id"`
	Account       int64           `json:"account"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Number *int64 `json:"number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Number == nil {
		writeError(w, http.StatusBadRequest, "number is a mandatory field")
		return
	}

	if err := h.ledger.CreateAccount(r.Context(), *req.Number); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, balanceResponse{Account: *req.Number, Balance: decimal.Zero})
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	number, ok := accountNumber(w, r)
	if !ok {
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), number)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Account: number, Balance: balance})
}

func (h *Handler) credit(w http.ResponseWriter, r *http.Request) {
	h.applyAmount(w, r, h.ledger.Credit)
}

func (h *Handler) withdraw(w http.ResponseWriter, r *http.Request) {
	h.applyAmount(w, r, h.ledger.Withdraw)
}

func (h *Handler) applyAmount(w http.ResponseWriter, r *http.Request,
	op func(context.Context, int64, decimal.Decimal) (decimal.Decimal, error)) {
	number, ok := accountNumber(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	balance, err := op(r.Context(), number, req.Amount)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Account: number, Balance: balance})
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From   int64           `json:"from"`
		To     int64           `json:"to"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.ledger.Transfer(r.Context(), req.From, req.To, req.Amount); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "transfer committed"})
}

func (h *Handler) operations(w http.ResponseWriter, r *http.Request) {
	number, ok := accountNumber(w, r)
	if !ok {
		return
	}

	to := h.now().UTC()
	from := to.Add(-defaultOperationsWindow)
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339Nano, v); err != nil {
			writeError(w, http.StatusBadRequest, "from must be an RFC3339 timestamp")
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339Nano, v); err != nil {
			writeError(w, http.StatusBadRequest, "to must be an RFC3339 timestamp")
			return
		}
	}

	entries, err := h.ledger.GetOperations(r.Context(), number, from, to)
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]operationResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, operationResponse{
			Seq:           e.Seq,
			TransactionID: e.TransactionID,
			Account:       e.AccountNumber,
			Amount:        e.Amount,
			Timestamp:     e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func accountNumber(w http.ResponseWriter, r *http.Request) (int64, bool) {
	number, err := strconv.ParseInt(r.PathValue("number"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "account number must be an integer")
		return 0, false
	}
	return number, true
}

// fail maps ledger errors to status codes.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrAccountAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrConcurrencyTimeout):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
