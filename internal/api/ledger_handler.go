package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/ledger"
	"github.com/tollgate/tollgate/internal/metrics"
)

// ledgerHandler groups account balance and escrow HTTP handlers.
type ledgerHandler struct {
	ledger        *ledger.Ledger
	escrowTimeout time.Duration
	metrics       *metrics.Metrics
}

func newLedgerHandler(l *ledger.Ledger, escrowTimeout time.Duration, m *metrics.Metrics) *ledgerHandler {
	return &ledgerHandler{ledger: l, escrowTimeout: escrowTimeout, metrics: m}
}

func (h *ledgerHandler) observe(operation string, amount int64, err error) {
	if h.metrics == nil {
		return
	}
	if err != nil {
		h.metrics.IncLedgerOp(operation, "error")
		return
	}
	h.metrics.IncLedgerOp(operation, "ok")
	h.metrics.AddLedgerVolume(operation, amount)
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

// Deposit handles POST /api/v1/ledger/deposit. The caller credits their own
// account; custody of the external funds is the payment collaborator's job.
func (h *ledgerHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	caller := auth.PrincipalFromContext(r.Context())
	err := h.ledger.Deposit(caller, req.Amount)
	h.observe("deposit", req.Amount, err)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ledger.Balance(caller))
}

// Withdraw handles POST /api/v1/ledger/withdraw.
func (h *ledgerHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	caller := auth.PrincipalFromContext(r.Context())
	err := h.ledger.Withdraw(caller, req.Amount)
	h.observe("withdraw", req.Amount, err)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ledger.Balance(caller))
}

// GetBalance handles GET /api/v1/ledger/balance (caller's own account).
func (h *ledgerHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	caller := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, h.ledger.Balance(caller))
}

// GetBalanceAdmin handles GET /api/v1/admin/ledger/accounts/{principal}.
func (h *ledgerHandler) GetBalanceAdmin(w http.ResponseWriter, r *http.Request) {
	principal := chi.URLParam(r, "principal")
	if principal == "" {
		writeError(w, http.StatusBadRequest, "invalid_params", "principal is required")
		return
	}
	writeJSON(w, http.StatusOK, h.ledger.Balance(auth.Principal(principal)))
}

// GetTotals handles GET /api/v1/admin/ledger/totals.
func (h *ledgerHandler) GetTotals(w http.ResponseWriter, r *http.Request) {
	deposited, withdrawn := h.ledger.Totals()
	writeJSON(w, http.StatusOK, map[string]int64{
		"deposited": deposited,
		"withdrawn": withdrawn,
		"held":      h.ledger.Held(),
	})
}

type transferRequest struct {
	From   auth.Principal `json:"from"`
	To     auth.Principal `json:"to"`
	Amount int64          `json:"amount"`
}

// Transfer handles POST /api/v1/ledger/transfers. The ledger itself enforces
// that only settlement callers may move third-party funds.
func (h *ledgerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	caller := auth.PrincipalFromContext(r.Context())
	err := h.ledger.Transfer(caller, req.From, req.To, req.Amount)
	h.observe("transfer", req.Amount, err)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type batchTransferRequest struct {
	Items []ledger.TransferItem `json:"items"`
}

type batchTransferResult struct {
	Index int    `json:"index"`
	Error string `json:"error,omitempty"`
}

// BatchTransfer handles POST /api/v1/ledger/transfers/batch. Items are
// applied independently; the response reports a per-item outcome.
func (h *ledgerHandler) BatchTransfer(w http.ResponseWriter, r *http.Request) {
	var req batchTransferRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	caller := auth.PrincipalFromContext(r.Context())
	errs, err := h.ledger.BatchTransfer(caller, req.Items)
	if err != nil {
		h.observe("transfer", 0, err)
		writeFault(w, err)
		return
	}

	results := make([]batchTransferResult, len(errs))
	for i, e := range errs {
		results[i] = batchTransferResult{Index: i}
		if e != nil {
			results[i].Error = e.Error()
			h.observe("transfer", 0, e)
		} else {
			h.observe("transfer", req.Items[i].Amount, nil)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type createEscrowRequest struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
}

// CreateEscrow handles POST /api/v1/escrows. Funds move from the caller's
// available balance into escrow under a caller-chosen id.
func (h *ledgerHandler) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	caller := auth.PrincipalFromContext(r.Context())
	if err := h.ledger.CreateEscrow(caller, req.ID, req.Amount, h.escrowTimeout); err != nil {
		h.observe("escrow_create", 0, err)
		writeFault(w, err)
		return
	}
	h.observe("escrow_create", req.Amount, nil)
	if h.metrics != nil {
		h.metrics.IncEscrowCreated()
	}

	e, err := h.ledger.Escrow(req.ID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, escrowResponse(e))
}

// GetEscrow handles GET /api/v1/escrows/{id}.
func (h *ledgerHandler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := h.ledger.Escrow(chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowResponse(e))
}

type releaseEscrowRequest struct {
	Recipient auth.Principal `json:"recipient"`
}

// ReleaseEscrow handles POST /api/v1/escrows/{id}/release. Only settlement
// callers and the platform owner pass the ledger's release check.
func (h *ledgerHandler) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	var req releaseEscrowRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	caller := auth.PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.ledger.Release(caller, id, req.Recipient); err != nil {
		h.observe("escrow_release", 0, err)
		writeFault(w, err)
		return
	}
	h.observe("escrow_release", 0, nil)
	if h.metrics != nil {
		h.metrics.IncEscrowOutcome("released")
	}

	e, err := h.ledger.Escrow(id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowResponse(e))
}

// RefundEscrow handles POST /api/v1/escrows/{id}/refund. The owner may
// refund at any time; after expiry anyone may.
func (h *ledgerHandler) RefundEscrow(w http.ResponseWriter, r *http.Request) {
	caller := auth.PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.ledger.Refund(caller, id); err != nil {
		h.observe("escrow_refund", 0, err)
		writeFault(w, err)
		return
	}
	h.observe("escrow_refund", 0, nil)
	if h.metrics != nil {
		h.metrics.IncEscrowOutcome("refunded")
	}

	e, err := h.ledger.Escrow(id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowResponse(e))
}

// escrowResponse renders an escrow with its state as a string.
func escrowResponse(e ledger.EscrowDeposit) map[string]any {
	return map[string]any{
		"id":         e.ID,
		"owner":      e.Owner,
		"amount":     e.Amount,
		"created_at": e.CreatedAt,
		"expires_at": e.ExpiresAt,
		"state":      e.State.String(),
	}
}
