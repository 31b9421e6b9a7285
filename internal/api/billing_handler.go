package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tollgate/tollgate/internal/analytics"
	"github.com/tollgate/tollgate/internal/archive"
	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/billing"
	"github.com/tollgate/tollgate/internal/fault"
	"github.com/tollgate/tollgate/internal/ledger"
	"github.com/tollgate/tollgate/internal/metrics"
)

// billingHandler groups user, endpoint, usage, and settlement HTTP handlers.
type billingHandler struct {
	engine    *billing.Engine
	ledger    *ledger.Ledger
	analytics *analytics.Analytics
	collector *archive.Collector
	metrics   *metrics.Metrics
	owner     auth.Principal
}

func newBillingHandler(e *billing.Engine, l *ledger.Ledger, a *analytics.Analytics, c *archive.Collector, m *metrics.Metrics, owner auth.Principal) *billingHandler {
	return &billingHandler{engine: e, ledger: l, analytics: a, collector: c, metrics: m, owner: owner}
}

type registerUserRequest struct {
	User         auth.Principal `json:"user"`
	MonthlyLimit int64          `json:"monthly_limit"`
}

// RegisterUser handles POST /api/v1/users (self-registration) and
// POST /api/v1/admin/users (on behalf of any principal).
func (h *billingHandler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerUserRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}
	if req.User == "" {
		req.User = auth.PrincipalFromContext(r.Context())
	}

	if err := h.engine.RegisterUser(req.User, req.MonthlyLimit); err != nil {
		writeFault(w, err)
		return
	}
	u, err := h.engine.User(req.User)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

// SetUserActive handles PUT /api/v1/admin/users/{user}/active.
func (h *billingHandler) SetUserActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	caller := auth.PrincipalFromContext(r.Context())
	user := auth.Principal(chi.URLParam(r, "user"))
	if err := h.engine.SetUserActive(caller, user, req.Active); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetUser handles GET /api/v1/users/me and GET /api/v1/admin/users/{user}.
func (h *billingHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user := auth.Principal(chi.URLParam(r, "user"))
	if user == "" {
		user = auth.PrincipalFromContext(r.Context())
	}

	u, err := h.engine.User(user)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type registerEndpointRequest struct {
	ID              string `json:"id"`
	PricePerRequest int64  `json:"price_per_request"`
	RequiresAuth    bool   `json:"requires_auth"`
}

// RegisterEndpoint handles POST /api/v1/endpoints. The authenticated caller
// becomes the endpoint owner.
func (h *billingHandler) RegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	var req registerEndpointRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	owner := auth.PrincipalFromContext(r.Context())
	if err := h.engine.RegisterEndpoint(owner, req.ID, req.PricePerRequest, req.RequiresAuth); err != nil {
		writeFault(w, err)
		return
	}
	ep, err := h.engine.Endpoint(req.ID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

// UpdateEndpoint handles PATCH /api/v1/endpoints/{id}. Only non-null fields
// in the body are applied; the engine enforces owner-only mutation.
func (h *billingHandler) UpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req billing.UpdateEndpointInput
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	caller := auth.PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.engine.UpdateEndpoint(caller, id, req); err != nil {
		writeFault(w, err)
		return
	}
	ep, err := h.engine.Endpoint(id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

// ListEndpoints handles GET /api/v1/endpoints.
func (h *billingHandler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": h.engine.Endpoints()})
}

// GetEndpoint handles GET /api/v1/endpoints/{id}.
func (h *billingHandler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := h.engine.Endpoint(chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

type authorizeRequest struct {
	Allowed bool `json:"allowed"`
}

// AuthorizeUser handles PUT /api/v1/endpoints/{id}/users/{user}.
func (h *billingHandler) AuthorizeUser(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	caller := auth.PrincipalFromContext(r.Context())
	endpoint := chi.URLParam(r, "id")
	user := auth.Principal(chi.URLParam(r, "user"))
	if err := h.engine.AuthorizeUser(caller, endpoint, user, req.Allowed); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setFeeRequest struct {
	FeeBps int64 `json:"fee_bps"`
}

// SetPlatformFee handles PUT /api/v1/admin/fee.
func (h *billingHandler) SetPlatformFee(w http.ResponseWriter, r *http.Request) {
	var req setFeeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	caller := auth.PrincipalFromContext(r.Context())
	if err := h.engine.SetPlatformFee(caller, req.FeeBps); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"fee_bps": h.engine.FeeBps()})
}

// GetPlatformFee handles GET /api/v1/admin/fee.
func (h *billingHandler) GetPlatformFee(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{"fee_bps": h.engine.FeeBps()})
}

type recordUsageRequest struct {
	RecordID        string         `json:"record_id"`
	User            auth.Principal `json:"user"`
	RequestCount    int64          `json:"request_count"`
	ResponseTime    int64          `json:"response_time_ms"`
	DataTransferred int64          `json:"data_transferred"`
	StatusCode      int            `json:"status_code"`
	IPHash          string         `json:"ip_hash"`
}

// RecordUsage handles POST /api/v1/usage/{endpoint}. The billing engine
// decides acceptance; on success the event also feeds the live analytics
// aggregates and the write-behind archive.
func (h *billingHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req recordUsageRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	caller := auth.PrincipalFromContext(r.Context())
	if req.User == "" {
		req.User = caller
	}
	if req.RecordID == "" {
		req.RecordID = RequestIDFromContext(r.Context())
	}
	if req.StatusCode == 0 {
		req.StatusCode = http.StatusOK
	}
	endpoint := chi.URLParam(r, "endpoint")

	rec, err := h.engine.RecordUsage(caller, billing.Usage{
		RecordID:        req.RecordID,
		User:            req.User,
		Endpoint:        endpoint,
		RequestCount:    req.RequestCount,
		ResponseTime:    req.ResponseTime,
		DataTransferred: req.DataTransferred,
	})
	if err != nil {
		if h.metrics != nil {
			h.metrics.IncUsageRejection(fault.KindOf(err).String())
		}
		writeFault(w, err)
		return
	}

	now := time.Now()
	h.analytics.RecordEvent(req.User, endpoint, req.RecordID, req.ResponseTime, req.StatusCode, req.IPHash, now)
	if h.collector != nil {
		h.collector.Record(archive.Row{
			RequestID:    req.RecordID,
			User:         string(req.User),
			Endpoint:     endpoint,
			Timestamp:    rec.Timestamp,
			RequestCount: req.RequestCount,
			ResponseTime: req.ResponseTime,
			StatusCode:   req.StatusCode,
			Cost:         rec.TotalCost,
			Billed:       true,
			IPHash:       req.IPHash,
		})
	}
	if h.metrics != nil {
		h.metrics.UsageRecordsTotal.Inc()
		h.metrics.CollectorRowsTotal.Inc()
	}

	writeJSON(w, http.StatusCreated, rec)
}

// GetRecord handles GET /api/v1/billing/records/{id}.
func (h *billingHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.Record(chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Settle handles POST /api/v1/billing/records/{id}/settle. It moves the
// payer's funds through the ledger and then marks the record paid, so the
// two stores stay consistent when either side rejects first.
func (h *billingHandler) Settle(w http.ResponseWriter, r *http.Request) {
	caller := auth.PrincipalFromContext(r.Context())
	recordID := chi.URLParam(r, "id")

	rec, err := h.engine.Record(recordID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if rec.IsPaid {
		writeFault(w, fault.Errorf(fault.AlreadyFinalized, "billing.settle", "usage record %q already settled", recordID))
		return
	}
	ep, err := h.engine.Endpoint(rec.Endpoint)
	if err != nil {
		writeFault(w, err)
		return
	}

	fee := rec.TotalCost * h.engine.FeeBps() / 10000
	items := []ledger.TransferItem{
		{From: rec.User, To: ep.Owner, Amount: rec.TotalCost - fee},
	}
	if fee > 0 {
		items = append(items, ledger.TransferItem{From: rec.User, To: h.owner, Amount: fee})
	}
	errs, err := h.ledger.BatchTransfer(caller, items)
	if err != nil {
		writeFault(w, err)
		return
	}
	for _, e := range errs {
		if e != nil {
			writeFault(w, e)
			return
		}
	}

	s, err := h.engine.Settle(caller, recordID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveSettlement(s.TotalCost, s.PlatformFee)
	}
	writeJSON(w, http.StatusOK, s)
}

// GetBill handles GET /api/v1/billing/bill (self) and
// GET /api/v1/admin/billing/bills/{user}.
func (h *billingHandler) GetBill(w http.ResponseWriter, r *http.Request) {
	user := auth.Principal(chi.URLParam(r, "user"))
	if user == "" {
		user = auth.PrincipalFromContext(r.Context())
	}

	bill, err := h.engine.GenerateBill(user)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bill)
}

type resetUsageRequest struct {
	Users []auth.Principal `json:"users"`
}

// ResetMonthlyUsage handles POST /api/v1/admin/billing/reset. Unknown users
// in the batch are skipped, not rejected.
func (h *billingHandler) ResetMonthlyUsage(w http.ResponseWriter, r *http.Request) {
	var req resetUsageRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	caller := auth.PrincipalFromContext(r.Context())
	count, err := h.engine.ResetMonthlyUsage(caller, req.Users...)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": count})
}
