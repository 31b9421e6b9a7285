package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/ratelimit"
)

// rateLimitHandler groups rate limit policy administration handlers.
type rateLimitHandler struct {
	limiter *ratelimit.Limiter
}

func newRateLimitHandler(l *ratelimit.Limiter) *rateLimitHandler {
	return &rateLimitHandler{limiter: l}
}

type setPolicyRequest struct {
	Limit         int64 `json:"limit"`
	PeriodSeconds int64 `json:"period_seconds"`
}

// SetPolicy handles PUT /api/v1/admin/ratelimit/{endpoint}.
func (h *rateLimitHandler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	var req setPolicyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	endpoint := chi.URLParam(r, "endpoint")
	if err := h.limiter.SetPolicy(endpoint, req.Limit, time.Duration(req.PeriodSeconds)*time.Second); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetPolicy handles GET /api/v1/admin/ratelimit/{endpoint}. It reads the
// stored policy rather than the effective one, so a paused policy is still
// visible with paused set.
func (h *rateLimitHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "endpoint")
	p, ok := h.limiter.StoredPolicy(endpoint)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no policy for endpoint "+endpoint)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint":       endpoint,
		"limit":          p.Limit,
		"period_seconds": int64(p.Period / time.Second),
		"paused":         p.Paused,
	})
}

// Pause handles POST /api/v1/admin/ratelimit/{endpoint}/pause. A paused
// policy falls back to the default policy rather than denying everything.
func (h *rateLimitHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.limiter.Pause(chi.URLParam(r, "endpoint")); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Resume handles POST /api/v1/admin/ratelimit/{endpoint}/resume.
func (h *rateLimitHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.limiter.Resume(chi.URLParam(r, "endpoint")); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Check handles GET /api/v1/ratelimit/{endpoint}. It is a non-consuming
// read of the caller's current window.
func (h *rateLimitHandler) Check(w http.ResponseWriter, r *http.Request) {
	user := auth.PrincipalFromContext(r.Context())
	endpoint := chi.URLParam(r, "endpoint")
	res := h.limiter.Check(user, endpoint, time.Now())
	writeJSON(w, http.StatusOK, res)
}

// Cleanup handles POST /api/v1/admin/ratelimit/cleanup. It drops windows
// that ended before the current time.
func (h *rateLimitHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	removed := h.limiter.Cleanup(time.Now())
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
