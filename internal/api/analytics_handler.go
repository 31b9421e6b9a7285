package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tollgate/tollgate/internal/analytics"
	"github.com/tollgate/tollgate/internal/archive"
	"github.com/tollgate/tollgate/internal/auth"
)

// analyticsHandler groups live-aggregate and archive query handlers.
type analyticsHandler struct {
	analytics *analytics.Analytics
	store     *archive.Store
}

func newAnalyticsHandler(a *analytics.Analytics, store *archive.Store) *analyticsHandler {
	return &analyticsHandler{analytics: a, store: store}
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	// Try RFC3339 first.
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	// Fall back to date-only.
	t, err = time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// GetEndpointStats handles GET /api/v1/analytics/endpoints/{endpoint}.
func (h *analyticsHandler) GetEndpointStats(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "endpoint")
	stats := h.analytics.EndpointStats(endpoint)

	resp := map[string]any{
		"endpoint": endpoint,
		"stats":    stats,
	}
	if dayStr := r.URL.Query().Get("day"); dayStr != "" {
		ts, err := strconv.ParseInt(dayStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_params", "invalid 'day' parameter")
			return
		}
		resp["daily_requests"] = h.analytics.DailyUsage(endpoint, ts)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetUserStats handles GET /api/v1/analytics/users/me (caller scope) and
// GET /api/v1/admin/analytics/users/{user}.
func (h *analyticsHandler) GetUserStats(w http.ResponseWriter, r *http.Request) {
	user := auth.Principal(chi.URLParam(r, "user"))
	if user == "" {
		user = auth.PrincipalFromContext(r.Context())
	}
	stats := h.analytics.UserStats(user)

	resp := map[string]any{
		"user":  user,
		"stats": stats,
	}
	if dayStr := r.URL.Query().Get("day"); dayStr != "" {
		ts, err := strconv.ParseInt(dayStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_params", "invalid 'day' parameter")
			return
		}
		resp["daily_requests"] = h.analytics.UserDailyUsage(user, ts)
	}
	if endpoint := r.URL.Query().Get("endpoint"); endpoint != "" {
		resp["has_used"] = h.analytics.HasUsed(user, endpoint)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListLogs handles GET /api/v1/admin/logs?count=N&offset=M, most recent
// first.
func (h *analyticsHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	count := 50
	offset := 0
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_params", "invalid 'count' parameter")
			return
		}
		count = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_params", "invalid 'offset' parameter")
			return
		}
		offset = n
	}

	logs, err := h.analytics.RecentLogs(count, offset)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"total": h.analytics.LogLen(),
	})
}

// GetLog handles GET /api/v1/admin/logs/{requestID}.
func (h *analyticsHandler) GetLog(w http.ResponseWriter, r *http.Request) {
	entry, err := h.analytics.LogByID(chi.URLParam(r, "requestID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// CleanupLogs handles DELETE /api/v1/admin/logs?before=TS. It removes log
// entries older than the unix timestamp and, when an archive store is
// attached, the matching archived rows.
func (h *analyticsHandler) CleanupLogs(w http.ResponseWriter, r *http.Request) {
	beforeStr := r.URL.Query().Get("before")
	if beforeStr == "" {
		writeError(w, http.StatusBadRequest, "invalid_params", "'before' parameter is required")
		return
	}
	before, err := strconv.ParseInt(beforeStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid 'before' parameter")
		return
	}

	removed := h.analytics.Cleanup(before)
	resp := map[string]any{"removed": removed}

	if h.store != nil {
		archived, err := h.store.DeleteBefore(r.Context(), time.Unix(before, 0))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete archived rows")
			return
		}
		resp["archived_removed"] = archived
	}
	writeJSON(w, http.StatusOK, resp)
}

// buildArchiveQuery constructs an archive query from query params.
func buildArchiveQuery(r *http.Request) (archive.Query, error) {
	q := archive.Query{
		User:     r.URL.Query().Get("user"),
		Endpoint: r.URL.Query().Get("endpoint"),
		Cursor:   r.URL.Query().Get("cursor"),
	}

	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		return q, err
	}
	q.From = from

	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		return q, err
	}
	q.To = to

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, lErr := strconv.Atoi(limitStr)
		if lErr != nil || l < 1 {
			return q, fmt.Errorf("invalid limit %q", limitStr)
		}
		q.Limit = l
	}
	return q, nil
}

// GetArchiveSummary handles GET /api/v1/admin/archive/summary.
func (h *analyticsHandler) GetArchiveSummary(w http.ResponseWriter, r *http.Request) {
	q, err := buildArchiveQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters")
		return
	}

	summary, err := h.store.GetSummary(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get archive summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListArchiveRows handles GET /api/v1/admin/archive/rows with cursor
// pagination.
func (h *analyticsHandler) ListArchiveRows(w http.ResponseWriter, r *http.Request) {
	q, err := buildArchiveQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters")
		return
	}

	rows, nextCursor, err := h.store.List(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list archived rows")
		return
	}

	resp := map[string]any{"rows": rows}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}
