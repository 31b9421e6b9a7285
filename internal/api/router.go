package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/tollgate/tollgate/internal/analytics"
	"github.com/tollgate/tollgate/internal/archive"
	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/billing"
	"github.com/tollgate/tollgate/internal/ledger"
	"github.com/tollgate/tollgate/internal/metrics"
	"github.com/tollgate/tollgate/internal/ratelimit"
)

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Ledger        *ledger.Ledger
	Billing       *billing.Engine
	Limiter       *ratelimit.Limiter
	Analytics     *analytics.Analytics
	ArchiveStore  *archive.Store
	Collector     *archive.Collector
	Keys          *auth.Keyring
	Metrics       *metrics.Metrics
	AdminKeyHash  string
	Operator      auth.Principal
	EscrowTimeout time.Duration
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(slogRequestLogger)

	// Handlers.
	ledgerH := newLedgerHandler(deps.Ledger, deps.EscrowTimeout, deps.Metrics)
	billingH := newBillingHandler(deps.Billing, deps.Ledger, deps.Analytics, deps.Collector, deps.Metrics, deps.Operator)
	rateH := newRateLimitHandler(deps.Limiter)
	analyticsH := newAnalyticsHandler(deps.Analytics, deps.ArchiveStore)
	keysH := newKeysHandler(deps.Keys)

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Metrics summary.
	if deps.Metrics != nil {
		r.Get("/metrics", deps.Metrics.Handler())
	}

	// Public (unauthenticated) routes.
	r.Get("/api/v1/endpoints", billingH.ListEndpoints)
	r.Get("/api/v1/endpoints/{id}", billingH.GetEndpoint)

	// Admin routes (require the operator key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(httpMetricsMiddleware("admin", deps.Metrics))
		ar.Use(auth.AdminMiddleware(deps.AdminKeyHash, deps.Operator, authObserver(deps.Metrics, "admin")...))

		// Key management.
		ar.Post("/keys", keysH.IssueKey)
		ar.Delete("/keys/{principal}", keysH.RevokeKey)

		// User management.
		ar.Post("/users", billingH.RegisterUser)
		ar.Get("/users/{user}", billingH.GetUser)
		ar.Put("/users/{user}/active", billingH.SetUserActive)

		// Platform fee.
		ar.Get("/fee", billingH.GetPlatformFee)
		ar.Put("/fee", billingH.SetPlatformFee)

		// Billing administration.
		ar.Post("/billing/reset", billingH.ResetMonthlyUsage)
		ar.Get("/billing/bills/{user}", billingH.GetBill)

		// Ledger oversight.
		ar.Get("/ledger/accounts/{principal}", ledgerH.GetBalanceAdmin)
		ar.Get("/ledger/totals", ledgerH.GetTotals)

		// Rate limit policies.
		ar.Put("/ratelimit/{endpoint}", rateH.SetPolicy)
		ar.Get("/ratelimit/{endpoint}", rateH.GetPolicy)
		ar.Post("/ratelimit/{endpoint}/pause", rateH.Pause)
		ar.Post("/ratelimit/{endpoint}/resume", rateH.Resume)
		ar.Post("/ratelimit/cleanup", rateH.Cleanup)

		// Analytics and request logs.
		ar.Get("/analytics/users/{user}", analyticsH.GetUserStats)
		ar.Get("/logs", analyticsH.ListLogs)
		ar.Get("/logs/{requestID}", analyticsH.GetLog)
		ar.Delete("/logs", analyticsH.CleanupLogs)

		// Archive queries.
		ar.Get("/archive/summary", analyticsH.GetArchiveSummary)
		ar.Get("/archive/rows", analyticsH.ListArchiveRows)
	})

	// API-key-authed routes.
	r.Route("/api/v1", func(ar chi.Router) {
		ar.Use(httpMetricsMiddleware("api", deps.Metrics))
		ar.Use(auth.Middleware(deps.Keys, authObserver(deps.Metrics, "api_key")...))

		// Ledger.
		ar.Post("/ledger/deposit", ledgerH.Deposit)
		ar.Post("/ledger/withdraw", ledgerH.Withdraw)
		ar.Get("/ledger/balance", ledgerH.GetBalance)
		ar.Post("/ledger/transfers", ledgerH.Transfer)
		ar.Post("/ledger/transfers/batch", ledgerH.BatchTransfer)

		// Escrow.
		ar.Post("/escrows", ledgerH.CreateEscrow)
		ar.Get("/escrows/{id}", ledgerH.GetEscrow)
		ar.Post("/escrows/{id}/release", ledgerH.ReleaseEscrow)
		ar.Post("/escrows/{id}/refund", ledgerH.RefundEscrow)

		// Users and endpoints.
		ar.Post("/users", billingH.RegisterUser)
		ar.Get("/users/me", billingH.GetUser)
		ar.Post("/endpoints", billingH.RegisterEndpoint)
		ar.Patch("/endpoints/{id}", billingH.UpdateEndpoint)
		ar.Put("/endpoints/{id}/users/{user}", billingH.AuthorizeUser)

		// Usage submission, rate limited per (caller, endpoint).
		ar.Route("/usage/{endpoint}", func(ur chi.Router) {
			if deps.Metrics != nil {
				ur.Use(ratelimit.Middleware(deps.Limiter, deps.Metrics.IncRateLimitRejection))
			} else {
				ur.Use(ratelimit.Middleware(deps.Limiter))
			}
			ur.Post("/", billingH.RecordUsage)
		})

		// Billing reads and settlement.
		ar.Get("/billing/records/{id}", billingH.GetRecord)
		ar.Post("/billing/records/{id}/settle", billingH.Settle)
		ar.Get("/billing/bill", billingH.GetBill)

		// Rate limit checks and analytics reads.
		ar.Get("/ratelimit/{endpoint}", rateH.Check)
		ar.Get("/analytics/endpoints/{endpoint}", analyticsH.GetEndpointStats)
		ar.Get("/analytics/users/me", analyticsH.GetUserStats)
	})

	return r
}

// authObserver returns the auth outcome callbacks for one middleware chain,
// or none when metrics are disabled.
func authObserver(m *metrics.Metrics, authType string) []func(ok bool) {
	if m == nil {
		return nil
	}
	return []func(ok bool){func(ok bool) {
		if ok {
			m.IncAuthSuccess(authType)
		} else {
			m.IncAuthFailure(authType)
		}
	}}
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}

// httpMetricsMiddleware records request count and duration with the chi
// route pattern as the path label.
func httpMetricsMiddleware(kind string, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := chi.RouteContext(r.Context()).RoutePattern()
			if pattern == "" {
				pattern = "unmatched"
			}
			m.HTTPRequestsTotal.WithLabelValues(kind, r.Method, pattern, fmt.Sprintf("%d", ww.Status())).Inc()
			m.HTTPRequestDuration.WithLabelValues(kind, r.Method, pattern).Observe(time.Since(start).Seconds())
		})
	}
}
