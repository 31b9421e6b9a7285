package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tollgate/tollgate/internal/auth"
)

func newMiddlewareServer(l *Limiter, onReject ...func(string)) http.Handler {
	r := chi.NewRouter()
	r.Route("/usage/{endpoint}", func(ur chi.Router) {
		ur.Use(Middleware(l, onReject...))
		ur.Post("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		})
	})
	return r
}

func authedRequest(principal auth.Principal, path string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	return req.WithContext(auth.ContextWithPrincipal(req.Context(), principal))
}

func TestMiddlewareAllowsAndSetsHeaders(t *testing.T) {
	l := New(5, time.Hour)
	srv := newMiddlewareServer(l)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, authedRequest("alice", "/usage/weather/"))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "5" {
		t.Errorf("X-RateLimit-Limit = %q, want 5", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "4" {
		t.Errorf("X-RateLimit-Remaining = %q, want 4", got)
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset should be set")
	}
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	l := New(1, time.Hour)
	var rejected []string
	srv := newMiddlewareServer(l, func(endpoint string) { rejected = append(rejected, endpoint) })

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, authedRequest("alice", "/usage/weather/"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("first request status = %d, want 201", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, authedRequest("alice", "/usage/weather/"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if len(rejected) != 1 || rejected[0] != "weather" {
		t.Errorf("onReject calls = %v, want [weather]", rejected)
	}
}

func TestMiddlewarePassesThroughWithoutPrincipal(t *testing.T) {
	l := New(1, time.Hour)
	srv := newMiddlewareServer(l)

	// Unauthenticated requests are not the limiter's concern; auth rejects
	// them elsewhere.
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/usage/weather/", nil))
		if rec.Code != http.StatusCreated {
			t.Fatalf("request %d status = %d, want 201", i+1, rec.Code)
		}
	}
}
