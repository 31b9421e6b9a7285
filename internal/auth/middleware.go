package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type contextKey int

const principalContextKey contextKey = iota

// ContextWithPrincipal returns a new context carrying the given principal.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext extracts the principal from the context, or "" if not
// present.
func PrincipalFromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(principalContextKey).(Principal)
	return p
}

// Middleware returns middleware that authenticates requests using an API key
// in the Authorization header. The key is hashed and resolved against the
// keyring. On success the principal is injected into the request context.
// Each observe callback is invoked with the outcome of every attempt.
func Middleware(keys *Keyring, observe ...func(ok bool)) func(http.Handler) http.Handler {
	report := func(ok bool) {
		for _, fn := range observe {
			fn(ok)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				report(false)
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			p, ok := keys.Resolve(token)
			if !ok {
				report(false)
				writeUnauthorized(w, "invalid api key")
				return
			}

			report(true)
			ctx := ContextWithPrincipal(r.Context(), p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminMiddleware returns middleware that authenticates the platform
// operator. The config stores only a bcrypt hash of the admin key; the
// presented bearer token is compared against it. Admin requests run as the
// given operator principal.
func AdminMiddleware(adminKeyHash string, operator Principal, observe ...func(ok bool)) func(http.Handler) http.Handler {
	report := func(ok bool) {
		for _, fn := range observe {
			fn(ok)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				report(false)
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			if adminKeyHash == "" ||
				bcrypt.CompareHashAndPassword([]byte(adminKeyHash), []byte(token)) != nil {
				report(false)
				writeForbidden(w, "admin access required")
				return
			}

			report(true)
			ctx := ContextWithPrincipal(r.Context(), operator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HashAdminKey returns the bcrypt hash of an admin key, for generating the
// value stored in config.
func HashAdminKey(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{Code: "unauthorized", Message: message},
	})
}

func writeForbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{Code: "forbidden", Message: message},
	})
}
