package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tollgate/tollgate/internal/auth"
)

// keysHandler manages API key issuance and revocation. Admin-only.
type keysHandler struct {
	keys *auth.Keyring
}

func newKeysHandler(keys *auth.Keyring) *keysHandler {
	return &keysHandler{keys: keys}
}

type issueKeyRequest struct {
	Principal auth.Principal `json:"principal"`
}

// IssueKey handles POST /api/v1/admin/keys. The plaintext key is returned
// exactly once; only its hash is retained.
func (h *keysHandler) IssueKey(w http.ResponseWriter, r *http.Request) {
	var req issueKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}
	if req.Principal == "" {
		writeError(w, http.StatusBadRequest, "invalid_params", "principal is required")
		return
	}

	key, err := h.keys.Issue(req.Principal)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to issue key")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"principal": string(req.Principal),
		"api_key":   key,
	})
}

// RevokeKey handles DELETE /api/v1/admin/keys/{principal}.
func (h *keysHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	principal := auth.Principal(chi.URLParam(r, "principal"))
	if principal == "" {
		writeError(w, http.StatusBadRequest, "invalid_params", "principal is required")
		return
	}
	h.keys.Revoke(principal)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
