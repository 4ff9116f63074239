package handlers

import (
	"net/http"

	"github.com/bunbase/bunbase/internal/records"
)

type adminLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// AdminLogin handles POST /_/api/auth/login.
func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req adminLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse the request body.", nil)
		return
	}

	admin, token, err := h.auth.AuthenticateAdmin(r.Context(), req.Email, req.Password)
	h.metrics.RecordAuthAttempt("admin", err == nil, "invalid_credentials")
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"admin": admin,
	})
}

// AdminMe handles GET /_/api/auth/me.
func (h *Handler) AdminMe(w http.ResponseWriter, r *http.Request) {
	req := RequesterFrom(r.Context())
	if req == nil || !req.IsAdmin {
		h.writeMappedError(w, records.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, req.Admin)
}

// AdminChangePassword handles PATCH /_/api/auth/password.
func (h *Handler) AdminChangePassword(w http.ResponseWriter, r *http.Request) {
	requester := RequesterFrom(r.Context())
	if requester == nil || !requester.IsAdmin {
		h.writeMappedError(w, records.ErrUnauthorized)
		return
	}

	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse the request body.", nil)
		return
	}

	if err := h.auth.ChangeAdminPassword(r.Context(), requester.Admin.ID, req.OldPassword, req.NewPassword); err != nil {
		h.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequireAdmin rejects requests without a valid admin identity. Applied to
// the whole admin surface except login.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := RequesterFrom(r.Context())
		if req == nil || !req.IsAdmin {
			h.writeMappedError(w, records.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
