package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bunbase/bunbase/internal/records"
)

type userLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type confirmTokenRequest struct {
	Token string `json:"token"`
}

type confirmResetRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// AuthWithPassword handles POST /api/collections/{collection}/auth-with-password.
func (h *Handler) AuthWithPassword(w http.ResponseWriter, r *http.Request) {
	var req userLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse the request body.", nil)
		return
	}

	collection := chi.URLParam(r, "collection")
	user, tokens, err := h.auth.AuthenticateUser(r.Context(), collection, req.Email, req.Password)
	h.metrics.RecordAuthAttempt("user", err == nil, "invalid_credentials")
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken":  tokens.AccessToken,
		"refreshToken": tokens.RefreshToken,
		"record":       user,
	})
}

// AuthRefresh handles POST /api/collections/{collection}/auth-refresh.
func (h *Handler) AuthRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse the request body.", nil)
		return
	}

	user, tokens, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken":  tokens.AccessToken,
		"refreshToken": tokens.RefreshToken,
		"record":       user,
	})
}

// RequestVerification handles POST /api/collections/{collection}/request-verification.
func (h *Handler) RequestVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse the request body.", nil)
		return
	}

	if err := h.auth.RequestEmailVerification(r.Context(), chi.URLParam(r, "collection"), req.Email); err != nil {
		h.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConfirmVerification handles POST /api/collections/{collection}/confirm-verification.
func (h *Handler) ConfirmVerification(w http.ResponseWriter, r *http.Request) {
	var req confirmTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse the request body.", nil)
		return
	}

	if err := h.auth.ConfirmEmailVerification(r.Context(), chi.URLParam(r, "collection"), req.Token); err != nil {
		h.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequestPasswordReset handles POST /api/collections/{collection}/request-password-reset.
// Always succeeds so the existence of an email is never revealed.
func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse the request body.", nil)
		return
	}

	if err := h.auth.RequestPasswordReset(r.Context(), chi.URLParam(r, "collection"), req.Email); err != nil {
		h.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConfirmPasswordReset handles POST /api/collections/{collection}/confirm-password-reset.
func (h *Handler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req confirmResetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse the request body.", nil)
		return
	}

	if err := h.auth.ConfirmPasswordReset(r.Context(), chi.URLParam(r, "collection"), req.Token, req.Password); err != nil {
		h.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ChangePassword handles POST /api/collections/{collection}/change-password
// for the authenticated user of that collection.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	requester := RequesterFrom(r.Context())
	collection := chi.URLParam(r, "collection")
	if requester == nil || requester.User == nil || requester.User.CollectionName != collection {
		h.writeMappedError(w, records.ErrUnauthorized)
		return
	}

	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse the request body.", nil)
		return
	}

	if err := h.auth.ChangeUserPassword(r.Context(), collection, requester.User.ID, req.OldPassword, req.NewPassword); err != nil {
		h.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
