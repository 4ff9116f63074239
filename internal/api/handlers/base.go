// Package handlers provides HTTP request handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/bunbase/bunbase/internal/auth"
	"github.com/bunbase/bunbase/internal/files"
	"github.com/bunbase/bunbase/internal/query"
	"github.com/bunbase/bunbase/internal/records"
	"github.com/bunbase/bunbase/internal/schema"
)

// fieldError is one entry of an error response's data map.
type fieldError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorResponse is the wire shape of every error.
type errorResponse struct {
	Code    int                   `json:"code"`
	Message string                `json:"message"`
	Data    map[string]fieldError `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, data map[string]fieldError) {
	if data == nil {
		data = map[string]fieldError{}
	}
	writeJSON(w, status, errorResponse{Code: status, Message: message, Data: data})
}

// writeMappedError converts a typed engine error into its HTTP shape.
func (h *Handler) writeMappedError(w http.ResponseWriter, err error) {
	var validation records.ValidationErrors
	if errors.As(err, &validation) {
		data := make(map[string]fieldError, len(validation))
		for field, msg := range validation {
			data[field] = fieldError{Code: "validation_invalid", Message: msg}
		}
		writeError(w, http.StatusBadRequest, "Failed to validate the submitted data.", data)
		return
	}

	var relation *records.RelationError
	if errors.As(err, &relation) {
		writeError(w, http.StatusBadRequest, "Failed to validate the submitted data.", map[string]fieldError{
			relation.Field: {Code: "validation_missing_relation", Message: relation.Error()},
		})
		return
	}

	var hookErr *records.HookError
	if errors.As(err, &hookErr) {
		writeError(w, http.StatusBadRequest, hookErr.Err.Error(), nil)
		return
	}

	switch {
	case errors.Is(err, records.ErrNotFound),
		errors.Is(err, schema.ErrNotFound),
		errors.Is(err, schema.ErrFieldNotFound),
		errors.Is(err, auth.ErrNotFound),
		errors.Is(err, files.ErrNotFound):
		writeError(w, http.StatusNotFound, "The requested resource wasn't found.", nil)

	case errors.Is(err, records.ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenRevoked):
		writeError(w, http.StatusUnauthorized, "Missing or invalid credentials.", nil)

	case errors.Is(err, records.ErrForbidden):
		writeError(w, http.StatusForbidden, "You are not allowed to perform this action.", nil)

	case errors.Is(err, records.ErrUniqueConflict),
		errors.Is(err, schema.ErrNameExists),
		errors.Is(err, auth.ErrEmailExists):
		writeError(w, http.StatusConflict, "A resource with the submitted value already exists.", nil)

	case errors.Is(err, records.ErrRelationConstraint),
		errors.Is(err, query.ErrInvalidField),
		errors.Is(err, query.ErrInvalidOp):
		writeError(w, http.StatusBadRequest, err.Error(), nil)

	case errors.Is(err, schema.ErrInvalidName),
		errors.Is(err, schema.ErrReservedName),
		errors.Is(err, schema.ErrInvalidType),
		errors.Is(err, schema.ErrMissingTarget),
		errors.Is(err, schema.ErrIntegrityCheck),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrInvalidVerification),
		errors.Is(err, auth.ErrNotAuthCollection),
		errors.Is(err, files.ErrTooLarge),
		errors.Is(err, files.ErrTooMany),
		errors.Is(err, files.ErrBadMimeType),
		errors.Is(err, files.ErrBadFilename):
		writeError(w, http.StatusBadRequest, err.Error(), nil)

	default:
		message := "Something went wrong while processing your request."
		if h.dev {
			message = err.Error()
		}
		writeError(w, http.StatusInternalServerError, message, nil)
	}
}

// decodeJSON reads a JSON body into dst; an empty body is not an error.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
