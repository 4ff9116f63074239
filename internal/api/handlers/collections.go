package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bunbase/bunbase/internal/schema"
)

// collectionRequest is the create payload for a collection.
type collectionRequest struct {
	Name    string                   `json:"name"`
	Type    schema.CollectionType    `json:"type"`
	Options schema.CollectionOptions `json:"options"`
	Rules   schema.RuleSet           `json:"rules"`
	Fields  []fieldRequest           `json:"fields"`
}

// fieldRequest is the declaration payload for a field.
type fieldRequest struct {
	Name     string              `json:"name"`
	Type     schema.FieldType    `json:"type"`
	Required bool                `json:"required"`
	Options  schema.FieldOptions `json:"options"`
}

// updateCollectionRequest patches rules and options.
type updateCollectionRequest struct {
	Options schema.CollectionOptions `json:"options"`
	Rules   schema.RuleSet           `json:"rules"`
}

// updateFieldRequest patches one field: rename, retype, or both.
type updateFieldRequest struct {
	Name     *string             `json:"name"`
	Type     *schema.FieldType   `json:"type"`
	Required *bool               `json:"required"`
	Options  schema.FieldOptions `json:"options"`
}

// ListCollections handles GET /_/api/collections.
func (h *Handler) ListCollections(w http.ResponseWriter, r *http.Request) {
	cols, err := h.schema.ListCollections(r.Context())
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": cols})
}

// CreateCollection handles POST /_/api/collections.
func (h *Handler) CreateCollection(w http.ResponseWriter, r *http.Request) {
	var req collectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse the request body.", nil)
		return
	}

	if req.Type == "" {
		req.Type = schema.CollectionBase
	}
	col := &schema.Collection{
		Name:    req.Name,
		Type:    req.Type,
		Options: req.Options,
		Rules:   req.Rules,
	}
	for _, f := range req.Fields {
		col.Fields = append(col.Fields, &schema.Field{
			Name:     f.Name,
			Type:     f.Type,
			Required: f.Required,
			Options:  f.Options,
		})
	}

	if err := h.schema.CreateCollection(r.Context(), col); err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, col)
}

// ViewCollection handles GET /_/api/collections/{collection}.
func (h *Handler) ViewCollection(w http.ResponseWriter, r *http.Request) {
	col, err := h.schema.FindCollection(r.Context(), chi.URLParam(r, "collection"))
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, col)
}

// UpdateCollection handles PATCH /_/api/collections/{collection}.
func (h *Handler) UpdateCollection(w http.ResponseWriter, r *http.Request) {
	var req updateCollectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse the request body.", nil)
		return
	}

	col, err := h.schema.UpdateCollection(r.Context(), chi.URLParam(r, "collection"), req.Rules, req.Options)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, col)
}

// DeleteCollection handles DELETE /_/api/collections/{collection}.
func (h *Handler) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	if err := h.schema.DeleteCollection(r.Context(), chi.URLParam(r, "collection")); err != nil {
		h.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddField handles POST /_/api/collections/{collection}/fields.
func (h *Handler) AddField(w http.ResponseWriter, r *http.Request) {
	var req fieldRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse the request body.", nil)
		return
	}

	collection := chi.URLParam(r, "collection")
	field := &schema.Field{
		Name:     req.Name,
		Type:     req.Type,
		Required: req.Required,
		Options:  req.Options,
	}
	if err := h.schema.AddField(r.Context(), collection, field); err != nil {
		h.writeMappedError(w, err)
		return
	}

	col, err := h.schema.FindCollection(r.Context(), collection)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, col)
}

// UpdateField handles PATCH /_/api/collections/{collection}/fields/{field}.
// A name-only patch is a cheap rename; type or required changes run the
// table-copy migration.
func (h *Handler) UpdateField(w http.ResponseWriter, r *http.Request) {
	var req updateFieldRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse the request body.", nil)
		return
	}

	collection := chi.URLParam(r, "collection")
	fieldName := chi.URLParam(r, "field")

	col, err := h.schema.FindCollection(r.Context(), collection)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	current := col.Field(fieldName)
	if current == nil {
		h.writeMappedError(w, schema.ErrFieldNotFound)
		return
	}

	if req.Type != nil || req.Required != nil {
		newType := current.Type
		if req.Type != nil {
			newType = *req.Type
		}
		required := current.Required
		if req.Required != nil {
			required = *req.Required
		}
		options := current.Options
		if req.Type != nil {
			options = req.Options
		}
		if err := h.schema.UpdateField(r.Context(), collection, fieldName, newType, required, options); err != nil {
			h.writeMappedError(w, err)
			return
		}
	}

	if req.Name != nil && *req.Name != fieldName {
		if err := h.schema.RenameField(r.Context(), collection, fieldName, *req.Name); err != nil {
			h.writeMappedError(w, err)
			return
		}
	}

	col, err = h.schema.FindCollection(r.Context(), collection)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, col)
}

// DeleteField handles DELETE /_/api/collections/{collection}/fields/{field}.
func (h *Handler) DeleteField(w http.ResponseWriter, r *http.Request) {
	if err := h.schema.DeleteField(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "field")); err != nil {
		h.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
