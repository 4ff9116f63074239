package handlers

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bunbase/bunbase/internal/files"
	"github.com/bunbase/bunbase/internal/query"
)

// maxMultipartMemory bounds the in-memory part of multipart parsing; larger
// files spill to temp files.
const maxMultipartMemory = 32 << 20

// ListRecords handles GET /api/collections/{collection}/records.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	params := query.ParseQuery(r.URL.Query())

	result, err := h.records.List(r.Context(), collection, RequesterFrom(r.Context()), params)
	h.metrics.RecordOperation(collection, "list", err)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ViewRecord handles GET /api/collections/{collection}/records/{id}.
func (h *Handler) ViewRecord(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	params := query.ParseQuery(r.URL.Query())

	record, err := h.records.View(r.Context(), collection, chi.URLParam(r, "id"), RequesterFrom(r.Context()), params.Expand)
	h.metrics.RecordOperation(collection, "view", err)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// CreateRecord handles POST /api/collections/{collection}/records.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")

	data, uploads, cleanup, err := h.parseRecordBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse the request body.", nil)
		return
	}
	defer cleanup()

	record, err := h.records.Create(r.Context(), collection, RequesterFrom(r.Context()), data, uploads, requestInfo(r))
	h.metrics.RecordOperation(collection, "create", err)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// UpdateRecord handles PATCH /api/collections/{collection}/records/{id}.
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")

	data, uploads, cleanup, err := h.parseRecordBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse the request body.", nil)
		return
	}
	defer cleanup()

	record, err := h.records.Update(r.Context(), collection, chi.URLParam(r, "id"), RequesterFrom(r.Context()), data, uploads, requestInfo(r))
	h.metrics.RecordOperation(collection, "update", err)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// DeleteRecord handles DELETE /api/collections/{collection}/records/{id}.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")

	err := h.records.Delete(r.Context(), collection, chi.URLParam(r, "id"), RequesterFrom(r.Context()), requestInfo(r))
	h.metrics.RecordOperation(collection, "delete", err)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseRecordBody reads a create/update payload from either a JSON body or a
// multipart form. The returned cleanup closes any opened multipart files.
func (h *Handler) parseRecordBody(r *http.Request) (map[string]any, map[string][]*files.Upload, func(), error) {
	noop := func() {}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "multipart/") {
		data := map[string]any{}
		if err := decodeJSON(r, &data); err != nil {
			return nil, nil, noop, err
		}
		return data, nil, noop, nil
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return nil, nil, noop, err
	}

	data := map[string]any{}
	for key, vals := range r.MultipartForm.Value {
		switch len(vals) {
		case 0:
		case 1:
			data[key] = coerceFormValue(vals[0])
		default:
			list := make([]any, len(vals))
			for i, v := range vals {
				list[i] = coerceFormValue(v)
			}
			data[key] = list
		}
	}

	uploads := map[string][]*files.Upload{}
	var opened []io.Closer
	cleanup := func() {
		for _, c := range opened {
			_ = c.Close()
		}
		_ = r.MultipartForm.RemoveAll()
	}

	for field, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				cleanup()
				return nil, nil, noop, err
			}
			opened = append(opened, f)
			uploads[field] = append(uploads[field], &files.Upload{
				OriginalName: fh.Filename,
				Size:         fh.Size,
				MimeType:     fh.Header.Get("Content-Type"),
				Reader:       f,
			})
		}
	}
	return data, uploads, cleanup, nil
}

// coerceFormValue parses multipart values that carry JSON objects or arrays;
// scalar coercion is left to the field validators so numeric-looking text
// stays text.
func coerceFormValue(v string) any {
	trimmed := strings.TrimSpace(v)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	return v
}
