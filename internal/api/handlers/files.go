package handlers

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
)

// DownloadFile handles GET /api/files/{collection}/{id}/{filename}. Access is
// gated by the collection's view rule for the owning record.
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	recordID := chi.URLParam(r, "id")
	filename := chi.URLParam(r, "filename")

	// Enforces the view rule before any filesystem access.
	if _, err := h.records.View(r.Context(), collection, recordID, RequesterFrom(r.Context()), nil); err != nil {
		h.writeMappedError(w, err)
		return
	}

	f, mimeType, err := h.files.Open(r.Context(), collection, recordID, filename)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	defer f.Close()

	if mimeType != "" {
		w.Header().Set("Content-Type", mimeType)
	}

	var mod time.Time
	if osf, ok := f.(*os.File); ok {
		if fi, err := osf.Stat(); err == nil {
			mod = fi.ModTime()
		}
	}
	http.ServeContent(w, r, filename, mod, f)
}
