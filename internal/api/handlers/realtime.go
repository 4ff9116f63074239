package handlers

import (
	"net/http"
)

type subscribeRequest struct {
	ClientID      string   `json:"clientId"`
	Subscriptions []string `json:"subscriptions"`
}

// RealtimeStream handles GET /api/realtime: an SSE stream held open for the
// connection's lifetime.
func (h *Handler) RealtimeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming is not supported.", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := h.broker.Register()
	h.metrics.SetSSEClients(h.broker.ClientCount())
	defer func() {
		h.broker.Unregister(client.ID)
		h.metrics.SetSSEClients(h.broker.ClientCount())
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.Done:
			return
		case msg := <-client.Send:
			if _, err := w.Write([]byte(msg.Frame())); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// RealtimeSubscribe handles POST /api/realtime: replaces a client's
// subscription set and attaches the caller's identity for permission-filtered
// delivery. A body without subscriptions only refreshes the client's activity.
func (h *Handler) RealtimeSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse the request body.", nil)
		return
	}
	if req.ClientID == "" || !h.broker.HasClient(req.ClientID) {
		writeError(w, http.StatusNotFound, "Missing or invalid client id.", nil)
		return
	}

	// A body without a subscriptions key is a keep-alive ping; the
	// subscription set stays as it is.
	if req.Subscriptions == nil {
		h.broker.Touch(req.ClientID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	requester := RequesterFrom(r.Context())
	isAdmin := requester != nil && requester.IsAdmin
	if err := h.broker.Subscribe(req.ClientID, req.Subscriptions, requester.RuleIdentity(), isAdmin); err != nil {
		writeError(w, http.StatusNotFound, "Missing or invalid client id.", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
