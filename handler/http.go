package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"message-aggregator/internal/usecase"
)

// ServeHTTP adapts the same routes to net/http for the long-running server.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}
	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	req := request{
		method:        r.Method,
		path:          r.URL.Path,
		query:         query,
		headers:       headers,
		correlationID: correlationID(headers),
	}

	var resp response
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		resp = failure(http.StatusRequestEntityTooLarge, usecase.ErrorInvalidInput, "body_too_large")
	case err != nil:
		resp = invalidBody()
	default:
		req.body = body
		resp = h.serve(r.Context(), req)
	}

	status, payload := h.encode(req, resp)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(correlationHeader, req.correlationID)
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
