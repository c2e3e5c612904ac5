package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/hanko-field/cartengine/internal/platform/httpx"
)

// decodeJSON reads a single JSON object of at most limit bytes into dst, rejecting unknown fields.
// The returned error is ready to be written to the client.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) *httpx.Error {
	if r.Body == nil || r.Body == http.NoBody {
		return newAPIError(httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err == nil {
		if _, extra := dec.Token(); !errors.Is(extra, io.EOF) {
			err = errTrailingData
		}
	}
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &tooLarge):
		return newAPIError(httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, io.EOF):
		return newAPIError(httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	case errors.Is(err, errTrailingData):
		return newAPIError(httpx.NewError("invalid_request", "request body must contain a single JSON object", http.StatusBadRequest))
	}
	return newAPIError(httpx.NewError("invalid_request", "invalid JSON payload: "+err.Error(), http.StatusBadRequest))
}

// newAPIError returns a pointer to e so decodeJSON can use nil for success.
func newAPIError(e httpx.Error) *httpx.Error {
	return &e
}

var errTrailingData = errors.New("trailing data after JSON object")

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// setNoStore keeps carts and probes out of shared caches.
func setNoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
