// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/log"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// The status line is gone; all we can do is note the loss.
		logger := log.WithComponent("api")
		logger.Debug().Err(err).
			Str(log.FieldEvent, "api.encode_failed").
			Msg("response encode failed")
	}
}

// writeError maps the error's kind to an HTTP status and encodes the
// uniform envelope. A tripped MaxBytesReader surfaces as InvalidArgument so
// oversized uploads read as a client fault.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		err = apperr.Newf(apperr.InvalidArgument, "body exceeds %d bytes", maxErr.Limit)
	}
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().Err(err).
			Str(log.FieldPath, r.URL.Path).
			Str(log.FieldEvent, "api.request_failed").
			Msg("request failed")
	}
	writeJSON(w, status, errorBody{
		Error:     err.Error(),
		Kind:      string(kind),
		RequestID: log.RequestIDFromContext(r.Context()),
	})
}

// decodeJSON strictly decodes one JSON document from the request body.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperr.Newf(apperr.InvalidArgument, "body exceeds %d bytes", maxErr.Limit)
		}
		return apperr.Wrap(apperr.InvalidArgument, err, "decode request body")
	}
	if dec.More() {
		return apperr.New(apperr.InvalidArgument, "request body has trailing data")
	}
	return nil
}

// queryInt reads an integer query parameter, falling back to def when the
// parameter is absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
