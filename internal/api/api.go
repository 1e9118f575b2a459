// Package api holds the JSON response helpers shared by every HTTP handler.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/stonkschool/contest-engine/internal/apperr"
)

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto its status code. Internal errors are logged in
// full and rendered generically.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
	}
	WriteJSON(w, kind.HTTPStatus(), ErrorBody{
		Success: false,
		Error:   kind.Code(),
		Message: apperr.Message(err),
	})
}

// DecodeJSON decodes the request body into dst, rejecting malformed input as
// a validation error.
func DecodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "invalid request body")
	}
	return nil
}
