package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/hydra/pkg/hydraerr"
)

// decodeJSON decodes the request body into v, writing a 400 and returning
// false on malformed input.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err.Error() != "EOF" {
		writeError(w, hydraerr.Input("malformed_body", "api", "request body is not valid JSON"))
		return false
	}
	return true
}

// writeJSON writes v as a 200 JSON response.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// writeResult writes v as JSON on success or maps err to a status code on
// failure.
func writeResult(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, v)
}

// writeNoContent writes 204 on success or maps err to a status code.
func writeNoContent(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError maps a hydraerr.Error's kind to its documented HTTP status
// (spec.md §7); any other error is reported as an opaque 500 so internal
// detail never leaks to the caller.
func writeError(w http.ResponseWriter, err error) {
	he, ok := hydraerr.AsHydraError(err)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(errorBody{Error: "internal_error", Message: "an internal error occurred"})
		return
	}

	status := http.StatusInternalServerError
	switch he.Kind() {
	case hydraerr.KindInput:
		status = http.StatusBadRequest
	case hydraerr.KindPrecondition:
		status = http.StatusConflict
	case hydraerr.KindTransient:
		status = http.StatusServiceUnavailable
	case hydraerr.KindOperation:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: he.Code, Message: he.Message})
}
