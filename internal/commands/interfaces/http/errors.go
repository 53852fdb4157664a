package http

import (
	"encoding/json"
	"errors"
	"net/http"

	commands "droidfleet-cloud/internal/commands/domain"
)

// statusFor maps command errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, commands.ErrNotFound), errors.Is(err, commands.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, commands.ErrInvalidTransition), errors.Is(err, commands.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, commands.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error  string `json:"error"`
	Status string `json:"status,omitempty"`
}

func respondError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	body := errorBody{Error: err.Error()}
	if code == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	var ite *commands.InvalidTransitionError
	if errors.As(err, &ite) {
		body.Status = string(ite.From)
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
