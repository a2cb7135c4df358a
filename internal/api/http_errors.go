package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cloudtether/tether/internal/core"
)

// errorBody is the wire shape of an API error.
type errorBody struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func httpStatusForDomainError(err error) (int, bool) {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr == nil {
		return 0, false
	}

	switch domErr.Category {
	case core.ErrCatValidation:
		return http.StatusUnprocessableEntity, true
	case core.ErrCatNotFound:
		return http.StatusNotFound, true
	case core.ErrCatAuth:
		return http.StatusUnauthorized, true
	case core.ErrCatLimit:
		return http.StatusTooManyRequests, true
	case core.ErrCatTransient:
		return http.StatusServiceUnavailable, true
	case core.ErrCatRegistration:
		return http.StatusGatewayTimeout, true
	default:
		return http.StatusInternalServerError, true
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error()}

	if s, ok := httpStatusForDomainError(err); ok {
		status = s
		var domErr *core.DomainError
		if errors.As(err, &domErr) {
			body.Code = domErr.Code
			body.Details = domErr.Details
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
