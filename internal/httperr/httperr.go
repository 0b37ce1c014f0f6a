// Package httperr writes the gateway's wire error shape:
//
//	{"error": {"type": <kind>, "message": <human>, "param": <field>}}
package httperr

import (
	"encoding/json"
	"net/http"
)

// Error kinds surfaced on the proxy plane.
const (
	KindAuthentication     = "authentication_error"
	KindPermission         = "permission_error"
	KindInvalidRequest     = "invalid_request_error"
	KindNotFound           = "not_found"
	KindRateLimitExceeded  = "rate_limit_exceeded"
	KindBudgetExceeded     = "budget_exceeded"
	KindServiceUnavailable = "service_unavailable"
	KindServerError        = "server_error"
	KindNotImplemented     = "not_implemented"
)

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

type envelope struct {
	Error wireError `json:"error"`
}

// Write emits a structured JSON error with the given status code.
// param may be empty.
func Write(w http.ResponseWriter, status int, kind, message, param string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: wireError{
		Type:    kind,
		Message: message,
		Param:   param,
	}})
}
