package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"pipeline-service/internal/apperr"
)

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}

// writeAppErr maps the error taxonomy onto a status code. Causes of server
// side failures are never echoed to the client.
func writeAppErr(w http.ResponseWriter, err error) int {
	code, body := errorResponse(err)
	writeJSON(w, code, body)
	return code
}

func errorResponse(err error) (int, apiError) {
	var ae *apperr.AppError
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError, apiError{Message: "internal error"}
	}
	switch ae.Code {
	case apperr.CodeInvalidConfiguration:
		return http.StatusBadRequest, apiError{Message: ae.Error(), Code: string(ae.Code)}
	case apperr.CodeBackingStore:
		return http.StatusServiceUnavailable, apiError{Message: "Service temporarily unavailable", Code: string(ae.Code)}
	case apperr.CodeNotFound:
		return http.StatusNotFound, apiError{Message: ae.Message, Code: string(ae.Code)}
	}
	return http.StatusInternalServerError, apiError{Message: "internal error"}
}
